package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"smallbiznis-referral/pkg/db/option"
	"smallbiznis-referral/pkg/db/pagination"
	"smallbiznis-referral/pkg/money"
	"smallbiznis-referral/pkg/repository"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrDuplicate = errors.New("ledger: duplicate key")
	ErrNotFound  = errors.New("ledger: record not found")
	ErrConflict  = errors.New("ledger: concurrent update")
)

const maxCASAttempts = 10

// IsDuplicate reports whether err is a unique constraint violation from any
// supported dialect.
func IsDuplicate(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDuplicate) || errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value") ||
		strings.Contains(msg, "Duplicate entry")
}

func wrapDuplicate(err error) error {
	if IsDuplicate(err) && !errors.Is(err, ErrDuplicate) {
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	}
	return err
}

// Store is the durable ledger: accounts, slots, payment records, checkpoints
// and counters. Every mutation is either a single conditional statement or a
// version-checked compare-and-swap.
type Store struct {
	db   *gorm.DB
	node *snowflake.Node

	users    repository.Repository[UserAccount]
	slots    repository.Repository[PlacementSlot]
	payments repository.Repository[Payment]
}

type StoreParams struct {
	fx.In
	DB   *gorm.DB
	Node *snowflake.Node
}

func NewStore(p StoreParams) *Store {
	return &Store{
		db:   p.DB,
		node: p.Node,

		users:    repository.ProvideStore[UserAccount](p.DB),
		slots:    repository.ProvideStore[PlacementSlot](p.DB),
		payments: repository.ProvideStore[Payment](p.DB),
	}
}

// Transaction runs fn against a store bound to a single database
// transaction. The transaction rolls back when fn returns an error.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(s.withTrx(tx))
	})
}

func (s *Store) withTrx(tx *gorm.DB) *Store {
	return &Store{
		db:   tx,
		node: s.node,

		users:    s.users.WithTrx(tx),
		slots:    s.slots.WithTrx(tx),
		payments: s.payments.WithTrx(tx),
	}
}

func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(Models()...)
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) FindUser(ctx context.Context, userID string) (*UserAccount, error) {
	if userID == "" {
		return nil, nil
	}
	return s.users.FindOne(ctx, &UserAccount{UserID: userID})
}

func (s *Store) MustFindUser(ctx context.Context, userID string) (*UserAccount, error) {
	u, err := s.FindUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, fmt.Errorf("%w: user %s", ErrNotFound, userID)
	}
	return u, nil
}

func (s *Store) FindUserByCode(ctx context.Context, code string) (*UserAccount, error) {
	return s.users.FindOne(ctx, &UserAccount{ReferralCode: &code})
}

func (s *Store) FindUsers(ctx context.Context, userIDs []string) ([]*UserAccount, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	return s.users.Find(ctx, &UserAccount{}, option.ApplyOperator(option.Condition{
		Field:    "user_id",
		Operator: option.IN,
		Value:    userIDs,
	}))
}

func (s *Store) CreateUser(ctx context.Context, u *UserAccount) error {
	return wrapDuplicate(s.users.Create(ctx, u))
}

// Backfill sets column to value only when it is still empty. It reports
// whether the row changed.
func (s *Store) Backfill(ctx context.Context, userID, column string, value any) (bool, error) {
	var cond string
	switch column {
	case "first_name":
		cond = "(first_name IS NULL OR first_name = '')"
	case "referral_code", "member_no", "slot_id":
		cond = column + " IS NULL"
	default:
		return false, fmt.Errorf("ledger: column %q cannot be backfilled", column)
	}

	res := s.db.WithContext(ctx).Model(&UserAccount{}).
		Where("user_id = ?", userID).
		Where(cond).
		Updates(map[string]any{
			column:    value,
			"version": gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return false, wrapDuplicate(res.Error)
	}
	return res.RowsAffected == 1, nil
}

// MutateUser loads the account, applies fn and writes the membership fields
// back guarded by the row version. fn returning false skips the write.
func (s *Store) MutateUser(ctx context.Context, userID string, fn func(u *UserAccount) (bool, error)) (*UserAccount, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		u, err := s.MustFindUser(ctx, userID)
		if err != nil {
			return nil, err
		}

		changed, err := fn(u)
		if err != nil {
			return nil, err
		}
		if !changed {
			return u, nil
		}

		res := s.db.WithContext(ctx).Model(&UserAccount{}).
			Where("user_id = ? AND version = ?", userID, u.Version).
			Updates(map[string]any{
				"direct_children":  u.DirectChildren,
				"direct_dates":     u.DirectDates,
				"eligible":         u.Eligible,
				"joined":           u.Joined,
				"last_withdraw_at": u.LastWithdrawAt,
				"version":          u.Version + 1,
			})
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 1 {
			u.Version++
			return u, nil
		}
	}
	return nil, fmt.Errorf("%w: user %s", ErrConflict, userID)
}

// CreditBalance atomically increments balance_usd and commission_usd.
func (s *Store) CreditBalance(ctx context.Context, userID string, amount money.Amount) error {
	res := s.db.WithContext(ctx).Model(&UserAccount{}).
		Where("user_id = ?", userID).
		Updates(map[string]any{
			"balance_usd":    gorm.Expr("balance_usd + ?", amount),
			"commission_usd": gorm.Expr("commission_usd + ?", amount),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: user %s", ErrNotFound, userID)
	}
	return nil
}

// ClaimBalance zeroes balance_usd only if it still equals expected, so a
// balance is paid out at most once even when two settlement runs overlap.
func (s *Store) ClaimBalance(ctx context.Context, userID string, expected money.Amount) (bool, error) {
	res := s.db.WithContext(ctx).Model(&UserAccount{}).
		Where("user_id = ? AND balance_usd = ?", userID, expected).
		Update("balance_usd", money.Zero)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *Store) AddTokens(ctx context.Context, userID string, tokens int64) error {
	return s.db.WithContext(ctx).Model(&UserAccount{}).
		Where("user_id = ?", userID).
		Update("tokens", gorm.Expr("tokens + ?", tokens)).Error
}

// MarkJoined flips joined false -> true. It reports false when the user had
// already joined.
func (s *Store) MarkJoined(ctx context.Context, userID string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&UserAccount{}).
		Where("user_id = ? AND joined = ?", userID, false).
		Updates(map[string]any{
			"joined":  true,
			"version": gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *Store) SetWallet(ctx context.Context, userID, wallet string) error {
	res := s.db.WithContext(ctx).Model(&UserAccount{}).
		Where("user_id = ?", userID).
		Update("wallet_address", wallet)
	if res.Error != nil {
		return wrapDuplicate(res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: user %s", ErrNotFound, userID)
	}
	return nil
}

// Downline pages through the given users ordered by join time.
func (s *Store) Downline(ctx context.Context, userIDs []string, p pagination.Pagination) ([]*UserAccount, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	return s.users.Find(ctx, &UserAccount{},
		option.ApplyOperator(option.Condition{Field: "user_id", Operator: option.IN, Value: userIDs}),
		option.WithSortBy(option.QuerySortBy{SortBy: "created_at", OrderBy: "ASC"}),
		option.ApplyPagination(p),
	)
}

// MembersWithBalance lists accounts holding a positive balance, skipping exclude.
func (s *Store) MembersWithBalance(ctx context.Context, exclude []string) ([]*UserAccount, error) {
	var out []*UserAccount
	q := s.db.WithContext(ctx).Where("balance_usd > ?", 0)
	if len(exclude) > 0 {
		q = q.Where("user_id NOT IN ?", exclude)
	}
	if err := q.Order("created_at ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) FindSlot(ctx context.Context, slotID string) (*PlacementSlot, error) {
	return s.slots.FindOne(ctx, &PlacementSlot{SlotID: slotID})
}

// InsertSlot is the placement commit point: a duplicate slot id fails with ErrDuplicate.
func (s *Store) InsertSlot(ctx context.Context, slot *PlacementSlot) error {
	return wrapDuplicate(s.slots.Create(ctx, slot))
}

func (s *Store) CountChildSlots(ctx context.Context, parentID string) (int64, error) {
	return s.slots.Count(ctx, &PlacementSlot{ParentID: parentID})
}

// ChildSlots returns the children of parentID, highest slot id first.
func (s *Store) ChildSlots(ctx context.Context, parentID string) ([]*PlacementSlot, error) {
	return s.slots.Find(ctx, &PlacementSlot{ParentID: parentID},
		option.WithSortBy(option.QuerySortBy{
			SortBy:  "slot_id",
			OrderBy: "DESC",
			Allow:   map[string]bool{"slot_id": true},
		}),
	)
}

func (s *Store) InsertPayment(ctx context.Context, p *Payment) error {
	if p.ID == "" {
		p.ID = s.node.Generate().String()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	p.CreatedAt = p.CreatedAt.UTC().Truncate(time.Millisecond)
	p.Hash = p.GenerateHash()
	return wrapDuplicate(s.payments.Create(ctx, p))
}

func (s *Store) FindPayments(ctx context.Context, query *Payment, opts ...option.QueryOption) ([]*Payment, error) {
	opts = append([]option.QueryOption{option.WithSortBy(option.QuerySortBy{SortBy: "created_at", OrderBy: "ASC"})}, opts...)
	return s.payments.Find(ctx, query, opts...)
}

func (s *Store) PendingPayments(ctx context.Context, limit int) ([]*Payment, error) {
	return s.FindPayments(ctx, &Payment{Status: StatusPendingRetry}, option.WithLimit(limit))
}

// SettlePending moves a pending_retry record to success. It reports false if
// another worker settled it first.
func (s *Store) SettlePending(ctx context.Context, id, txHash string, attempts int) (bool, error) {
	p, err := s.payments.FindOne(ctx, &Payment{ID: id})
	if err != nil {
		return false, err
	}
	if p == nil {
		return false, fmt.Errorf("%w: payment %s", ErrNotFound, id)
	}
	if p.Status != StatusPendingRetry {
		return false, nil
	}

	p.Status = StatusSuccess
	p.TxHash = &txHash
	p.Attempts += attempts

	res := s.db.WithContext(ctx).Model(&Payment{}).
		Where("id = ? AND status = ?", id, StatusPendingRetry).
		Updates(map[string]any{
			"status":   p.Status,
			"tx_hash":  txHash,
			"attempts": p.Attempts,
			"hash":     p.GenerateHash(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// VerifyPayment recomputes the record fingerprint.
func (s *Store) VerifyPayment(ctx context.Context, id string) (bool, error) {
	p, err := s.payments.FindOne(ctx, &Payment{ID: id})
	if err != nil {
		return false, err
	}
	if p == nil {
		return false, fmt.Errorf("%w: payment %s", ErrNotFound, id)
	}
	return p.Hash == p.GenerateHash(), nil
}

func (s *Store) FindCheckpoint(ctx context.Context, key string) (*ScheduleCheckpoint, error) {
	var cp ScheduleCheckpoint
	if err := s.db.WithContext(ctx).Where("name = ?", key).First(&cp).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &cp, nil
}

// AdvanceCheckpoint claims the run of key at now. A missing checkpoint is
// always due, and so is a forced run, which moves ts to the later of now and
// the stored ts. Otherwise the run is due once interval has elapsed and the
// advance is a compare-and-swap on the previous ts, so only one caller wins a
// given period. ts never moves backwards.
func (s *Store) AdvanceCheckpoint(ctx context.Context, key string, now time.Time, interval time.Duration, force bool) (bool, error) {
	now = now.UTC()

	cp, err := s.FindCheckpoint(ctx, key)
	if err != nil {
		return false, err
	}

	if cp == nil {
		res := s.db.WithContext(ctx).
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(&ScheduleCheckpoint{Key: key, TS: now})
		if res.Error != nil {
			return false, res.Error
		}
		return res.RowsAffected == 1, nil
	}

	if force {
		next := now
		if cp.TS.After(next) {
			next = cp.TS
		}
		err := s.db.WithContext(ctx).Model(&ScheduleCheckpoint{}).
			Where("name = ? AND ts <= ?", key, next).
			Update("ts", next).Error
		if err != nil {
			return false, err
		}
		return true, nil
	}

	if !now.After(cp.TS) || now.Sub(cp.TS) < interval {
		return false, nil
	}

	res := s.db.WithContext(ctx).Model(&ScheduleCheckpoint{}).
		Where("name = ? AND ts = ?", key, cp.TS).
		Update("ts", now)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// NextCounter increments and reads the named counter in one transaction.
func (s *Store) NextCounter(ctx context.Context, name string) (int64, error) {
	var value int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&Counter{Name: name}).Error; err != nil {
			return err
		}

		if err := tx.Model(&Counter{}).Where("name = ?", name).Update("seq", gorm.Expr("seq + 1")).Error; err != nil {
			return err
		}

		var c Counter
		if err := tx.Where("name = ?", name).First(&c).Error; err != nil {
			return err
		}
		value = c.Value
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("ledger: next %s: %w", name, err)
	}
	return value, nil
}
