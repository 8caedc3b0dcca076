package member

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"smallbiznis-referral/pkg/config"
	"smallbiznis-referral/pkg/db/pagination"
	"smallbiznis-referral/pkg/errutil"
	"smallbiznis-referral/pkg/money"
	"smallbiznis-referral/pkg/sequence"
	"smallbiznis-referral/pkg/task"
	"smallbiznis-referral/pkg/taskname"
	"smallbiznis-referral/services/commission"
	"smallbiznis-referral/services/ledger"
	"smallbiznis-referral/services/placement"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

const (
	maxCodeAttempts   = 10
	maxCreateAttempts = 5
)

var walletPattern = regexp.MustCompile(`^(T[1-9A-HJ-NP-Za-km-z]{33}|0x[0-9a-fA-F]{40})$`)

// Ticker runs the settlement checkpoints. Every entry point ticks first so the
// engine keeps settling even when no dedicated driver is deployed.
type Ticker interface {
	Tick(ctx context.Context, force bool) error
}

type Service struct {
	store       *ledger.Store
	allocator   *placement.Allocator
	eligibility *Eligibility
	distributor *commission.Distributor
	seq         sequence.Generator
	enqueuer    task.Enqueuer
	ticker      Ticker
	cfg         config.Referral
}

type ServiceParams struct {
	fx.In
	Store       *ledger.Store
	Allocator   *placement.Allocator
	Eligibility *Eligibility
	Distributor *commission.Distributor
	Seq         sequence.Generator
	Config      *config.Config

	Enqueuer task.Enqueuer `optional:"true"`
	Ticker   Ticker        `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	return &Service{
		store:       p.Store,
		allocator:   p.Allocator,
		eligibility: p.Eligibility,
		distributor: p.Distributor,
		seq:         p.Seq,
		enqueuer:    p.Enqueuer,
		ticker:      p.Ticker,
		cfg:         p.Config.Referral,
	}
}

type EnsureUserRequest struct {
	UserID    string `json:"user_id" binding:"required"`
	FirstName string `json:"first_name"`
	InviterID string `json:"inviter_id"`
}

type Profile struct {
	UserID        string       `json:"user_id"`
	FirstName     string       `json:"first_name"`
	MemberNo      int64        `json:"member_no"`
	ReferralCode  string       `json:"referral_code"`
	SlotID        string       `json:"slot_id"`
	Tokens        int64        `json:"tokens"`
	BalanceUSD    money.Amount `json:"balance_usd"`
	CommissionUSD money.Amount `json:"commission_usd"`
	Joined        bool         `json:"joined"`
	Eligible      bool         `json:"eligible"`
	WalletAddress string       `json:"wallet_address,omitempty"`
	DownlineCount int          `json:"downline_count"`
}

type DownlineEntry struct {
	FirstName    string `json:"first_name"`
	ReferralCode string `json:"referral_code"`
}

type DownlinePage struct {
	Items    []DownlineEntry     `json:"items"`
	PageInfo pagination.PageInfo `json:"page_info"`
}

type JoinReceipt struct {
	UserID       string                   `json:"user_id"`
	OrderID      int64                    `json:"order_id"`
	Tokens       int64                    `json:"tokens"`
	Queued       bool                     `json:"queued"`
	Distribution *commission.Distribution `json:"distribution,omitempty"`
}

type WithdrawalReceipt struct {
	UserID      string    `json:"user_id"`
	WithdrawID  int64     `json:"withdraw_id"`
	RequestedAt time.Time `json:"requested_at"`
}

func (s *Service) logger(ctx context.Context) *zap.Logger {
	span := trace.SpanFromContext(ctx)
	return zap.L().With(
		zap.String("trace_id", span.SpanContext().TraceID().String()),
		zap.String("span_id", span.SpanContext().SpanID().String()),
	)
}

func (s *Service) tick(ctx context.Context) {
	if s.ticker == nil {
		return
	}
	if err := s.ticker.Tick(ctx, false); err != nil {
		s.logger(ctx).Warn("[Member] settlement tick failed", zap.Error(err))
	}
}

// =========================================================
// EnsureUser
// =========================================================
func (s *Service) EnsureUser(ctx context.Context, req EnsureUserRequest) (*ledger.UserAccount, error) {
	req.UserID = strings.TrimSpace(req.UserID)
	req.InviterID = strings.TrimSpace(req.InviterID)
	if req.UserID == "" {
		return nil, errutil.BadRequest("user_id is required", nil)
	}

	s.tick(ctx)

	log := s.logger(ctx).With(zap.String("user_id", req.UserID))

	existing, err := s.store.FindUser(ctx, req.UserID)
	if err != nil {
		return nil, storeErr("failed to load account", err)
	}
	if existing != nil {
		return s.backfill(ctx, existing, req.FirstName)
	}

	inviterID := req.InviterID
	if inviterID == req.UserID {
		inviterID = ""
	}
	if inviterID != "" {
		inviter, err := s.store.FindUser(ctx, inviterID)
		if err != nil {
			return nil, storeErr("failed to load inviter", err)
		}
		if inviter == nil {
			log.Warn("[Member] unknown inviter, onboarding without one", zap.String("inviter_id", inviterID))
			inviterID = ""
		}
	}

	memberNo, err := s.seq.Next(ctx, ledger.CounterMember)
	if err != nil {
		return nil, errutil.Internal("failed to allocate member number", err)
	}

	ancestors, err := s.ancestors(ctx, inviterID)
	if err != nil {
		return nil, storeErr("failed to resolve ancestors", err)
	}

	account := &ledger.UserAccount{
		UserID:         req.UserID,
		FirstName:      strings.TrimSpace(req.FirstName),
		MemberNo:       &memberNo,
		Ancestors:      ancestors,
		DirectChildren: datatypes.JSONSlice[string]{},
		DirectDates:    datatypes.JSONSlice[time.Time]{},
	}
	if inviterID != "" {
		account.InviterID = &inviterID
	}

	// the account row claims the user id; only the request that wins it
	// goes on to occupy a slot
	created := false
	for attempt := 0; attempt < maxCreateAttempts; attempt++ {
		code, err := s.uniqueCode(ctx)
		if err != nil {
			return nil, err
		}
		account.ReferralCode = &code

		err = s.store.CreateUser(ctx, account)
		if err == nil {
			created = true
			break
		}
		if !errors.Is(err, ledger.ErrDuplicate) {
			return nil, storeErr("failed to create account", err)
		}

		// either a concurrent onboarding of the same user won, or the code collided
		winner, ferr := s.store.FindUser(ctx, req.UserID)
		if ferr != nil {
			return nil, storeErr("failed to load account", ferr)
		}
		if winner != nil {
			log.Info("[Member] concurrent onboarding detected", zap.Int64("unused_member_no", memberNo))
			return s.backfill(ctx, winner, req.FirstName)
		}
	}
	if !created {
		return nil, errutil.Internal("failed to create account", fmt.Errorf("no unique referral code after %d attempts", maxCreateAttempts))
	}

	slotID, err := s.allocator.AssignSlot(ctx, inviterID, memberNo)
	if err != nil {
		log.Error("[Member] failed to assign slot", zap.Int64("member_no", memberNo), zap.Error(err))
		return nil, storeErr("failed to assign placement slot", err)
	}
	if _, err := s.store.Backfill(ctx, req.UserID, "slot_id", slotID); err != nil {
		log.Error("[Member] failed to store slot", zap.String("slot_id", slotID), zap.Error(err))
		return nil, storeErr("failed to store placement slot", err)
	}
	account.SlotID = &slotID

	if inviterID != "" {
		if _, err := s.eligibility.AddChild(ctx, inviterID, req.UserID, account.CreatedAt); err != nil {
			log.Error("[Member] failed to record direct child", zap.String("inviter_id", inviterID), zap.Error(err))
			return nil, storeErr("failed to update inviter", err)
		}
	}

	log.Info("[Member] account created",
		zap.Int64("member_no", memberNo),
		zap.String("slot_id", slotID),
		zap.String("inviter_id", inviterID),
		zap.Int("ancestors", len(ancestors)),
	)
	return account, nil
}

// backfill repairs the write-once identity fields of an existing account.
func (s *Service) backfill(ctx context.Context, account *ledger.UserAccount, firstName string) (*ledger.UserAccount, error) {
	changed := false

	if name := strings.TrimSpace(firstName); name != "" && account.FirstName == "" {
		ok, err := s.store.Backfill(ctx, account.UserID, "first_name", name)
		if err != nil {
			return nil, storeErr("failed to backfill first name", err)
		}
		changed = changed || ok
	}

	for attempt := 0; account.ReferralCode == nil && attempt < maxCreateAttempts; attempt++ {
		code, err := s.uniqueCode(ctx)
		if err != nil {
			return nil, err
		}
		ok, err := s.store.Backfill(ctx, account.UserID, "referral_code", code)
		if errors.Is(err, ledger.ErrDuplicate) {
			continue
		}
		if err != nil {
			return nil, storeErr("failed to backfill referral code", err)
		}
		changed = changed || ok
		break
	}

	if account.MemberNo == nil {
		memberNo, err := s.seq.Next(ctx, ledger.CounterMember)
		if err != nil {
			return nil, errutil.Internal("failed to allocate member number", err)
		}
		ok, err := s.store.Backfill(ctx, account.UserID, "member_no", memberNo)
		if err != nil {
			return nil, storeErr("failed to backfill member number", err)
		}
		changed = changed || ok
	}

	if !changed {
		return account, nil
	}

	s.logger(ctx).Info("[Member] account backfilled", zap.String("user_id", account.UserID))
	return s.store.MustFindUser(ctx, account.UserID)
}

func (s *Service) uniqueCode(ctx context.Context) (string, error) {
	length := s.cfg.ReferralCodeLength
	if length <= 0 {
		length = 8
	}

	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		code, err := sequence.RandomCode(length)
		if err != nil {
			return "", errutil.Internal("failed to generate referral code", err)
		}
		owner, err := s.store.FindUserByCode(ctx, code)
		if err != nil {
			return "", storeErr("failed to check referral code", err)
		}
		if owner == nil {
			return code, nil
		}
	}
	return "", errutil.Internal("failed to generate referral code", fmt.Errorf("no free code after %d attempts", maxCodeAttempts))
}

// ancestors walks inviter links upward and returns the chain root first.
func (s *Service) ancestors(ctx context.Context, inviterID string) ([]string, error) {
	chain := []string{}
	seen := map[string]bool{}

	for id := inviterID; id != ""; {
		if seen[id] {
			s.logger(ctx).Warn("[Member] inviter cycle detected", zap.String("user_id", id))
			break
		}
		seen[id] = true
		chain = append(chain, id)

		u, err := s.store.FindUser(ctx, id)
		if err != nil {
			return nil, err
		}
		if u == nil {
			break
		}
		id = u.Inviter()
	}

	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// =========================================================
// Downline membership
// =========================================================
func (s *Service) MarkChildRemoved(ctx context.Context, parentID, childID string) error {
	s.tick(ctx)
	return s.markChildRemoved(ctx, parentID, childID)
}

func (s *Service) markChildRemoved(ctx context.Context, parentID, childID string) error {
	u, err := s.eligibility.RemoveChild(ctx, parentID, childID)
	if err != nil {
		return storeErr("failed to remove direct child", err)
	}

	s.logger(ctx).Info("[Member] direct child removed",
		zap.String("user_id", parentID),
		zap.String("child_id", childID),
		zap.Bool("eligible", u.Eligible),
	)
	return nil
}

func (s *Service) RefreshEligibility(ctx context.Context, userID string) (*ledger.UserAccount, error) {
	u, err := s.eligibility.Refresh(ctx, userID)
	if err != nil {
		return nil, storeErr("failed to refresh eligibility", err)
	}
	return u, nil
}

// =========================================================
// Queries
// =========================================================
func (s *Service) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	s.tick(ctx)

	u, err := s.store.MustFindUser(ctx, userID)
	if err != nil {
		return nil, storeErr("account not found", err)
	}

	p := &Profile{
		UserID:        u.UserID,
		FirstName:     u.FirstName,
		ReferralCode:  u.Code(),
		Tokens:        u.Tokens,
		BalanceUSD:    u.BalanceUSD,
		CommissionUSD: u.CommissionUSD,
		Joined:        u.Joined,
		Eligible:      u.Eligible,
		WalletAddress: u.Wallet(),
		DownlineCount: len(u.DirectChildren),
	}
	if u.MemberNo != nil {
		p.MemberNo = *u.MemberNo
	}
	if u.SlotID != nil {
		p.SlotID = *u.SlotID
	}
	return p, nil
}

func (s *Service) GetDownline(ctx context.Context, userID string, page pagination.Pagination) (*DownlinePage, error) {
	s.tick(ctx)

	u, err := s.store.MustFindUser(ctx, userID)
	if err != nil {
		return nil, storeErr("account not found", err)
	}

	page = page.Normalize()
	children, err := s.store.Downline(ctx, u.DirectChildren, page)
	if err != nil {
		return nil, storeErr("failed to list downline", err)
	}

	items := make([]DownlineEntry, 0, len(children))
	for _, c := range children {
		items = append(items, DownlineEntry{FirstName: c.FirstName, ReferralCode: c.Code()})
	}

	return &DownlinePage{
		Items:    items,
		PageInfo: pagination.BuildPageInfo(page, int64(len(u.DirectChildren))),
	}, nil
}

// =========================================================
// RegisterWallet
// =========================================================
func (s *Service) RegisterWallet(ctx context.Context, userID, address string) (*ledger.UserAccount, error) {
	s.tick(ctx)

	address = strings.TrimSpace(address)
	if !walletPattern.MatchString(address) {
		return nil, errutil.ValidationFailed("invalid wallet address", nil, errutil.WithDetails(errutil.Detail{
			Field:   "address",
			Message: "must be a TRON base58 or 0x-prefixed hex address",
		}))
	}

	u, err := s.store.MustFindUser(ctx, userID)
	if err != nil {
		return nil, storeErr("account not found", err)
	}
	if u.Wallet() == address {
		return u, nil
	}

	if err := s.store.SetWallet(ctx, userID, address); err != nil {
		if errors.Is(err, ledger.ErrDuplicate) {
			return nil, errutil.Conflict("wallet address already registered to another account", err)
		}
		return nil, storeErr("failed to register wallet", err)
	}

	s.logger(ctx).Info("[Member] wallet registered", zap.String("user_id", userID))
	u.WalletAddress = &address
	return u, nil
}

// =========================================================
// ConfirmJoinPayment
// =========================================================
func (s *Service) ConfirmJoinPayment(ctx context.Context, userID, txHash string) (*JoinReceipt, error) {
	s.tick(ctx)

	log := s.logger(ctx).With(zap.String("user_id", userID))

	u, err := s.store.MustFindUser(ctx, userID)
	if err != nil {
		return nil, storeErr("account not found", err)
	}
	if u.Joined {
		return nil, errutil.Conflict("join fee already confirmed", nil)
	}

	orderID, err := s.seq.Next(ctx, ledger.CounterOrderID)
	if err != nil {
		return nil, errutil.Internal("failed to allocate order id", err)
	}

	receipt := &JoinReceipt{UserID: userID, OrderID: orderID}
	if s.cfg.AirdropTokens > 0 {
		if _, err := s.seq.Next(ctx, ledger.CounterToken); err != nil {
			return nil, errutil.Internal("failed to allocate token grant", err)
		}
		receipt.Tokens = s.cfg.AirdropTokens
	}

	record := &ledger.Payment{
		UserID:    userID,
		Wallet:    s.cfg.JoinPoolWallet,
		AmountUSD: money.New(s.cfg.JoinFee),
		Status:    ledger.StatusSuccess,
		Note:      "join_fee",
		Ref:       strconv.FormatInt(orderID, 10),
	}
	if txHash = strings.TrimSpace(txHash); txHash != "" {
		record.TxHash = &txHash
	}

	// joined, the fee record and the token grant commit together
	err = s.store.Transaction(ctx, func(tx *ledger.Store) error {
		ok, err := tx.MarkJoined(ctx, userID)
		if err != nil {
			return storeErr("failed to confirm payment", err)
		}
		if !ok {
			return errutil.Conflict("join fee already confirmed", nil)
		}
		if err := tx.InsertPayment(ctx, record); err != nil {
			return storeErr("failed to record join fee", err)
		}
		if receipt.Tokens > 0 {
			if err := tx.AddTokens(ctx, userID, receipt.Tokens); err != nil {
				return storeErr("failed to grant tokens", err)
			}
		}
		return nil
	})
	if err != nil {
		log.Error("[Member] failed to confirm join fee", zap.Int64("order_id", orderID), zap.Error(err))
		return nil, err
	}

	if s.cfg.AsyncCommission && s.enqueuer != nil {
		t, err := commission.NewDistributeTask(userID)
		if err == nil {
			_, err = s.enqueuer.Enqueue(ctx, t)
		}
		switch {
		case err == nil, task.IsDuplicate(err):
			receipt.Queued = true
			log.Info("[Member] join fee confirmed, distribution queued", zap.Int64("order_id", orderID))
			return receipt, nil
		default:
			log.Warn("[Member] failed to queue distribution, running inline", zap.Error(err))
		}
	}

	u.Joined = true
	u.Tokens += receipt.Tokens

	dist, err := s.distributor.Distribute(ctx, u)
	if err != nil {
		// the fee is already confirmed; failed legs are in the log
		log.Error("[Member] distribution finished with errors", zap.Error(err))
	}
	receipt.Distribution = dist

	log.Info("[Member] join fee confirmed", zap.Int64("order_id", orderID))
	return receipt, nil
}

// =========================================================
// RequestWithdrawal
// =========================================================
func (s *Service) RequestWithdrawal(ctx context.Context, userID string) (*WithdrawalReceipt, error) {
	s.tick(ctx)

	log := s.logger(ctx).With(zap.String("user_id", userID))

	u, err := s.store.MustFindUser(ctx, userID)
	if err != nil {
		return nil, storeErr("account not found", err)
	}
	if u.Wallet() == "" {
		return nil, errutil.UnprocessableEntity("register a wallet address before requesting a withdrawal", nil)
	}

	withdrawID, err := s.seq.Next(ctx, ledger.CounterWithdrawID)
	if err != nil {
		return nil, errutil.Internal("failed to allocate withdraw id", err)
	}

	now := time.Now().UTC()
	u, err = s.store.MutateUser(ctx, userID, func(u *ledger.UserAccount) (bool, error) {
		u.LastWithdrawAt = &now
		u.Joined = false
		u.DirectChildren = datatypes.JSONSlice[string]{}
		u.DirectDates = datatypes.JSONSlice[time.Time]{}
		s.eligibility.apply(u)
		return true, nil
	})
	if err != nil {
		return nil, storeErr("failed to record withdrawal", err)
	}

	if inviterID := u.Inviter(); inviterID != "" {
		if err := s.markChildRemoved(ctx, inviterID, userID); err != nil {
			log.Error("[Member] failed to detach from inviter", zap.String("inviter_id", inviterID), zap.Error(err))
			return nil, err
		}
	}

	log.Info("[Member] withdrawal requested", zap.Int64("withdraw_id", withdrawID))
	return &WithdrawalReceipt{UserID: userID, WithdrawID: withdrawID, RequestedAt: now}, nil
}

// =========================================================
// ProcessScheduledPayouts
// =========================================================
func (s *Service) ProcessScheduledPayouts(ctx context.Context) error {
	if s.ticker != nil {
		if err := s.ticker.Tick(ctx, true); err != nil {
			return errutil.Internal("settlement tick failed", err)
		}
		return nil
	}

	if s.enqueuer == nil {
		return errutil.ServiceUnavailable("settlement scheduler is not configured", nil)
	}

	info, err := s.enqueuer.Enqueue(ctx, asynq.NewTask(taskname.SettlementForce, nil, asynq.Queue("critical"), asynq.MaxRetry(0)))
	if err != nil {
		return errutil.ServiceUnavailable("failed to queue settlement run", err)
	}
	zap.L().Info("[Member] forced settlement queued", zap.String("task_id", info.ID))
	return nil
}

func storeErr(msg string, err error) error {
	if errutil.StatusOf(err) != errutil.StatusUnknown {
		return err
	}
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		return errutil.NotFound(msg, err)
	case errors.Is(err, ledger.ErrDuplicate), errors.Is(err, ledger.ErrConflict):
		return errutil.Conflict(msg, err)
	default:
		return errutil.Internal(msg, err)
	}
}
