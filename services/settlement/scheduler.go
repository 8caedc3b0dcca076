package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"smallbiznis-referral/pkg/config"
	"smallbiznis-referral/pkg/featureflags"
	"smallbiznis-referral/pkg/money"
	"smallbiznis-referral/pkg/rediskey"
	"smallbiznis-referral/services/ledger"
	"smallbiznis-referral/services/member"
	"smallbiznis-referral/services/transfer"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Payment notes written by settlement jobs.
const (
	NoteJoinPoolSplit = "join_pool_split"
	NoteTier2Payout   = "tier2_payout"
	NoteTier1Payout   = "tier1_payout"
	NoteMemberPayout  = "payout_30d"
)

const (
	defaultPoolInterval   = 10 * 24 * time.Hour
	defaultPayoutInterval = 30 * 24 * time.Hour
	lockTTL               = 10 * time.Minute
	feeEstimateLimit      = 4
)

// Scheduler runs the time driven settlement jobs behind the "10d" and "30d"
// checkpoints.
type Scheduler struct {
	store       *ledger.Store
	executor    *transfer.Executor
	eligibility *member.Eligibility
	flags       featureflags.FeatureFlag
	locker      Locker
	cfg         config.Referral
	now         func() time.Time
}

type Params struct {
	fx.In
	Store       *ledger.Store
	Executor    *transfer.Executor
	Eligibility *member.Eligibility
	Config      *config.Config

	Flags featureflags.FeatureFlag `optional:"true"`
	Redis *redis.Client            `optional:"true"`
}

func NewScheduler(p Params) *Scheduler {
	cfg := p.Config.Referral
	if cfg.PoolInterval <= 0 {
		cfg.PoolInterval = defaultPoolInterval
	}
	if cfg.PayoutInterval <= 0 {
		cfg.PayoutInterval = defaultPayoutInterval
	}
	if cfg.PayoutWaitDays <= 0 {
		cfg.PayoutWaitDays = 30
	}

	s := &Scheduler{
		store:       p.Store,
		executor:    p.Executor,
		eligibility: p.Eligibility,
		flags:       p.Flags,
		cfg:         cfg,
		now:         time.Now,
	}

	if cfg.DistributedLock {
		if p.Redis == nil {
			zap.L().Warn("[Settlement] distributed lock enabled but redis is not configured, relying on checkpoints only")
		} else {
			s.locker = NewRedisLocker(p.Redis)
		}
	}
	return s
}

func (s *Scheduler) logger(ctx context.Context) *zap.Logger {
	span := trace.SpanFromContext(ctx)
	return zap.L().With(
		zap.String("trace_id", span.SpanContext().TraceID().String()),
		zap.String("span_id", span.SpanContext().SpanID().String()),
	)
}

// Tick evaluates both checkpoints and runs whichever job is due. force runs
// both regardless of elapsed time.
func (s *Scheduler) Tick(ctx context.Context, force bool) error {
	var errs []error
	if err := s.runIfDue(ctx, ledger.Checkpoint10d, s.cfg.PoolInterval, force, s.RunPoolSettlement); err != nil {
		errs = append(errs, fmt.Errorf("%s: %w", ledger.Checkpoint10d, err))
	}
	if err := s.runIfDue(ctx, ledger.Checkpoint30d, s.cfg.PayoutInterval, force, s.RunMemberPayouts); err != nil {
		errs = append(errs, fmt.Errorf("%s: %w", ledger.Checkpoint30d, err))
	}
	return errors.Join(errs...)
}

func (s *Scheduler) runIfDue(ctx context.Context, key string, interval time.Duration, force bool, job func(context.Context) error) error {
	log := s.logger(ctx).With(zap.String("checkpoint", key), zap.Bool("force", force))

	if s.locker != nil {
		release, ok, err := s.locker.Acquire(ctx, rediskey.BuildSettlementLockKey(key), lockTTL)
		if err != nil {
			return fmt.Errorf("acquire lock: %w", err)
		}
		if !ok {
			log.Debug("[Settlement] another instance holds the lock")
			return nil
		}
		defer release()
	}

	// the checkpoint is claimed before the job so a concurrent tick loses the
	// compare-and-swap instead of running the job twice
	due, err := s.store.AdvanceCheckpoint(ctx, key, s.now(), interval, force)
	if err != nil {
		return err
	}
	if !due {
		return nil
	}

	start := time.Now()
	log.Info("[Settlement] job started")
	if err := job(ctx); err != nil {
		log.Error("[Settlement] job finished with errors", zap.Duration("duration", time.Since(start)), zap.Error(err))
		return err
	}
	log.Info("[Settlement] job finished", zap.Duration("duration", time.Since(start)))
	return nil
}

// =========================================================
// 10-day pool settlement
// =========================================================

// RunPoolSettlement redistributes the join pool, then settles the tier-2 and
// tier-1 admin pools. A failing step does not stop the later ones.
func (s *Scheduler) RunPoolSettlement(ctx context.Context) error {
	var errs []error
	if err := s.splitJoinPool(ctx); err != nil {
		errs = append(errs, fmt.Errorf("join pool: %w", err))
	}
	if err := s.settleTier2(ctx); err != nil {
		errs = append(errs, fmt.Errorf("tier2 pool: %w", err))
	}
	if err := s.settleTier1(ctx); err != nil {
		errs = append(errs, fmt.Errorf("tier1 pool: %w", err))
	}
	return errors.Join(errs...)
}

func (s *Scheduler) poolBalance(ctx context.Context, wallet string) (money.Amount, error) {
	if wallet == "" {
		return money.Zero, nil
	}
	return s.executor.Balance(ctx, wallet)
}

func (s *Scheduler) splitJoinPool(ctx context.Context) error {
	log := s.logger(ctx).With(zap.String("pool", s.cfg.JoinPoolWallet))

	if len(s.cfg.JoinPoolSplits) == 0 {
		log.Warn("[Settlement] no join pool split destinations configured")
		return nil
	}

	balance, err := s.poolBalance(ctx, s.cfg.JoinPoolWallet)
	if err != nil {
		return err
	}
	if !balance.IsPositive() {
		log.Info("[Settlement] join pool is empty")
		return nil
	}

	for _, split := range s.cfg.JoinPoolSplits {
		s.executor.TransferWallet(ctx, transfer.Request{
			Destination: split.Wallet,
			Amount:      balance.Percent(split.Percent),
			Note:        NoteJoinPoolSplit,
		})
	}

	log.Info("[Settlement] join pool redistributed", zap.String("balance", balance.String()), zap.Int("destinations", len(s.cfg.JoinPoolSplits)))
	return nil
}

// Tier2Plan is the computed tier-2 payout for one cycle.
type Tier2Plan struct {
	Balance   money.Amount
	Buffer    money.Amount
	Share     money.Amount
	TotalFees money.Amount
	Payees    []string
}

// PlanTier2 reserves the fee buffer, splits the rest evenly and shrinks every
// share by an equal part of whatever the estimated fees exceed the buffer by.
// A non-positive Share means the cycle must be skipped.
func (s *Scheduler) PlanTier2(ctx context.Context, balance money.Amount) (*Tier2Plan, error) {
	payees := s.cfg.Tier2.PayoutWallets
	plan := &Tier2Plan{Balance: balance, Payees: payees, TotalFees: money.Zero}
	if len(payees) == 0 {
		return plan, nil
	}

	plan.Buffer = balance.Percent(s.cfg.Tier2BufferPercent)
	plan.Share = balance.Sub(plan.Buffer).Split(len(payees))
	if !plan.Share.IsPositive() {
		return plan, nil
	}

	fees := make([]money.Amount, len(payees))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(feeEstimateLimit)
	for i, wallet := range payees {
		g.Go(func() error {
			fees[i] = s.executor.EstimateFee(gctx, wallet, plan.Share)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, fee := range fees {
		plan.TotalFees = plan.TotalFees.Add(fee)
	}

	if plan.TotalFees.GreaterThan(plan.Buffer) {
		excess := plan.TotalFees.Sub(plan.Buffer)
		n := int64(len(payees))
		// round the per-payee cut up so the shares never eat into the fees
		cut := money.FromMicros((excess.Micros() + n - 1) / n)
		plan.Share = plan.Share.Sub(cut)
	}
	return plan, nil
}

func (s *Scheduler) settleTier2(ctx context.Context) error {
	log := s.logger(ctx).With(zap.String("pool", s.cfg.Tier2.PoolWallet))

	balance, err := s.poolBalance(ctx, s.cfg.Tier2.PoolWallet)
	if err != nil {
		return err
	}
	if !balance.IsPositive() || len(s.cfg.Tier2.PayoutWallets) == 0 {
		log.Info("[Settlement] tier2 pool has nothing to settle", zap.String("balance", balance.String()))
		return nil
	}

	plan, err := s.PlanTier2(ctx, balance)
	if err != nil {
		return err
	}
	if !plan.Share.IsPositive() {
		log.Warn("[Settlement] tier2 share is not positive after fees, skipping cycle",
			zap.String("balance", balance.String()),
			zap.String("buffer", plan.Buffer.String()),
			zap.String("estimated_fees", plan.TotalFees.String()),
			zap.String("share", plan.Share.String()),
		)
		return nil
	}

	for _, wallet := range plan.Payees {
		s.executor.TransferWallet(ctx, transfer.Request{
			Destination: wallet,
			Amount:      plan.Share,
			Note:        NoteTier2Payout,
		})
	}

	log.Info("[Settlement] tier2 pool settled",
		zap.String("balance", balance.String()),
		zap.String("share", plan.Share.String()),
		zap.Int("payees", len(plan.Payees)),
	)
	return nil
}

func (s *Scheduler) settleTier1(ctx context.Context) error {
	log := s.logger(ctx).With(zap.String("pool", s.cfg.Tier1.PoolWallet))
	payees := s.cfg.Tier1.PayoutWallets

	balance, err := s.poolBalance(ctx, s.cfg.Tier1.PoolWallet)
	if err != nil {
		return err
	}
	if !balance.IsPositive() || len(payees) == 0 {
		log.Info("[Settlement] tier1 pool has nothing to settle", zap.String("balance", balance.String()))
		return nil
	}

	share := balance.Split(len(payees))
	if !share.IsPositive() {
		log.Warn("[Settlement] tier1 share is not positive, skipping cycle", zap.String("balance", balance.String()))
		return nil
	}

	for _, wallet := range payees {
		s.executor.TransferWallet(ctx, transfer.Request{
			Destination: wallet,
			Amount:      share,
			Note:        NoteTier1Payout,
		})
	}

	log.Info("[Settlement] tier1 pool settled", zap.String("share", share.String()), zap.Int("payees", len(payees)))
	return nil
}

// =========================================================
// 30-day member payouts
// =========================================================

// DaysUntilPayout counts the whole days left before u may be paid. The clock
// starts at the later of the second direct child's date and the last
// withdrawal request; without either the full wait remains.
func DaysUntilPayout(u *ledger.UserAccount, now time.Time, waitDays int) int {
	var anchor *time.Time
	if len(u.DirectDates) >= 2 {
		second := u.DirectDates[1]
		anchor = &second
	}
	if u.LastWithdrawAt != nil && (anchor == nil || u.LastWithdrawAt.After(*anchor)) {
		anchor = u.LastWithdrawAt
	}
	if anchor == nil {
		return waitDays
	}

	elapsed := int(now.Sub(*anchor).Hours() / 24)
	if remaining := waitDays - elapsed; remaining > 0 {
		return remaining
	}
	return 0
}

func (s *Scheduler) paused(ctx context.Context) bool {
	if s.flags == nil {
		return false
	}
	paused, err := s.flags.IsEnabled(ctx, featureflags.PayoutsPaused)
	if err != nil {
		s.logger(ctx).Warn("[Settlement] failed to read payout flag, assuming not paused", zap.Error(err))
		return false
	}
	return paused
}

// RunMemberPayouts pays out the full balance of every ordinary member whose
// wait is over and who has a wallet. Payees are handled independently.
func (s *Scheduler) RunMemberPayouts(ctx context.Context) error {
	log := s.logger(ctx)

	if s.paused(ctx) {
		log.Warn("[Settlement] member payouts are paused by feature flag")
		return nil
	}

	exclude := make([]string, 0, len(s.cfg.Tier1.UserIDs)+len(s.cfg.Tier2.UserIDs))
	exclude = append(exclude, s.cfg.Tier1.UserIDs...)
	exclude = append(exclude, s.cfg.Tier2.UserIDs...)

	members, err := s.store.MembersWithBalance(ctx, exclude)
	if err != nil {
		return err
	}

	now := s.now()
	paid, failed := 0, 0
	for _, m := range members {
		ok, err := s.payoutMember(ctx, m, now)
		if err != nil {
			failed++
			log.Error("[Settlement] member payout failed", zap.String("user_id", m.UserID), zap.Error(err))
			continue
		}
		if ok {
			paid++
		}
	}

	log.Info("[Settlement] member payouts finished",
		zap.Int("candidates", len(members)),
		zap.Int("paid", paid),
		zap.Int("failed", failed),
	)
	return nil
}

func (s *Scheduler) payoutMember(ctx context.Context, m *ledger.UserAccount, now time.Time) (bool, error) {
	log := s.logger(ctx).With(zap.String("user_id", m.UserID))

	wallet := m.Wallet()
	if wallet == "" {
		log.Debug("[Settlement] member has no wallet, payout stays pending")
		return false, nil
	}

	if days := DaysUntilPayout(m, now, s.cfg.PayoutWaitDays); days > 0 {
		log.Debug("[Settlement] member payout not due", zap.Int("days_remaining", days))
		return false, nil
	}

	amount := m.BalanceUSD
	claimed, err := s.store.ClaimBalance(ctx, m.UserID, amount)
	if err != nil {
		return false, err
	}
	if !claimed {
		log.Warn("[Settlement] balance changed since listing, retry next cycle")
		return false, nil
	}

	txID, ok := s.executor.TransferWallet(ctx, transfer.Request{
		Destination: wallet,
		Amount:      amount,
		Note:        NoteMemberPayout,
		FromUID:     m.UserID,
	})

	if _, err := s.eligibility.Refresh(ctx, m.UserID); err != nil {
		return true, fmt.Errorf("refresh eligibility: %w", err)
	}

	log.Info("[Settlement] member paid out", zap.String("amount", amount.String()), zap.String("tx_id", txID), zap.Bool("confirmed", ok))
	return true, nil
}
