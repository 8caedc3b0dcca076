package settlement

import (
	"context"
	"testing"
	"time"

	"github.com/Flagsmith/flagsmith-go-client/v2"
	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"smallbiznis-referral/pkg/config"
	"smallbiznis-referral/pkg/money"
	"smallbiznis-referral/pkg/taskname"
	"smallbiznis-referral/services/ledger"
	"smallbiznis-referral/services/member"
	"smallbiznis-referral/services/testutil"
	"smallbiznis-referral/services/transfer"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeFlags struct {
	enabled map[string]bool
}

func (f *fakeFlags) Features(ctx context.Context, identifier string) ([]flagsmith.Flag, error) {
	return nil, nil
}

func (f *fakeFlags) Flags(ctx context.Context, identifier string, traits ...*flagsmith.Trait) (flagsmith.Flags, error) {
	return flagsmith.Flags{}, nil
}

func (f *fakeFlags) IsEnabled(ctx context.Context, feature string) (bool, error) {
	return f.enabled[feature], nil
}

type fixture struct {
	sched *Scheduler
	store *ledger.Store
	gw    *testutil.FakeGateway
	clock time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := testutil.NewTestDB(t, ledger.Models()...)
	node := testutil.NewNode(t)
	store := ledger.NewStore(ledger.StoreParams{DB: db, Node: node})

	cfg := &config.Config{
		Referral: config.DefaultReferral(),
		Transfer: config.DefaultTransfer(),
		Chain:    config.Chain{Name: "tron", TokenSymbol: "USDT", Decimals: 6},
	}
	cfg.Transfer.RetryDelay = 0
	cfg.Referral.JoinPoolWallet = "TJoinPool"
	cfg.Referral.JoinPoolSplits = []config.PoolSplit{
		{Wallet: "TSplitA", Percent: decimal.NewFromInt(70)},
		{Wallet: "TSplitB", Percent: decimal.NewFromInt(20)},
		{Wallet: "TSplitC", Percent: decimal.NewFromInt(10)},
	}
	cfg.Referral.Tier1 = config.AdminTier{
		UserIDs:       []string{"admin1"},
		PoolWallet:    "TTier1Pool",
		PayoutWallets: []string{"TT1a", "TT1b", "TT1c"},
	}
	cfg.Referral.Tier2 = config.AdminTier{
		UserIDs:       []string{"admin2"},
		PoolWallet:    "TTier2Pool",
		PayoutWallets: []string{"TT2a", "TT2b", "TT2c", "TT2d"},
	}

	gw := testutil.NewFakeGateway()
	exec := transfer.NewExecutor(transfer.Params{Store: store, Gateway: gw, Config: cfg})

	f := &fixture{store: store, gw: gw, clock: t0}
	f.sched = NewScheduler(Params{
		Store:       store,
		Executor:    exec,
		Eligibility: member.NewEligibility(member.EligibilityParams{Store: store, Config: cfg}),
		Config:      cfg,
	})
	f.sched.now = func() time.Time { return f.clock }
	return f
}

func (f *fixture) seedMember(t *testing.T, userID, wallet, balance string, childDates ...time.Time) {
	t.Helper()
	u := &ledger.UserAccount{
		UserID:      userID,
		BalanceUSD:  money.MustParse(balance),
		DirectDates: datatypes.JSONSlice[time.Time](childDates),
	}
	for i := range childDates {
		u.DirectChildren = append(u.DirectChildren, userID+"-child-"+string(rune('a'+i)))
	}
	if wallet != "" {
		u.WalletAddress = &wallet
	}
	require.NoError(t, f.store.CreateUser(context.Background(), u))
}

func TestTickRunsPoolSettlementOncePerWindow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.gw.Balances["TJoinPool"] = money.FromInt(100)

	require.NoError(t, f.sched.Tick(ctx, false))
	require.Equal(t, int64(70_000_000), f.gw.SentTo("TSplitA"))
	require.Equal(t, int64(20_000_000), f.gw.SentTo("TSplitB"))
	require.Equal(t, int64(10_000_000), f.gw.SentTo("TSplitC"))

	f.clock = t0.Add(24 * time.Hour)
	require.NoError(t, f.sched.Tick(ctx, false))
	require.Equal(t, int64(70_000_000), f.gw.SentTo("TSplitA"))

	f.clock = t0.Add(48 * time.Hour)
	require.NoError(t, f.sched.Tick(ctx, true))
	require.Equal(t, int64(140_000_000), f.gw.SentTo("TSplitA"))

	f.clock = f.clock.Add(10 * 24 * time.Hour)
	require.NoError(t, f.sched.Tick(ctx, false))
	require.Equal(t, int64(210_000_000), f.gw.SentTo("TSplitA"))

	cp, err := f.store.FindCheckpoint(ctx, ledger.Checkpoint10d)
	require.NoError(t, err)
	require.True(t, cp.TS.Equal(f.clock))
}

func TestTier2SharesShrinkWhenFeesExceedBuffer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.gw.Fees = map[string]money.Amount{
		"TT2a": money.FromInt(2), "TT2b": money.FromInt(2), "TT2c": money.FromInt(2), "TT2d": money.FromInt(2),
	}

	plan, err := f.sched.PlanTier2(ctx, money.FromInt(100))
	require.NoError(t, err)
	require.Equal(t, "5.000000", plan.Buffer.String())
	require.Equal(t, "8.000000", plan.TotalFees.String())
	require.Equal(t, "23.000000", plan.Share.String())

	f.gw.Balances["TTier2Pool"] = money.FromInt(100)
	require.NoError(t, f.sched.RunPoolSettlement(ctx))
	for _, w := range []string{"TT2a", "TT2b", "TT2c", "TT2d"} {
		require.Equal(t, int64(23_000_000), f.gw.SentTo(w))
	}
}

func TestTier2SharesWithinBufferAreUntouched(t *testing.T) {
	f := newFixture(t)
	f.gw.Fees = map[string]money.Amount{}

	plan, err := f.sched.PlanTier2(context.Background(), money.FromInt(100))
	require.NoError(t, err)
	require.Equal(t, "23.750000", plan.Share.String())
}

func TestTier2SkipsCycleWhenShareNotPositive(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.gw.Balances["TTier2Pool"] = money.FromInt(1)

	// no estimates available, so the fallback fee of 1 per payee applies
	plan, err := f.sched.PlanTier2(ctx, money.FromInt(1))
	require.NoError(t, err)
	require.False(t, plan.Share.IsPositive())

	require.NoError(t, f.sched.RunPoolSettlement(ctx))
	require.Zero(t, f.gw.Attempts())
}

func TestTier1SplitsEvenly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.gw.Balances["TTier1Pool"] = money.FromInt(10)

	require.NoError(t, f.sched.RunPoolSettlement(ctx))
	for _, w := range []string{"TT1a", "TT1b", "TT1c"} {
		require.Equal(t, int64(3_333_333), f.gw.SentTo(w))
	}

	records, err := f.store.FindPayments(ctx, &ledger.Payment{Note: NoteTier1Payout})
	require.NoError(t, err)
	require.Len(t, records, 3)
}

func TestDaysUntilPayout(t *testing.T) {
	now := t0
	withdrawn := now.Add(-5 * 24 * time.Hour)

	cases := []struct {
		name string
		user *ledger.UserAccount
		want int
	}{
		{"no anchor", &ledger.UserAccount{}, 30},
		{"one child only", &ledger.UserAccount{DirectDates: []time.Time{now.Add(-40 * 24 * time.Hour)}}, 30},
		{"second child ten days ago", &ledger.UserAccount{DirectDates: []time.Time{now.Add(-20 * 24 * time.Hour), now.Add(-10 * 24 * time.Hour)}}, 20},
		{"second child long ago", &ledger.UserAccount{DirectDates: []time.Time{now.Add(-90 * 24 * time.Hour), now.Add(-31 * 24 * time.Hour)}}, 0},
		{"withdrawal resets the clock", &ledger.UserAccount{
			DirectDates:    []time.Time{now.Add(-90 * 24 * time.Hour), now.Add(-60 * 24 * time.Hour)},
			LastWithdrawAt: &withdrawn,
		}, 25},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, DaysUntilPayout(tc.user, now, 30))
		})
	}
}

func TestMemberPayoutAfterWait(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	const wallet = "TXYZopYRdj2D9XRtbG411XZZ3kM5VkAeBf"

	f.seedMember(t, "due", wallet, "12.5", t0.Add(-40*24*time.Hour), t0.Add(-31*24*time.Hour))
	f.seedMember(t, "early", "TEarly", "3", t0.Add(-40*24*time.Hour), t0.Add(-10*24*time.Hour))
	f.seedMember(t, "nowallet", "", "4", t0.Add(-40*24*time.Hour), t0.Add(-35*24*time.Hour))
	f.seedMember(t, "admin1", "TAdmin", "9", t0.Add(-40*24*time.Hour), t0.Add(-35*24*time.Hour))

	require.NoError(t, f.sched.RunMemberPayouts(ctx))

	due, err := f.store.MustFindUser(ctx, "due")
	require.NoError(t, err)
	require.True(t, due.BalanceUSD.IsZero())
	require.True(t, due.Eligible)
	require.Equal(t, int64(12_500_000), f.gw.SentTo(wallet))

	records, err := f.store.FindPayments(ctx, &ledger.Payment{UserID: "due", Note: NoteMemberPayout})
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, ledger.StatusSuccess, records[0].Status)

	for _, id := range []string{"early", "nowallet", "admin1"} {
		u, err := f.store.MustFindUser(ctx, id)
		require.NoError(t, err)
		require.True(t, u.BalanceUSD.IsPositive(), id)
	}
	require.Zero(t, f.gw.SentTo("TEarly"))
	require.Zero(t, f.gw.SentTo("TAdmin"))
}

func TestMemberPayoutGatewayDownLeavesPendingRecord(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.gw.FailTransfers = true
	f.seedMember(t, "m", "TMember", "7", t0.Add(-60*24*time.Hour), t0.Add(-45*24*time.Hour))

	require.NoError(t, f.sched.Tick(ctx, true))
	require.Equal(t, 3, f.gw.Attempts())

	records, err := f.store.FindPayments(ctx, &ledger.Payment{UserID: "m"})
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, ledger.StatusPendingRetry, records[0].Status)
	require.Nil(t, records[0].TxHash)
	require.Equal(t, "7.000000", records[0].AmountUSD.String())

	m, err := f.store.MustFindUser(ctx, "m")
	require.NoError(t, err)
	require.True(t, m.BalanceUSD.IsZero())

	f.gw.FailTransfers = false
	task, err := NewReconcileTask(10)
	require.NoError(t, err)
	require.NoError(t, f.sched.HandleReconcileTask(ctx, task))

	records, err = f.store.FindPayments(ctx, &ledger.Payment{UserID: "m"})
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, ledger.StatusSuccess, records[0].Status)
}

func TestPayoutsPausedByFlag(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.sched.flags = &fakeFlags{enabled: map[string]bool{"payouts_paused": true}}
	f.seedMember(t, "m", "TMember", "7", t0.Add(-60*24*time.Hour), t0.Add(-45*24*time.Hour))

	require.NoError(t, f.sched.Tick(ctx, false))
	require.Zero(t, f.gw.Attempts())

	cp, err := f.store.FindCheckpoint(ctx, ledger.Checkpoint30d)
	require.NoError(t, err)
	require.NotNil(t, cp)
}

func TestHandleTickTaskForces(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.gw.Balances["TJoinPool"] = money.FromInt(10)

	require.NoError(t, f.sched.Tick(ctx, false))

	f.clock = t0.Add(time.Hour)
	task, err := NewTickTask(true)
	require.NoError(t, err)
	require.NoError(t, f.sched.HandleTickTask(ctx, task))
	require.Equal(t, int64(14_000_000), f.gw.SentTo("TSplitA"))

	require.NoError(t, f.sched.HandleForceTask(ctx, asynq.NewTask(taskname.SettlementForce, nil)))
	require.Equal(t, int64(21_000_000), f.gw.SentTo("TSplitA"))
}

func TestForcedTickRunsWhenCheckpointIsAhead(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.gw.Balances["TJoinPool"] = money.FromInt(10)

	// another instance with a clock ahead stamped the checkpoints
	f.clock = t0.Add(time.Minute)
	require.NoError(t, f.sched.Tick(ctx, false))
	require.Equal(t, int64(7_000_000), f.gw.SentTo("TSplitA"))

	f.clock = t0
	require.NoError(t, f.sched.Tick(ctx, true))
	require.Equal(t, int64(14_000_000), f.gw.SentTo("TSplitA"))

	cp, err := f.store.FindCheckpoint(ctx, ledger.Checkpoint10d)
	require.NoError(t, err)
	require.True(t, cp.TS.Equal(t0.Add(time.Minute)))
}
