package commission

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"smallbiznis-referral/pkg/config"
	"smallbiznis-referral/pkg/money"
	"smallbiznis-referral/services/ledger"
	"smallbiznis-referral/services/testutil"
	"smallbiznis-referral/services/transfer"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fixture struct {
	dist  *Distributor
	store *ledger.Store
	gw    *testutil.FakeGateway
	cfg   *config.Config
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
	cfg.Referral.CompanyMainWallet = "TMain"
	cfg.Referral.CompanyAltWallet = "TAlt"
	cfg.Referral.JoinPoolWallet = "TJoinPool"
	cfg.Referral.Tier1 = config.AdminTier{UserIDs: []string{"admin1"}, PoolWallet: "TTier1Pool"}
	cfg.Referral.Tier2 = config.AdminTier{UserIDs: []string{"admin2"}, PoolWallet: "TTier2Pool"}

	gw := testutil.NewFakeGateway()
	exec := transfer.NewExecutor(transfer.Params{Store: store, Gateway: gw, Config: cfg})

	return &fixture{
		dist:  NewDistributor(Params{Store: store, Executor: exec, Config: cfg}),
		store: store,
		gw:    gw,
		cfg:   cfg,
	}
}

func (f *fixture) seed(t *testing.T, userID string, eligible bool) {
	t.Helper()
	require.NoError(t, f.store.CreateUser(context.Background(), &ledger.UserAccount{UserID: userID, Eligible: eligible}))
}

func (f *fixture) balance(t *testing.T, userID string) string {
	t.Helper()
	u, err := f.store.MustFindUser(context.Background(), userID)
	require.NoError(t, err)
	return u.BalanceUSD.String()
}

func newcomer(inviter string, ancestors ...string) *ledger.UserAccount {
	u := &ledger.UserAccount{UserID: "newcomer", Ancestors: ancestors, Joined: true}
	if inviter != "" {
		u.InviterID = &inviter
	}
	return u
}

func TestDistributeConservesFee(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	ancestors := make([]string, 0, 11)
	for i := 1; i <= 11; i++ {
		id := fmt.Sprintf("a%02d", i)
		f.seed(t, id, true)
		ancestors = append(ancestors, id)
	}

	dist, err := f.dist.Distribute(ctx, newcomer("a11", ancestors...))
	require.NoError(t, err)

	require.Equal(t, "50.000000", dist.Total().String())
	require.Equal(t, "5.000000", dist.DirectBonus.String())
	require.Equal(t, "9.000000", dist.CompanyMain.String())
	require.Equal(t, "4.500000", dist.CompanyAlt.String())
	require.Equal(t, "31.500000", dist.UpstreamPool.String())
	require.Len(t, dist.Shares, 11)
	require.Equal(t, "2.863636", dist.Shares[0].Amount.String())
	require.Equal(t, "0.000004", dist.Residue.String())

	require.Equal(t, "7.863636", f.balance(t, "a11"))
	require.Equal(t, "2.863636", f.balance(t, "a01"))

	require.Equal(t, int64(9_000_000), f.gw.SentTo("TMain"))
	require.Equal(t, int64(4_500_000), f.gw.SentTo("TAlt"))

	residue, err := f.store.FindPayments(ctx, &ledger.Payment{Note: NoteRoundResidue})
	require.NoError(t, err)
	require.Len(t, residue, 1)
	require.Equal(t, "TJoinPool", residue[0].Wallet)
	require.Equal(t, ledger.StatusAccrued, residue[0].Status)
	require.Equal(t, "0.000004", residue[0].AmountUSD.String())

	credits, err := f.store.FindPayments(ctx, &ledger.Payment{Note: NoteUpstreamShare})
	require.NoError(t, err)
	require.Len(t, credits, 11)
}

func TestDistributeZeroEligibleAncestors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, "a1", false)
	f.seed(t, "a2", false)

	dist, err := f.dist.Distribute(ctx, newcomer("a2", "a1", "a2"))
	require.NoError(t, err)

	require.Empty(t, dist.Shares)
	require.Equal(t, "31.500000", dist.Residue.String())
	require.Equal(t, "50.000000", dist.Total().String())
	require.Equal(t, "5.000000", f.balance(t, "a2"))
	require.Equal(t, "0.000000", f.balance(t, "a1"))

	credits, err := f.store.FindPayments(ctx, &ledger.Payment{Note: NoteUpstreamShare})
	require.NoError(t, err)
	require.Empty(t, credits)
}

func TestDistributeWithoutInviterSweepsBonus(t *testing.T) {
	f := newFixture(t)

	dist, err := f.dist.Distribute(context.Background(), newcomer(""))
	require.NoError(t, err)

	require.True(t, dist.DirectBonus.IsZero())
	require.Equal(t, "36.500000", dist.Residue.String())
	require.Equal(t, "50.000000", dist.Total().String())
}

func TestDistributeInviterChain(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// A invited B, B invited C; each has a single direct child.
	f.seed(t, "A", false)
	f.seed(t, "B", false)

	_, err := f.dist.Distribute(ctx, newcomer("B", "A", "B"))
	require.NoError(t, err)
	require.Equal(t, "5.000000", f.balance(t, "B"))
	require.Equal(t, "0.000000", f.balance(t, "A"))

	// once A has a second child it becomes eligible for the upstream pool
	_, err = f.store.MutateUser(ctx, "A", func(u *ledger.UserAccount) (bool, error) {
		u.Eligible = true
		return true, nil
	})
	require.NoError(t, err)

	dist, err := f.dist.Distribute(ctx, newcomer("B", "A", "B"))
	require.NoError(t, err)
	require.Len(t, dist.Shares, 1)
	require.Equal(t, "A", dist.Shares[0].UserID)
	require.Equal(t, "31.500000", f.balance(t, "A"))
	require.Equal(t, "10.000000", f.balance(t, "B"))
}

func TestDistributeRoutesAdminCredits(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, "admin1", true)
	f.seed(t, "admin2", true)
	f.seed(t, "member", true)

	dist, err := f.dist.Distribute(ctx, newcomer("admin1", "admin1", "admin2", "member"))
	require.NoError(t, err)

	require.Len(t, dist.Shares, 2)
	require.Equal(t, "15.750000", dist.Shares[0].Amount.String())

	require.Equal(t, int64(5_000_000), f.gw.SentTo("TTier1Pool"))
	require.Equal(t, int64(15_750_000), f.gw.SentTo("TTier2Pool"))
	require.Equal(t, "0.000000", f.balance(t, "admin1"))
	require.Equal(t, "0.000000", f.balance(t, "admin2"))
	require.Equal(t, "15.750000", f.balance(t, "member"))
	require.Equal(t, "50.000000", dist.Total().String())
}

func TestCreditUnknownUserFails(t *testing.T) {
	f := newFixture(t)
	err := f.dist.Credit(context.Background(), "ghost", money.FromInt(1), NoteDirectBonus, "x")
	require.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestHandleDistributeTask(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, "inviter", false)

	inviter := "inviter"
	require.NoError(t, f.store.CreateUser(ctx, &ledger.UserAccount{UserID: "pending", InviterID: &inviter, Ancestors: []string{"inviter"}}))

	task, err := NewDistributeTask("pending")
	require.NoError(t, err)

	require.NoError(t, f.dist.HandleDistributeTask(ctx, task))
	require.Equal(t, "0.000000", f.balance(t, "inviter"))

	joined, err := f.store.MarkJoined(ctx, "pending")
	require.NoError(t, err)
	require.True(t, joined)

	require.NoError(t, f.dist.HandleDistributeTask(ctx, task))
	require.Equal(t, "5.000000", f.balance(t, "inviter"))
}

func TestDistributeSweepsUnroutableCompanyLeg(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.dist.cfg.CompanyAltWallet = ""

	dist, err := f.dist.Distribute(ctx, newcomer(""))
	require.NoError(t, err)

	require.Equal(t, "9.000000", dist.CompanyMain.String())
	require.True(t, dist.CompanyAlt.IsZero())
	require.Equal(t, "41.000000", dist.Residue.String())
	require.Equal(t, "50.000000", dist.Total().String())

	require.Equal(t, int64(9_000_000), f.gw.SentTo("TMain"))
	alt, err := f.store.FindPayments(ctx, &ledger.Payment{Note: NoteCompanyAlt})
	require.NoError(t, err)
	require.Empty(t, alt)

	residue, err := f.store.FindPayments(ctx, &ledger.Payment{Note: NoteRoundResidue})
	require.NoError(t, err)
	require.Len(t, residue, 1)
	require.Equal(t, "41.000000", residue[0].AmountUSD.String())
}
