package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"smallbiznis-referral/pkg/db/pagination"
	"smallbiznis-referral/pkg/money"
	"smallbiznis-referral/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db := testutil.NewTestDB(t, Models()...)
	node := testutil.NewNode(t)
	return NewStore(StoreParams{DB: db, Node: node})
}

func strPtr(s string) *string { return &s }

func int64Ptr(n int64) *int64 { return &n }

func TestCreateUserUniqueFields(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.CreateUser(ctx, &UserAccount{UserID: "u1", ReferralCode: strPtr("AAAA1111"), MemberNo: int64Ptr(1), SlotID: strPtr("N1-root")}))

	err := s.CreateUser(ctx, &UserAccount{UserID: "u2", ReferralCode: strPtr("AAAA1111"), MemberNo: int64Ptr(2), SlotID: strPtr("N2-root")})
	require.ErrorIs(t, err, ErrDuplicate)

	err = s.CreateUser(ctx, &UserAccount{UserID: "u3", ReferralCode: strPtr("BBBB2222"), MemberNo: int64Ptr(3), SlotID: strPtr("N1-root")})
	require.True(t, IsDuplicate(err))

	u, err := s.FindUserByCode(ctx, "AAAA1111")
	require.NoError(t, err)
	require.Equal(t, "u1", u.UserID)

	missing, err := s.FindUser(ctx, "nobody")
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestBackfillOnlyWhenAbsent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.CreateUser(ctx, &UserAccount{UserID: "u1"}))

	changed, err := s.Backfill(ctx, "u1", "first_name", "Ana")
	require.NoError(t, err)
	require.True(t, changed)

	changed, err = s.Backfill(ctx, "u1", "first_name", "Other")
	require.NoError(t, err)
	require.False(t, changed)

	changed, err = s.Backfill(ctx, "u1", "member_no", int64(7))
	require.NoError(t, err)
	require.True(t, changed)

	u, err := s.MustFindUser(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, "Ana", u.FirstName)
	require.Equal(t, int64(7), *u.MemberNo)

	_, err = s.Backfill(ctx, "u1", "balance_usd", 1)
	require.Error(t, err)
}

func TestMutateUserChildren(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.CreateUser(ctx, &UserAccount{UserID: "p"}))

	now := time.Now().UTC().Truncate(time.Second)
	for _, child := range []string{"c1", "c2", "c3"} {
		_, err := s.MutateUser(ctx, "p", func(u *UserAccount) (bool, error) {
			return u.AddChild(child, now), nil
		})
		require.NoError(t, err)
	}

	u, err := s.MutateUser(ctx, "p", func(u *UserAccount) (bool, error) {
		return u.RemoveChild("c2"), nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"c1", "c3"}, []string(u.DirectChildren))
	require.Len(t, u.DirectDates, 2)

	reloaded, err := s.MustFindUser(ctx, "p")
	require.NoError(t, err)
	require.Equal(t, []string{"c1", "c3"}, []string(reloaded.DirectChildren))
	require.Equal(t, int64(4), reloaded.Version)

	_, err = s.MutateUser(ctx, "missing", func(u *UserAccount) (bool, error) { return true, nil })
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCreditAndClaimBalance(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.CreateUser(ctx, &UserAccount{UserID: "u1"}))

	require.NoError(t, s.CreditBalance(ctx, "u1", money.MustParse("5")))
	require.NoError(t, s.CreditBalance(ctx, "u1", money.MustParse("10.5")))
	require.ErrorIs(t, s.CreditBalance(ctx, "ghost", money.MustParse("1")), ErrNotFound)

	u, err := s.MustFindUser(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, "15.500000", u.BalanceUSD.String())
	require.Equal(t, "15.500000", u.CommissionUSD.String())

	members, err := s.MembersWithBalance(ctx, []string{"admin"})
	require.NoError(t, err)
	require.Len(t, members, 1)

	ok, err := s.ClaimBalance(ctx, "u1", money.MustParse("15"))
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = s.ClaimBalance(ctx, "u1", u.BalanceUSD)
	require.NoError(t, err)
	require.True(t, ok)

	u, err = s.MustFindUser(ctx, "u1")
	require.NoError(t, err)
	require.True(t, u.BalanceUSD.IsZero())
	require.Equal(t, "15.500000", u.CommissionUSD.String())
}

func TestMarkJoinedOnce(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.CreateUser(ctx, &UserAccount{UserID: "u1"}))

	ok, err := s.MarkJoined(ctx, "u1")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.MarkJoined(ctx, "u1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSetWalletUnique(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.CreateUser(ctx, &UserAccount{UserID: "u1"}))
	require.NoError(t, s.CreateUser(ctx, &UserAccount{UserID: "u2"}))

	require.NoError(t, s.SetWallet(ctx, "u1", "TWallet1"))
	require.ErrorIs(t, s.SetWallet(ctx, "u2", "TWallet1"), ErrDuplicate)
	require.ErrorIs(t, s.SetWallet(ctx, "ghost", "TWallet2"), ErrNotFound)
}

func TestTransactionRollsBack(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.CreateUser(ctx, &UserAccount{UserID: "u1"}))

	boom := errors.New("boom")
	err := s.Transaction(ctx, func(tx *Store) error {
		ok, err := tx.MarkJoined(ctx, "u1")
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, tx.InsertPayment(ctx, &Payment{UserID: "u1", Wallet: "TPool", Status: StatusSuccess, Note: "join_fee"}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	u, err := s.MustFindUser(ctx, "u1")
	require.NoError(t, err)
	require.False(t, u.Joined)

	fees, err := s.FindPayments(ctx, &Payment{UserID: "u1"})
	require.NoError(t, err)
	require.Empty(t, fees)

	require.NoError(t, s.Transaction(ctx, func(tx *Store) error {
		_, err := tx.MarkJoined(ctx, "u1")
		return err
	}))
	u, err = s.MustFindUser(ctx, "u1")
	require.NoError(t, err)
	require.True(t, u.Joined)
}

func TestSlots(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.InsertSlot(ctx, &PlacementSlot{SlotID: "N1-root", ParentID: RootSlotID, MemberNo: 1}))
	require.ErrorIs(t, s.InsertSlot(ctx, &PlacementSlot{SlotID: "N1-root", ParentID: RootSlotID, MemberNo: 9}), ErrDuplicate)

	require.NoError(t, s.InsertSlot(ctx, &PlacementSlot{SlotID: "N1-root-c00aa", ParentID: "N1-root", MemberNo: 2}))
	require.NoError(t, s.InsertSlot(ctx, &PlacementSlot{SlotID: "N1-root-cffee", ParentID: "N1-root", MemberNo: 3}))
	require.NoError(t, s.InsertSlot(ctx, &PlacementSlot{SlotID: "N1-root-cffee-c0001", ParentID: "N1-root-cffee", MemberNo: 4}))

	n, err := s.CountChildSlots(ctx, "N1-root")
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	children, err := s.ChildSlots(ctx, "N1-root")
	require.NoError(t, err)
	require.Len(t, children, 2)
	require.Equal(t, "N1-root-cffee", children[0].SlotID)
}

func TestPaymentsAndSettlePending(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	p := &Payment{UserID: "u1", Wallet: "TW", AmountUSD: money.MustParse("12"), Status: StatusPendingRetry, Note: "payout_30d", Attempts: 3}
	require.NoError(t, s.InsertPayment(ctx, p))
	require.NotEmpty(t, p.ID)

	ok, err := s.VerifyPayment(ctx, p.ID)
	require.NoError(t, err)
	require.True(t, ok)

	pending, err := s.PendingPayments(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	settled, err := s.SettlePending(ctx, p.ID, "0xabc", 1)
	require.NoError(t, err)
	require.True(t, settled)

	settled, err = s.SettlePending(ctx, p.ID, "0xdef", 1)
	require.NoError(t, err)
	require.False(t, settled)

	records, err := s.FindPayments(ctx, &Payment{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, StatusSuccess, records[0].Status)
	require.Equal(t, "0xabc", *records[0].TxHash)
	require.Equal(t, 4, records[0].Attempts)

	ok, err = s.VerifyPayment(ctx, p.ID)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.db.Model(&Payment{}).Where("id = ?", p.ID).Update("wallet", "TEvil").Error)
	ok, err = s.VerifyPayment(ctx, p.ID)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAdvanceCheckpoint(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	interval := 10 * 24 * time.Hour
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	ok, err := s.AdvanceCheckpoint(ctx, Checkpoint10d, start, interval, false)
	require.NoError(t, err)
	require.True(t, ok, "missing checkpoint is due")

	ok, err = s.AdvanceCheckpoint(ctx, Checkpoint10d, start.Add(24*time.Hour), interval, false)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = s.AdvanceCheckpoint(ctx, Checkpoint10d, start.Add(interval), interval, false)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.AdvanceCheckpoint(ctx, Checkpoint10d, start.Add(interval+time.Hour), interval, true)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.AdvanceCheckpoint(ctx, Checkpoint10d, start, interval, false)
	require.NoError(t, err)
	require.False(t, ok)

	cp, err := s.FindCheckpoint(ctx, Checkpoint10d)
	require.NoError(t, err)
	require.True(t, cp.TS.Equal(start.Add(interval+time.Hour)))
}

func TestAdvanceCheckpointForcedBehindStoredTS(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	interval := 30 * 24 * time.Hour
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	ahead := start.Add(time.Minute)

	ok, err := s.AdvanceCheckpoint(ctx, Checkpoint30d, ahead, interval, false)
	require.NoError(t, err)
	require.True(t, ok)

	// a forced run at or before the stored ts still runs
	ok, err = s.AdvanceCheckpoint(ctx, Checkpoint30d, start, interval, true)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.AdvanceCheckpoint(ctx, Checkpoint30d, ahead, interval, true)
	require.NoError(t, err)
	require.True(t, ok)

	cp, err := s.FindCheckpoint(ctx, Checkpoint30d)
	require.NoError(t, err)
	require.True(t, cp.TS.Equal(ahead), "checkpoint never moves backwards")

	ok, err = s.AdvanceCheckpoint(ctx, Checkpoint30d, ahead.Add(time.Hour), interval, false)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestNextCounterStrictlyIncreasing(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	var (
		mu   sync.Mutex
		seen = map[int64]bool{}
		errs []error
		wg   sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := s.NextCounter(ctx, CounterMember)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			seen[n] = true
		}()
	}
	wg.Wait()

	require.Empty(t, errs)

	require.Len(t, seen, 20)
	for i := int64(1); i <= 20; i++ {
		require.True(t, seen[i])
	}

	n, err := s.NextCounter(ctx, CounterToken)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestDownlinePaging(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	ids := []string{"a", "b", "c"}
	for i, id := range ids {
		require.NoError(t, s.CreateUser(ctx, &UserAccount{UserID: id, FirstName: id, CreatedAt: base.Add(time.Duration(i) * time.Minute)}))
	}

	page, err := s.Downline(ctx, ids, pagination.Pagination{Page: 1, PageSize: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.Equal(t, "a", page[0].UserID)

	page, err = s.Downline(ctx, ids, pagination.Pagination{Page: 2, PageSize: 2})
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, "c", page[0].UserID)
}
