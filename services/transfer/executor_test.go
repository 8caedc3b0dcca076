package transfer

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"

	"smallbiznis-referral/pkg/chain"
	"smallbiznis-referral/pkg/chain/mock"
	"smallbiznis-referral/pkg/config"
	"smallbiznis-referral/pkg/money"
	"smallbiznis-referral/services/ledger"
	"smallbiznis-referral/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestExecutor(t *testing.T, gw chain.Gateway) (*Executor, *ledger.Store) {
	t.Helper()

	db := testutil.NewTestDB(t, ledger.Models()...)
	node := testutil.NewNode(t)
	store := ledger.NewStore(ledger.StoreParams{DB: db, Node: node})

	cfg := &config.Config{Transfer: config.DefaultTransfer()}
	cfg.Transfer.RetryDelay = 0
	cfg.Transfer.SourceRoutes = []config.SourceRoute{{Wallet: "TAdmin2Payout", Key: "admin2_pool"}}
	cfg.Chain = config.Chain{Name: "tron", TokenSymbol: "USDT", Decimals: 6}

	return NewExecutor(Params{Store: store, Gateway: gw, Config: cfg}), store
}

func TestTransferWalletSuccess(t *testing.T) {
	ctx := context.Background()
	gw := testutil.NewFakeGateway()
	exec, store := newTestExecutor(t, gw)

	txID, ok := exec.TransferWallet(ctx, Request{Destination: "TMain", Amount: money.MustParse("9.1234567"), Note: "company_main", FromUID: "u1"})
	require.True(t, ok)
	require.Equal(t, "tx-1", txID)

	sent := gw.Sent()
	require.Len(t, sent, 1)
	require.Equal(t, int64(9123456), sent[0].AmountMinor)
	require.Equal(t, "join_pool", sent[0].SourceKey)
	require.Equal(t, "USDT", sent[0].TokenSymbol)

	records, err := store.FindPayments(ctx, &ledger.Payment{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, ledger.StatusSuccess, records[0].Status)
	require.Equal(t, "tx-1", *records[0].TxHash)
	require.Equal(t, 1, records[0].Attempts)
}

func TestTransferWalletRetriesThenSucceeds(t *testing.T) {
	ctx := context.Background()
	gw := testutil.NewFakeGateway()
	calls := 0
	gw.TransferFn = func(req chain.TransferRequest) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("node timeout")
		}
		return "0xok", nil
	}
	exec, store := newTestExecutor(t, gw)

	txID, ok := exec.TransferWallet(ctx, Request{Destination: "TAdmin2Payout", Amount: money.FromInt(3), Note: "tier2_payout"})
	require.True(t, ok)
	require.Equal(t, "0xok", txID)
	require.Equal(t, 3, gw.Attempts())
	require.Equal(t, "admin2_pool", gw.Sent()[0].SourceKey)

	records, err := store.FindPayments(ctx, &ledger.Payment{Note: "tier2_payout"})
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, 3, records[0].Attempts)
}

func TestTransferWalletExhaustedIsPendingRetry(t *testing.T) {
	ctx := context.Background()
	gw := testutil.NewFakeGateway()
	gw.FailTransfers = true
	exec, store := newTestExecutor(t, gw)

	txID, ok := exec.TransferWallet(ctx, Request{Destination: "TMember", Amount: money.FromInt(12), Note: "payout_30d", FromUID: "u9"})
	require.False(t, ok)
	require.Empty(t, txID)
	require.Equal(t, 3, gw.Attempts())

	records, err := store.FindPayments(ctx, &ledger.Payment{UserID: "u9"})
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, ledger.StatusPendingRetry, records[0].Status)
	require.Nil(t, records[0].TxHash)
}

func TestTransferWalletSkipsNonPositive(t *testing.T) {
	gw := testutil.NewFakeGateway()
	exec, store := newTestExecutor(t, gw)

	_, ok := exec.TransferWallet(context.Background(), Request{Destination: "TMain", Amount: money.MustParse("0.0000001")})
	require.False(t, ok)
	require.Zero(t, gw.Attempts())

	records, err := store.FindPayments(context.Background(), &ledger.Payment{})
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestReconcileSettlesPending(t *testing.T) {
	ctx := context.Background()
	gw := testutil.NewFakeGateway()
	gw.FailTransfers = true
	exec, store := newTestExecutor(t, gw)

	_, ok := exec.TransferWallet(ctx, Request{Destination: "TMember", Amount: money.FromInt(7), Note: "payout_30d", FromUID: "u1"})
	require.False(t, ok)

	settled, err := exec.Reconcile(ctx, 10)
	require.NoError(t, err)
	require.Zero(t, settled)

	gw.FailTransfers = false
	settled, err = exec.Reconcile(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, settled)

	records, err := store.FindPayments(ctx, &ledger.Payment{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, ledger.StatusSuccess, records[0].Status)
	require.Equal(t, "tx-1", *records[0].TxHash)
	require.Equal(t, 4, records[0].Attempts)
}

func TestEstimateFeeFallsBack(t *testing.T) {
	ctx := context.Background()
	gw := testutil.NewFakeGateway()
	exec, _ := newTestExecutor(t, gw)

	require.Equal(t, "1.000000", exec.EstimateFee(ctx, "TMain", money.FromInt(5)).String())

	gw.Fees = map[string]money.Amount{"TMain": money.MustParse("0.35")}
	require.Equal(t, "0.350000", exec.EstimateFee(ctx, "TMain", money.FromInt(5)).String())

	gw.FeeErr = errors.New("rpc down")
	require.Equal(t, "1.000000", exec.EstimateFee(ctx, "TMain", money.FromInt(5)).String())

	gw.Balances["TPool"] = money.FromInt(42)
	bal, err := exec.Balance(ctx, "TPool")
	require.NoError(t, err)
	require.Equal(t, "42.000000", bal.String())
}

func TestTransferWalletSendsExactRequest(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	gw := mock.NewMockGateway(ctrl)
	exec, _ := newTestExecutor(t, gw)

	want := chain.TransferRequest{
		Chain:       "tron",
		Destination: "TAdmin2Payout",
		AmountMinor: 2_500_000,
		SourceKey:   "admin2_pool",
		TokenSymbol: "USDT",
		Decimals:    6,
	}

	gomock.InOrder(
		gw.EXPECT().EstimateFee(gomock.Any(), want).Return(money.Amount{}, chain.ErrFeeEstimateUnsupported),
		gw.EXPECT().Transfer(gomock.Any(), want).Return("", errors.New("bandwidth exceeded")),
		gw.EXPECT().Transfer(gomock.Any(), want).Return("0xabc", nil),
	)

	txID, ok := exec.TransferWallet(ctx, Request{Destination: "TAdmin2Payout", Amount: money.MustParse("2.5"), Note: "tier2_payout"})
	require.True(t, ok)
	require.Equal(t, "0xabc", txID)
}

func TestTransferWalletSkipsGatewayForEmptyDestination(t *testing.T) {
	ctrl := gomock.NewController(t)
	gw := mock.NewMockGateway(ctrl)
	exec, _ := newTestExecutor(t, gw)

	_, ok := exec.TransferWallet(context.Background(), Request{Amount: money.FromInt(1)})
	require.False(t, ok)
}
