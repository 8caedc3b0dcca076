package transfer

import (
	"context"
	"errors"
	"time"

	"smallbiznis-referral/pkg/chain"
	"smallbiznis-referral/pkg/config"
	"smallbiznis-referral/pkg/money"
	"smallbiznis-referral/services/ledger"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Request describes one outbound movement of value.
type Request struct {
	Destination string
	Amount      money.Amount
	Note        string
	FromUID     string
	Ref         string
}

// Executor sends value through the gateway with a bounded fixed-delay retry
// and records every attempt outcome as a payment record. It never returns
// transfer errors: a transfer that exhausts its attempts is persisted as
// pending_retry and reported with ok=false.
type Executor struct {
	store   *ledger.Store
	gateway chain.Gateway
	cfg     config.Transfer
	chain   config.Chain
}

type Params struct {
	fx.In
	Store   *ledger.Store
	Gateway chain.Gateway
	Config  *config.Config
}

func NewExecutor(p Params) *Executor {
	cfg := p.Config.Transfer
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}

	return &Executor{
		store:   p.Store,
		gateway: p.Gateway,
		cfg:     cfg,
		chain:   p.Config.Chain,
	}
}

// SourceKey maps a destination wallet to the gateway source pool key.
func (e *Executor) SourceKey(destination string) string {
	return e.cfg.SourceKeyFor(destination)
}

func (e *Executor) TransferWallet(ctx context.Context, req Request) (string, bool) {
	span := trace.SpanFromContext(ctx)
	log := zap.L().With(
		zap.String("trace_id", span.SpanContext().TraceID().String()),
		zap.String("span_id", span.SpanContext().SpanID().String()),
		zap.String("destination", req.Destination),
		zap.String("amount", req.Amount.String()),
		zap.String("note", req.Note),
	)

	transfer := e.request(req.Destination, req.Amount, e.SourceKey(req.Destination))
	if req.Destination == "" || transfer.AmountMinor <= 0 {
		log.Warn("[Transfer] skipped transfer with empty destination or non-positive amount")
		return "", false
	}

	e.logFee(ctx, log, transfer)

	txID, attempts, err := e.send(ctx, log, transfer)

	record := &ledger.Payment{
		UserID:    req.FromUID,
		Wallet:    req.Destination,
		AmountUSD: req.Amount,
		Note:      req.Note,
		Ref:       req.Ref,
		SourceKey: transfer.SourceKey,
		Attempts:  attempts,
	}
	if err != nil {
		record.Status = ledger.StatusPendingRetry
	} else {
		record.Status = ledger.StatusSuccess
		record.TxHash = &txID
	}

	if perr := e.store.InsertPayment(context.WithoutCancel(ctx), record); perr != nil {
		log.Error("[Transfer] failed to persist transfer record", zap.String("status", string(record.Status)), zap.Error(perr))
	}

	if err != nil {
		log.Error("[Transfer] transfer queued for reconciliation", zap.Int("attempts", attempts), zap.Error(err))
		return "", false
	}

	log.Info("[Transfer] transfer sent", zap.String("tx_id", txID), zap.Int("attempts", attempts))
	return txID, true
}

// Reconcile re-sends up to limit pending_retry records. It returns how many
// were settled.
func (e *Executor) Reconcile(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = e.cfg.ReconcileBatch
	}

	pending, err := e.store.PendingPayments(ctx, limit)
	if err != nil {
		return 0, err
	}

	settled := 0
	for _, p := range pending {
		log := zap.L().With(zap.String("payment_id", p.ID), zap.String("destination", p.Wallet))

		sourceKey := p.SourceKey
		if sourceKey == "" {
			sourceKey = e.SourceKey(p.Wallet)
		}

		txID, attempts, err := e.send(ctx, log, e.request(p.Wallet, p.AmountUSD, sourceKey))
		if err != nil {
			log.Warn("[Transfer] reconciliation attempt failed", zap.Error(err))
			continue
		}

		ok, err := e.store.SettlePending(context.WithoutCancel(ctx), p.ID, txID, attempts)
		if err != nil {
			log.Error("[Transfer] failed to settle pending record", zap.String("tx_id", txID), zap.Error(err))
			continue
		}
		if ok {
			settled++
		}
	}

	zap.L().Info("[Transfer] reconciliation finished", zap.Int("pending", len(pending)), zap.Int("settled", settled))
	return settled, nil
}

func (e *Executor) request(destination string, amount money.Amount, sourceKey string) chain.TransferRequest {
	return chain.TransferRequest{
		Chain:       e.chain.Name,
		Destination: destination,
		AmountMinor: amount.MinorUnits(e.chain.Decimals),
		SourceKey:   sourceKey,
		TokenSymbol: e.chain.TokenSymbol,
		Decimals:    e.chain.Decimals,
	}
}

func (e *Executor) send(ctx context.Context, log *zap.Logger, req chain.TransferRequest) (string, int, error) {
	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		txID, err := e.gateway.Transfer(ctx, req)
		if err == nil {
			return txID, attempt, nil
		}

		lastErr = err
		log.Warn("[Transfer] attempt failed", zap.Int("attempt", attempt), zap.Error(err))

		if attempt == e.cfg.MaxAttempts {
			break
		}
		if e.cfg.RetryDelay > 0 {
			select {
			case <-time.After(e.cfg.RetryDelay):
			case <-ctx.Done():
				return "", attempt, ctx.Err()
			}
		}
	}
	return "", e.cfg.MaxAttempts, lastErr
}

func (e *Executor) logFee(ctx context.Context, log *zap.Logger, req chain.TransferRequest) {
	fee, err := e.gateway.EstimateFee(ctx, req)
	if err != nil {
		log.Debug("[Transfer] fee estimate unavailable, using fallback", zap.String("fee", e.cfg.FallbackFee.String()), zap.Error(err))
		return
	}
	log.Debug("[Transfer] estimated fee", zap.String("fee", fee.String()))
}

// EstimateFee asks the gateway for the fee of sending amount to destination,
// falling back to the configured constant when estimation is unavailable.
func (e *Executor) EstimateFee(ctx context.Context, destination string, amount money.Amount) money.Amount {
	fee, err := e.gateway.EstimateFee(ctx, e.request(destination, amount, e.SourceKey(destination)))
	if err != nil {
		if !errors.Is(err, chain.ErrFeeEstimateUnsupported) {
			zap.L().Warn("[Transfer] fee estimate failed, using fallback", zap.String("destination", destination), zap.Error(err))
		}
		return money.New(e.cfg.FallbackFee)
	}
	return fee
}

// Balance reads the on-chain token balance of address.
func (e *Executor) Balance(ctx context.Context, address string) (money.Amount, error) {
	return e.gateway.Balance(ctx, chain.BalanceRequest{
		Chain:       e.chain.Name,
		Address:     address,
		TokenSymbol: e.chain.TokenSymbol,
		Decimals:    e.chain.Decimals,
	})
}
