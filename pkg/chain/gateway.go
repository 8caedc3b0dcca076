// Package chain is the boundary to the blockchain transfer gateway. The
// engine only needs three calls: send, balance and fee estimation.
package chain

import (
	"context"
	"errors"

	"smallbiznis-referral/pkg/money"
)

// ErrFeeEstimateUnsupported is returned by gateways that cannot estimate fees.
var ErrFeeEstimateUnsupported = errors.New("chain: fee estimation not supported")

// TransferRequest carries an amount already converted to token minor units.
type TransferRequest struct {
	Chain       string `json:"chain"`
	Destination string `json:"destination"`
	AmountMinor int64  `json:"amount_minor_units"`
	SourceKey   string `json:"source_key"`
	TokenSymbol string `json:"token_symbol"`
	Decimals    int32  `json:"decimals"`
}

type BalanceRequest struct {
	Chain       string `json:"chain"`
	Address     string `json:"address"`
	TokenSymbol string `json:"token_symbol"`
	Decimals    int32  `json:"decimals"`
}

//go:generate mockgen -source=gateway.go -destination=mock/gateway_mock.go -package=mock

type Gateway interface {
	Transfer(ctx context.Context, req TransferRequest) (string, error)
	Balance(ctx context.Context, req BalanceRequest) (money.Amount, error)
	EstimateFee(ctx context.Context, req TransferRequest) (money.Amount, error)
}
