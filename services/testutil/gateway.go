package testutil

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"smallbiznis-referral/pkg/chain"
	"smallbiznis-referral/pkg/money"
)

var ErrGatewayDown = errors.New("gateway unavailable")

// FakeGateway is an in-memory chain.Gateway. Transfers succeed unless
// FailTransfers is set or TransferFn says otherwise.
type FakeGateway struct {
	mu sync.Mutex

	FailTransfers bool
	TransferFn    func(req chain.TransferRequest) (string, error)
	Balances      map[string]money.Amount
	Fees          map[string]money.Amount
	FeeErr        error

	attempts int
	sent     []chain.TransferRequest
}

func NewFakeGateway() *FakeGateway {
	return &FakeGateway{
		Balances: map[string]money.Amount{},
	}
}

func (f *FakeGateway) Transfer(ctx context.Context, req chain.TransferRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.attempts++
	if f.FailTransfers {
		return "", ErrGatewayDown
	}
	if f.TransferFn != nil {
		txID, err := f.TransferFn(req)
		if err != nil {
			return "", err
		}
		f.sent = append(f.sent, req)
		return txID, nil
	}

	f.sent = append(f.sent, req)
	return fmt.Sprintf("tx-%d", len(f.sent)), nil
}

func (f *FakeGateway) Balance(ctx context.Context, req chain.BalanceRequest) (money.Amount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Balances[req.Address], nil
}

func (f *FakeGateway) EstimateFee(ctx context.Context, req chain.TransferRequest) (money.Amount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.FeeErr != nil {
		return money.Zero, f.FeeErr
	}
	if f.Fees == nil {
		return money.Zero, chain.ErrFeeEstimateUnsupported
	}
	return f.Fees[req.Destination], nil
}

func (f *FakeGateway) Attempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

func (f *FakeGateway) Sent() []chain.TransferRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]chain.TransferRequest(nil), f.sent...)
}

// SentTo sums the minor units delivered to destination.
func (f *FakeGateway) SentTo(destination string) int64 {
	var total int64
	for _, req := range f.Sent() {
		if req.Destination == destination {
			total += req.AmountMinor
		}
	}
	return total
}
