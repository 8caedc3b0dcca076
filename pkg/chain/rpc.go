package chain

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"smallbiznis-referral/pkg/config"
	"smallbiznis-referral/pkg/money"

	"github.com/filecoin-project/go-jsonrpc"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Namespace is the JSON-RPC method prefix served by the gateway ("Gateway.Transfer").
const Namespace = "Gateway"

// GatewayStruct is the client proxy populated by go-jsonrpc.
type GatewayStruct struct {
	Internal struct {
		Transfer    func(ctx context.Context, req TransferRequest) (string, error)
		Balance     func(ctx context.Context, req BalanceRequest) (string, error)
		EstimateFee func(ctx context.Context, req TransferRequest) (string, error)
	}
}

// RPCGateway talks to the custodial wallet service over JSON-RPC.
type RPCGateway struct {
	api    *GatewayStruct
	closer jsonrpc.ClientCloser
}

func NewRPCGateway(ctx context.Context, addr, token string, opts ...jsonrpc.Option) (*RPCGateway, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	var api GatewayStruct
	closer, err := jsonrpc.NewMergeClient(ctx, addr, Namespace,
		[]interface{}{
			&api.Internal,
		},
		header,
		opts...,
	)
	if err != nil {
		return nil, fmt.Errorf("chain: dial gateway %s: %w", addr, err)
	}

	return &RPCGateway{api: &api, closer: closer}, nil
}

func (g *RPCGateway) Close() {
	if g.closer != nil {
		g.closer()
	}
}

func (g *RPCGateway) Transfer(ctx context.Context, req TransferRequest) (string, error) {
	return g.api.Internal.Transfer(ctx, req)
}

func (g *RPCGateway) Balance(ctx context.Context, req BalanceRequest) (money.Amount, error) {
	raw, err := g.api.Internal.Balance(ctx, req)
	if err != nil {
		return money.Zero, err
	}
	return money.Parse(raw)
}

func (g *RPCGateway) EstimateFee(ctx context.Context, req TransferRequest) (money.Amount, error) {
	raw, err := g.api.Internal.EstimateFee(ctx, req)
	if err != nil {
		if isMethodNotFound(err) {
			return money.Zero, ErrFeeEstimateUnsupported
		}
		return money.Zero, err
	}
	return money.Parse(raw)
}

var Module = fx.Module("chain.gateway",
	fx.Provide(ProvideGateway),
)

func ProvideGateway(lc fx.Lifecycle, cfg *config.Config) (Gateway, error) {
	opts := []jsonrpc.Option{jsonrpc.WithNoReconnect()}
	if cfg.Chain.Timeout > 0 {
		opts = append(opts, jsonrpc.WithTimeout(cfg.Chain.Timeout))
	}

	gw, err := NewRPCGateway(context.Background(), cfg.Chain.GatewayAddr, cfg.Chain.AuthToken, opts...)
	if err != nil {
		zap.L().Error("[Chain] failed to connect transfer gateway", zap.String("addr", cfg.Chain.GatewayAddr), zap.Error(err))
		return nil, err
	}

	zap.L().Info("[Chain] transfer gateway ready", zap.String("addr", cfg.Chain.GatewayAddr), zap.String("chain", cfg.Chain.Name))

	lc.Append(fx.StopHook(gw.Close))

	return gw, nil
}

func isMethodNotFound(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "method") && strings.Contains(msg, "not found")
}
