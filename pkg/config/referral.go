package config

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// AdminTier describes one administrative tier: its members never receive
// personal credits, their commission is pooled in PoolWallet and paid out to
// PayoutWallets on the 10-day settlement.
type AdminTier struct {
	UserIDs       []string `mapstructure:"USER_IDS"`
	PoolWallet    string   `mapstructure:"POOL_WALLET"`
	PayoutWallets []string `mapstructure:"PAYOUT_WALLETS"`
}

func (t AdminTier) Has(userID string) bool {
	return userID != "" && slices.Contains(t.UserIDs, userID)
}

// PoolSplit is one destination of the 10-day join pool redistribution.
type PoolSplit struct {
	Wallet  string          `mapstructure:"WALLET"`
	Percent decimal.Decimal `mapstructure:"PERCENT"`
}

type Referral struct {
	JoinFee            decimal.Decimal `mapstructure:"JOIN_FEE"`
	DirectBonus        decimal.Decimal `mapstructure:"DIRECT_BONUS"`
	CompanyMainPercent decimal.Decimal `mapstructure:"COMPANY_MAIN_PERCENT"`
	CompanyAltPercent  decimal.Decimal `mapstructure:"COMPANY_ALT_PERCENT"`
	UpstreamPercent    decimal.Decimal `mapstructure:"UPSTREAM_PERCENT"`
	CompanyMainWallet  string          `mapstructure:"COMPANY_MAIN_WALLET"`
	CompanyAltWallet   string          `mapstructure:"COMPANY_ALT_WALLET"`
	JoinPoolWallet     string          `mapstructure:"JOIN_POOL_WALLET"`
	JoinPoolSplits     []PoolSplit     `mapstructure:"JOIN_POOL_SPLITS"`
	Tier1              AdminTier       `mapstructure:"TIER1"`
	Tier2              AdminTier       `mapstructure:"TIER2"`
	Tier2BufferPercent decimal.Decimal `mapstructure:"TIER2_BUFFER_PERCENT"`
	MinDirectChildren  int             `mapstructure:"MIN_DIRECT_CHILDREN"`
	PoolInterval       time.Duration   `mapstructure:"POOL_INTERVAL"`
	PayoutInterval     time.Duration   `mapstructure:"PAYOUT_INTERVAL"`
	PayoutWaitDays     int             `mapstructure:"PAYOUT_WAIT_DAYS"`
	ReferralCodeLength int             `mapstructure:"REFERRAL_CODE_LENGTH"`
	AirdropTokens      int64           `mapstructure:"AIRDROP_TOKENS"`
	TickInterval       time.Duration   `mapstructure:"TICK_INTERVAL"`
	DistributedLock    bool            `mapstructure:"DISTRIBUTED_LOCK"`
	AsyncCommission    bool            `mapstructure:"ASYNC_COMMISSION"`
}

// Validate reports the wallets a running network cannot do without.
func (r Referral) Validate() error {
	var errs []error
	if r.JoinPoolWallet == "" {
		errs = append(errs, errors.New("REFERRAL.JOIN_POOL_WALLET is required"))
	}
	if r.CompanyMainPercent.IsPositive() && r.CompanyMainWallet == "" {
		errs = append(errs, errors.New("REFERRAL.COMPANY_MAIN_WALLET is required"))
	}
	if r.CompanyAltPercent.IsPositive() && r.CompanyAltWallet == "" {
		errs = append(errs, errors.New("REFERRAL.COMPANY_ALT_WALLET is required"))
	}
	for i, split := range r.JoinPoolSplits {
		if split.Wallet == "" {
			errs = append(errs, fmt.Errorf("REFERRAL.JOIN_POOL_SPLITS[%d].WALLET is required", i))
		}
	}
	for name, tier := range map[string]AdminTier{"TIER1": r.Tier1, "TIER2": r.Tier2} {
		if len(tier.UserIDs) > 0 && tier.PoolWallet == "" {
			errs = append(errs, fmt.Errorf("REFERRAL.%s.POOL_WALLET is required", name))
		}
	}
	return errors.Join(errs...)
}

// SourceRoute binds a destination wallet to the source pool key paying it.
type SourceRoute struct {
	Wallet string `mapstructure:"WALLET"`
	Key    string `mapstructure:"KEY"`
}

type Transfer struct {
	MaxAttempts       int             `mapstructure:"MAX_ATTEMPTS"`
	RetryDelay        time.Duration   `mapstructure:"RETRY_DELAY"`
	FallbackFee       decimal.Decimal `mapstructure:"FALLBACK_FEE"`
	DefaultSourceKey  string          `mapstructure:"DEFAULT_SOURCE_KEY"`
	SourceRoutes      []SourceRoute   `mapstructure:"SOURCE_ROUTES"`
	ReconcileBatch    int             `mapstructure:"RECONCILE_BATCH"`
	ReconcileInterval time.Duration   `mapstructure:"RECONCILE_INTERVAL"`
}

// SourceKeyFor maps a destination wallet to the source pool key used by the
// gateway, falling back to DefaultSourceKey.
func (t Transfer) SourceKeyFor(destination string) string {
	for _, r := range t.SourceRoutes {
		if r.Wallet == destination && r.Key != "" {
			return r.Key
		}
	}
	return t.DefaultSourceKey
}

type Chain struct {
	GatewayAddr string        `mapstructure:"GATEWAY_ADDR"`
	AuthToken   string        `mapstructure:"AUTH_TOKEN"`
	Name        string        `mapstructure:"NAME"`
	TokenSymbol string        `mapstructure:"TOKEN_SYMBOL"`
	Decimals    int32         `mapstructure:"DECIMALS"`
	Timeout     time.Duration `mapstructure:"TIMEOUT"`
}

// DefaultReferral returns the fixed business rules of the network.
func DefaultReferral() Referral {
	return Referral{
		JoinFee:            decimal.NewFromInt(50),
		DirectBonus:        decimal.NewFromInt(5),
		CompanyMainPercent: decimal.NewFromInt(20),
		CompanyAltPercent:  decimal.NewFromInt(10),
		UpstreamPercent:    decimal.NewFromInt(70),
		Tier2BufferPercent: decimal.NewFromInt(5),
		MinDirectChildren:  2,
		PoolInterval:       10 * 24 * time.Hour,
		PayoutInterval:     30 * 24 * time.Hour,
		PayoutWaitDays:     30,
		ReferralCodeLength: 8,
		TickInterval:       time.Hour,
	}
}

func DefaultTransfer() Transfer {
	return Transfer{
		MaxAttempts:       3,
		RetryDelay:        1500 * time.Millisecond,
		FallbackFee:       decimal.RequireFromString("1"),
		DefaultSourceKey:  "join_pool",
		ReconcileBatch:    50,
		ReconcileInterval: 10 * time.Minute,
	}
}

func setDefaults(v *viper.Viper) {
	r := DefaultReferral()
	v.SetDefault("REFERRAL.JOIN_FEE", r.JoinFee.String())
	v.SetDefault("REFERRAL.DIRECT_BONUS", r.DirectBonus.String())
	v.SetDefault("REFERRAL.COMPANY_MAIN_PERCENT", r.CompanyMainPercent.String())
	v.SetDefault("REFERRAL.COMPANY_ALT_PERCENT", r.CompanyAltPercent.String())
	v.SetDefault("REFERRAL.UPSTREAM_PERCENT", r.UpstreamPercent.String())
	v.SetDefault("REFERRAL.TIER2_BUFFER_PERCENT", r.Tier2BufferPercent.String())
	v.SetDefault("REFERRAL.MIN_DIRECT_CHILDREN", r.MinDirectChildren)
	v.SetDefault("REFERRAL.POOL_INTERVAL", r.PoolInterval)
	v.SetDefault("REFERRAL.PAYOUT_INTERVAL", r.PayoutInterval)
	v.SetDefault("REFERRAL.PAYOUT_WAIT_DAYS", r.PayoutWaitDays)
	v.SetDefault("REFERRAL.REFERRAL_CODE_LENGTH", r.ReferralCodeLength)
	v.SetDefault("REFERRAL.TICK_INTERVAL", r.TickInterval)

	t := DefaultTransfer()
	v.SetDefault("TRANSFER.MAX_ATTEMPTS", t.MaxAttempts)
	v.SetDefault("TRANSFER.RETRY_DELAY", t.RetryDelay)
	v.SetDefault("TRANSFER.FALLBACK_FEE", t.FallbackFee.String())
	v.SetDefault("TRANSFER.DEFAULT_SOURCE_KEY", t.DefaultSourceKey)
	v.SetDefault("TRANSFER.RECONCILE_BATCH", t.ReconcileBatch)
	v.SetDefault("TRANSFER.RECONCILE_INTERVAL", t.ReconcileInterval)

	v.SetDefault("CHAIN.NAME", "tron")
	v.SetDefault("CHAIN.TOKEN_SYMBOL", "USDT")
	v.SetDefault("CHAIN.DECIMALS", 6)
	v.SetDefault("CHAIN.TIMEOUT", 30*time.Second)

	v.SetDefault("SEQUENCE.BACKEND", "db")
}
