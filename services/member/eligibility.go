package member

import (
	"context"
	"time"

	"smallbiznis-referral/pkg/config"
	"smallbiznis-referral/services/ledger"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

// IsEligible reports whether u may receive an upstream share: enough direct
// children and not a top-tier admin.
func IsEligible(u *ledger.UserAccount, tier1 config.AdminTier, minChildren int) bool {
	return len(u.DirectChildren) >= minChildren && !tier1.Has(u.UserID)
}

// Eligibility owns every change to direct_children so the eligible flag is
// recomputed in the same versioned write.
type Eligibility struct {
	store       *ledger.Store
	tier1       config.AdminTier
	minChildren int
}

type EligibilityParams struct {
	fx.In
	Store  *ledger.Store
	Config *config.Config
}

func NewEligibility(p EligibilityParams) *Eligibility {
	return newEligibility(p.Store, p.Config.Referral)
}

func newEligibility(store *ledger.Store, cfg config.Referral) *Eligibility {
	minChildren := cfg.MinDirectChildren
	if minChildren <= 0 {
		minChildren = 2
	}
	return &Eligibility{store: store, tier1: cfg.Tier1, minChildren: minChildren}
}

// apply recomputes u.Eligible and reports whether it flipped.
func (e *Eligibility) apply(u *ledger.UserAccount) bool {
	eligible := IsEligible(u, e.tier1, e.minChildren)
	if eligible == u.Eligible {
		return false
	}
	u.Eligible = eligible
	return true
}

func (e *Eligibility) Refresh(ctx context.Context, userID string) (*ledger.UserAccount, error) {
	return e.store.MutateUser(ctx, userID, func(u *ledger.UserAccount) (bool, error) {
		return e.apply(u), nil
	})
}

func (e *Eligibility) AddChild(ctx context.Context, parentID, childID string, at time.Time) (*ledger.UserAccount, error) {
	u, err := e.store.MutateUser(ctx, parentID, func(u *ledger.UserAccount) (bool, error) {
		added := u.AddChild(childID, at.UTC())
		flipped := e.apply(u)
		return added || flipped, nil
	})
	if err != nil {
		return nil, err
	}

	zap.L().Debug("[Member] direct child added",
		zap.String("user_id", parentID),
		zap.String("child_id", childID),
		zap.Int("direct_children", len(u.DirectChildren)),
		zap.Bool("eligible", u.Eligible),
	)
	return u, nil
}

func (e *Eligibility) RemoveChild(ctx context.Context, parentID, childID string) (*ledger.UserAccount, error) {
	return e.store.MutateUser(ctx, parentID, func(u *ledger.UserAccount) (bool, error) {
		removed := u.RemoveChild(childID)
		flipped := e.apply(u)
		return removed || flipped, nil
	})
}
