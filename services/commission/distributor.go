package commission

import (
	"context"
	"errors"
	"fmt"

	"smallbiznis-referral/pkg/config"
	"smallbiznis-referral/pkg/money"
	"smallbiznis-referral/services/ledger"
	"smallbiznis-referral/services/transfer"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Payment record notes written by the distributor.
const (
	NoteDirectBonus   = "direct_bonus"
	NoteCompanyMain   = "company_main"
	NoteCompanyAlt    = "company_alt"
	NoteUpstreamShare = "upstream_share"
	NoteRoundResidue  = "round_residue"
)

type Share struct {
	UserID string       `json:"user_id"`
	Amount money.Amount `json:"amount"`
}

// Distribution is the split of one join fee. Its parts always add up to Fee.
type Distribution struct {
	UserID       string       `json:"user_id"`
	InviterID    string       `json:"inviter_id,omitempty"`
	Fee          money.Amount `json:"fee"`
	DirectBonus  money.Amount `json:"direct_bonus"`
	CompanyMain  money.Amount `json:"company_main"`
	CompanyAlt   money.Amount `json:"company_alt"`
	UpstreamPool money.Amount `json:"upstream_pool"`
	Shares       []Share      `json:"shares"`
	Residue      money.Amount `json:"residue"`
}

func (d *Distribution) Total() money.Amount {
	total := d.DirectBonus.Add(d.CompanyMain).Add(d.CompanyAlt).Add(d.Residue)
	for _, s := range d.Shares {
		total = total.Add(s.Amount)
	}
	return total
}

// Transferer is the outbound side of the distributor.
type Transferer interface {
	TransferWallet(ctx context.Context, req transfer.Request) (string, bool)
}

type Distributor struct {
	store    *ledger.Store
	executor Transferer
	cfg      config.Referral
}

type Params struct {
	fx.In
	Store    *ledger.Store
	Executor *transfer.Executor
	Config   *config.Config
}

func NewDistributor(p Params) *Distributor {
	return New(p.Store, p.Executor, p.Config.Referral)
}

func New(store *ledger.Store, executor Transferer, cfg config.Referral) *Distributor {
	return &Distributor{store: store, executor: executor, cfg: cfg}
}

// Plan computes the split for account without moving any value. Ancestor
// eligibility is read fresh from the store.
func (d *Distributor) Plan(ctx context.Context, account *ledger.UserAccount) (*Distribution, error) {
	fee := money.New(d.cfg.JoinFee)
	bonus := money.New(d.cfg.DirectBonus)
	remaining := fee.Sub(bonus)

	dist := &Distribution{
		UserID:       account.UserID,
		Fee:          fee,
		UpstreamPool: remaining.Percent(d.cfg.UpstreamPercent),
	}
	// a company leg without a destination wallet falls through to residue
	if d.cfg.CompanyMainWallet != "" {
		dist.CompanyMain = remaining.Percent(d.cfg.CompanyMainPercent)
	}
	if d.cfg.CompanyAltWallet != "" {
		dist.CompanyAlt = remaining.Percent(d.cfg.CompanyAltPercent)
	}

	if inviterID := account.Inviter(); inviterID != "" {
		inviter, err := d.store.FindUser(ctx, inviterID)
		if err != nil {
			return nil, err
		}
		if inviter != nil {
			dist.InviterID = inviterID
			dist.DirectBonus = bonus
		}
	}

	eligible, err := d.eligibleAncestors(ctx, account.Ancestors)
	if err != nil {
		return nil, err
	}

	if len(eligible) > 0 {
		share := dist.UpstreamPool.Split(len(eligible))
		if share.IsPositive() {
			for _, id := range eligible {
				dist.Shares = append(dist.Shares, Share{UserID: id, Amount: share})
			}
		}
	}

	// whatever is not paid out, including truncation dust, stays in the join pool
	paid := dist.DirectBonus.Add(dist.CompanyMain).Add(dist.CompanyAlt)
	for _, s := range dist.Shares {
		paid = paid.Add(s.Amount)
	}
	dist.Residue = fee.Sub(paid)

	return dist, nil
}

func (d *Distributor) eligibleAncestors(ctx context.Context, ancestors []string) ([]string, error) {
	if len(ancestors) == 0 {
		return nil, nil
	}

	accounts, err := d.store.FindUsers(ctx, ancestors)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*ledger.UserAccount, len(accounts))
	for _, a := range accounts {
		byID[a.UserID] = a
	}

	out := make([]string, 0, len(ancestors))
	for _, id := range ancestors {
		a, ok := byID[id]
		if !ok || !a.Eligible || d.cfg.Tier1.Has(id) {
			continue
		}
		out = append(out, id)
	}
	return out, nil
}

// Distribute splits the join fee paid by account. Every leg is attempted even
// if an earlier one fails; the joined error reports the failed legs.
func (d *Distributor) Distribute(ctx context.Context, account *ledger.UserAccount) (*Distribution, error) {
	span := trace.SpanFromContext(ctx)
	log := zap.L().With(
		zap.String("trace_id", span.SpanContext().TraceID().String()),
		zap.String("span_id", span.SpanContext().SpanID().String()),
		zap.String("user_id", account.UserID),
	)

	dist, err := d.Plan(ctx, account)
	if err != nil {
		log.Error("[Commission] failed to plan distribution", zap.Error(err))
		return nil, err
	}

	var errs []error

	if dist.DirectBonus.IsPositive() {
		if err := d.Credit(ctx, dist.InviterID, dist.DirectBonus, NoteDirectBonus, account.UserID); err != nil {
			errs = append(errs, err)
		}
	}

	if dist.CompanyMain.IsPositive() {
		d.executor.TransferWallet(ctx, transfer.Request{
			Destination: d.cfg.CompanyMainWallet,
			Amount:      dist.CompanyMain,
			Note:        NoteCompanyMain,
			FromUID:     account.UserID,
		})
	}
	if dist.CompanyAlt.IsPositive() {
		d.executor.TransferWallet(ctx, transfer.Request{
			Destination: d.cfg.CompanyAltWallet,
			Amount:      dist.CompanyAlt,
			Note:        NoteCompanyAlt,
			FromUID:     account.UserID,
		})
	}

	for _, s := range dist.Shares {
		if err := d.Credit(ctx, s.UserID, s.Amount, NoteUpstreamShare, account.UserID); err != nil {
			errs = append(errs, err)
		}
	}

	if dist.Residue.IsPositive() {
		if err := d.store.InsertPayment(ctx, &ledger.Payment{
			UserID:    account.UserID,
			Wallet:    d.cfg.JoinPoolWallet,
			AmountUSD: dist.Residue,
			Status:    ledger.StatusAccrued,
			Note:      NoteRoundResidue,
		}); err != nil {
			errs = append(errs, fmt.Errorf("record residue: %w", err))
		}
	}

	log.Info("[Commission] join fee distributed",
		zap.String("direct_bonus", dist.DirectBonus.String()),
		zap.String("company_main", dist.CompanyMain.String()),
		zap.String("company_alt", dist.CompanyAlt.String()),
		zap.Int("eligible_ancestors", len(dist.Shares)),
		zap.String("residue", dist.Residue.String()),
	)

	if err := errors.Join(errs...); err != nil {
		log.Error("[Commission] some legs failed", zap.Error(err))
		return dist, err
	}
	return dist, nil
}

// Credit routes amount to userID. Admin credits go to their tier pool wallet;
// everyone else gets a balance increment and an accrued record.
func (d *Distributor) Credit(ctx context.Context, userID string, amount money.Amount, note, fromUID string) error {
	switch {
	case d.cfg.Tier1.Has(userID):
		d.executor.TransferWallet(ctx, transfer.Request{
			Destination: d.cfg.Tier1.PoolWallet,
			Amount:      amount,
			Note:        note + ":tier1",
			FromUID:     fromUID,
			Ref:         userID,
		})
		return nil
	case d.cfg.Tier2.Has(userID):
		d.executor.TransferWallet(ctx, transfer.Request{
			Destination: d.cfg.Tier2.PoolWallet,
			Amount:      amount,
			Note:        note + ":tier2",
			FromUID:     fromUID,
			Ref:         userID,
		})
		return nil
	}

	if err := d.store.CreditBalance(ctx, userID, amount); err != nil {
		return fmt.Errorf("credit %s: %w", userID, err)
	}

	if err := d.store.InsertPayment(ctx, &ledger.Payment{
		UserID:    userID,
		AmountUSD: amount,
		Status:    ledger.StatusAccrued,
		Note:      note,
		Ref:       fromUID,
	}); err != nil {
		return fmt.Errorf("record credit %s: %w", userID, err)
	}
	return nil
}
