// Package commission implements the commission settlement engine. It turns
// normalized deposit events into CommissionConversion records for the
// referral chain of the depositing account and credits each beneficiary
// through the ledger exactly once per (deposit, beneficiary, type).
package commission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/scratchwin/scratch-engine/internal/events"
	"github.com/scratchwin/scratch-engine/internal/idem"
	"github.com/scratchwin/scratch-engine/internal/ledger"
	"github.com/scratchwin/scratch-engine/internal/metrics"
	"github.com/scratchwin/scratch-engine/internal/model"
	"github.com/scratchwin/scratch-engine/internal/store"
)

var (
	ErrInvalidDeposit  = errors.New("commission: invalid deposit event")
	ErrAccountNotFound = errors.New("commission: account not found")
	ErrInvalidReferrer = errors.New("commission: invalid referrer configuration")
)

// Engine settles deposit events.
type Engine struct {
	store     store.Store
	ledger    *ledger.Ledger
	deposits  *idem.KeyLock
	publisher events.Publisher
	now       func() time.Time
}

// NewEngine creates a settlement engine. pub may be nil.
func NewEngine(st store.Store, l *ledger.Ledger, pub events.Publisher) *Engine {
	return &Engine{
		store:     st,
		ledger:    l,
		deposits:  idem.NewKeyLock(),
		publisher: pub,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// --- Tiers ---

// Tiers returns the configured tier table, or DefaultTiers when none is stored.
func (e *Engine) Tiers(ctx context.Context) ([]model.ReferralTier, error) {
	tiers, err := e.store.ListTiers(ctx)
	if err != nil {
		return nil, err
	}
	if len(tiers) == 0 {
		return append([]model.ReferralTier(nil), DefaultTiers...), nil
	}
	return tiers, nil
}

// ConfigureTiers replaces the tier table. Existing affiliate tiers are
// left alone; the new thresholds apply from the next completed conversion.
func (e *Engine) ConfigureTiers(ctx context.Context, tiers []model.ReferralTier) ([]model.ReferralTier, error) {
	sorted, err := ValidateTiers(tiers)
	if err != nil {
		return nil, err
	}
	if err := e.store.ReplaceTiers(ctx, sorted); err != nil {
		return nil, err
	}
	slog.Info("tier table replaced", "tiers", len(sorted))
	return sorted, nil
}

// --- Referrers ---

// RegisterAffiliate creates or updates an affiliate. Accumulated earnings
// are never overwritten.
func (e *Engine) RegisterAffiliate(ctx context.Context, a model.Affiliate) (*model.Affiliate, error) {
	if err := e.requireRole(ctx, a.AccountID, model.RoleAffiliate); err != nil {
		return nil, err
	}
	if a.CommissionType == "" {
		a.CommissionType = model.CommissionPercentage
	}
	if a.CommissionType != model.CommissionFixed && a.CommissionType != model.CommissionPercentage {
		return nil, fmt.Errorf("%w: commission type %q", ErrInvalidReferrer, a.CommissionType)
	}
	if (a.CustomFixedAmount != nil && a.CustomFixedAmount.IsNegative()) ||
		(a.CustomPercentage != nil && (a.CustomPercentage.IsNegative() || a.CustomPercentage.GreaterThan(hundred))) {
		return nil, fmt.Errorf("%w: custom overrides out of range", ErrInvalidReferrer)
	}

	tiers, err := e.Tiers(ctx)
	if err != nil {
		return nil, err
	}
	existing, err := e.store.GetAffiliate(ctx, a.AccountID)
	switch {
	case err == nil:
		if a.Tier == "" {
			a.Tier = existing.Tier
		}
	case errors.Is(err, store.ErrNotFound):
		a.ApprovedEarnings = decimal.Zero
		if a.Tier == "" {
			a.Tier = TierFor(tiers, decimal.Zero).Name
		}
	default:
		return nil, err
	}
	if _, ok := LookupTier(tiers, a.Tier); !ok {
		return nil, fmt.Errorf("%w: unknown tier %q", ErrInvalidReferrer, a.Tier)
	}

	if err := e.store.UpsertAffiliate(ctx, &a); err != nil {
		return nil, err
	}
	slog.Info("affiliate registered", "affiliate", a.AccountID, "tier", a.Tier, "type", a.CommissionType, "pinned", a.TierPinned)
	return e.store.GetAffiliate(ctx, a.AccountID)
}

// RegisterPartner creates or updates a partner, filling the default policy
// for zero rates.
func (e *Engine) RegisterPartner(ctx context.Context, p model.Partner) (*model.Partner, error) {
	if err := e.requireRole(ctx, p.AccountID, model.RolePartner); err != nil {
		return nil, err
	}
	if p.AffiliateID != "" {
		if _, err := e.store.GetAffiliate(ctx, p.AffiliateID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("%w: affiliate %s not found", ErrInvalidReferrer, p.AffiliateID)
			}
			return nil, err
		}
	}
	if p.CommissionType == "" {
		p.CommissionType = model.CommissionPercentage
	}
	if p.CommissionType != model.CommissionFixed && p.CommissionType != model.CommissionPercentage {
		return nil, fmt.Errorf("%w: commission type %q", ErrInvalidReferrer, p.CommissionType)
	}
	if p.CommissionRate.IsZero() {
		p.CommissionRate = DefaultPartnerRate
	}
	if p.FixedAmount.IsZero() {
		p.FixedAmount = DefaultPartnerFixed
	}
	if p.CommissionRate.IsNegative() || p.CommissionRate.GreaterThan(hundred) || p.FixedAmount.IsNegative() {
		return nil, fmt.Errorf("%w: partner policy out of range", ErrInvalidReferrer)
	}

	if err := e.store.UpsertPartner(ctx, &p); err != nil {
		return nil, err
	}
	slog.Info("partner registered", "partner", p.AccountID, "affiliate", p.AffiliateID, "type", p.CommissionType)
	return e.store.GetPartner(ctx, p.AccountID)
}

func (e *Engine) requireRole(ctx context.Context, accountID string, role model.Role) error {
	acct, err := e.store.GetAccount(ctx, accountID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}
	if err != nil {
		return err
	}
	if acct.Role != role {
		return fmt.Errorf("%w: account %s has role %s, want %s", ErrInvalidReferrer, accountID, acct.Role, role)
	}
	return nil
}

// --- Settlement ---

// Share is one beneficiary's planned commission on a deposit.
type Share struct {
	BeneficiaryID string
	Type          model.BeneficiaryType
	Terms         Terms
	Amount        decimal.Decimal
	Clamped       bool
}

// Plan computes the shares owed on amount for a referral chain.
func (e *Engine) Plan(ctx context.Context, chain *Chain, amount decimal.Decimal) ([]Share, error) {
	if chain.Empty() {
		return nil, nil
	}
	tiers, err := e.Tiers(ctx)
	if err != nil {
		return nil, err
	}

	var affiliate Share
	if a := chain.Affiliate; a != nil {
		terms := AffiliateTerms(a, effectiveTier(tiers, a))
		affiliate = Share{BeneficiaryID: a.AccountID, Type: model.BeneficiaryAffiliate, Terms: terms, Amount: terms.Apply(amount)}
	}
	if chain.Partner == nil {
		return []Share{affiliate}, nil
	}

	terms := PartnerTerms(chain.Partner)
	partner := Share{BeneficiaryID: chain.Partner.AccountID, Type: model.BeneficiaryPartner, Terms: terms, Amount: terms.Apply(amount)}
	if chain.Affiliate == nil {
		return []Share{partner}, nil
	}
	partner.Amount, affiliate.Amount, partner.Clamped = Split(affiliate.Amount, partner.Amount)
	return []Share{partner, affiliate}, nil
}

func effectiveTier(tiers []model.ReferralTier, a *model.Affiliate) model.ReferralTier {
	if t, ok := LookupTier(tiers, a.Tier); ok {
		return t
	}
	return TierFor(tiers, a.ApprovedEarnings)
}

// work pairs a planned share with the conversion already stored for it.
type work struct {
	share Share
	conv  *model.CommissionConversion
}

// Settle applies a deposit event. The status is recorded append-only, then
// every beneficiary of the referral chain is brought to the state the
// deposit status calls for. Each step is idempotent, so redelivering an
// event completes whatever a previous attempt left undone and changes
// nothing else.
//
// The returned Settlement explains the outcome per beneficiary. When one
// beneficiary fails the others are still processed; the settlement is
// returned together with the joined error and the failed beneficiary is
// reported as not_settled.
func (e *Engine) Settle(ctx context.Context, ev model.DepositEvent) (*model.Settlement, error) {
	if err := validateDeposit(ev); err != nil {
		return nil, err
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = e.now()
	}

	unlock := e.deposits.Lock(ev.ID)
	defer unlock()

	acct, err := e.store.GetAccount(ctx, ev.AccountID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, ev.AccountID)
	}
	if err != nil {
		return nil, err
	}

	previous, changed, err := e.store.RecordDepositEvent(ctx, &ev)
	if err != nil {
		return nil, fmt.Errorf("record deposit %s: %w", ev.ID, err)
	}
	if !changed {
		slog.Info("deposit status redelivered", "deposit", ev.ID, "status", ev.Status)
	} else {
		slog.Info("deposit status recorded", "deposit", ev.ID, "from", previous, "to", ev.Status)
	}
	dep, err := e.store.GetDepositEvent(ctx, ev.ID)
	if err != nil {
		return nil, err
	}

	chain, err := e.ResolveChain(ctx, acct)
	if err != nil {
		return nil, err
	}
	shares, err := e.Plan(ctx, chain, dep.Amount)
	if err != nil {
		return nil, err
	}
	items, err := e.workList(ctx, dep.ID, shares)
	if err != nil {
		return nil, err
	}

	settlement := &model.Settlement{DepositEventID: dep.ID, Status: dep.Status}
	if len(items) == 0 {
		slog.Info("deposit has no referrer", "deposit", dep.ID, "account", dep.AccountID)
		metrics.Settlements.WithLabelValues("", string(model.OutcomeNoReferrer)).Inc()
		settlement.Outcomes = []model.BeneficiaryOutcome{{Outcome: model.OutcomeNoReferrer, Amount: decimal.Zero}}
		settlement.Conversions = []model.CommissionConversion{}
		return settlement, nil
	}

	var errs []error
	for _, it := range items {
		var out model.BeneficiaryOutcome
		var err error
		switch dep.Status {
		case model.DepositPending:
			out, err = e.open(ctx, dep, it)
		case model.DepositCompleted:
			out, err = e.complete(ctx, dep, it)
		default:
			out, err = e.cancel(ctx, dep, it)
		}
		if err != nil {
			slog.Error("settlement step failed",
				"deposit", dep.ID,
				"beneficiary", it.share.BeneficiaryID,
				"type", it.share.Type,
				"err", err,
			)
			out.Outcome = model.OutcomeNotSettled
			errs = append(errs, err)
		}
		metrics.Settlements.WithLabelValues(string(out.BeneficiaryType), string(out.Outcome)).Inc()
		settlement.Outcomes = append(settlement.Outcomes, out)
	}

	settlement.Conversions, err = e.store.ListConversionsByDeposit(ctx, dep.ID)
	if err != nil {
		errs = append(errs, err)
	}
	return settlement, errors.Join(errs...)
}

// Conversions returns the conversions recorded for a deposit.
func (e *Engine) Conversions(ctx context.Context, depositEventID string) ([]model.CommissionConversion, error) {
	return e.store.ListConversionsByDeposit(ctx, depositEventID)
}

func validateDeposit(ev model.DepositEvent) error {
	if err := idem.ValidatePart(ev.ID); err != nil {
		return fmt.Errorf("%w: id: %v", ErrInvalidDeposit, err)
	}
	if err := idem.ValidatePart(ev.AccountID); err != nil {
		return fmt.Errorf("%w: account: %v", ErrInvalidDeposit, err)
	}
	if !ev.Amount.IsPositive() || !ev.Amount.Equal(ev.Amount.Round(2)) {
		return fmt.Errorf("%w: amount %s", ErrInvalidDeposit, ev.Amount)
	}
	if !ev.Status.Valid() {
		return fmt.Errorf("%w: status %q", ErrInvalidDeposit, ev.Status)
	}
	return nil
}

// workList merges the planned shares with stored conversions. A stored
// conversion always wins: amounts are fixed when it is created, and a
// beneficiary that has left the chain since then is still settled.
func (e *Engine) workList(ctx context.Context, depositEventID string, shares []Share) ([]work, error) {
	stored, err := e.store.ListConversionsByDeposit(ctx, depositEventID)
	if err != nil {
		return nil, err
	}
	byKey := make(map[string]*model.CommissionConversion, len(stored))
	for i := range stored {
		c := &stored[i]
		byKey[c.BeneficiaryID+"/"+string(c.BeneficiaryType)] = c
	}

	items := make([]work, 0, len(shares)+len(stored))
	for _, s := range shares {
		key := s.BeneficiaryID + "/" + string(s.Type)
		items = append(items, work{share: s, conv: byKey[key]})
		delete(byKey, key)
	}
	for i := range stored {
		c := &stored[i]
		if _, left := byKey[c.BeneficiaryID+"/"+string(c.BeneficiaryType)]; !left {
			continue
		}
		items = append(items, work{
			share: Share{
				BeneficiaryID: c.BeneficiaryID,
				Type:          c.BeneficiaryType,
				Terms:         Terms{Type: c.CommissionType, Rate: c.CommissionRate, Fixed: c.FixedAmount},
				Amount:        c.Commission,
				Clamped:       c.Clamped,
			},
			conv: c,
		})
	}
	return items, nil
}

// ensure returns the conversion for it, inserting one with status when
// none exists. created is false when the conversion was already there.
func (e *Engine) ensure(ctx context.Context, dep *model.DepositEvent, it work, status model.ConversionStatus) (conv *model.CommissionConversion, created bool, err error) {
	if it.conv != nil {
		return it.conv, false, nil
	}

	now := e.now()
	c := &model.CommissionConversion{
		ID:              uuid.New().String(),
		DepositEventID:  dep.ID,
		BeneficiaryID:   it.share.BeneficiaryID,
		BeneficiaryType: it.share.Type,
		ConversionValue: dep.Amount,
		CommissionType:  it.share.Terms.Type,
		CommissionRate:  it.share.Terms.Rate,
		FixedAmount:     it.share.Terms.Fixed,
		Commission:      it.share.Amount,
		Status:          status,
		Clamped:         it.share.Clamped,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	err = e.store.InsertConversion(ctx, c)
	if errors.Is(err, store.ErrConflict) {
		slog.Info("conversion already recorded", "deposit", dep.ID, "beneficiary", c.BeneficiaryID, "type", c.BeneficiaryType)
		existing, err := e.store.GetConversion(ctx, dep.ID, c.BeneficiaryID, c.BeneficiaryType)
		return existing, false, err
	}
	if err != nil {
		return nil, false, err
	}
	return c, true, nil
}

func outcomeFor(c *model.CommissionConversion) model.BeneficiaryOutcome {
	return model.BeneficiaryOutcome{
		BeneficiaryID:   c.BeneficiaryID,
		BeneficiaryType: c.BeneficiaryType,
		Amount:          c.Commission,
	}
}

func shareOutcome(s Share, o model.SettlementOutcome) model.BeneficiaryOutcome {
	return model.BeneficiaryOutcome{BeneficiaryID: s.BeneficiaryID, BeneficiaryType: s.Type, Outcome: o, Amount: s.Amount}
}

// open records a pending conversion.
func (e *Engine) open(ctx context.Context, dep *model.DepositEvent, it work) (model.BeneficiaryOutcome, error) {
	conv, created, err := e.ensure(ctx, dep, it, model.ConversionPending)
	if err != nil {
		return shareOutcome(it.share, model.OutcomeNotSettled), err
	}
	out := outcomeFor(conv)
	if created {
		out.Outcome = model.OutcomePending
	} else {
		out.Outcome = model.OutcomeDuplicate
	}
	return out, nil
}

// complete promotes or creates a completed conversion, credits the
// beneficiary and feeds the earnings counter.
func (e *Engine) complete(ctx context.Context, dep *model.DepositEvent, it work) (model.BeneficiaryOutcome, error) {
	conv, created, err := e.ensure(ctx, dep, it, model.ConversionCompleted)
	if err != nil {
		return shareOutcome(it.share, model.OutcomeNotSettled), err
	}
	out := outcomeFor(conv)
	wasCompleted := !created && conv.Status == model.ConversionCompleted

	if conv.Status == model.ConversionPending {
		err := e.store.TransitionConversion(ctx, conv.ID, model.ConversionPending, model.ConversionCompleted)
		if err != nil && !errors.Is(err, store.ErrInvalidTransition) {
			return out, err
		}
		if err != nil {
			if conv, err = e.store.GetConversion(ctx, dep.ID, conv.BeneficiaryID, conv.BeneficiaryType); err != nil {
				return out, err
			}
		} else {
			conv.Status = model.ConversionCompleted
		}
	}
	if conv.Status == model.ConversionCancelled {
		out.Outcome = model.OutcomeCancelled
		return out, nil
	}

	key := idem.CommissionKey(dep.ID, conv.BeneficiaryID, conv.BeneficiaryType)
	duplicate := wasCompleted
	if conv.Commission.IsPositive() {
		res, err := e.ledger.ApplyToAccount(ctx, conv.BeneficiaryID, model.PoolReal, conv.Commission, key, model.ReasonCommission)
		if err != nil {
			return out, fmt.Errorf("credit %s: %w", key, err)
		}
		duplicate = res.WasDuplicate

		total, err := e.store.AddEarnings(ctx, conv.BeneficiaryType, conv.BeneficiaryID, key, conv.Commission)
		if err != nil {
			return out, fmt.Errorf("earnings %s: %w", key, err)
		}
		if conv.BeneficiaryType == model.BeneficiaryAffiliate {
			if err := e.promote(ctx, conv.BeneficiaryID, total); err != nil {
				return out, err
			}
		}
	}

	switch {
	case duplicate:
		out.Outcome = model.OutcomeDuplicate
		return out, nil
	case conv.Clamped:
		out.Outcome = model.OutcomeCapClamped
	default:
		out.Outcome = model.OutcomeCredited
	}

	metrics.CommissionPaid.WithLabelValues(string(conv.BeneficiaryType)).Add(conv.Commission.InexactFloat64())
	events.Emit(ctx, e.publisher, events.Event{
		Type:            events.TypeCommissionCredited,
		AccountID:       conv.BeneficiaryID,
		DepositEventID:  dep.ID,
		BeneficiaryType: string(conv.BeneficiaryType),
		Amount:          conv.Commission,
	})
	slog.Info("commission credited",
		"deposit", dep.ID,
		"beneficiary", conv.BeneficiaryID,
		"type", conv.BeneficiaryType,
		"commission", conv.Commission.StringFixed(2),
		"clamped", conv.Clamped,
	)
	return out, nil
}

// cancel moves a conversion to cancelled, clawing back a credit that was
// already paid.
func (e *Engine) cancel(ctx context.Context, dep *model.DepositEvent, it work) (model.BeneficiaryOutcome, error) {
	if it.conv == nil {
		// Nothing was ever owed for this deposit.
		out := shareOutcome(it.share, model.OutcomeCancelled)
		out.Amount = decimal.Zero
		return out, nil
	}
	conv := it.conv
	out := outcomeFor(conv)

	switch conv.Status {
	case model.ConversionPending:
		if err := e.store.TransitionConversion(ctx, conv.ID, model.ConversionPending, model.ConversionCancelled); err != nil {
			return out, err
		}
		out.Outcome = model.OutcomeCancelled
		return out, nil

	case model.ConversionCompleted:
		if err := e.store.TransitionConversion(ctx, conv.ID, model.ConversionCompleted, model.ConversionCancelled); err != nil {
			return out, err
		}
		// Completion is recorded before the credit, so the credit may
		// never have landed.
		return e.clawBackIfPaid(ctx, dep, conv)
	}

	switch conv.Reversal {
	case model.ReversalClawedBack:
		out.Outcome = model.OutcomeDuplicate
		return out, nil
	case model.ReversalOperatorReview:
		return e.clawBack(ctx, dep, conv)
	}

	// Cancelled without a reversal state: either it never completed, or a
	// previous attempt stopped between cancelling and clawing back.
	return e.clawBackIfPaid(ctx, dep, conv)
}

// clawBackIfPaid reverses a cancelled conversion only when its commission
// credit exists in the ledger.
func (e *Engine) clawBackIfPaid(ctx context.Context, dep *model.DepositEvent, conv *model.CommissionConversion) (model.BeneficiaryOutcome, error) {
	out := outcomeFor(conv)
	_, err := e.store.GetEntryByKey(ctx, idem.CommissionKey(dep.ID, conv.BeneficiaryID, conv.BeneficiaryType))
	switch {
	case errors.Is(err, store.ErrNotFound):
		out.Outcome = model.OutcomeCancelled
		return out, nil
	case err != nil:
		return out, err
	}
	return e.clawBack(ctx, dep, conv)
}

// clawBack debits a reversed commission. Insufficient funds are not an
// error: the conversion is flagged for operator review instead.
func (e *Engine) clawBack(ctx context.Context, dep *model.DepositEvent, conv *model.CommissionConversion) (model.BeneficiaryOutcome, error) {
	out := outcomeFor(conv)
	key := idem.ReversalKey(dep.ID, conv.BeneficiaryID, conv.BeneficiaryType)

	if conv.Commission.IsPositive() {
		_, err := e.ledger.ApplyToAccount(ctx, conv.BeneficiaryID, model.PoolReal, conv.Commission.Neg(), key, model.ReasonReversal)
		if errors.Is(err, ledger.ErrInsufficientBalance) {
			if err := e.store.SetConversionReversal(ctx, conv.ID, model.ReversalOperatorReview); err != nil {
				return out, err
			}
			slog.Warn("commission reversal needs operator review",
				"deposit", dep.ID,
				"beneficiary", conv.BeneficiaryID,
				"type", conv.BeneficiaryType,
				"commission", conv.Commission.StringFixed(2),
			)
			events.Emit(ctx, e.publisher, events.Event{
				Type:            events.TypeReversalNeedsReview,
				AccountID:       conv.BeneficiaryID,
				DepositEventID:  dep.ID,
				BeneficiaryType: string(conv.BeneficiaryType),
				Amount:          conv.Commission,
			})
			out.Outcome = model.OutcomeOperatorReview
			return out, nil
		}
		if err != nil {
			return out, fmt.Errorf("reverse %s: %w", key, err)
		}
		if _, err := e.store.AddEarnings(ctx, conv.BeneficiaryType, conv.BeneficiaryID, key, conv.Commission.Neg()); err != nil {
			return out, fmt.Errorf("earnings %s: %w", key, err)
		}
	}

	if err := e.store.SetConversionReversal(ctx, conv.ID, model.ReversalClawedBack); err != nil {
		return out, err
	}
	events.Emit(ctx, e.publisher, events.Event{
		Type:            events.TypeCommissionReversed,
		AccountID:       conv.BeneficiaryID,
		DepositEventID:  dep.ID,
		BeneficiaryType: string(conv.BeneficiaryType),
		Amount:          conv.Commission,
	})
	slog.Info("commission reversed",
		"deposit", dep.ID,
		"beneficiary", conv.BeneficiaryID,
		"type", conv.BeneficiaryType,
		"commission", conv.Commission.StringFixed(2),
	)
	out.Outcome = model.OutcomeReversed
	return out, nil
}

// promote moves an affiliate up the tier table when its earnings cross a
// threshold. Tiers never go down and pinned tiers never change.
func (e *Engine) promote(ctx context.Context, affiliateID string, earnings decimal.Decimal) error {
	a, err := e.store.GetAffiliate(ctx, affiliateID)
	if err != nil {
		return err
	}
	if a.TierPinned {
		return nil
	}
	tiers, err := e.Tiers(ctx)
	if err != nil {
		return err
	}
	current, ok := rank(tiers, a.Tier)
	if !ok {
		return nil
	}
	next := TierFor(tiers, earnings)
	if r, _ := rank(tiers, next.Name); r <= current {
		return nil
	}
	if err := e.store.SetAffiliateTier(ctx, affiliateID, next.Name); err != nil {
		return err
	}
	slog.Info("affiliate promoted", "affiliate", affiliateID, "from", a.Tier, "to", next.Name, "earnings", earnings.StringFixed(2))
	return nil
}
