package commission_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/scratchwin/scratch-engine/internal/commission"
	"github.com/scratchwin/scratch-engine/internal/ledger"
	"github.com/scratchwin/scratch-engine/internal/model"
	"github.com/scratchwin/scratch-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func ptr(v decimal.Decimal) *decimal.Decimal { return &v }

var errCrash = errors.New("simulated crash")

// crashingStore fails the ledger write for one idempotency key once.
type crashingStore struct {
	store.Store
	failKey string
}

func (c *crashingStore) ApplyEntry(ctx context.Context, e *model.LedgerEntry) (*model.LedgerEntry, bool, error) {
	if c.failKey != "" && e.IdempotencyKey == c.failKey {
		c.failKey = ""
		return nil, false, errCrash
	}
	return c.Store.ApplyEntry(ctx, e)
}

type env struct {
	st     store.Store
	ledger *ledger.Ledger
	eng    *commission.Engine
}

func newEnv(t *testing.T, st store.Store) *env {
	t.Helper()
	l := ledger.New(st)
	return &env{st: st, ledger: l, eng: commission.NewEngine(st, l, nil)}
}

func (e *env) account(t *testing.T, acct model.Account) {
	t.Helper()
	_, _, err := e.ledger.OpenAccount(context.Background(), acct)
	require.NoError(t, err)
}

func (e *env) affiliate(t *testing.T, a model.Affiliate) {
	t.Helper()
	e.account(t, model.Account{ID: a.AccountID, Role: model.RoleAffiliate})
	a.Active = true
	_, err := e.eng.RegisterAffiliate(context.Background(), a)
	require.NoError(t, err)
}

func (e *env) partner(t *testing.T, p model.Partner) {
	t.Helper()
	e.account(t, model.Account{ID: p.AccountID, Role: model.RolePartner})
	p.Active = true
	_, err := e.eng.RegisterPartner(context.Background(), p)
	require.NoError(t, err)
}

func (e *env) balance(t *testing.T, accountID string) decimal.Decimal {
	t.Helper()
	w, err := e.ledger.Wallet(context.Background(), accountID)
	require.NoError(t, err)
	return w.RealBalance
}

func deposit(id string, amount float64, status model.DepositStatus) model.DepositEvent {
	return model.DepositEvent{
		ID:         id,
		AccountID:  "player-1",
		Amount:     d(amount),
		Status:     status,
		OccurredAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

// affiliateOnly: player-1 referred by aff-1 on the default bronze tier (40%).
func affiliateOnly(t *testing.T) *env {
	e := newEnv(t, store.NewMemoryStore())
	e.affiliate(t, model.Affiliate{AccountID: "aff-1"})
	e.account(t, model.Account{ID: "player-1", Role: model.RolePlayer, ReferringAffiliateID: "aff-1"})
	return e
}

// partnerUnderAffiliate: player-1 referred by ptn-1 (fixed 60) under aff-1.
func partnerUnderAffiliate(t *testing.T, st store.Store) *env {
	e := newEnv(t, st)
	e.affiliate(t, model.Affiliate{AccountID: "aff-1"})
	e.partner(t, model.Partner{AccountID: "ptn-1", AffiliateID: "aff-1", CommissionType: model.CommissionFixed, FixedAmount: d(60)})
	e.account(t, model.Account{ID: "player-1", Role: model.RolePlayer, ReferringPartnerID: "ptn-1"})
	return e
}

func TestSettle_AffiliateOnly(t *testing.T) {
	e := affiliateOnly(t)

	s, err := e.eng.Settle(context.Background(), deposit("dep-1", 100, model.DepositCompleted))
	require.NoError(t, err)
	require.Len(t, s.Conversions, 1)

	c := s.Conversions[0]
	require.Equal(t, "aff-1", c.BeneficiaryID)
	require.Equal(t, model.BeneficiaryAffiliate, c.BeneficiaryType)
	require.Equal(t, model.ConversionCompleted, c.Status)
	require.True(t, c.Commission.Equal(d(40)), "got %s", c.Commission)
	require.True(t, c.CommissionRate.Equal(d(40)))
	require.True(t, c.ConversionValue.Equal(d(100)))

	require.Equal(t, model.OutcomeCredited, s.Outcomes[0].Outcome)
	require.True(t, e.balance(t, "aff-1").Equal(d(40)))
}

func TestSettle_PartnerClampedToHalf(t *testing.T) {
	e := partnerUnderAffiliate(t, store.NewMemoryStore())

	s, err := e.eng.Settle(context.Background(), deposit("dep-1", 100, model.DepositCompleted))
	require.NoError(t, err)
	require.Len(t, s.Conversions, 2)
	require.Len(t, s.Outcomes, 2)

	byType := map[model.BeneficiaryType]model.CommissionConversion{}
	for _, c := range s.Conversions {
		byType[c.BeneficiaryType] = c
	}
	partner, affiliate := byType[model.BeneficiaryPartner], byType[model.BeneficiaryAffiliate]

	require.True(t, partner.Commission.Equal(d(20)), "got %s", partner.Commission)
	require.True(t, partner.Clamped)
	require.True(t, affiliate.Commission.Equal(d(20)), "got %s", affiliate.Commission)
	require.False(t, affiliate.Clamped)

	require.Equal(t, model.OutcomeCapClamped, s.Outcomes[0].Outcome)
	require.Equal(t, model.OutcomeCredited, s.Outcomes[1].Outcome)
	require.True(t, e.balance(t, "ptn-1").Equal(d(20)))
	require.True(t, e.balance(t, "aff-1").Equal(d(20)))
}

func TestSettle_DuplicateWebhookCreditsOnce(t *testing.T) {
	e := affiliateOnly(t)
	ctx := context.Background()

	_, err := e.eng.Settle(ctx, deposit("dep-1", 100, model.DepositCompleted))
	require.NoError(t, err)
	s, err := e.eng.Settle(ctx, deposit("dep-1", 100, model.DepositCompleted))
	require.NoError(t, err)

	require.Len(t, s.Conversions, 1)
	require.Equal(t, model.OutcomeDuplicate, s.Outcomes[0].Outcome)
	require.True(t, e.balance(t, "aff-1").Equal(d(40)))

	entries, err := e.ledger.History(ctx, "aff-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "dep-1:aff-1:affiliate", entries[0].IdempotencyKey)

	a, err := e.st.GetAffiliate(ctx, "aff-1")
	require.NoError(t, err)
	require.True(t, a.ApprovedEarnings.Equal(d(40)))
}

func TestSettle_RetryAfterPartialFailureCompletesAffiliateOnly(t *testing.T) {
	cs := &crashingStore{Store: store.NewMemoryStore()}
	e := partnerUnderAffiliate(t, cs)
	ctx := context.Background()

	cs.failKey = "dep-1:aff-1:affiliate"
	s, err := e.eng.Settle(ctx, deposit("dep-1", 100, model.DepositCompleted))
	require.ErrorIs(t, err, errCrash)
	require.NotNil(t, s)
	require.Equal(t, model.OutcomeCapClamped, s.Outcomes[0].Outcome)
	require.Equal(t, model.OutcomeNotSettled, s.Outcomes[1].Outcome)
	require.True(t, e.balance(t, "ptn-1").Equal(d(20)))
	require.True(t, e.balance(t, "aff-1").IsZero())

	s, err = e.eng.Settle(ctx, deposit("dep-1", 100, model.DepositCompleted))
	require.NoError(t, err)
	require.Equal(t, model.OutcomeDuplicate, s.Outcomes[0].Outcome)
	require.Equal(t, model.OutcomeCredited, s.Outcomes[1].Outcome)
	require.True(t, e.balance(t, "ptn-1").Equal(d(20)))
	require.True(t, e.balance(t, "aff-1").Equal(d(20)))
}

func TestSettle_CancelAfterFailedCreditDoesNotClawBack(t *testing.T) {
	cs := &crashingStore{Store: store.NewMemoryStore()}
	e := newEnv(t, cs)
	e.affiliate(t, model.Affiliate{AccountID: "aff-1"})
	e.account(t, model.Account{ID: "player-1", Role: model.RolePlayer, ReferringAffiliateID: "aff-1"})
	ctx := context.Background()

	_, err := e.ledger.ApplyToAccount(ctx, "aff-1", model.PoolReal, d(100), "topup-1", model.ReasonAdjustment)
	require.NoError(t, err)

	cs.failKey = "dep-1:aff-1:affiliate"
	_, err = e.eng.Settle(ctx, deposit("dep-1", 100, model.DepositCompleted))
	require.ErrorIs(t, err, errCrash)
	require.True(t, e.balance(t, "aff-1").Equal(d(100)))

	s, err := e.eng.Settle(ctx, deposit("dep-1", 100, model.DepositCancelled))
	require.NoError(t, err)
	require.Equal(t, model.OutcomeCancelled, s.Outcomes[0].Outcome)
	require.True(t, e.balance(t, "aff-1").Equal(d(100)), "got %s", e.balance(t, "aff-1"))

	conv, err := e.st.GetConversion(ctx, "dep-1", "aff-1", model.BeneficiaryAffiliate)
	require.NoError(t, err)
	require.Equal(t, model.ConversionCancelled, conv.Status)
	require.Equal(t, model.ReversalNone, conv.Reversal)

	_, err = e.st.GetEntryByKey(ctx, "dep-1:aff-1:affiliate:reversal")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestSettle_PendingThenCompletedKeepsAmounts(t *testing.T) {
	e := affiliateOnly(t)
	ctx := context.Background()

	s, err := e.eng.Settle(ctx, deposit("dep-1", 100, model.DepositPending))
	require.NoError(t, err)
	require.Equal(t, model.OutcomePending, s.Outcomes[0].Outcome)
	require.Equal(t, model.ConversionPending, s.Conversions[0].Status)
	require.True(t, e.balance(t, "aff-1").IsZero())

	// A rate change between pending and completed does not touch the
	// conversion created at pending time.
	_, err = e.eng.ConfigureTiers(ctx, []model.ReferralTier{{Name: "flat", MinEarnings: decimal.Zero, PercentageRate: d(10), FixedAmount: d(1)}})
	require.NoError(t, err)

	s, err = e.eng.Settle(ctx, deposit("dep-1", 100, model.DepositCompleted))
	require.NoError(t, err)
	require.Equal(t, model.OutcomeCredited, s.Outcomes[0].Outcome)
	require.Equal(t, model.ConversionCompleted, s.Conversions[0].Status)
	require.True(t, e.balance(t, "aff-1").Equal(d(40)))

	history, err := e.st.GetDepositHistory(ctx, "dep-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
}

func TestSettle_ChargebackClawsBack(t *testing.T) {
	e := affiliateOnly(t)
	ctx := context.Background()

	_, err := e.eng.Settle(ctx, deposit("dep-1", 100, model.DepositCompleted))
	require.NoError(t, err)

	s, err := e.eng.Settle(ctx, deposit("dep-1", 100, model.DepositCancelled))
	require.NoError(t, err)
	require.Equal(t, model.OutcomeReversed, s.Outcomes[0].Outcome)
	require.Equal(t, model.ConversionCancelled, s.Conversions[0].Status)
	require.Equal(t, model.ReversalClawedBack, s.Conversions[0].Reversal)
	require.True(t, e.balance(t, "aff-1").IsZero())

	a, _ := e.st.GetAffiliate(ctx, "aff-1")
	require.True(t, a.ApprovedEarnings.IsZero())

	s, err = e.eng.Settle(ctx, deposit("dep-1", 100, model.DepositCancelled))
	require.NoError(t, err)
	require.Equal(t, model.OutcomeDuplicate, s.Outcomes[0].Outcome)
	require.True(t, e.balance(t, "aff-1").IsZero())
}

func TestSettle_ChargebackWithoutFundsNeedsReview(t *testing.T) {
	e := affiliateOnly(t)
	ctx := context.Background()

	_, err := e.eng.Settle(ctx, deposit("dep-1", 100, model.DepositCompleted))
	require.NoError(t, err)
	_, err = e.ledger.ApplyToAccount(ctx, "aff-1", model.PoolReal, d(-30), "payout-1", model.ReasonWithdrawal)
	require.NoError(t, err)

	s, err := e.eng.Settle(ctx, deposit("dep-1", 100, model.DepositCancelled))
	require.NoError(t, err)
	require.Equal(t, model.OutcomeOperatorReview, s.Outcomes[0].Outcome)
	require.Equal(t, model.ReversalOperatorReview, s.Conversions[0].Reversal)
	require.True(t, e.balance(t, "aff-1").Equal(d(10)))

	a, _ := e.st.GetAffiliate(ctx, "aff-1")
	require.True(t, a.ApprovedEarnings.Equal(d(40)), "earnings untouched until the claw-back runs")

	// Redelivery after the balance recovers completes the claw-back.
	_, err = e.ledger.ApplyToAccount(ctx, "aff-1", model.PoolReal, d(50), "topup-1", model.ReasonAdjustment)
	require.NoError(t, err)
	s, err = e.eng.Settle(ctx, deposit("dep-1", 100, model.DepositCancelled))
	require.NoError(t, err)
	require.Equal(t, model.OutcomeReversed, s.Outcomes[0].Outcome)
	require.True(t, e.balance(t, "aff-1").Equal(d(20)))
}

func TestSettle_FailedPendingCancelsConversions(t *testing.T) {
	e := affiliateOnly(t)
	ctx := context.Background()

	_, err := e.eng.Settle(ctx, deposit("dep-1", 100, model.DepositPending))
	require.NoError(t, err)
	s, err := e.eng.Settle(ctx, deposit("dep-1", 100, model.DepositFailed))
	require.NoError(t, err)
	require.Equal(t, model.OutcomeCancelled, s.Outcomes[0].Outcome)
	require.Equal(t, model.ConversionCancelled, s.Conversions[0].Status)
	require.True(t, e.balance(t, "aff-1").IsZero())

	_, err = e.eng.Settle(ctx, deposit("dep-1", 100, model.DepositCompleted))
	require.ErrorIs(t, err, store.ErrInvalidTransition)
}

func TestSettle_NoReferrer(t *testing.T) {
	e := newEnv(t, store.NewMemoryStore())
	e.account(t, model.Account{ID: "player-1", Role: model.RolePlayer})

	s, err := e.eng.Settle(context.Background(), deposit("dep-1", 100, model.DepositCompleted))
	require.NoError(t, err)
	require.Empty(t, s.Conversions)
	require.Len(t, s.Outcomes, 1)
	require.Equal(t, model.OutcomeNoReferrer, s.Outcomes[0].Outcome)
}

func TestSettle_InactiveAffiliateIgnored(t *testing.T) {
	e := affiliateOnly(t)
	ctx := context.Background()

	_, err := e.eng.RegisterAffiliate(ctx, model.Affiliate{AccountID: "aff-1", Active: false})
	require.NoError(t, err)

	s, err := e.eng.Settle(ctx, deposit("dep-1", 100, model.DepositCompleted))
	require.NoError(t, err)
	require.Equal(t, model.OutcomeNoReferrer, s.Outcomes[0].Outcome)
}

func TestSettle_PartnerWithoutAffiliateIsUncapped(t *testing.T) {
	e := newEnv(t, store.NewMemoryStore())
	e.partner(t, model.Partner{AccountID: "ptn-1"})
	e.account(t, model.Account{ID: "player-1", Role: model.RolePlayer, ReferringPartnerID: "ptn-1"})

	s, err := e.eng.Settle(context.Background(), deposit("dep-1", 200, model.DepositCompleted))
	require.NoError(t, err)
	require.Len(t, s.Conversions, 1)
	require.Equal(t, model.BeneficiaryPartner, s.Conversions[0].BeneficiaryType)
	require.True(t, s.Conversions[0].Commission.Equal(d(10)), "default partner rate is 5%%, got %s", s.Conversions[0].Commission)
	require.False(t, s.Conversions[0].Clamped)
	require.True(t, e.balance(t, "ptn-1").Equal(d(10)))
}

func TestSettle_CustomOverrides(t *testing.T) {
	tests := []struct {
		name string
		aff  model.Affiliate
		want float64
	}{
		{"custom fixed wins", model.Affiliate{AccountID: "aff-1", CustomFixedAmount: ptr(d(25)), CustomPercentage: ptr(d(90))}, 25},
		{"custom percentage", model.Affiliate{AccountID: "aff-1", CustomPercentage: ptr(d(12.5))}, 12.5},
		{"tier fixed", model.Affiliate{AccountID: "aff-1", CommissionType: model.CommissionFixed}, 6},
		{"pinned special tier", model.Affiliate{AccountID: "aff-1", Tier: "special", TierPinned: true}, 80},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t, store.NewMemoryStore())
			e.affiliate(t, tt.aff)
			e.account(t, model.Account{ID: "player-1", Role: model.RolePlayer, ReferringAffiliateID: "aff-1"})

			s, err := e.eng.Settle(context.Background(), deposit("dep-1", 100, model.DepositCompleted))
			require.NoError(t, err)
			require.True(t, s.Conversions[0].Commission.Equal(d(tt.want)), "got %s", s.Conversions[0].Commission)
		})
	}
}

func TestSettle_TierPromotionIsProspective(t *testing.T) {
	e := affiliateOnly(t)
	ctx := context.Background()

	// 40% of 12500 = 5000, reaching silver.
	s, err := e.eng.Settle(ctx, deposit("dep-1", 12500, model.DepositCompleted))
	require.NoError(t, err)
	require.True(t, s.Conversions[0].Commission.Equal(d(5000)))

	a, err := e.st.GetAffiliate(ctx, "aff-1")
	require.NoError(t, err)
	require.Equal(t, "silver", a.Tier)

	s, err = e.eng.Settle(ctx, deposit("dep-2", 100, model.DepositCompleted))
	require.NoError(t, err)
	require.True(t, s.Conversions[0].Commission.Equal(d(45)), "got %s", s.Conversions[0].Commission)

	first, err := e.st.GetConversion(ctx, "dep-1", "aff-1", model.BeneficiaryAffiliate)
	require.NoError(t, err)
	require.True(t, first.Commission.Equal(d(5000)), "settled conversions are never re-rated")
}

func TestSettle_PinnedTierNotPromoted(t *testing.T) {
	e := newEnv(t, store.NewMemoryStore())
	e.affiliate(t, model.Affiliate{AccountID: "aff-1", Tier: "bronze", TierPinned: true})
	e.account(t, model.Account{ID: "player-1", Role: model.RolePlayer, ReferringAffiliateID: "aff-1"})

	_, err := e.eng.Settle(context.Background(), deposit("dep-1", 20000, model.DepositCompleted))
	require.NoError(t, err)

	a, _ := e.st.GetAffiliate(context.Background(), "aff-1")
	require.Equal(t, "bronze", a.Tier)
}

func TestSettle_Validation(t *testing.T) {
	e := affiliateOnly(t)
	ctx := context.Background()

	bad := []model.DepositEvent{
		deposit("", 100, model.DepositCompleted),
		deposit("dep:1", 100, model.DepositCompleted),
		deposit("dep-1", 0, model.DepositCompleted),
		deposit("dep-1", 10.001, model.DepositCompleted),
		deposit("dep-1", 100, "settled"),
	}
	for _, ev := range bad {
		_, err := e.eng.Settle(ctx, ev)
		require.ErrorIs(t, err, commission.ErrInvalidDeposit, "%+v", ev)
	}

	ev := deposit("dep-1", 100, model.DepositCompleted)
	ev.AccountID = "ghost"
	_, err := e.eng.Settle(ctx, ev)
	require.ErrorIs(t, err, commission.ErrAccountNotFound)
}

func TestRegister_Validation(t *testing.T) {
	e := newEnv(t, store.NewMemoryStore())
	ctx := context.Background()
	e.account(t, model.Account{ID: "player-1", Role: model.RolePlayer})

	_, err := e.eng.RegisterAffiliate(ctx, model.Affiliate{AccountID: "player-1"})
	require.ErrorIs(t, err, commission.ErrInvalidReferrer)

	_, err = e.eng.RegisterAffiliate(ctx, model.Affiliate{AccountID: "nobody"})
	require.ErrorIs(t, err, commission.ErrAccountNotFound)

	e.account(t, model.Account{ID: "ptn-1", Role: model.RolePartner})
	_, err = e.eng.RegisterPartner(ctx, model.Partner{AccountID: "ptn-1", AffiliateID: "missing"})
	require.ErrorIs(t, err, commission.ErrInvalidReferrer)

	p, err := e.eng.RegisterPartner(ctx, model.Partner{AccountID: "ptn-1"})
	require.NoError(t, err)
	require.True(t, p.CommissionRate.Equal(commission.DefaultPartnerRate))
	require.True(t, p.FixedAmount.Equal(commission.DefaultPartnerFixed))

	e.account(t, model.Account{ID: "aff-1", Role: model.RoleAffiliate})
	_, err = e.eng.RegisterAffiliate(ctx, model.Affiliate{AccountID: "aff-1", Tier: "mythic"})
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "mythic"))
}
