package commission

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/scratchwin/scratch-engine/internal/model"
)

var ErrInvalidTiers = errors.New("commission: invalid tier table")

// DefaultTiers is the step function used until an operator configures one.
var DefaultTiers = []model.ReferralTier{
	{Name: "bronze", MinEarnings: decimal.NewFromInt(0), PercentageRate: decimal.NewFromInt(40), FixedAmount: decimal.NewFromInt(6)},
	{Name: "silver", MinEarnings: decimal.NewFromInt(5000), PercentageRate: decimal.NewFromInt(45), FixedAmount: decimal.NewFromInt(7)},
	{Name: "gold", MinEarnings: decimal.NewFromInt(20000), PercentageRate: decimal.NewFromInt(50), FixedAmount: decimal.NewFromInt(8)},
	{Name: "platinum", MinEarnings: decimal.NewFromInt(50000), PercentageRate: decimal.NewFromInt(60), FixedAmount: decimal.NewFromInt(9)},
	{Name: "diamond", MinEarnings: decimal.NewFromInt(100000), PercentageRate: decimal.NewFromInt(70), FixedAmount: decimal.NewFromInt(11)},
}

// SpecialTier is never reached by earnings; affiliates get it by pinning.
var SpecialTier = model.ReferralTier{
	Name:           "special",
	MinEarnings:    decimal.NewFromInt(-1),
	PercentageRate: decimal.NewFromInt(80),
	FixedAmount:    decimal.NewFromInt(14),
}

// TierFor returns the highest tier whose threshold earnings reach.
// tiers must be sorted by MinEarnings ascending.
func TierFor(tiers []model.ReferralTier, earnings decimal.Decimal) model.ReferralTier {
	best := tiers[0]
	for _, t := range tiers {
		if earnings.GreaterThanOrEqual(t.MinEarnings) {
			best = t
		}
	}
	return best
}

// LookupTier finds a tier by name, including the pin-only special tier.
func LookupTier(tiers []model.ReferralTier, name string) (model.ReferralTier, bool) {
	for _, t := range tiers {
		if t.Name == name {
			return t, true
		}
	}
	if name == SpecialTier.Name {
		return SpecialTier, true
	}
	return model.ReferralTier{}, false
}

// rank is the position of name in the step function, -1 for no tier.
// ok is false for names outside the step function, which are never
// promoted away from.
func rank(tiers []model.ReferralTier, name string) (r int, ok bool) {
	if name == "" {
		return -1, true
	}
	for i, t := range tiers {
		if t.Name == name {
			return i, true
		}
	}
	return 0, false
}

// ValidateTiers checks an operator supplied tier table and returns it
// sorted by threshold.
func ValidateTiers(tiers []model.ReferralTier) ([]model.ReferralTier, error) {
	if len(tiers) == 0 {
		return nil, fmt.Errorf("%w: at least one tier is required", ErrInvalidTiers)
	}
	hundred := decimal.NewFromInt(100)
	names := make(map[string]bool, len(tiers))
	hasBase := false

	for _, t := range tiers {
		switch {
		case t.Name == "" || t.Name == SpecialTier.Name:
			return nil, fmt.Errorf("%w: invalid tier name %q", ErrInvalidTiers, t.Name)
		case names[t.Name]:
			return nil, fmt.Errorf("%w: duplicate tier %q", ErrInvalidTiers, t.Name)
		case t.MinEarnings.IsNegative():
			return nil, fmt.Errorf("%w: tier %s has a negative threshold", ErrInvalidTiers, t.Name)
		case t.PercentageRate.IsNegative() || t.PercentageRate.GreaterThan(hundred):
			return nil, fmt.Errorf("%w: tier %s rate must be within 0-100", ErrInvalidTiers, t.Name)
		case t.FixedAmount.IsNegative():
			return nil, fmt.Errorf("%w: tier %s has a negative fixed amount", ErrInvalidTiers, t.Name)
		}
		names[t.Name] = true
		if t.MinEarnings.IsZero() {
			hasBase = true
		}
	}
	if !hasBase {
		return nil, fmt.Errorf("%w: one tier must start at 0", ErrInvalidTiers)
	}

	sorted := append([]model.ReferralTier(nil), tiers...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].MinEarnings.LessThan(sorted[j].MinEarnings) })
	for i := 1; i < len(sorted); i++ {
		if sorted[i].MinEarnings.Equal(sorted[i-1].MinEarnings) {
			return nil, fmt.Errorf("%w: tiers %s and %s share a threshold", ErrInvalidTiers, sorted[i-1].Name, sorted[i].Name)
		}
	}
	return sorted, nil
}
