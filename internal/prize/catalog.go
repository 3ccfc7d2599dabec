// Package prize implements the prize resolution engine: catalog validation,
// the cumulative-distribution sampler shared by every game, house edge
// computation, and the debit-draw-credit round lifecycle.
package prize

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/scratchwin/scratch-engine/internal/model"
)

// MaxWeight is the total probability mass of a catalog, in percent.
var MaxWeight = decimal.NewFromInt(100)

// WeightPlaces is the precision of probability weights and draws.
const WeightPlaces = 6

var (
	ErrInvalidCatalog = errors.New("prize: invalid catalog")
	ErrInvalidStake   = errors.New("prize: stake must be positive with at most 2 decimal places")
)

// ValidationError describes why a catalog was rejected. It matches
// ErrInvalidCatalog with errors.Is.
type ValidationError struct {
	Index  int    `json:"index"` // -1 for catalog-wide problems
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (e *ValidationError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("prize: invalid catalog: %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("prize: invalid catalog: entry %d %s: %s", e.Index, e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidCatalog }

// ValidateCatalog checks weights and values of a catalog before it can be
// referenced by any round.
func ValidateCatalog(entries []model.PrizeCatalogEntry) error {
	total := decimal.Zero
	orders := make(map[int]bool, len(entries))

	for i, e := range entries {
		switch {
		case e.ProbabilityWeight.IsNegative():
			return &ValidationError{i, "probability_weight", "must not be negative"}
		case e.ProbabilityWeight.GreaterThan(MaxWeight):
			return &ValidationError{i, "probability_weight", "must not exceed 100"}
		case !e.ProbabilityWeight.Equal(e.ProbabilityWeight.Round(WeightPlaces)):
			return &ValidationError{i, "probability_weight", "at most 6 decimal places"}
		case e.PrizeValue.IsNegative():
			return &ValidationError{i, "prize_value", "must not be negative"}
		case !e.PrizeValue.Equal(e.PrizeValue.Round(2)):
			return &ValidationError{i, "prize_value", "at most 2 decimal places"}
		case orders[e.DisplayOrder]:
			return &ValidationError{i, "display_order", fmt.Sprintf("duplicate display order %d", e.DisplayOrder)}
		}
		orders[e.DisplayOrder] = true
		total = total.Add(e.ProbabilityWeight)
	}

	if total.GreaterThan(MaxWeight) {
		return &ValidationError{-1, "probability_weight", fmt.Sprintf("weights sum to %s, above 100", total)}
	}
	return nil
}

// Sorted returns a copy of entries in display order.
func Sorted(entries []model.PrizeCatalogEntry) []model.PrizeCatalogEntry {
	out := append([]model.PrizeCatalogEntry(nil), entries...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].DisplayOrder < out[j].DisplayOrder })
	return out
}

// Sample walks entries in display order accumulating weights and returns
// the first entry whose cumulative weight exceeds u, or nil when u is at or
// beyond the accumulated total. u is a draw in [0, 100).
func Sample(entries []model.PrizeCatalogEntry, u decimal.Decimal) *model.PrizeCatalogEntry {
	cumulative := decimal.Zero
	for _, e := range Sorted(entries) {
		cumulative = cumulative.Add(e.ProbabilityWeight)
		if cumulative.GreaterThan(u) {
			hit := e
			return &hit
		}
	}
	return nil
}

// OutcomeFor converts a sampled entry into an Outcome. Entries with a zero
// prize value are loss buckets.
func OutcomeFor(hit *model.PrizeCatalogEntry) model.Outcome {
	if hit == nil || !hit.PrizeValue.IsPositive() {
		return model.Outcome{Won: false, PrizeValue: decimal.Zero}
	}
	return model.Outcome{Won: true, PrizeValue: hit.PrizeValue, Label: hit.Label}
}

// Edge is the audit view of a catalog's economics for one stake.
type Edge struct {
	Stake          decimal.Decimal `json:"stake"`
	WinProbability decimal.Decimal `json:"win_probability"` // percent
	ExpectedPayout decimal.Decimal `json:"expected_payout"`
	ReturnToPlayer decimal.Decimal `json:"return_to_player"`
	HouseEdge      decimal.Decimal `json:"house_edge"`
}

// HouseEdge computes Σ(weight/100 × prizeValue) / stake and its complement.
func HouseEdge(entries []model.PrizeCatalogEntry, stake decimal.Decimal) (*Edge, error) {
	if !stake.IsPositive() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidStake, stake)
	}

	expected := decimal.Zero
	winMass := decimal.Zero
	for _, e := range entries {
		expected = expected.Add(e.ProbabilityWeight.Div(MaxWeight).Mul(e.PrizeValue))
		if e.PrizeValue.IsPositive() {
			winMass = winMass.Add(e.ProbabilityWeight)
		}
	}

	rtp := expected.DivRound(stake, WeightPlaces)
	return &Edge{
		Stake:          stake,
		WinProbability: winMass,
		ExpectedPayout: expected.Round(WeightPlaces),
		ReturnToPlayer: rtp,
		HouseEdge:      decimal.NewFromInt(1).Sub(rtp),
	}, nil
}
