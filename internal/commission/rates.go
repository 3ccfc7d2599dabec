package commission

import (
	"github.com/shopspring/decimal"

	"github.com/scratchwin/scratch-engine/internal/model"
)

// PartnerCap is the largest share of the total commission a partner under
// an affiliate may receive.
var PartnerCap = decimal.NewFromFloat(0.5)

// Partner policy defaults applied at registration.
var (
	DefaultPartnerRate  = decimal.NewFromInt(5)
	DefaultPartnerFixed = decimal.NewFromInt(3)
)

var hundred = decimal.NewFromInt(100)

// Terms is how one beneficiary's commission is computed.
type Terms struct {
	Type  model.CommissionType
	Rate  decimal.Decimal // percent, for CommissionPercentage
	Fixed decimal.Decimal // for CommissionFixed
}

// Apply computes the commission on a deposit amount, rounded to cents.
func (t Terms) Apply(amount decimal.Decimal) decimal.Decimal {
	if t.Type == model.CommissionFixed {
		return t.Fixed.Round(2)
	}
	return amount.Mul(t.Rate).Div(hundred).Round(2)
}

// AffiliateTerms resolves the total-commission policy: a custom fixed
// override, then a custom percentage, then the tier per commission type.
func AffiliateTerms(a *model.Affiliate, tier model.ReferralTier) Terms {
	switch {
	case a.CustomFixedAmount != nil:
		return Terms{Type: model.CommissionFixed, Fixed: *a.CustomFixedAmount}
	case a.CustomPercentage != nil:
		return Terms{Type: model.CommissionPercentage, Rate: *a.CustomPercentage}
	case a.CommissionType == model.CommissionFixed:
		return Terms{Type: model.CommissionFixed, Fixed: tier.FixedAmount}
	default:
		return Terms{Type: model.CommissionPercentage, Rate: tier.PercentageRate}
	}
}

// PartnerTerms is the partner's own policy.
func PartnerTerms(p *model.Partner) Terms {
	if p.CommissionType == model.CommissionFixed {
		return Terms{Type: model.CommissionFixed, Fixed: p.FixedAmount}
	}
	return Terms{Type: model.CommissionPercentage, Rate: p.CommissionRate}
}

// Split caps the partner's computed commission at PartnerCap of total and
// gives the affiliate the remainder, never below zero. The cap is truncated
// to cents so the partner share never exceeds it after rounding.
func Split(total, partner decimal.Decimal) (partnerShare, affiliateShare decimal.Decimal, clamped bool) {
	limit := total.Mul(PartnerCap).Truncate(2)
	partnerShare = partner
	if partnerShare.GreaterThan(limit) {
		partnerShare = limit
		clamped = true
	}
	affiliateShare = total.Sub(partnerShare)
	if affiliateShare.IsNegative() {
		affiliateShare = decimal.Zero
	}
	return partnerShare, affiliateShare, clamped
}
