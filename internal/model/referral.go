package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// CommissionType selects between a fixed amount per deposit and a
// percentage of the deposit.
type CommissionType string

const (
	CommissionFixed      CommissionType = "fixed"
	CommissionPercentage CommissionType = "percentage"
)

// BeneficiaryType identifies which side of the referral chain is paid.
type BeneficiaryType string

const (
	BeneficiaryAffiliate BeneficiaryType = "affiliate"
	BeneficiaryPartner   BeneficiaryType = "partner"
)

// DepositStatus is the normalized status of a funding transaction.
type DepositStatus string

const (
	DepositPending   DepositStatus = "pending"
	DepositCompleted DepositStatus = "completed"
	DepositCancelled DepositStatus = "cancelled"
	DepositFailed    DepositStatus = "failed"
)

// Valid reports whether s is a known deposit status.
func (s DepositStatus) Valid() bool {
	switch s {
	case DepositPending, DepositCompleted, DepositCancelled, DepositFailed:
		return true
	}
	return false
}

// CanTransition reports whether a deposit may move from s to next.
// Re-delivery of the current status is not a transition.
func (s DepositStatus) CanTransition(next DepositStatus) bool {
	switch s {
	case DepositPending:
		return next == DepositCompleted || next == DepositCancelled || next == DepositFailed
	case DepositCompleted:
		return next == DepositCancelled
	}
	return false
}

// ConversionStatus is the state of one CommissionConversion.
type ConversionStatus string

const (
	ConversionPending   ConversionStatus = "pending"
	ConversionCompleted ConversionStatus = "completed"
	ConversionCancelled ConversionStatus = "cancelled"
)

// CanTransition reports whether a conversion may move from s to next.
func (s ConversionStatus) CanTransition(next ConversionStatus) bool {
	switch s {
	case ConversionPending:
		return next == ConversionCompleted || next == ConversionCancelled
	case ConversionCompleted:
		return next == ConversionCancelled
	}
	return false
}

// ReversalState records what happened to a completed conversion's credit
// after its deposit was charged back.
type ReversalState string

const (
	ReversalNone           ReversalState = ""
	ReversalClawedBack     ReversalState = "clawed_back"
	ReversalOperatorReview ReversalState = "operator_review"
)

// DepositEvent is the normalized, provider-agnostic funding record.
type DepositEvent struct {
	ID         string          `json:"id" db:"id"` // provider transaction id
	AccountID  string          `json:"account_id" db:"account_id"`
	Amount     decimal.Decimal `json:"amount" db:"amount"`
	Status     DepositStatus   `json:"status" db:"status"`
	OccurredAt time.Time       `json:"occurred_at" db:"occurred_at"`
}

// ReferralTier maps cumulative completed commission to a rate.
type ReferralTier struct {
	Name           string          `json:"name" db:"name"`
	MinEarnings    decimal.Decimal `json:"min_earnings" db:"min_earnings"`
	PercentageRate decimal.Decimal `json:"percentage_rate" db:"percentage_rate"`
	FixedAmount    decimal.Decimal `json:"fixed_amount" db:"fixed_amount"`
}

// Affiliate is the top of a referral chain.
type Affiliate struct {
	AccountID         string           `json:"account_id" db:"account_id"`
	CommissionType    CommissionType   `json:"commission_type" db:"commission_type"`
	Tier              string           `json:"tier" db:"tier"`
	TierPinned        bool             `json:"tier_pinned" db:"tier_pinned"`
	CustomPercentage  *decimal.Decimal `json:"custom_percentage,omitempty" db:"custom_percentage"`
	CustomFixedAmount *decimal.Decimal `json:"custom_fixed_amount,omitempty" db:"custom_fixed_amount"`
	ApprovedEarnings  decimal.Decimal  `json:"approved_earnings" db:"approved_earnings"`
	Active            bool             `json:"active" db:"active"`
}

// Partner is an optional second tier that belongs to an affiliate.
type Partner struct {
	AccountID        string          `json:"account_id" db:"account_id"`
	AffiliateID      string          `json:"affiliate_id,omitempty" db:"affiliate_id"`
	CommissionType   CommissionType  `json:"commission_type" db:"commission_type"`
	CommissionRate   decimal.Decimal `json:"commission_rate" db:"commission_rate"`
	FixedAmount      decimal.Decimal `json:"fixed_amount" db:"fixed_amount"`
	ApprovedEarnings decimal.Decimal `json:"approved_earnings" db:"approved_earnings"`
	Active           bool            `json:"active" db:"active"`
}

// CommissionConversion is one beneficiary's share of commission on one
// deposit. Unique on (DepositEventID, BeneficiaryID, BeneficiaryType).
type CommissionConversion struct {
	ID              string           `json:"id" db:"id"`
	DepositEventID  string           `json:"deposit_event_id" db:"deposit_event_id"`
	BeneficiaryID   string           `json:"beneficiary_id" db:"beneficiary_id"`
	BeneficiaryType BeneficiaryType  `json:"beneficiary_type" db:"beneficiary_type"`
	ConversionValue decimal.Decimal  `json:"conversion_value" db:"conversion_value"`
	CommissionType  CommissionType   `json:"commission_type" db:"commission_type"`
	CommissionRate  decimal.Decimal  `json:"commission_rate" db:"commission_rate"`
	FixedAmount     decimal.Decimal  `json:"fixed_amount" db:"fixed_amount"`
	Commission      decimal.Decimal  `json:"commission" db:"commission"`
	Status          ConversionStatus `json:"status" db:"status"`
	Clamped         bool             `json:"clamped" db:"clamped"`
	Reversal        ReversalState    `json:"reversal,omitempty" db:"reversal"`
	CreatedAt       time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at" db:"updated_at"`
}

// SettlementOutcome explains what happened to one beneficiary during a
// settlement call.
type SettlementOutcome string

const (
	OutcomeCredited       SettlementOutcome = "credited"
	OutcomePending        SettlementOutcome = "pending"
	OutcomeDuplicate      SettlementOutcome = "duplicate"
	OutcomeNoReferrer     SettlementOutcome = "no_referrer"
	OutcomeCapClamped     SettlementOutcome = "cap_clamped"
	OutcomeCancelled      SettlementOutcome = "cancelled"
	OutcomeReversed       SettlementOutcome = "reversed"
	OutcomeOperatorReview SettlementOutcome = "operator_review"
	OutcomeNotSettled     SettlementOutcome = "not_settled"
)

// BeneficiaryOutcome is one line of a Settlement.
type BeneficiaryOutcome struct {
	BeneficiaryID   string            `json:"beneficiary_id,omitempty"`
	BeneficiaryType BeneficiaryType   `json:"beneficiary_type,omitempty"`
	Outcome         SettlementOutcome `json:"outcome"`
	Amount          decimal.Decimal   `json:"amount"`
}

// Settlement is the result of settling one DepositEvent.
type Settlement struct {
	DepositEventID string                 `json:"deposit_event_id"`
	Status         DepositStatus          `json:"status"`
	Conversions    []CommissionConversion `json:"conversions"`
	Outcomes       []BeneficiaryOutcome   `json:"outcomes"`
}
