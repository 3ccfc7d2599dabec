// Package idem composes, validates and parses the idempotency keys used by
// the ledger, and provides per-key locking so that only the first writer of
// a key performs a mutation.
package idem

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/scratchwin/scratch-engine/internal/model"
)

// Suffixes appended to a round key for each ledger step of a round.
const (
	StepStake    = "stake"
	StepPrize    = "prize"
	StepReversal = "reversal"
)

// partRegex matches a single key component. Components never contain the
// ':' separator so composed keys can be split unambiguously.
var partRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.@-]{0,127}$`)

// commissionKeyRegex matches: {depositEventID}:{beneficiaryID}:{affiliate|partner}[:reversal]
var commissionKeyRegex = regexp.MustCompile(
	`^([A-Za-z0-9][A-Za-z0-9_.@-]*):([A-Za-z0-9][A-Za-z0-9_.@-]*):(affiliate|partner)(:reversal)?$`,
)

var (
	ErrInvalidKey  = errors.New("idem: invalid idempotency key")
	ErrUnknownType = errors.New("idem: unknown beneficiary type")
)

// ValidatePart checks one caller-supplied key component, such as a round
// key or a provider transaction id.
func ValidatePart(part string) error {
	if !partRegex.MatchString(part) {
		return fmt.Errorf("%w: %q (expected 1-128 of [A-Za-z0-9_.@-], no ':')", ErrInvalidKey, part)
	}
	return nil
}

// StakeKey is the ledger key of a round's stake debit.
func StakeKey(roundKey string) string { return roundKey + ":" + StepStake }

// PrizeKey is the ledger key of a round's prize credit.
func PrizeKey(roundKey string) string { return roundKey + ":" + StepPrize }

// CommissionKey is the ledger key of one beneficiary's commission credit.
func CommissionKey(depositEventID, beneficiaryID string, bt model.BeneficiaryType) string {
	return depositEventID + ":" + beneficiaryID + ":" + string(bt)
}

// ReversalKey is the ledger key of a commission claw-back.
func ReversalKey(depositEventID, beneficiaryID string, bt model.BeneficiaryType) string {
	return CommissionKey(depositEventID, beneficiaryID, bt) + ":" + StepReversal
}

// CommissionRef is a parsed commission or reversal key.
type CommissionRef struct {
	DepositEventID  string                `json:"deposit_event_id"`
	BeneficiaryID   string                `json:"beneficiary_id"`
	BeneficiaryType model.BeneficiaryType `json:"beneficiary_type"`
	Reversal        bool                  `json:"reversal"`
}

// ParseCommissionKey parses a key produced by CommissionKey or ReversalKey.
func ParseCommissionKey(key string) (*CommissionRef, error) {
	matches := commissionKeyRegex.FindStringSubmatch(key)
	if matches == nil {
		if parts := strings.Split(key, ":"); len(parts) == 3 {
			return nil, fmt.Errorf("%w: %s", ErrUnknownType, parts[2])
		}
		return nil, fmt.Errorf("%w: %s (expected {deposit}:{beneficiary}:{type}[:reversal])", ErrInvalidKey, key)
	}
	return &CommissionRef{
		DepositEventID:  matches[1],
		BeneficiaryID:   matches[2],
		BeneficiaryType: model.BeneficiaryType(matches[3]),
		Reversal:        matches[4] != "",
	}, nil
}
