// Package model defines the core domain types shared across the scratch engine.
// All monetary values use shopspring/decimal, never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Role identifies what kind of holder an Account is.
type Role string

const (
	RolePlayer    Role = "player"
	RoleAffiliate Role = "affiliate"
	RolePartner   Role = "partner"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RolePlayer, RoleAffiliate, RolePartner:
		return true
	}
	return false
}

// Pool is one of the two balance pools of a wallet.
type Pool string

const (
	PoolReal  Pool = "real"
	PoolBonus Pool = "bonus"
)

// Valid reports whether p is a known pool.
func (p Pool) Valid() bool {
	return p == PoolReal || p == PoolBonus
}

// Reason classifies a ledger mutation.
type Reason string

const (
	ReasonStake      Reason = "stake"
	ReasonPrize      Reason = "prize"
	ReasonCommission Reason = "commission"
	ReasonWithdrawal Reason = "withdrawal"
	ReasonAdjustment Reason = "adjustment"
	ReasonReversal   Reason = "reversal"
)

// Valid reports whether r is a known reason.
func (r Reason) Valid() bool {
	switch r {
	case ReasonStake, ReasonPrize, ReasonCommission, ReasonWithdrawal, ReasonAdjustment, ReasonReversal:
		return true
	}
	return false
}

// Account identifies a wallet holder. Referral pointers are weak references
// to other accounts and may be empty.
type Account struct {
	ID                   string    `json:"id" db:"id"`
	Role                 Role      `json:"role" db:"role"`
	ReferringAffiliateID string    `json:"referring_affiliate_id,omitempty" db:"referring_affiliate_id"`
	ReferringPartnerID   string    `json:"referring_partner_id,omitempty" db:"referring_partner_id"`
	CreatedAt            time.Time `json:"created_at" db:"created_at"`
}

// Wallet is owned by exactly one Account and is only mutated through the
// ledger's Apply.
type Wallet struct {
	ID             string          `json:"id" db:"id"`
	AccountID      string          `json:"account_id" db:"account_id"`
	RealBalance    decimal.Decimal `json:"real_balance" db:"real_balance"`
	BonusBalance   decimal.Decimal `json:"bonus_balance" db:"bonus_balance"`
	TotalEarned    decimal.Decimal `json:"total_earned" db:"total_earned"`
	TotalWithdrawn decimal.Decimal `json:"total_withdrawn" db:"total_withdrawn"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
}

// Balance returns the balance of the given pool.
func (w *Wallet) Balance(p Pool) decimal.Decimal {
	if p == PoolBonus {
		return w.BonusBalance
	}
	return w.RealBalance
}

// LedgerEntry is an immutable record of one balance mutation.
// Once created, these are never modified or deleted.
type LedgerEntry struct {
	ID               string          `json:"id" db:"id"`
	WalletID         string          `json:"wallet_id" db:"wallet_id"`
	Pool             Pool            `json:"pool" db:"pool"`
	Delta            decimal.Decimal `json:"delta" db:"delta"` // signed
	ResultingBalance decimal.Decimal `json:"resulting_balance" db:"resulting_balance"`
	IdempotencyKey   string          `json:"idempotency_key" db:"idempotency_key"`
	Reason           Reason          `json:"reason" db:"reason"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
}

// LedgerResult is returned from every apply, including duplicates.
type LedgerResult struct {
	NewBalance   decimal.Decimal `json:"new_balance"`
	Entry        LedgerEntry     `json:"entry"`
	WasDuplicate bool            `json:"was_duplicate"`
}

// WalletReconciliation compares stored balances against the sum of entries.
type WalletReconciliation struct {
	WalletID      string          `json:"wallet_id"`
	AccountID     string          `json:"account_id"`
	StoredReal    decimal.Decimal `json:"stored_real"`
	ComputedReal  decimal.Decimal `json:"computed_real"`
	StoredBonus   decimal.Decimal `json:"stored_bonus"`
	ComputedBonus decimal.Decimal `json:"computed_bonus"`
	Entries       int             `json:"entries"`
	Matches       bool            `json:"matches"`
}
