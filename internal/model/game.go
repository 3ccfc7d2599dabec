package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Game is a scratch card product with a base stake and a prize catalog.
type Game struct {
	ID          string          `json:"id" db:"id"`
	Name        string          `json:"name" db:"name"`
	StakeAmount decimal.Decimal `json:"stake_amount" db:"stake_amount"`
	Active      bool            `json:"active" db:"active"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// PrizeCatalogEntry is one possible outcome of a game. Weights are
// percentages in [0, 100]; the mass not covered by the catalog is "no win".
type PrizeCatalogEntry struct {
	ID                string          `json:"id" db:"id"`
	GameID            string          `json:"game_id" db:"game_id"`
	PrizeValue        decimal.Decimal `json:"prize_value" db:"prize_value"`
	Label             string          `json:"label" db:"label"`
	ProbabilityWeight decimal.Decimal `json:"probability_weight" db:"probability_weight"`
	DisplayOrder      int             `json:"display_order" db:"display_order"`
}

// CatalogChange is one entry of the probability audit log kept for every
// administrative catalog replacement.
type CatalogChange struct {
	ID        string              `json:"id" db:"id"`
	GameID    string              `json:"game_id" db:"game_id"`
	Previous  []PrizeCatalogEntry `json:"previous"`
	Next      []PrizeCatalogEntry `json:"next"`
	ChangedBy string              `json:"changed_by" db:"changed_by"`
	ChangedAt time.Time           `json:"changed_at" db:"changed_at"`
}

// RoundStatus is the lifecycle state of a GameRound.
type RoundStatus string

const (
	RoundCreated  RoundStatus = "created"
	RoundDebited  RoundStatus = "debited"
	RoundResolved RoundStatus = "resolved"
	RoundSettled  RoundStatus = "settled"
)

// Rank orders round states; a round never moves to a lower rank.
func (s RoundStatus) Rank() int {
	switch s {
	case RoundCreated:
		return 0
	case RoundDebited:
		return 1
	case RoundResolved:
		return 2
	case RoundSettled:
		return 3
	}
	return -1
}

// Outcome is the resolved result of a round.
type Outcome struct {
	Won        bool            `json:"won"`
	PrizeValue decimal.Decimal `json:"prize_value"`
	Label      string          `json:"label,omitempty"`
}

// GameRound is created when a player stakes into a Game. Its ID is the
// caller's round idempotency key.
type GameRound struct {
	ID          string          `json:"id" db:"id"`
	AccountID   string          `json:"account_id" db:"account_id"`
	GameID      string          `json:"game_id" db:"game_id"`
	StakeAmount decimal.Decimal `json:"stake_amount" db:"stake_amount"`
	Multiplier  decimal.Decimal `json:"multiplier" db:"multiplier"`
	StakePool   Pool            `json:"stake_pool" db:"stake_pool"`
	Debited     decimal.Decimal `json:"debited" db:"debited"`
	Status      RoundStatus     `json:"status" db:"status"`
	Draw        decimal.Decimal `json:"draw" db:"draw"`
	Outcome     *Outcome        `json:"outcome,omitempty"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	SettledAt   *time.Time      `json:"settled_at,omitempty" db:"settled_at"`
}

// GameRoundRequest is the normalized request to play one round.
type GameRoundRequest struct {
	GameID         string          `json:"game_id"`
	AccountID      string          `json:"account_id"`
	StakeAmount    decimal.Decimal `json:"stake_amount"`
	Multiplier     decimal.Decimal `json:"multiplier"`
	StakePool      Pool            `json:"stake_pool,omitempty"`
	IdempotencyKey string          `json:"idempotency_key"`
}
