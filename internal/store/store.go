// Package store provides persistence interfaces and implementations
// for the scratch engine. The Store interface is implemented by:
//   - MemoryStore: in-memory, used for tests and local development
//   - PostgresStore: PostgreSQL as the source of truth
//   - CachedStore: Redis read-through cache wrapping another Store
//
// Every balance mutation happens inside ApplyEntry, which checks the
// idempotency key, enforces the non-negative floor and appends the entry in
// one atomic unit.
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/scratchwin/scratch-engine/internal/model"
)

var (
	ErrNotFound          = errors.New("store: not found")
	ErrConflict          = errors.New("store: already exists")
	ErrInsufficientFunds = errors.New("store: insufficient funds")
	ErrInvalidTransition = errors.New("store: invalid status transition")
)

// Store is the persistence interface for all engine state.
type Store interface {
	// --- Accounts and wallets ---

	// CreateAccount persists an account together with its wallet.
	CreateAccount(ctx context.Context, acct *model.Account, wallet *model.Wallet) error
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	ListAccounts(ctx context.Context) ([]model.Account, error)
	GetWallet(ctx context.Context, id string) (*model.Wallet, error)
	GetWalletByAccount(ctx context.Context, accountID string) (*model.Wallet, error)
	ListWallets(ctx context.Context) ([]model.Wallet, error)

	// --- Ledger ---

	// ApplyEntry appends entry and updates the wallet pool atomically.
	// If entry.IdempotencyKey was already applied, the stored entry is
	// returned with duplicate=true and nothing is written. A debit that
	// would take the pool below zero fails with ErrInsufficientFunds.
	ApplyEntry(ctx context.Context, entry *model.LedgerEntry) (stored *model.LedgerEntry, duplicate bool, err error)
	GetEntryByKey(ctx context.Context, key string) (*model.LedgerEntry, error)
	// GetLedgerEntriesByWallet returns entries in append order.
	GetLedgerEntriesByWallet(ctx context.Context, walletID string) ([]model.LedgerEntry, error)
	GetLedgerEntriesByReason(ctx context.Context, reason model.Reason) ([]model.LedgerEntry, error)

	// --- Games and catalogs ---

	CreateGame(ctx context.Context, g *model.Game) error
	GetGame(ctx context.Context, id string) (*model.Game, error)
	ListGames(ctx context.Context) ([]model.Game, error)
	// ReplaceCatalog swaps the whole catalog of a game and records the change.
	ReplaceCatalog(ctx context.Context, gameID string, entries []model.PrizeCatalogEntry, change *model.CatalogChange) error
	// GetCatalog returns entries ordered by display order.
	GetCatalog(ctx context.Context, gameID string) ([]model.PrizeCatalogEntry, error)
	ListCatalogChanges(ctx context.Context, gameID string) ([]model.CatalogChange, error)

	// --- Rounds ---

	// CreateRound fails with ErrConflict if the round id exists.
	CreateRound(ctx context.Context, r *model.GameRound) error
	GetRound(ctx context.Context, id string) (*model.GameRound, error)
	// AdvanceRound persists r; the stored status may only move forward.
	AdvanceRound(ctx context.Context, r *model.GameRound) error

	// --- Deposits ---

	// RecordDepositEvent appends ev to the deposit's status history.
	// Returns the previous status ("" for a new deposit) and changed=false
	// when ev repeats the current status.
	RecordDepositEvent(ctx context.Context, ev *model.DepositEvent) (previous model.DepositStatus, changed bool, err error)
	GetDepositEvent(ctx context.Context, id string) (*model.DepositEvent, error)
	GetDepositHistory(ctx context.Context, id string) ([]model.DepositEvent, error)

	// --- Referral configuration ---

	UpsertAffiliate(ctx context.Context, a *model.Affiliate) error
	GetAffiliate(ctx context.Context, accountID string) (*model.Affiliate, error)
	UpsertPartner(ctx context.Context, p *model.Partner) error
	GetPartner(ctx context.Context, accountID string) (*model.Partner, error)
	// AddEarnings adds delta to a beneficiary's approved earnings once per key
	// and returns the new total.
	AddEarnings(ctx context.Context, bt model.BeneficiaryType, id, key string, delta decimal.Decimal) (total decimal.Decimal, err error)
	SetAffiliateTier(ctx context.Context, accountID, tier string) error
	ListTiers(ctx context.Context) ([]model.ReferralTier, error)
	ReplaceTiers(ctx context.Context, tiers []model.ReferralTier) error

	// --- Commission conversions ---

	// InsertConversion fails with ErrConflict when a conversion for the same
	// (deposit, beneficiary, type) exists.
	InsertConversion(ctx context.Context, c *model.CommissionConversion) error
	GetConversion(ctx context.Context, depositEventID, beneficiaryID string, bt model.BeneficiaryType) (*model.CommissionConversion, error)
	// TransitionConversion moves a conversion between statuses, failing with
	// ErrInvalidTransition when the stored status is not from.
	TransitionConversion(ctx context.Context, id string, from, to model.ConversionStatus) error
	SetConversionReversal(ctx context.Context, id string, state model.ReversalState) error
	ListConversionsByDeposit(ctx context.Context, depositEventID string) ([]model.CommissionConversion, error)
	ListConversions(ctx context.Context) ([]model.CommissionConversion, error)
}
