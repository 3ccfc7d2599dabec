// Package ledger implements the wallet ledger: the only component allowed to
// change a balance. Every mutation is an idempotency-keyed, append-only
// LedgerEntry; replaying a key returns the recorded result without a second
// mutation.
//
// All monetary values use shopspring/decimal with 2-decimal precision.
package ledger

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	"github.com/scratchwin/scratch-engine/internal/idem"
	"github.com/scratchwin/scratch-engine/internal/metrics"
	"github.com/scratchwin/scratch-engine/internal/model"
	"github.com/scratchwin/scratch-engine/internal/store"
)

var (
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	ErrInvalidAmount       = errors.New("ledger: amount must be non-zero with at most 2 decimal places")
	ErrInvalidPool         = errors.New("ledger: unknown pool")
	ErrInvalidReason       = errors.New("ledger: unknown reason")
	ErrInvalidRole         = errors.New("ledger: unknown account role")
	ErrMissingKey          = errors.New("ledger: idempotency key is required")
	ErrWalletNotFound      = errors.New("ledger: wallet not found")
	ErrAccountExists       = errors.New("ledger: account already exists")
)

// Ledger applies balance mutations through a Store. It holds an in-process
// lock per idempotency key; per-wallet serialization is the Store's job.
type Ledger struct {
	store store.Store
	keys  *idem.KeyLock

	idMu    sync.Mutex
	entropy *ulid.MonotonicEntropy

	now func() time.Time
}

// New creates a Ledger over st.
func New(st store.Store) *Ledger {
	return &Ledger{
		store:   st,
		keys:    idem.NewKeyLock(),
		entropy: ulid.Monotonic(rand.Reader, 0),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// OpenAccount creates an account and its empty wallet in one store call.
// An empty acct.ID is replaced with a fresh UUID.
func (l *Ledger) OpenAccount(ctx context.Context, acct model.Account) (*model.Account, *model.Wallet, error) {
	if !acct.Role.Valid() {
		return nil, nil, fmt.Errorf("%w: %q", ErrInvalidRole, acct.Role)
	}
	if acct.ID == "" {
		acct.ID = uuid.New().String()
	}
	now := l.now()
	acct.CreatedAt = now

	wallet := model.Wallet{
		ID:             uuid.New().String(),
		AccountID:      acct.ID,
		RealBalance:    decimal.Zero,
		BonusBalance:   decimal.Zero,
		TotalEarned:    decimal.Zero,
		TotalWithdrawn: decimal.Zero,
		UpdatedAt:      now,
	}

	if err := l.store.CreateAccount(ctx, &acct, &wallet); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, nil, fmt.Errorf("%w: %s", ErrAccountExists, acct.ID)
		}
		return nil, nil, err
	}

	slog.Info("account opened", "account", acct.ID, "role", acct.Role, "wallet", wallet.ID)
	return &acct, &wallet, nil
}

// Apply mutates one pool of a wallet by delta under idempotencyKey.
//
// A key that was already applied returns the recorded entry with
// WasDuplicate set. A debit that would take the pool below zero fails with
// ErrInsufficientBalance and writes nothing.
func (l *Ledger) Apply(ctx context.Context, walletID string, pool model.Pool, delta decimal.Decimal, idempotencyKey string, reason model.Reason) (*model.LedgerResult, error) {
	if idempotencyKey == "" {
		return nil, ErrMissingKey
	}
	if !pool.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPool, pool)
	}
	if !reason.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidReason, reason)
	}
	if delta.IsZero() || !delta.Equal(delta.Round(2)) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAmount, delta)
	}

	start := time.Now()
	unlock := l.keys.Lock(idempotencyKey)
	defer unlock()

	entry := &model.LedgerEntry{
		ID:             l.newEntryID(),
		WalletID:       walletID,
		Pool:           pool,
		Delta:          delta,
		IdempotencyKey: idempotencyKey,
		Reason:         reason,
		CreatedAt:      l.now(),
	}

	stored, dup, err := l.store.ApplyEntry(ctx, entry)
	switch {
	case errors.Is(err, store.ErrInsufficientFunds):
		metrics.LedgerApplies.WithLabelValues(string(reason), "insufficient").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInsufficientBalance, err)
	case errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("%w: %s", ErrWalletNotFound, walletID)
	case err != nil:
		return nil, fmt.Errorf("apply %s: %w", idempotencyKey, err)
	}

	if dup {
		metrics.LedgerApplies.WithLabelValues(string(reason), "duplicate").Inc()
		slog.Info("duplicate ledger apply",
			"key", idempotencyKey,
			"wallet", stored.WalletID,
			"entry", stored.ID,
		)
		if stored.WalletID != walletID || stored.Pool != pool || !stored.Delta.Equal(delta) {
			slog.Warn("idempotency key replayed with different parameters",
				"key", idempotencyKey,
				"stored_wallet", stored.WalletID, "wallet", walletID,
				"stored_delta", stored.Delta.String(), "delta", delta.String(),
			)
		}
		return &model.LedgerResult{NewBalance: stored.ResultingBalance, Entry: *stored, WasDuplicate: true}, nil
	}

	metrics.LedgerApplies.WithLabelValues(string(reason), "applied").Inc()
	metrics.LedgerApplyLatency.WithLabelValues(string(reason)).Observe(time.Since(start).Seconds())
	slog.Info("ledger entry applied",
		"key", idempotencyKey,
		"wallet", walletID,
		"pool", pool,
		"delta", delta.StringFixed(2),
		"balance", stored.ResultingBalance.StringFixed(2),
		"reason", reason,
	)
	return &model.LedgerResult{NewBalance: stored.ResultingBalance, Entry: *stored}, nil
}

// ApplyToAccount resolves the account's wallet and calls Apply.
func (l *Ledger) ApplyToAccount(ctx context.Context, accountID string, pool model.Pool, delta decimal.Decimal, idempotencyKey string, reason model.Reason) (*model.LedgerResult, error) {
	w, err := l.Wallet(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return l.Apply(ctx, w.ID, pool, delta, idempotencyKey, reason)
}

// Wallet returns the wallet of an account.
func (l *Ledger) Wallet(ctx context.Context, accountID string) (*model.Wallet, error) {
	w, err := l.store.GetWalletByAccount(ctx, accountID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: account %s", ErrWalletNotFound, accountID)
	}
	return w, err
}

// Balance is the wallet query answer.
type Balance struct {
	AccountID    string          `json:"account_id"`
	RealBalance  decimal.Decimal `json:"real_balance"`
	BonusBalance decimal.Decimal `json:"bonus_balance"`
}

// Balance returns the real and bonus balances of an account.
func (l *Ledger) Balance(ctx context.Context, accountID string) (*Balance, error) {
	w, err := l.Wallet(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return &Balance{AccountID: accountID, RealBalance: w.RealBalance, BonusBalance: w.BonusBalance}, nil
}

// History returns the wallet's entries in append order.
func (l *Ledger) History(ctx context.Context, accountID string) ([]model.LedgerEntry, error) {
	w, err := l.Wallet(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return l.store.GetLedgerEntriesByWallet(ctx, w.ID)
}

// Reconcile recomputes a wallet's balances from its full entry history and
// compares them with the stored balances.
func (l *Ledger) Reconcile(ctx context.Context, walletID string) (*model.WalletReconciliation, error) {
	w, err := l.store.GetWallet(ctx, walletID)
	if err != nil {
		return nil, err
	}
	entries, err := l.store.GetLedgerEntriesByWallet(ctx, walletID)
	if err != nil {
		return nil, err
	}
	return Reconcile(w, entries), nil
}

// Reconcile sums entries per pool and compares with w.
func Reconcile(w *model.Wallet, entries []model.LedgerEntry) *model.WalletReconciliation {
	realSum, bonusSum := decimal.Zero, decimal.Zero
	for _, e := range entries {
		if e.Pool == model.PoolBonus {
			bonusSum = bonusSum.Add(e.Delta)
		} else {
			realSum = realSum.Add(e.Delta)
		}
	}
	return &model.WalletReconciliation{
		WalletID:      w.ID,
		AccountID:     w.AccountID,
		StoredReal:    w.RealBalance,
		ComputedReal:  realSum,
		StoredBonus:   w.BonusBalance,
		ComputedBonus: bonusSum,
		Entries:       len(entries),
		Matches:       realSum.Equal(w.RealBalance) && bonusSum.Equal(w.BonusBalance),
	}
}

func (l *Ledger) newEntryID() string {
	l.idMu.Lock()
	defer l.idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(l.now()), l.entropy).String()
}
