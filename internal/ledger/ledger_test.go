package ledger_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/scratchwin/scratch-engine/internal/ledger"
	"github.com/scratchwin/scratch-engine/internal/model"
	"github.com/scratchwin/scratch-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newLedger(t *testing.T) (*ledger.Ledger, *store.MemoryStore, *model.Wallet) {
	t.Helper()
	ms := store.NewMemoryStore()
	l := ledger.New(ms)
	_, w, err := l.OpenAccount(context.Background(), model.Account{ID: "player-1", Role: model.RolePlayer})
	require.NoError(t, err)
	return l, ms, w
}

func TestOpenAccount_CreatesWallet(t *testing.T) {
	l, _, w := newLedger(t)
	ctx := context.Background()

	require.Equal(t, "player-1", w.AccountID)
	require.True(t, w.RealBalance.IsZero())

	got, err := l.Wallet(ctx, "player-1")
	require.NoError(t, err)
	require.Equal(t, w.ID, got.ID)

	_, _, err = l.OpenAccount(ctx, model.Account{ID: "player-1", Role: model.RolePlayer})
	require.ErrorIs(t, err, ledger.ErrAccountExists)

	_, _, err = l.OpenAccount(ctx, model.Account{Role: "admin"})
	require.ErrorIs(t, err, ledger.ErrInvalidRole)
}

func TestApply_CreditThenDebit(t *testing.T) {
	l, _, w := newLedger(t)
	ctx := context.Background()

	res, err := l.Apply(ctx, w.ID, model.PoolReal, d(100), "dep-1", model.ReasonAdjustment)
	require.NoError(t, err)
	require.False(t, res.WasDuplicate)
	require.True(t, res.NewBalance.Equal(d(100)))
	require.True(t, res.Entry.ResultingBalance.Equal(d(100)))
	require.NotEmpty(t, res.Entry.ID)

	res, err = l.Apply(ctx, w.ID, model.PoolReal, d(-30.5), "stake-1", model.ReasonStake)
	require.NoError(t, err)
	require.True(t, res.NewBalance.Equal(d(69.5)), "got %s", res.NewBalance)

	wallet, err := l.Wallet(ctx, "player-1")
	require.NoError(t, err)
	require.True(t, wallet.RealBalance.Equal(d(69.5)))
	require.True(t, wallet.BonusBalance.IsZero())
}

func TestApply_DuplicateKeyIsNoOp(t *testing.T) {
	l, ms, w := newLedger(t)
	ctx := context.Background()

	first, err := l.Apply(ctx, w.ID, model.PoolReal, d(50), "k-1", model.ReasonPrize)
	require.NoError(t, err)

	second, err := l.Apply(ctx, w.ID, model.PoolReal, d(50), "k-1", model.ReasonPrize)
	require.NoError(t, err)
	require.True(t, second.WasDuplicate)
	require.Equal(t, first.Entry.ID, second.Entry.ID)
	require.True(t, second.NewBalance.Equal(d(50)))

	entries, err := ms.GetLedgerEntriesByWallet(ctx, w.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	wallet, _ := l.Wallet(ctx, "player-1")
	require.True(t, wallet.RealBalance.Equal(d(50)))
	require.True(t, wallet.TotalEarned.Equal(d(50)))
}

func TestApply_InsufficientBalanceWritesNothing(t *testing.T) {
	l, ms, w := newLedger(t)
	ctx := context.Background()

	_, err := l.Apply(ctx, w.ID, model.PoolReal, d(10), "credit", model.ReasonAdjustment)
	require.NoError(t, err)

	_, err = l.Apply(ctx, w.ID, model.PoolReal, d(-10.01), "debit", model.ReasonStake)
	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	entries, _ := ms.GetLedgerEntriesByWallet(ctx, w.ID)
	require.Len(t, entries, 1)

	// The failed key was not consumed and may be retried once funds exist.
	_, err = l.Apply(ctx, w.ID, model.PoolReal, d(5), "credit-2", model.ReasonAdjustment)
	require.NoError(t, err)
	res, err := l.Apply(ctx, w.ID, model.PoolReal, d(-10.01), "debit", model.ReasonStake)
	require.NoError(t, err)
	require.True(t, res.NewBalance.Equal(d(4.99)))
}

func TestApply_BonusPoolFloor(t *testing.T) {
	l, _, w := newLedger(t)
	ctx := context.Background()

	_, err := l.Apply(ctx, w.ID, model.PoolBonus, d(-1), "bonus-debit", model.ReasonStake)
	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	res, err := l.Apply(ctx, w.ID, model.PoolBonus, d(1000000), "bonus-credit", model.ReasonAdjustment)
	require.NoError(t, err)
	require.True(t, res.NewBalance.Equal(d(1000000)))

	wallet, _ := l.Wallet(ctx, "player-1")
	require.True(t, wallet.RealBalance.IsZero(), "bonus credit must not touch real pool")
}

func TestApply_Validation(t *testing.T) {
	l, _, w := newLedger(t)
	ctx := context.Background()

	_, err := l.Apply(ctx, w.ID, model.PoolReal, d(1), "", model.ReasonStake)
	require.ErrorIs(t, err, ledger.ErrMissingKey)

	_, err = l.Apply(ctx, w.ID, "crypto", d(1), "k", model.ReasonStake)
	require.ErrorIs(t, err, ledger.ErrInvalidPool)

	_, err = l.Apply(ctx, w.ID, model.PoolReal, d(1), "k", "gift")
	require.ErrorIs(t, err, ledger.ErrInvalidReason)

	_, err = l.Apply(ctx, w.ID, model.PoolReal, decimal.Zero, "k", model.ReasonStake)
	require.ErrorIs(t, err, ledger.ErrInvalidAmount)

	_, err = l.Apply(ctx, w.ID, model.PoolReal, d(1.005), "k", model.ReasonStake)
	require.ErrorIs(t, err, ledger.ErrInvalidAmount)

	_, err = l.Apply(ctx, "missing-wallet", model.PoolReal, d(1), "k", model.ReasonStake)
	require.ErrorIs(t, err, ledger.ErrWalletNotFound)
}

func TestApply_TotalsTrackEarningsAndWithdrawals(t *testing.T) {
	l, _, w := newLedger(t)
	ctx := context.Background()

	_, err := l.Apply(ctx, w.ID, model.PoolReal, d(40), "c1", model.ReasonCommission)
	require.NoError(t, err)
	_, err = l.Apply(ctx, w.ID, model.PoolReal, d(-15), "w1", model.ReasonWithdrawal)
	require.NoError(t, err)
	_, err = l.Apply(ctx, w.ID, model.PoolReal, d(-5), "r1", model.ReasonReversal)
	require.NoError(t, err)

	wallet, _ := l.Wallet(ctx, "player-1")
	require.True(t, wallet.RealBalance.Equal(d(20)))
	require.True(t, wallet.TotalEarned.Equal(d(35)), "got %s", wallet.TotalEarned)
	require.True(t, wallet.TotalWithdrawn.Equal(d(15)))
}

func TestApply_ConcurrentDebitsNeverOverdraw(t *testing.T) {
	l, _, w := newLedger(t)
	ctx := context.Background()

	_, err := l.Apply(ctx, w.ID, model.PoolReal, d(100), "seed", model.ReasonAdjustment)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.Apply(ctx, w.ID, model.PoolReal, d(-7), fmt.Sprintf("stake-%d", i), model.ReasonStake)
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	require.Equal(t, 14, succeeded) // floor(100 / 7)

	rec, err := l.Reconcile(ctx, w.ID)
	require.NoError(t, err)
	require.True(t, rec.Matches)
	require.True(t, rec.StoredReal.Equal(d(2)))
	require.Equal(t, 15, rec.Entries)
}

func TestApply_ConcurrentSameKeyAppliesOnce(t *testing.T) {
	l, ms, w := newLedger(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	duplicates := 0
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := l.Apply(ctx, w.ID, model.PoolReal, d(10), "webhook-1", model.ReasonCommission)
			if err != nil {
				t.Errorf("apply: %v", err)
				return
			}
			if res.WasDuplicate {
				mu.Lock()
				duplicates++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 24, duplicates)
	entries, _ := ms.GetLedgerEntriesByWallet(ctx, w.ID)
	require.Len(t, entries, 1)
	wallet, _ := l.Wallet(ctx, "player-1")
	require.True(t, wallet.RealBalance.Equal(d(10)))
}

func TestReconcile_DetectsDrift(t *testing.T) {
	l, ms, w := newLedger(t)
	ctx := context.Background()

	_, err := l.Apply(ctx, w.ID, model.PoolReal, d(25), "a", model.ReasonAdjustment)
	require.NoError(t, err)

	rec, err := l.Reconcile(ctx, w.ID)
	require.NoError(t, err)
	require.True(t, rec.Matches)

	ms.InjectLedgerEntry(model.LedgerEntry{ID: "ghost", WalletID: w.ID, Pool: model.PoolReal, Delta: d(3), IdempotencyKey: "ghost"})

	rec, err = l.Reconcile(ctx, w.ID)
	require.NoError(t, err)
	require.False(t, rec.Matches)
	require.True(t, rec.ComputedReal.Equal(d(28)))
	require.True(t, rec.StoredReal.Equal(d(25)))
}

func TestHistory_AppendOrder(t *testing.T) {
	l, _, w := newLedger(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		_, err := l.Apply(ctx, w.ID, model.PoolReal, d(float64(i)), fmt.Sprintf("h-%d", i), model.ReasonAdjustment)
		require.NoError(t, err)
	}

	history, err := l.History(ctx, "player-1")
	require.NoError(t, err)
	require.Len(t, history, 3)
	for i, e := range history {
		require.Equal(t, fmt.Sprintf("h-%d", i+1), e.IdempotencyKey)
		if i > 0 {
			require.Greater(t, e.ID, history[i-1].ID, "entry ids sort in append order")
		}
	}
	require.True(t, history[2].ResultingBalance.Equal(d(6)))
}

func TestBalance(t *testing.T) {
	l, _, w := newLedger(t)
	ctx := context.Background()

	_, err := l.Apply(ctx, w.ID, model.PoolReal, d(12.5), "k1", model.ReasonAdjustment)
	require.NoError(t, err)
	_, err = l.Apply(ctx, w.ID, model.PoolBonus, d(3), "k2", model.ReasonAdjustment)
	require.NoError(t, err)

	bal, err := l.Balance(ctx, "player-1")
	require.NoError(t, err)
	require.True(t, bal.RealBalance.Equal(d(12.5)))
	require.True(t, bal.BonusBalance.Equal(d(3)))

	_, err = l.Balance(ctx, "ghost")
	require.ErrorIs(t, err, ledger.ErrWalletNotFound)
}
