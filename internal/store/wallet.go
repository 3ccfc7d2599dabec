package store

import (
	"fmt"

	"github.com/scratchwin/scratch-engine/internal/model"
)

// applyToWallet applies e to w in place and fills e.ResultingBalance.
// Shared by every Store so the floor and the running totals behave the same
// regardless of backend.
func applyToWallet(w *model.Wallet, e *model.LedgerEntry) error {
	next := w.Balance(e.Pool).Add(e.Delta)
	if next.IsNegative() {
		return fmt.Errorf("wallet %s %s pool has %s, delta %s: %w",
			w.ID, e.Pool, w.Balance(e.Pool).StringFixed(2), e.Delta.StringFixed(2), ErrInsufficientFunds)
	}

	switch e.Pool {
	case model.PoolBonus:
		w.BonusBalance = next
	default:
		w.RealBalance = next
	}

	switch {
	case e.Reason == model.ReasonPrize && e.Delta.IsPositive(),
		e.Reason == model.ReasonCommission && e.Delta.IsPositive(),
		e.Reason == model.ReasonReversal:
		w.TotalEarned = w.TotalEarned.Add(e.Delta)
	case e.Reason == model.ReasonWithdrawal && e.Delta.IsNegative():
		w.TotalWithdrawn = w.TotalWithdrawn.Sub(e.Delta)
	}

	e.ResultingBalance = next
	w.UpdatedAt = e.CreatedAt
	return nil
}
