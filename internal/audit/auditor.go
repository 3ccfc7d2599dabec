// Package audit implements the operational consistency checks run against
// the ledger and the commission records: per-beneficiary totals, accounts
// without wallets, duplicate conversions, balance drift, unpaid or orphaned
// commission credits, and reversals waiting for an operator.
package audit

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/scratchwin/scratch-engine/internal/idem"
	"github.com/scratchwin/scratch-engine/internal/ledger"
	"github.com/scratchwin/scratch-engine/internal/model"
	"github.com/scratchwin/scratch-engine/internal/store"
)

// Auditor runs read-only checks over a Store.
type Auditor struct {
	store store.Store
	now   func() time.Time
}

// New creates an Auditor.
func New(st store.Store) *Auditor {
	return &Auditor{store: st, now: func() time.Time { return time.Now().UTC() }}
}

// BeneficiaryTotal sums one beneficiary's conversions by status.
type BeneficiaryTotal struct {
	BeneficiaryID   string                `json:"beneficiary_id"`
	BeneficiaryType model.BeneficiaryType `json:"beneficiary_type"`
	Conversions     int                   `json:"conversions"`
	Pending         decimal.Decimal       `json:"pending"`
	Completed       decimal.Decimal       `json:"completed"`
	Cancelled       decimal.Decimal       `json:"cancelled"`
}

// CommissionTotals reports commission per beneficiary, ordered by type and id.
func (a *Auditor) CommissionTotals(ctx context.Context) ([]BeneficiaryTotal, error) {
	conversions, err := a.store.ListConversions(ctx)
	if err != nil {
		return nil, err
	}

	byKey := make(map[string]*BeneficiaryTotal)
	for _, c := range conversions {
		key := string(c.BeneficiaryType) + "/" + c.BeneficiaryID
		t, ok := byKey[key]
		if !ok {
			t = &BeneficiaryTotal{
				BeneficiaryID:   c.BeneficiaryID,
				BeneficiaryType: c.BeneficiaryType,
				Pending:         decimal.Zero,
				Completed:       decimal.Zero,
				Cancelled:       decimal.Zero,
			}
			byKey[key] = t
		}
		t.Conversions++
		switch c.Status {
		case model.ConversionPending:
			t.Pending = t.Pending.Add(c.Commission)
		case model.ConversionCompleted:
			t.Completed = t.Completed.Add(c.Commission)
		case model.ConversionCancelled:
			t.Cancelled = t.Cancelled.Add(c.Commission)
		}
	}

	out := make([]BeneficiaryTotal, 0, len(byKey))
	for _, t := range byKey {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BeneficiaryType != out[j].BeneficiaryType {
			return out[i].BeneficiaryType < out[j].BeneficiaryType
		}
		return out[i].BeneficiaryID < out[j].BeneficiaryID
	})
	return out, nil
}

// MissingWallet is an account id that should have a wallet and does not.
type MissingWallet struct {
	AccountID string `json:"account_id"`
	Source    string `json:"source"` // "account" or "conversion"
}

// MissingWallets finds accounts, and commission beneficiaries, with no wallet.
func (a *Auditor) MissingWallets(ctx context.Context) ([]MissingWallet, error) {
	accounts, err := a.store.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}
	conversions, err := a.store.ListConversions(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var out []MissingWallet
	check := func(accountID, source string) error {
		if seen[accountID] {
			return nil
		}
		seen[accountID] = true
		_, err := a.store.GetWalletByAccount(ctx, accountID)
		if errors.Is(err, store.ErrNotFound) {
			out = append(out, MissingWallet{AccountID: accountID, Source: source})
			return nil
		}
		return err
	}

	for _, acct := range accounts {
		if err := check(acct.ID, "account"); err != nil {
			return nil, err
		}
	}
	for _, c := range conversions {
		if err := check(c.BeneficiaryID, "conversion"); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// DuplicateGroup is a set of conversions sharing (deposit, beneficiary, type).
type DuplicateGroup struct {
	DepositEventID  string                `json:"deposit_event_id"`
	BeneficiaryID   string                `json:"beneficiary_id"`
	BeneficiaryType model.BeneficiaryType `json:"beneficiary_type"`
	ConversionIDs   []string              `json:"conversion_ids"`
	Commission      decimal.Decimal       `json:"commission"`
}

// DuplicateConversions finds groups that break conversion uniqueness.
func (a *Auditor) DuplicateConversions(ctx context.Context) ([]DuplicateGroup, error) {
	conversions, err := a.store.ListConversions(ctx)
	if err != nil {
		return nil, err
	}

	groups := make(map[string]*DuplicateGroup)
	var order []string
	for _, c := range conversions {
		key := c.DepositEventID + "/" + c.BeneficiaryID + "/" + string(c.BeneficiaryType)
		g, ok := groups[key]
		if !ok {
			g = &DuplicateGroup{
				DepositEventID:  c.DepositEventID,
				BeneficiaryID:   c.BeneficiaryID,
				BeneficiaryType: c.BeneficiaryType,
				Commission:      decimal.Zero,
			}
			groups[key] = g
			order = append(order, key)
		}
		g.ConversionIDs = append(g.ConversionIDs, c.ID)
		g.Commission = g.Commission.Add(c.Commission)
	}

	var out []DuplicateGroup
	for _, key := range order {
		if g := groups[key]; len(g.ConversionIDs) > 1 {
			out = append(out, *g)
		}
	}
	return out, nil
}

// ReconcileWallet recomputes one wallet from its entries.
func (a *Auditor) ReconcileWallet(ctx context.Context, walletID string) (*model.WalletReconciliation, error) {
	w, err := a.store.GetWallet(ctx, walletID)
	if err != nil {
		return nil, err
	}
	entries, err := a.store.GetLedgerEntriesByWallet(ctx, walletID)
	if err != nil {
		return nil, err
	}
	return ledger.Reconcile(w, entries), nil
}

// ReconcileAll recomputes every wallet.
func (a *Auditor) ReconcileAll(ctx context.Context) ([]model.WalletReconciliation, error) {
	wallets, err := a.store.ListWallets(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.WalletReconciliation, 0, len(wallets))
	for i := range wallets {
		entries, err := a.store.GetLedgerEntriesByWallet(ctx, wallets[i].ID)
		if err != nil {
			return nil, err
		}
		out = append(out, *ledger.Reconcile(&wallets[i], entries))
	}
	return out, nil
}

// PaymentGaps pairs conversions and commission credits that disagree.
type PaymentGaps struct {
	// Unpaid are completed conversions whose ledger credit is missing.
	Unpaid []model.CommissionConversion `json:"unpaid"`
	// Orphans are commission credits with no matching conversion.
	Orphans []model.LedgerEntry `json:"orphans"`
}

// UnpaidConversions cross-checks completed conversions against commission
// ledger entries in both directions.
func (a *Auditor) UnpaidConversions(ctx context.Context) (*PaymentGaps, error) {
	conversions, err := a.store.ListConversions(ctx)
	if err != nil {
		return nil, err
	}
	gaps := &PaymentGaps{}

	for _, c := range conversions {
		if c.Status != model.ConversionCompleted || !c.Commission.IsPositive() {
			continue
		}
		_, err := a.store.GetEntryByKey(ctx, idem.CommissionKey(c.DepositEventID, c.BeneficiaryID, c.BeneficiaryType))
		switch {
		case errors.Is(err, store.ErrNotFound):
			gaps.Unpaid = append(gaps.Unpaid, c)
		case err != nil:
			return nil, err
		}
	}

	credits, err := a.store.GetLedgerEntriesByReason(ctx, model.ReasonCommission)
	if err != nil {
		return nil, err
	}
	for _, e := range credits {
		ref, err := idem.ParseCommissionKey(e.IdempotencyKey)
		if err != nil || ref.Reversal {
			gaps.Orphans = append(gaps.Orphans, e)
			continue
		}
		_, err = a.store.GetConversion(ctx, ref.DepositEventID, ref.BeneficiaryID, ref.BeneficiaryType)
		switch {
		case errors.Is(err, store.ErrNotFound):
			gaps.Orphans = append(gaps.Orphans, e)
		case err != nil:
			return nil, err
		}
	}
	return gaps, nil
}

// PendingReversals lists cancelled conversions whose claw-back could not
// run and waits for an operator.
func (a *Auditor) PendingReversals(ctx context.Context) ([]model.CommissionConversion, error) {
	conversions, err := a.store.ListConversions(ctx)
	if err != nil {
		return nil, err
	}
	var out []model.CommissionConversion
	for _, c := range conversions {
		if c.Reversal == model.ReversalOperatorReview {
			out = append(out, c)
		}
	}
	return out, nil
}

// Report is the combined result of every check.
type Report struct {
	GeneratedAt      time.Time                    `json:"generated_at"`
	Totals           []BeneficiaryTotal           `json:"totals"`
	MissingWallets   []MissingWallet              `json:"missing_wallets"`
	Duplicates       []DuplicateGroup             `json:"duplicates"`
	WalletsChecked   int                          `json:"wallets_checked"`
	Drift            []model.WalletReconciliation `json:"drift"`
	Unpaid           []model.CommissionConversion `json:"unpaid"`
	Orphans          []model.LedgerEntry          `json:"orphans"`
	PendingReversals []model.CommissionConversion `json:"pending_reversals"`
}

// Findings counts the problems in the report. Totals are informational.
func (r *Report) Findings() int {
	return len(r.MissingWallets) + len(r.Duplicates) + len(r.Drift) +
		len(r.Unpaid) + len(r.Orphans) + len(r.PendingReversals)
}

// Report runs every check concurrently.
func (a *Auditor) Report(ctx context.Context) (*Report, error) {
	r := &Report{GeneratedAt: a.now()}
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() (err error) {
		r.Totals, err = a.CommissionTotals(ctx)
		return err
	})
	g.Go(func() (err error) {
		r.MissingWallets, err = a.MissingWallets(ctx)
		return err
	})
	g.Go(func() (err error) {
		r.Duplicates, err = a.DuplicateConversions(ctx)
		return err
	})
	g.Go(func() error {
		all, err := a.ReconcileAll(ctx)
		if err != nil {
			return err
		}
		r.WalletsChecked = len(all)
		for _, rec := range all {
			if !rec.Matches {
				r.Drift = append(r.Drift, rec)
			}
		}
		return nil
	})
	g.Go(func() error {
		gaps, err := a.UnpaidConversions(ctx)
		if err != nil {
			return err
		}
		r.Unpaid, r.Orphans = gaps.Unpaid, gaps.Orphans
		return nil
	})
	g.Go(func() (err error) {
		r.PendingReversals, err = a.PendingReversals(ctx)
		return err
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return r, nil
}
