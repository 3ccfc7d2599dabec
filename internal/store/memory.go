package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/scratchwin/scratch-engine/internal/model"
)

type conversionKey struct {
	deposit     string
	beneficiary string
	kind        model.BeneficiaryType
}

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu sync.RWMutex

	accounts        map[string]*model.Account
	accountOrder    []string
	wallets         map[string]*model.Wallet
	walletOrder     []string
	walletByAccount map[string]string

	ledger     []model.LedgerEntry
	entryByKey map[string]int

	games          map[string]*model.Game
	gameOrder      []string
	catalogs       map[string][]model.PrizeCatalogEntry
	catalogChanges map[string][]model.CatalogChange
	rounds         map[string]*model.GameRound

	deposits map[string][]model.DepositEvent

	affiliates   map[string]*model.Affiliate
	partners     map[string]*model.Partner
	earningsKeys map[string]bool
	tiers        []model.ReferralTier

	conversions     map[string]*model.CommissionConversion
	conversionOrder []string
	conversionByKey map[conversionKey]string
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:        make(map[string]*model.Account),
		wallets:         make(map[string]*model.Wallet),
		walletByAccount: make(map[string]string),
		entryByKey:      make(map[string]int),
		games:           make(map[string]*model.Game),
		catalogs:        make(map[string][]model.PrizeCatalogEntry),
		catalogChanges:  make(map[string][]model.CatalogChange),
		rounds:          make(map[string]*model.GameRound),
		deposits:        make(map[string][]model.DepositEvent),
		affiliates:      make(map[string]*model.Affiliate),
		partners:        make(map[string]*model.Partner),
		earningsKeys:    make(map[string]bool),
		conversions:     make(map[string]*model.CommissionConversion),
		conversionByKey: make(map[conversionKey]string),
	}
}

// --- Accounts and wallets ---

func (s *MemoryStore) CreateAccount(_ context.Context, acct *model.Account, wallet *model.Wallet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[acct.ID]; ok {
		return fmt.Errorf("account %s: %w", acct.ID, ErrConflict)
	}
	if _, ok := s.wallets[wallet.ID]; ok {
		return fmt.Errorf("wallet %s: %w", wallet.ID, ErrConflict)
	}

	a := *acct
	w := *wallet
	s.accounts[a.ID] = &a
	s.accountOrder = append(s.accountOrder, a.ID)
	s.wallets[w.ID] = &w
	s.walletOrder = append(s.walletOrder, w.ID)
	s.walletByAccount[a.ID] = w.ID
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, id string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	copy := *a
	return &copy, nil
}

func (s *MemoryStore) ListAccounts(_ context.Context) ([]model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Account, 0, len(s.accountOrder))
	for _, id := range s.accountOrder {
		out = append(out, *s.accounts[id])
	}
	return out, nil
}

func (s *MemoryStore) GetWallet(_ context.Context, id string) (*model.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.wallets[id]
	if !ok {
		return nil, fmt.Errorf("wallet %s: %w", id, ErrNotFound)
	}
	copy := *w
	return &copy, nil
}

func (s *MemoryStore) GetWalletByAccount(_ context.Context, accountID string) (*model.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.walletByAccount[accountID]
	if !ok {
		return nil, fmt.Errorf("wallet for account %s: %w", accountID, ErrNotFound)
	}
	copy := *s.wallets[id]
	return &copy, nil
}

func (s *MemoryStore) ListWallets(_ context.Context) ([]model.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Wallet, 0, len(s.walletOrder))
	for _, id := range s.walletOrder {
		out = append(out, *s.wallets[id])
	}
	return out, nil
}

// RemoveWallet drops a wallet without touching its account. It exists so
// tests can reproduce legacy data with accounts that lost their wallet.
func (s *MemoryStore) RemoveWallet(accountID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.walletByAccount[accountID]
	if !ok {
		return
	}
	delete(s.walletByAccount, accountID)
	delete(s.wallets, id)
	for i, wid := range s.walletOrder {
		if wid == id {
			s.walletOrder = append(s.walletOrder[:i], s.walletOrder[i+1:]...)
			break
		}
	}
}

// --- Ledger ---

func (s *MemoryStore) ApplyEntry(_ context.Context, entry *model.LedgerEntry) (*model.LedgerEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if i, ok := s.entryByKey[entry.IdempotencyKey]; ok {
		prior := s.ledger[i]
		return &prior, true, nil
	}

	w, ok := s.wallets[entry.WalletID]
	if !ok {
		return nil, false, fmt.Errorf("wallet %s: %w", entry.WalletID, ErrNotFound)
	}

	updated := *w
	stored := *entry
	if err := applyToWallet(&updated, &stored); err != nil {
		return nil, false, err
	}

	*w = updated
	s.ledger = append(s.ledger, stored)
	s.entryByKey[stored.IdempotencyKey] = len(s.ledger) - 1
	return &stored, false, nil
}

func (s *MemoryStore) GetEntryByKey(_ context.Context, key string) (*model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i, ok := s.entryByKey[key]
	if !ok {
		return nil, fmt.Errorf("ledger entry %s: %w", key, ErrNotFound)
	}
	e := s.ledger[i]
	return &e, nil
}

func (s *MemoryStore) GetLedgerEntriesByWallet(_ context.Context, walletID string) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var entries []model.LedgerEntry
	for _, e := range s.ledger {
		if e.WalletID == walletID {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

func (s *MemoryStore) GetLedgerEntriesByReason(_ context.Context, reason model.Reason) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var entries []model.LedgerEntry
	for _, e := range s.ledger {
		if e.Reason == reason {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

// InjectLedgerEntry appends an entry without touching the wallet. Only
// used to simulate drift between stored balances and history.
func (s *MemoryStore) InjectLedgerEntry(e model.LedgerEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ledger = append(s.ledger, e)
	s.entryByKey[e.IdempotencyKey] = len(s.ledger) - 1
}

// --- Games and catalogs ---

func (s *MemoryStore) CreateGame(_ context.Context, g *model.Game) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.games[g.ID]; ok {
		return fmt.Errorf("game %s: %w", g.ID, ErrConflict)
	}
	copy := *g
	s.games[g.ID] = &copy
	s.gameOrder = append(s.gameOrder, g.ID)
	return nil
}

func (s *MemoryStore) GetGame(_ context.Context, id string) (*model.Game, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.games[id]
	if !ok {
		return nil, fmt.Errorf("game %s: %w", id, ErrNotFound)
	}
	copy := *g
	return &copy, nil
}

func (s *MemoryStore) ListGames(_ context.Context) ([]model.Game, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	games := make([]model.Game, 0, len(s.gameOrder))
	for _, id := range s.gameOrder {
		games = append(games, *s.games[id])
	}
	return games, nil
}

func (s *MemoryStore) ReplaceCatalog(_ context.Context, gameID string, entries []model.PrizeCatalogEntry, change *model.CatalogChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.games[gameID]; !ok {
		return fmt.Errorf("game %s: %w", gameID, ErrNotFound)
	}
	catalog := append([]model.PrizeCatalogEntry(nil), entries...)
	sort.SliceStable(catalog, func(i, j int) bool { return catalog[i].DisplayOrder < catalog[j].DisplayOrder })
	s.catalogs[gameID] = catalog
	if change != nil {
		s.catalogChanges[gameID] = append(s.catalogChanges[gameID], *change)
	}
	return nil
}

func (s *MemoryStore) GetCatalog(_ context.Context, gameID string) ([]model.PrizeCatalogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.games[gameID]; !ok {
		return nil, fmt.Errorf("game %s: %w", gameID, ErrNotFound)
	}
	return append([]model.PrizeCatalogEntry(nil), s.catalogs[gameID]...), nil
}

func (s *MemoryStore) ListCatalogChanges(_ context.Context, gameID string) ([]model.CatalogChange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]model.CatalogChange(nil), s.catalogChanges[gameID]...), nil
}

// --- Rounds ---

func (s *MemoryStore) CreateRound(_ context.Context, r *model.GameRound) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rounds[r.ID]; ok {
		return fmt.Errorf("round %s: %w", r.ID, ErrConflict)
	}
	s.rounds[r.ID] = copyRound(r)
	return nil
}

func (s *MemoryStore) GetRound(_ context.Context, id string) (*model.GameRound, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rounds[id]
	if !ok {
		return nil, fmt.Errorf("round %s: %w", id, ErrNotFound)
	}
	return copyRound(r), nil
}

func (s *MemoryStore) AdvanceRound(_ context.Context, r *model.GameRound) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.rounds[r.ID]
	if !ok {
		return fmt.Errorf("round %s: %w", r.ID, ErrNotFound)
	}
	if r.Status.Rank() < existing.Status.Rank() {
		return fmt.Errorf("round %s %s -> %s: %w", r.ID, existing.Status, r.Status, ErrInvalidTransition)
	}
	s.rounds[r.ID] = copyRound(r)
	return nil
}

func copyRound(r *model.GameRound) *model.GameRound {
	c := *r
	if r.Outcome != nil {
		o := *r.Outcome
		c.Outcome = &o
	}
	if r.SettledAt != nil {
		t := *r.SettledAt
		c.SettledAt = &t
	}
	return &c
}

// --- Deposits ---

func (s *MemoryStore) RecordDepositEvent(_ context.Context, ev *model.DepositEvent) (model.DepositStatus, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	history := s.deposits[ev.ID]
	if len(history) == 0 {
		s.deposits[ev.ID] = []model.DepositEvent{*ev}
		return "", true, nil
	}

	first, last := history[0], history[len(history)-1]
	if first.AccountID != ev.AccountID {
		return last.Status, false, fmt.Errorf("deposit %s belongs to account %s: %w", ev.ID, first.AccountID, ErrConflict)
	}
	if last.Status == ev.Status {
		return last.Status, false, nil
	}
	if !last.Status.CanTransition(ev.Status) {
		return last.Status, false, fmt.Errorf("deposit %s %s -> %s: %w", ev.ID, last.Status, ev.Status, ErrInvalidTransition)
	}

	next := *ev
	next.Amount = first.Amount
	s.deposits[ev.ID] = append(history, next)
	return last.Status, true, nil
}

func (s *MemoryStore) GetDepositEvent(_ context.Context, id string) (*model.DepositEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.deposits[id]
	if len(history) == 0 {
		return nil, fmt.Errorf("deposit %s: %w", id, ErrNotFound)
	}
	ev := history[len(history)-1]
	return &ev, nil
}

func (s *MemoryStore) GetDepositHistory(_ context.Context, id string) ([]model.DepositEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]model.DepositEvent(nil), s.deposits[id]...), nil
}

// --- Referral configuration ---

func (s *MemoryStore) UpsertAffiliate(_ context.Context, a *model.Affiliate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *a
	if existing, ok := s.affiliates[a.AccountID]; ok {
		copy.ApprovedEarnings = existing.ApprovedEarnings
	}
	s.affiliates[a.AccountID] = &copy
	return nil
}

func (s *MemoryStore) GetAffiliate(_ context.Context, accountID string) (*model.Affiliate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.affiliates[accountID]
	if !ok {
		return nil, fmt.Errorf("affiliate %s: %w", accountID, ErrNotFound)
	}
	copy := *a
	return &copy, nil
}

func (s *MemoryStore) UpsertPartner(_ context.Context, p *model.Partner) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *p
	if existing, ok := s.partners[p.AccountID]; ok {
		copy.ApprovedEarnings = existing.ApprovedEarnings
	}
	s.partners[p.AccountID] = &copy
	return nil
}

func (s *MemoryStore) GetPartner(_ context.Context, accountID string) (*model.Partner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.partners[accountID]
	if !ok {
		return nil, fmt.Errorf("partner %s: %w", accountID, ErrNotFound)
	}
	copy := *p
	return &copy, nil
}

func (s *MemoryStore) AddEarnings(_ context.Context, bt model.BeneficiaryType, id, key string, delta decimal.Decimal) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total *decimal.Decimal
	switch bt {
	case model.BeneficiaryAffiliate:
		a, ok := s.affiliates[id]
		if !ok {
			return decimal.Zero, fmt.Errorf("affiliate %s: %w", id, ErrNotFound)
		}
		total = &a.ApprovedEarnings
	case model.BeneficiaryPartner:
		p, ok := s.partners[id]
		if !ok {
			return decimal.Zero, fmt.Errorf("partner %s: %w", id, ErrNotFound)
		}
		total = &p.ApprovedEarnings
	default:
		return decimal.Zero, fmt.Errorf("unknown beneficiary type %q", bt)
	}

	if !s.earningsKeys[key] {
		*total = total.Add(delta)
		s.earningsKeys[key] = true
	}
	return *total, nil
}

func (s *MemoryStore) SetAffiliateTier(_ context.Context, accountID, tier string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.affiliates[accountID]
	if !ok {
		return fmt.Errorf("affiliate %s: %w", accountID, ErrNotFound)
	}
	a.Tier = tier
	return nil
}

func (s *MemoryStore) ListTiers(_ context.Context) ([]model.ReferralTier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]model.ReferralTier(nil), s.tiers...), nil
}

func (s *MemoryStore) ReplaceTiers(_ context.Context, tiers []model.ReferralTier) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sorted := append([]model.ReferralTier(nil), tiers...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].MinEarnings.LessThan(sorted[j].MinEarnings) })
	s.tiers = sorted
	return nil
}

// --- Commission conversions ---

func (s *MemoryStore) InsertConversion(_ context.Context, c *model.CommissionConversion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := conversionKey{c.DepositEventID, c.BeneficiaryID, c.BeneficiaryType}
	if _, ok := s.conversionByKey[key]; ok {
		return fmt.Errorf("conversion %s/%s/%s: %w", c.DepositEventID, c.BeneficiaryID, c.BeneficiaryType, ErrConflict)
	}
	copy := *c
	s.conversions[c.ID] = &copy
	s.conversionOrder = append(s.conversionOrder, c.ID)
	s.conversionByKey[key] = c.ID
	return nil
}

// InjectConversion stores a conversion bypassing the uniqueness rule.
// Only used to reproduce legacy duplicates in audit tests.
func (s *MemoryStore) InjectConversion(c model.CommissionConversion) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.conversions[c.ID] = &c
	s.conversionOrder = append(s.conversionOrder, c.ID)
}

func (s *MemoryStore) GetConversion(_ context.Context, depositEventID, beneficiaryID string, bt model.BeneficiaryType) (*model.CommissionConversion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.conversionByKey[conversionKey{depositEventID, beneficiaryID, bt}]
	if !ok {
		return nil, fmt.Errorf("conversion %s/%s/%s: %w", depositEventID, beneficiaryID, bt, ErrNotFound)
	}
	copy := *s.conversions[id]
	return &copy, nil
}

func (s *MemoryStore) TransitionConversion(_ context.Context, id string, from, to model.ConversionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversions[id]
	if !ok {
		return fmt.Errorf("conversion %s: %w", id, ErrNotFound)
	}
	if c.Status != from || !from.CanTransition(to) {
		return fmt.Errorf("conversion %s %s -> %s: %w", id, c.Status, to, ErrInvalidTransition)
	}
	c.Status = to
	c.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) SetConversionReversal(_ context.Context, id string, state model.ReversalState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversions[id]
	if !ok {
		return fmt.Errorf("conversion %s: %w", id, ErrNotFound)
	}
	c.Reversal = state
	c.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) ListConversionsByDeposit(_ context.Context, depositEventID string) ([]model.CommissionConversion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.CommissionConversion
	for _, id := range s.conversionOrder {
		if c := s.conversions[id]; c.DepositEventID == depositEventID {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListConversions(_ context.Context) ([]model.CommissionConversion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.CommissionConversion, 0, len(s.conversionOrder))
	for _, id := range s.conversionOrder {
		out = append(out, *s.conversions[id])
	}
	return out, nil
}
