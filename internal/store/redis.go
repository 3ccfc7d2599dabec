package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/scratchwin/scratch-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary. Concurrent misses for the
// same key share one primary read.
//
// Balances are never read from the cache inside a mutation: ApplyEntry always
// goes to the primary, which owns the floor check.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
	group   singleflight.Group
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateAccount(ctx context.Context, acct *model.Account, wallet *model.Wallet) error {
	if err := s.primary.CreateAccount(ctx, acct, wallet); err != nil {
		return err
	}
	s.rdb.Set(ctx, accountWalletKey(acct.ID), wallet.ID, s.ttl)
	return nil
}

func (s *CachedStore) ApplyEntry(ctx context.Context, entry *model.LedgerEntry) (*model.LedgerEntry, bool, error) {
	stored, dup, err := s.primary.ApplyEntry(ctx, entry)
	if err != nil {
		return nil, false, err
	}
	if !dup {
		s.rdb.Del(ctx, walletKey(entry.WalletID))
	}
	return stored, dup, nil
}

func (s *CachedStore) CreateGame(ctx context.Context, g *model.Game) error {
	if err := s.primary.CreateGame(ctx, g); err != nil {
		return err
	}
	s.cacheJSON(ctx, gameKey(g.ID), g)
	return nil
}

func (s *CachedStore) ReplaceCatalog(ctx context.Context, gameID string, entries []model.PrizeCatalogEntry, change *model.CatalogChange) error {
	if err := s.primary.ReplaceCatalog(ctx, gameID, entries, change); err != nil {
		return err
	}
	s.rdb.Del(ctx, catalogKey(gameID))
	return nil
}

func (s *CachedStore) UpsertAffiliate(ctx context.Context, a *model.Affiliate) error {
	if err := s.primary.UpsertAffiliate(ctx, a); err != nil {
		return err
	}
	s.rdb.Del(ctx, affiliateKey(a.AccountID))
	return nil
}

func (s *CachedStore) UpsertPartner(ctx context.Context, p *model.Partner) error {
	if err := s.primary.UpsertPartner(ctx, p); err != nil {
		return err
	}
	s.rdb.Del(ctx, partnerKey(p.AccountID))
	return nil
}

func (s *CachedStore) AddEarnings(ctx context.Context, bt model.BeneficiaryType, id, key string, delta decimal.Decimal) (decimal.Decimal, error) {
	total, err := s.primary.AddEarnings(ctx, bt, id, key, delta)
	if err != nil {
		return total, err
	}
	if bt == model.BeneficiaryAffiliate {
		s.rdb.Del(ctx, affiliateKey(id))
	} else {
		s.rdb.Del(ctx, partnerKey(id))
	}
	return total, nil
}

func (s *CachedStore) SetAffiliateTier(ctx context.Context, accountID, tier string) error {
	if err := s.primary.SetAffiliateTier(ctx, accountID, tier); err != nil {
		return err
	}
	s.rdb.Del(ctx, affiliateKey(accountID))
	return nil
}

func (s *CachedStore) ReplaceTiers(ctx context.Context, tiers []model.ReferralTier) error {
	if err := s.primary.ReplaceTiers(ctx, tiers); err != nil {
		return err
	}
	s.rdb.Del(ctx, tiersKey)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetWallet(ctx context.Context, id string) (*model.Wallet, error) {
	var w model.Wallet
	err := s.readThrough(ctx, walletKey(id), &w, func() (any, error) {
		return s.primary.GetWallet(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *CachedStore) GetWalletByAccount(ctx context.Context, accountID string) (*model.Wallet, error) {
	// Try cache via account→walletID mapping.
	walletID, err := s.rdb.Get(ctx, accountWalletKey(accountID)).Result()
	if err == nil {
		return s.GetWallet(ctx, walletID)
	}

	// Cache miss.
	w, err := s.primary.GetWalletByAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	// Cache both the wallet and the account→ID mapping.
	s.cacheJSON(ctx, walletKey(w.ID), w)
	s.rdb.Set(ctx, accountWalletKey(accountID), w.ID, s.ttl)
	return w, nil
}

func (s *CachedStore) GetGame(ctx context.Context, id string) (*model.Game, error) {
	var g model.Game
	err := s.readThrough(ctx, gameKey(id), &g, func() (any, error) {
		return s.primary.GetGame(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *CachedStore) GetCatalog(ctx context.Context, gameID string) ([]model.PrizeCatalogEntry, error) {
	var entries []model.PrizeCatalogEntry
	err := s.readThrough(ctx, catalogKey(gameID), &entries, func() (any, error) {
		return s.primary.GetCatalog(ctx, gameID)
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *CachedStore) GetAffiliate(ctx context.Context, accountID string) (*model.Affiliate, error) {
	var a model.Affiliate
	err := s.readThrough(ctx, affiliateKey(accountID), &a, func() (any, error) {
		return s.primary.GetAffiliate(ctx, accountID)
	})
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *CachedStore) GetPartner(ctx context.Context, accountID string) (*model.Partner, error) {
	var p model.Partner
	err := s.readThrough(ctx, partnerKey(accountID), &p, func() (any, error) {
		return s.primary.GetPartner(ctx, accountID)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *CachedStore) ListTiers(ctx context.Context) ([]model.ReferralTier, error) {
	var tiers []model.ReferralTier
	err := s.readThrough(ctx, tiersKey, &tiers, func() (any, error) {
		return s.primary.ListTiers(ctx)
	})
	if err != nil {
		return nil, err
	}
	return tiers, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	return s.primary.GetAccount(ctx, id)
}

func (s *CachedStore) ListAccounts(ctx context.Context) ([]model.Account, error) {
	return s.primary.ListAccounts(ctx)
}

func (s *CachedStore) ListWallets(ctx context.Context) ([]model.Wallet, error) {
	return s.primary.ListWallets(ctx)
}

func (s *CachedStore) GetEntryByKey(ctx context.Context, key string) (*model.LedgerEntry, error) {
	return s.primary.GetEntryByKey(ctx, key)
}

func (s *CachedStore) GetLedgerEntriesByWallet(ctx context.Context, walletID string) ([]model.LedgerEntry, error) {
	return s.primary.GetLedgerEntriesByWallet(ctx, walletID)
}

func (s *CachedStore) GetLedgerEntriesByReason(ctx context.Context, reason model.Reason) ([]model.LedgerEntry, error) {
	return s.primary.GetLedgerEntriesByReason(ctx, reason)
}

func (s *CachedStore) ListGames(ctx context.Context) ([]model.Game, error) {
	return s.primary.ListGames(ctx)
}

func (s *CachedStore) ListCatalogChanges(ctx context.Context, gameID string) ([]model.CatalogChange, error) {
	return s.primary.ListCatalogChanges(ctx, gameID)
}

func (s *CachedStore) CreateRound(ctx context.Context, r *model.GameRound) error {
	return s.primary.CreateRound(ctx, r)
}

func (s *CachedStore) GetRound(ctx context.Context, id string) (*model.GameRound, error) {
	return s.primary.GetRound(ctx, id)
}

func (s *CachedStore) AdvanceRound(ctx context.Context, r *model.GameRound) error {
	return s.primary.AdvanceRound(ctx, r)
}

func (s *CachedStore) RecordDepositEvent(ctx context.Context, ev *model.DepositEvent) (model.DepositStatus, bool, error) {
	return s.primary.RecordDepositEvent(ctx, ev)
}

func (s *CachedStore) GetDepositEvent(ctx context.Context, id string) (*model.DepositEvent, error) {
	return s.primary.GetDepositEvent(ctx, id)
}

func (s *CachedStore) GetDepositHistory(ctx context.Context, id string) ([]model.DepositEvent, error) {
	return s.primary.GetDepositHistory(ctx, id)
}

func (s *CachedStore) InsertConversion(ctx context.Context, c *model.CommissionConversion) error {
	return s.primary.InsertConversion(ctx, c)
}

func (s *CachedStore) GetConversion(ctx context.Context, depositEventID, beneficiaryID string, bt model.BeneficiaryType) (*model.CommissionConversion, error) {
	return s.primary.GetConversion(ctx, depositEventID, beneficiaryID, bt)
}

func (s *CachedStore) TransitionConversion(ctx context.Context, id string, from, to model.ConversionStatus) error {
	return s.primary.TransitionConversion(ctx, id, from, to)
}

func (s *CachedStore) SetConversionReversal(ctx context.Context, id string, state model.ReversalState) error {
	return s.primary.SetConversionReversal(ctx, id, state)
}

func (s *CachedStore) ListConversionsByDeposit(ctx context.Context, depositEventID string) ([]model.CommissionConversion, error) {
	return s.primary.ListConversionsByDeposit(ctx, depositEventID)
}

func (s *CachedStore) ListConversions(ctx context.Context) ([]model.CommissionConversion, error) {
	return s.primary.ListConversions(ctx)
}

// --- Cache helpers ---

// readThrough decodes the cached value at key into dst, or loads it with
// load, caches it and decodes that instead.
func (s *CachedStore) readThrough(ctx context.Context, key string, dst any, load func() (any, error)) error {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil && json.Unmarshal(data, dst) == nil {
		return nil
	}

	v, err, _ := s.group.Do(key, func() (any, error) {
		val, err := load()
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(val)
		if err != nil {
			return nil, err
		}
		s.rdb.Set(ctx, key, data, s.ttl)
		return data, nil
	})
	if err != nil {
		return err
	}
	return json.Unmarshal(v.([]byte), dst)
}

func (s *CachedStore) cacheJSON(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

const tiersKey = "tiers"

func walletKey(id string) string        { return fmt.Sprintf("wallet:%s", id) }
func accountWalletKey(id string) string { return fmt.Sprintf("account-wallet:%s", id) }
func gameKey(id string) string          { return fmt.Sprintf("game:%s", id) }
func catalogKey(gameID string) string   { return fmt.Sprintf("catalog:%s", gameID) }
func affiliateKey(id string) string     { return fmt.Sprintf("affiliate:%s", id) }
func partnerKey(id string) string       { return fmt.Sprintf("partner:%s", id) }
