package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/scratchwin/scratch-engine/internal/ledger"
	"github.com/scratchwin/scratch-engine/internal/model"
	"github.com/scratchwin/scratch-engine/internal/store"
)

func newCached(t *testing.T) (*store.CachedStore, *store.MemoryStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	ms := store.NewMemoryStore()
	return store.NewCachedStore(ms, rdb, time.Minute), ms, mr
}

func TestCachedStore_WalletInvalidatedByEntry(t *testing.T) {
	cs, _, mr := newCached(t)
	ctx := context.Background()
	l := ledger.New(cs)

	_, w, err := l.OpenAccount(ctx, model.Account{ID: "player-1", Role: model.RolePlayer})
	require.NoError(t, err)
	require.True(t, mr.Exists("account-wallet:player-1"))

	got, err := cs.GetWalletByAccount(ctx, "player-1")
	require.NoError(t, err)
	require.True(t, got.RealBalance.IsZero())
	require.True(t, mr.Exists("wallet:"+w.ID))

	_, err = l.Apply(ctx, w.ID, model.PoolReal, decimal.NewFromInt(25), "seed", model.ReasonAdjustment)
	require.NoError(t, err)
	require.False(t, mr.Exists("wallet:"+w.ID), "a new entry drops the cached wallet")

	got, err = cs.GetWalletByAccount(ctx, "player-1")
	require.NoError(t, err)
	require.True(t, got.RealBalance.Equal(decimal.NewFromInt(25)))
}

func TestCachedStore_ServesFromCache(t *testing.T) {
	cs, _, mr := newCached(t)
	ctx := context.Background()

	require.NoError(t, cs.CreateGame(ctx, &model.Game{ID: "lucky-7", Name: "Lucky 7", StakeAmount: decimal.NewFromInt(10), Active: true}))
	require.True(t, mr.Exists("game:lucky-7"))

	// A stale cached copy wins until it expires.
	require.NoError(t, mr.Set("game:lucky-7", `{"id":"lucky-7","name":"Cached","stake_amount":"10","active":true}`))
	mr.SetTTL("game:lucky-7", time.Minute)

	g, err := cs.GetGame(ctx, "lucky-7")
	require.NoError(t, err)
	require.Equal(t, "Cached", g.Name)

	mr.FastForward(2 * time.Minute)
	g, err = cs.GetGame(ctx, "lucky-7")
	require.NoError(t, err)
	require.Equal(t, "Lucky 7", g.Name)
}

func TestCachedStore_AffiliateEarningsInvalidate(t *testing.T) {
	cs, _, _ := newCached(t)
	ctx := context.Background()

	require.NoError(t, cs.UpsertAffiliate(ctx, &model.Affiliate{AccountID: "aff-1", CommissionType: model.CommissionPercentage, Tier: "bronze", Active: true}))
	a, err := cs.GetAffiliate(ctx, "aff-1")
	require.NoError(t, err)
	require.True(t, a.ApprovedEarnings.IsZero())

	_, err = cs.AddEarnings(ctx, model.BeneficiaryAffiliate, "aff-1", "dep-1:aff-1:affiliate", decimal.NewFromInt(40))
	require.NoError(t, err)
	require.NoError(t, cs.SetAffiliateTier(ctx, "aff-1", "silver"))

	a, err = cs.GetAffiliate(ctx, "aff-1")
	require.NoError(t, err)
	require.True(t, a.ApprovedEarnings.Equal(decimal.NewFromInt(40)))
	require.Equal(t, "silver", a.Tier)
}

func TestCachedStore_MissIsNotCached(t *testing.T) {
	cs, _, mr := newCached(t)

	_, err := cs.GetGame(context.Background(), "nope")
	require.ErrorIs(t, err, store.ErrNotFound)
	require.False(t, mr.Exists("game:nope"))
}
