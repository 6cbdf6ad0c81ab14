package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/mirror-engine/internal/model"
)

// CachedStore wraps a primary Store with a Redis read-through cache. Writes
// go to the primary store and invalidate the cache; reads check Redis first
// then fall back to the primary.
//
// The account list is cached in its sealed form, never with clear tokens.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
	sealer  Sealer
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration, sealer Sealer) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
		sealer:  sealer,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) SaveAccounts(ctx context.Context, accounts []model.LinkedAccount) error {
	if err := s.primary.SaveAccounts(ctx, accounts); err != nil {
		return err
	}
	s.invalidate(ctx, accountsKey())
	return nil
}

func (s *CachedStore) SaveTrade(ctx context.Context, t *model.MirroredTrade) error {
	if err := s.primary.SaveTrade(ctx, t); err != nil {
		return err
	}
	s.invalidate(ctx, tradeKey(t.ID))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) LoadAccounts(ctx context.Context) ([]model.LinkedAccount, error) {
	data, err := s.rdb.Get(ctx, accountsKey()).Bytes()
	if err == nil {
		if accounts, err := decodeAccounts(s.sealer, data); err == nil {
			return accounts, nil
		}
	}

	accounts, err := s.primary.LoadAccounts(ctx)
	if err != nil {
		return nil, err
	}

	// Cache the sealed encoding.
	if data, err := encodeAccounts(s.sealer, accounts); err == nil {
		s.rdb.Set(ctx, accountsKey(), data, s.ttl)
	}
	return accounts, nil
}

func (s *CachedStore) GetTrade(ctx context.Context, id string) (*model.MirroredTrade, error) {
	data, err := s.rdb.Get(ctx, tradeKey(id)).Bytes()
	if err == nil {
		var t model.MirroredTrade
		if json.Unmarshal(data, &t) == nil {
			return &t, nil
		}
	}

	t, err := s.primary.GetTrade(ctx, id)
	if err != nil {
		return nil, err
	}

	// Only settled trades are frozen; active ones change on every tick.
	if t.Settled() {
		if data, err := json.Marshal(t); err == nil {
			s.rdb.Set(ctx, tradeKey(id), data, s.ttl)
		}
	}
	return t, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListTrades(ctx context.Context, limit int) ([]model.MirroredTrade, error) {
	return s.primary.ListTrades(ctx, limit)
}

// --- Cache helpers ---

func (s *CachedStore) invalidate(ctx context.Context, key string) {
	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		slog.Warn("cache invalidation failed", "key", key, "err", err)
	}
}

func accountsKey() string        { return fmt.Sprintf("mirror:%s", AccountsKey) }
func tradeKey(id string) string { return fmt.Sprintf("mirror:trade:%s", id) }
