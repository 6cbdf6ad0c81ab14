package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/atmx/mirror-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Accounts go through the same sealed encoding as the durable backends.
type MemoryStore struct {
	mu     sync.RWMutex
	sealer Sealer
	kv     map[string][]byte
	trades map[string]model.MirroredTrade
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore(sealer Sealer) *MemoryStore {
	return &MemoryStore{
		sealer: sealer,
		kv:     make(map[string][]byte),
		trades: make(map[string]model.MirroredTrade),
	}
}

func (s *MemoryStore) LoadAccounts(_ context.Context) ([]model.LinkedAccount, error) {
	s.mu.RLock()
	data := s.kv[AccountsKey]
	s.mu.RUnlock()
	return decodeAccounts(s.sealer, data)
}

func (s *MemoryStore) SaveAccounts(_ context.Context, accounts []model.LinkedAccount) error {
	data, err := encodeAccounts(s.sealer, accounts)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kv[AccountsKey] = data
	return nil
}

// Raw returns the stored bytes under key.
func (s *MemoryStore) Raw(key string) []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]byte(nil), s.kv[key]...)
}

func (s *MemoryStore) SaveTrade(_ context.Context, t *model.MirroredTrade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *t
	cp.Outcomes = append([]model.AccountOutcome(nil), t.Outcomes...)
	s.trades[t.ID] = cp
	return nil
}

func (s *MemoryStore) GetTrade(_ context.Context, id string) (*model.MirroredTrade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.trades[id]
	if !ok {
		return nil, fmt.Errorf("trade %s: %w", id, ErrNotFound)
	}
	return &t, nil
}

func (s *MemoryStore) ListTrades(_ context.Context, limit int) ([]model.MirroredTrade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	trades := make([]model.MirroredTrade, 0, len(s.trades))
	for _, t := range s.trades {
		trades = append(trades, t)
	}
	sort.Slice(trades, func(i, j int) bool {
		return trades[i].Timestamp.After(trades[j].Timestamp)
	})
	if limit > 0 && len(trades) > limit {
		trades = trades[:limit]
	}
	return trades, nil
}
