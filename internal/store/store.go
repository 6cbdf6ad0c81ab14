// Package store defines persistence for linked accounts and mirrored trades.
// Implementations include SQLite (local key-value, default), PostgreSQL,
// Redis (read-through cache over either), and in-memory (for testing).
//
// Account tokens never reach a backend in clear text: the account list is
// serialized through a Sealer before it is written.
package store

import (
	"context"
	"errors"

	"github.com/atmx/mirror-engine/internal/model"
)

// AccountsKey is the fixed key the linked-account list is stored under.
const AccountsKey = "copy_trading_accounts"

var ErrNotFound = errors.New("store: not found")

// Sealer protects tokens at rest.
type Sealer interface {
	Seal(plaintext string) (string, error)
	Open(sealed string) (string, error)
}

// AccountStore persists the linked-account list as a whole.
type AccountStore interface {
	// LoadAccounts returns the persisted accounts, or an empty list.
	LoadAccounts(ctx context.Context) ([]model.LinkedAccount, error)

	// SaveAccounts replaces the persisted list.
	SaveAccounts(ctx context.Context, accounts []model.LinkedAccount) error
}

// TradeStore persists mirrored trade records.
type TradeStore interface {
	// SaveTrade inserts or updates a trade by ID.
	SaveTrade(ctx context.Context, trade *model.MirroredTrade) error

	// GetTrade returns a trade by ID.
	GetTrade(ctx context.Context, id string) (*model.MirroredTrade, error)

	// ListTrades returns up to limit trades, newest first.
	ListTrades(ctx context.Context, limit int) ([]model.MirroredTrade, error)
}

// Store is the persistence interface used by the engine.
type Store interface {
	AccountStore
	TradeStore
}
