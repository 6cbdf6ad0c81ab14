package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/atmx/mirror-engine/internal/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS kv_store (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS mirrored_trades (
	id          TEXT PRIMARY KEY,
	contract_id TEXT NOT NULL,
	status      TEXT NOT NULL,
	ts          INTEGER NOT NULL,
	data        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS mirrored_trades_ts_idx ON mirrored_trades (ts DESC);
`

// SQLiteStore is the default local backend: a key-value table holding the
// sealed account list and a trade table holding JSON documents.
type SQLiteStore struct {
	db     *sql.DB
	sealer Sealer
}

// OpenSQLite opens (and creates if needed) the database at path and applies
// the schema.
func OpenSQLite(ctx context.Context, path string, sealer Sealer) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("store: sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return &SQLiteStore{db: db, sealer: sealer}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) get(ctx context.Context, key string) ([]byte, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv_store WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return []byte(value), nil
}

func (s *SQLiteStore) put(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv_store (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, string(value), time.Now().UnixMilli(),
	)
	return err
}

func (s *SQLiteStore) LoadAccounts(ctx context.Context) ([]model.LinkedAccount, error) {
	data, err := s.get(ctx, AccountsKey)
	if err != nil {
		return nil, fmt.Errorf("load accounts: %w", err)
	}
	return decodeAccounts(s.sealer, data)
}

func (s *SQLiteStore) SaveAccounts(ctx context.Context, accounts []model.LinkedAccount) error {
	data, err := encodeAccounts(s.sealer, accounts)
	if err != nil {
		return err
	}
	if err := s.put(ctx, AccountsKey, data); err != nil {
		return fmt.Errorf("save accounts: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SaveTrade(ctx context.Context, t *model.MirroredTrade) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode trade: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO mirrored_trades (id, contract_id, status, ts, data) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET status = excluded.status, data = excluded.data`,
		t.ID, t.ContractID, string(t.Status), t.Timestamp.UnixNano(), string(data),
	)
	if err != nil {
		return fmt.Errorf("save trade %s: %w", t.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetTrade(ctx context.Context, id string) (*model.MirroredTrade, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM mirrored_trades WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("trade %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get trade %s: %w", id, err)
	}
	var t model.MirroredTrade
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		return nil, fmt.Errorf("decode trade %s: %w", id, err)
	}
	return &t, nil
}

func (s *SQLiteStore) ListTrades(ctx context.Context, limit int) ([]model.MirroredTrade, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM mirrored_trades ORDER BY ts DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	trades := []model.MirroredTrade{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var t model.MirroredTrade
		if err := json.Unmarshal([]byte(data), &t); err != nil {
			return nil, fmt.Errorf("decode trade: %w", err)
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}
