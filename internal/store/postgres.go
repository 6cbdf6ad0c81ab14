package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/mirror-engine/internal/model"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS kv_store (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS mirrored_trades (
	id                TEXT PRIMARY KEY,
	contract_id       TEXT NOT NULL,
	trader_id         TEXT NOT NULL,
	symbol            TEXT NOT NULL,
	trade_type        TEXT NOT NULL,
	buy_price         NUMERIC NOT NULL,
	current_price     NUMERIC NOT NULL,
	profit_loss       NUMERIC NOT NULL,
	payout            NUMERIC NOT NULL,
	status            TEXT NOT NULL,
	mirrored_to_count INTEGER NOT NULL,
	target_count      INTEGER NOT NULL,
	outcomes          JSONB NOT NULL DEFAULT '[]',
	timestamp         TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS mirrored_trades_timestamp_idx ON mirrored_trades (timestamp DESC);
`

// PostgresStore implements Store using PostgreSQL.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool   *pgxpool.Pool
	sealer Sealer
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool, sealer Sealer) *PostgresStore {
	return &PostgresStore{pool: pool, sealer: sealer}
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("migrate postgres: %w", err)
	}
	return nil
}

func (s *PostgresStore) LoadAccounts(ctx context.Context) ([]model.LinkedAccount, error) {
	var value string
	err := s.pool.QueryRow(ctx, `SELECT value FROM kv_store WHERE key = $1`, AccountsKey).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return []model.LinkedAccount{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load accounts: %w", err)
	}
	return decodeAccounts(s.sealer, []byte(value))
}

func (s *PostgresStore) SaveAccounts(ctx context.Context, accounts []model.LinkedAccount) error {
	data, err := encodeAccounts(s.sealer, accounts)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO kv_store (key, value, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		AccountsKey, string(data),
	)
	if err != nil {
		return fmt.Errorf("save accounts: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveTrade(ctx context.Context, t *model.MirroredTrade) error {
	outcomes, err := json.Marshal(t.Outcomes)
	if err != nil {
		return fmt.Errorf("encode outcomes: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO mirrored_trades (id, contract_id, trader_id, symbol, trade_type,
		        buy_price, current_price, profit_loss, payout, status,
		        mirrored_to_count, target_count, outcomes, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10, $11, $12, $13::JSONB, $14)
		 ON CONFLICT (id) DO UPDATE SET
		        current_price = EXCLUDED.current_price,
		        profit_loss = EXCLUDED.profit_loss,
		        payout = EXCLUDED.payout,
		        status = EXCLUDED.status`,
		t.ID, t.ContractID, t.TraderID, t.Symbol, t.TradeType,
		t.BuyPrice.String(), t.CurrentPrice.String(), t.ProfitLoss.String(), t.Payout.String(),
		string(t.Status), t.MirroredToCount, t.TargetCount, string(outcomes), t.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("save trade %s: %w", t.ID, err)
	}
	return nil
}

const tradeColumns = `id, contract_id, trader_id, symbol, trade_type,
		        buy_price::TEXT, current_price::TEXT, profit_loss::TEXT, payout::TEXT,
		        status, mirrored_to_count, target_count, outcomes::TEXT, timestamp`

func (s *PostgresStore) GetTrade(ctx context.Context, id string) (*model.MirroredTrade, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+tradeColumns+` FROM mirrored_trades WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("get trade %s: %w", id, err)
	}
	defer rows.Close()

	trades, err := scanTrades(rows)
	if err != nil {
		return nil, err
	}
	if len(trades) == 0 {
		return nil, fmt.Errorf("trade %s: %w", id, ErrNotFound)
	}
	return &trades[0], nil
}

func (s *PostgresStore) ListTrades(ctx context.Context, limit int) ([]model.MirroredTrade, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeColumns+` FROM mirrored_trades ORDER BY timestamp DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTrades(rows)
}

// rowScanner is the subset of pgx.Rows and sql.Rows used by scanTrades.
type rowScanner interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanTrades(rows rowScanner) ([]model.MirroredTrade, error) {
	trades := []model.MirroredTrade{}
	for rows.Next() {
		var t model.MirroredTrade
		var status, outcomes string
		var buyS, curS, plS, payoutS string

		if err := rows.Scan(&t.ID, &t.ContractID, &t.TraderID, &t.Symbol, &t.TradeType,
			&buyS, &curS, &plS, &payoutS,
			&status, &t.MirroredToCount, &t.TargetCount, &outcomes, &t.Timestamp); err != nil {
			return nil, err
		}

		t.Status = model.TradeStatus(status)
		t.BuyPrice, _ = decimal.NewFromString(buyS)
		t.CurrentPrice, _ = decimal.NewFromString(curS)
		t.ProfitLoss, _ = decimal.NewFromString(plS)
		t.Payout, _ = decimal.NewFromString(payoutS)
		if outcomes != "" {
			if err := json.Unmarshal([]byte(outcomes), &t.Outcomes); err != nil {
				return nil, fmt.Errorf("decode outcomes for %s: %w", t.ID, err)
			}
		}

		trades = append(trades, t)
	}
	return trades, rows.Err()
}
