package copytrade

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/atmx/mirror-engine/internal/deriv"
	"github.com/atmx/mirror-engine/internal/model"
	"github.com/atmx/mirror-engine/internal/session"
)

// Conn is a per-follower connection to the copy service.
type Conn interface {
	Authorize(ctx context.Context, token string) (*deriv.Authorization, error)
	CopyStart(ctx context.Context, traderID string) error
	CopyStop(ctx context.Context, traderID string) error
	Close() error
}

// Dialer opens a fresh connection.
type Dialer func(ctx context.Context) (Conn, error)

// Accounts supplies the followers a trader is copied onto.
type Accounts interface {
	ListActive() []model.LinkedAccount
}

// Streamer starts and stops backend-side copying of a trader for every
// active linked account. It satisfies session.Streamer.
type Streamer struct {
	dial     Dialer
	accounts Accounts
}

// NewStreamer creates a streamer dialing one connection per follower.
func NewStreamer(dial Dialer, accounts Accounts) *Streamer {
	return &Streamer{dial: dial, accounts: accounts}
}

type follower struct {
	accountID string
	conn      Conn
}

// Open starts copying traderID on every active account. If any follower
// fails, the ones already started are stopped again.
func (s *Streamer) Open(ctx context.Context, traderID string) (session.Handle, error) {
	targets := s.accounts.ListActive()
	if len(targets) == 0 {
		return nil, session.ErrNoLinkedAccounts
	}

	h := &copyHandle{traderID: traderID}
	for _, acct := range targets {
		f, err := s.start(ctx, traderID, acct)
		if err != nil {
			h.Close()
			return nil, fmt.Errorf("copy %s onto %s: %w", traderID, acct.AccountID, err)
		}
		h.followers = append(h.followers, f)
	}
	slog.Info("copy service started", "trader_id", traderID, "followers", len(h.followers))
	return h, nil
}

func (s *Streamer) start(ctx context.Context, traderID string, acct model.LinkedAccount) (follower, error) {
	conn, err := s.dial(ctx)
	if err != nil {
		return follower{}, fmt.Errorf("dial: %w", err)
	}
	if _, err := conn.Authorize(ctx, acct.Token); err != nil {
		conn.Close()
		return follower{}, fmt.Errorf("authorize: %w", err)
	}
	if err := conn.CopyStart(ctx, traderID); err != nil {
		conn.Close()
		return follower{}, err
	}
	return follower{accountID: acct.AccountID, conn: conn}, nil
}

type copyHandle struct {
	traderID  string
	followers []follower
	once      sync.Once
}

// Close stops copying on every follower and releases its connection.
func (h *copyHandle) Close() {
	h.once.Do(func() {
		for _, f := range h.followers {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := f.conn.CopyStop(ctx, h.traderID); err != nil {
				slog.Warn("copy stop failed", "trader_id", h.traderID, "account_id", f.accountID, "err", err)
			}
			cancel()
			f.conn.Close()
		}
	})
}
