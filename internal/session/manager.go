// Package session owns the copy-session lifecycle: none -> active on start,
// back to none on stop or when the session's stream dies. At most one
// session exists per trader scope.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/mirror-engine/internal/events"
	"github.com/atmx/mirror-engine/internal/metrics"
	"github.com/atmx/mirror-engine/internal/model"
)

var (
	ErrAlreadyActive    = errors.New("session: already active")
	ErrNotFound         = errors.New("session: not found")
	ErrNoLinkedAccounts = errors.New("session: no linked accounts")
)

// Handle is the stream backing a session. Close must be safe to call more
// than once and never fails from the caller's point of view.
type Handle interface {
	Close()
}

// Streamer opens the stream a session mirrors from.
type Streamer interface {
	Open(ctx context.Context, traderID string) (Handle, error)
}

// Accounts reports how many linked accounts can receive mirrored trades.
type Accounts interface {
	ActiveCount() int
}

// Stopped is the payload of a SessionStopped event.
type Stopped struct {
	Session model.CopySession `json:"session"`
	Reason  string            `json:"reason"`
}

type entry struct {
	session model.CopySession
	handle  Handle
	opening bool
	lost    error // stream died while opening
}

// Manager tracks live sessions. Safe for concurrent use.
type Manager struct {
	streamer Streamer
	accounts Accounts
	bus      *events.Bus

	mu       sync.Mutex
	sessions map[string]*entry
	now      func() time.Time
}

// NewManager creates a manager with no sessions.
func NewManager(streamer Streamer, accounts Accounts, bus *events.Bus) *Manager {
	return &Manager{
		streamer: streamer,
		accounts: accounts,
		bus:      bus,
		sessions: make(map[string]*entry),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Start creates a session for traderID and opens its stream. If the stream
// cannot be opened nothing is left behind.
func (m *Manager) Start(ctx context.Context, traderID string) (model.CopySession, error) {
	if traderID == "" {
		return model.CopySession{}, fmt.Errorf("%w: empty trader id", ErrNotFound)
	}

	m.mu.Lock()
	if _, ok := m.sessions[traderID]; ok {
		m.mu.Unlock()
		return model.CopySession{}, fmt.Errorf("%w: %s", ErrAlreadyActive, traderID)
	}
	if m.accounts.ActiveCount() == 0 {
		m.mu.Unlock()
		return model.CopySession{}, ErrNoLinkedAccounts
	}
	e := &entry{
		session: model.CopySession{
			ID:         uuid.New().String(),
			TraderID:   traderID,
			StartTime:  m.now(),
			ProfitLoss: decimal.Zero,
		},
		opening: true,
	}
	m.sessions[traderID] = e
	m.mu.Unlock()

	handle, err := m.streamer.Open(ctx, traderID)

	m.mu.Lock()
	var orphan Handle
	if err == nil && e.lost != nil {
		err = fmt.Errorf("stream lost while starting: %w", e.lost)
		orphan = handle
	}
	if err != nil {
		delete(m.sessions, traderID)
		m.mu.Unlock()
		// Closed outside m.mu: stream routing holds its own lock while
		// calling back into the manager.
		if orphan != nil {
			orphan.Close()
		}
		slog.Warn("session start failed", "trader_id", traderID, "err", err)
		return model.CopySession{}, fmt.Errorf("start session %s: %w", traderID, err)
	}
	e.handle = handle
	e.opening = false
	sess := e.session
	active := m.activeLocked()
	m.mu.Unlock()

	metrics.ActiveSessions.Set(float64(active))
	slog.Info("session started", "trader_id", traderID, "session_id", sess.ID)
	m.bus.Publish(events.SessionStarted, sess)
	return sess, nil
}

// Stop ends the session for traderID and releases its stream.
func (m *Manager) Stop(traderID string) error {
	m.mu.Lock()
	e, ok := m.sessions[traderID]
	if !ok || e.opening {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, traderID)
	}
	delete(m.sessions, traderID)
	active := m.activeLocked()
	m.mu.Unlock()

	e.handle.Close()
	m.stopped(e.session, "stopped", active)
	return nil
}

// End drops the sessions whose streams failed. Scopes without a session are
// ignored.
func (m *Manager) End(traderIDs []string, cause error) {
	for _, id := range traderIDs {
		m.mu.Lock()
		e, ok := m.sessions[id]
		if !ok {
			m.mu.Unlock()
			continue
		}
		if e.opening {
			e.lost = cause
			m.mu.Unlock()
			continue
		}
		delete(m.sessions, id)
		active := m.activeLocked()
		m.mu.Unlock()

		e.handle.Close()
		reason := "stream lost"
		if cause != nil {
			reason = cause.Error()
		}
		slog.Error("session ended by stream failure", "trader_id", id, "err", cause)
		m.stopped(e.session, reason, active)
	}
}

// StopAll ends every live session, used at shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id, e := range m.sessions {
		if !e.opening {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()
	for _, id := range ids {
		_ = m.Stop(id)
	}
}

// RecordTrade counts a mirrored trade against the trader's session.
func (m *Manager) RecordTrade(traderID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.sessions[traderID]; ok {
		e.session.CopiedTrades++
	}
}

// RecordProfit adds realized P/L to the trader's session.
func (m *Manager) RecordProfit(traderID string, pl decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.sessions[traderID]; ok {
		e.session.ProfitLoss = e.session.ProfitLoss.Add(pl)
	}
}

// Get returns the live session for traderID.
func (m *Manager) Get(traderID string) (model.CopySession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[traderID]
	if !ok || e.opening {
		return model.CopySession{}, false
	}
	return e.session, true
}

// List returns live sessions, oldest first.
func (m *Manager) List() []model.CopySession {
	m.mu.Lock()
	out := make([]model.CopySession, 0, len(m.sessions))
	for _, e := range m.sessions {
		if !e.opening {
			out = append(out, e.session)
		}
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeLocked()
}

func (m *Manager) activeLocked() int {
	n := 0
	for _, e := range m.sessions {
		if !e.opening {
			n++
		}
	}
	return n
}

func (m *Manager) stopped(sess model.CopySession, reason string, active int) {
	metrics.ActiveSessions.Set(float64(active))
	slog.Info("session stopped",
		"trader_id", sess.TraderID,
		"session_id", sess.ID,
		"copied_trades", sess.CopiedTrades,
		"profit_loss", sess.ProfitLoss.String(),
		"reason", reason,
	)
	m.bus.Publish(events.SessionStopped, Stopped{Session: sess, Reason: reason})
}
