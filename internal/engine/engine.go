// Package engine assembles one mirroring engine instance: a master
// connection, the account registry, stream routing, fan-out execution,
// sessions and stats. Every dependency is passed in explicitly.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/atmx/mirror-engine/internal/copytrade"
	"github.com/atmx/mirror-engine/internal/deriv"
	"github.com/atmx/mirror-engine/internal/events"
	"github.com/atmx/mirror-engine/internal/metrics"
	"github.com/atmx/mirror-engine/internal/mirror"
	"github.com/atmx/mirror-engine/internal/model"
	"github.com/atmx/mirror-engine/internal/registry"
	"github.com/atmx/mirror-engine/internal/session"
	"github.com/atmx/mirror-engine/internal/stats"
	"github.com/atmx/mirror-engine/internal/store"
	"github.com/atmx/mirror-engine/internal/stream"
)

const (
	ModeMirror      = "mirror"
	ModeCopyTrading = "copytrading"
)

// maxWatched bounds the contract to session attribution table.
const maxWatched = 4096

var (
	ErrNoMasterToken = errors.New("engine: master token not configured")
	ErrUnknownMode   = errors.New("engine: unknown mirror mode")
)

// Conn is the master connection as the engine uses it.
type Conn interface {
	registry.Authorizer
	stream.Source
	mirror.Backend
	copytrade.Directory
}

// Config tunes an engine instance.
type Config struct {
	Mode         string
	MaxParallel  int
	RecentTrades int
	MasterToken  string
	// CopyDialer opens per-follower connections in copytrading mode.
	CopyDialer copytrade.Dialer
	// Validator authorizes linked-account tokens. It defaults to the master
	// connection; a separate connection keeps the master session intact.
	Validator registry.Authorizer
}

// Engine is one mirroring engine.
type Engine struct {
	cfg    Config
	conn   Conn
	bus    *events.Bus
	trades store.TradeStore

	Accounts   *registry.Registry
	Sessions   *session.Manager
	Subscriber *stream.Subscriber
	Executor   *mirror.Executor
	Stats      *stats.Aggregator
	Catalog    *copytrade.Catalog

	mirroring atomic.Bool
	master    atomic.Pointer[model.MasterAccount]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	saveMu sync.Mutex

	watchMu  sync.Mutex
	watchers map[string][]string // master contract id -> sessions that saw the buy
}

// New wires an engine over conn and st.
func New(conn Conn, st store.Store, bus *events.Bus, cfg Config) (*Engine, error) {
	if cfg.Mode == "" {
		cfg.Mode = ModeMirror
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 16
	}

	if cfg.Validator == nil {
		cfg.Validator = conn
	}

	e := &Engine{
		cfg:      cfg,
		conn:     conn,
		bus:      bus,
		trades:   st,
		Accounts: registry.New(cfg.Validator, st, bus),
		Stats:    stats.New(),
		Catalog:  copytrade.NewCatalog(conn),
		watchers: make(map[string][]string),
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.mirroring.Store(true)

	e.Executor = mirror.NewExecutor(conn, e.Accounts, mirror.NewBook(cfg.RecentTrades), cfg.MaxParallel, mirror.Hooks{
		OnTrade:   e.onTrade,
		OnReceipt: e.onReceipt,
	})
	e.Subscriber = stream.NewSubscriber(conn, e, e.onStreamLost)

	var streamer session.Streamer
	switch cfg.Mode {
	case ModeMirror:
		streamer = &mirrorStreamer{sub: e.Subscriber}
	case ModeCopyTrading:
		if cfg.CopyDialer == nil {
			return nil, fmt.Errorf("%w: copytrading mode needs a dialer", ErrUnknownMode)
		}
		streamer = copytrade.NewStreamer(cfg.CopyDialer, e.Accounts)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, cfg.Mode)
	}
	e.Sessions = session.NewManager(streamer, e.Accounts, bus)
	return e, nil
}

// Mode returns the configured mirror mode.
func (e *Engine) Mode() string { return e.cfg.Mode }

// Load restores persisted accounts, starts their validation and resolves
// the master account. Call it once before Run.
func (e *Engine) Load(ctx context.Context) error {
	if err := e.Accounts.Load(ctx); err != nil {
		return err
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.Accounts.ValidateAll(ctx); err != nil {
			slog.Warn("account validation interrupted", "err", err)
		}
		metrics.ActiveClients.Set(float64(e.Accounts.ConnectedCount()))
	}()

	if e.cfg.MasterToken != "" {
		if _, err := e.ResolveMaster(ctx); err != nil {
			slog.Error("master authorization failed", "err", err)
		}
	}
	return nil
}

// Run routes stream messages until ctx is done or the connection dies, then
// ends every session.
func (e *Engine) Run(ctx context.Context) error {
	e.Subscriber.Run(ctx)
	e.shutdown()

	if ctx.Err() != nil {
		return nil
	}
	if err := e.conn.Err(); err != nil {
		return fmt.Errorf("master connection lost: %w", err)
	}
	return deriv.ErrClosed
}

// shutdown ends all sessions and waits for dispatched work. In-flight buys
// run to completion.
func (e *Engine) shutdown() {
	e.Sessions.StopAll()
	e.cancel()
	e.wg.Wait()
}

// ResolveMaster authorizes the master token on the shared connection.
func (e *Engine) ResolveMaster(ctx context.Context) (model.MasterAccount, error) {
	if e.cfg.MasterToken == "" {
		return model.MasterAccount{}, ErrNoMasterToken
	}
	auth, err := e.conn.Authorize(ctx, e.cfg.MasterToken)
	if err != nil {
		return model.MasterAccount{}, fmt.Errorf("authorize master: %w", err)
	}
	m := model.MasterAccount{
		LoginID:     auth.LoginID,
		AccountType: model.AccountReal,
		Currency:    auth.Currency,
		Balance:     auth.Balance,
	}
	if auth.IsVirtual == 1 {
		m.AccountType = model.AccountDemo
	}
	e.master.Store(&m)
	slog.Info("master account authorized", "loginid", m.LoginID, "account_type", m.AccountType)
	return m, nil
}

// Master returns the master account resolved at start.
func (e *Engine) Master() (model.MasterAccount, bool) {
	m := e.master.Load()
	if m == nil {
		return model.MasterAccount{}, false
	}
	return *m, true
}

// SetMirroring pauses or resumes fan-out without touching sessions.
func (e *Engine) SetMirroring(enabled bool) {
	if e.mirroring.Swap(enabled) == enabled {
		return
	}
	slog.Info("mirroring toggled", "enabled", enabled)
	e.bus.Publish(events.MirrorModeChanged, map[string]bool{"enabled": enabled})
}

// Mirroring reports whether detected buys are mirrored.
func (e *Engine) Mirroring() bool { return e.mirroring.Load() }

// Snapshot returns the aggregate stats.
func (e *Engine) Snapshot() model.Stats {
	connected := e.Accounts.ConnectedCount()
	metrics.ActiveClients.Set(float64(connected))
	return e.Stats.Snapshot(connected)
}

// Trades returns recent mirrored trades, newest first. After a restart the
// book is empty and the store answers instead.
func (e *Engine) Trades(ctx context.Context, limit int) ([]model.MirroredTrade, error) {
	if recent := e.Executor.Book().Recent(limit); len(recent) > 0 || e.trades == nil {
		return recent, nil
	}
	return e.trades.ListTrades(ctx, limit)
}

// HandleTransaction counts every master transaction as a tick and mirrors
// buys. The fan-out runs off the routing goroutine. The trade belongs to the
// oldest watching session; every watcher is credited with it.
func (e *Engine) HandleTransaction(scopes []string, tx deriv.Transaction) {
	e.Stats.RecordTick()
	metrics.StreamEvents.WithLabelValues(string(stream.Transaction)).Inc()
	if tx.Action != "buy" || tx.ContractID == "" {
		return
	}
	if !e.mirroring.Load() {
		slog.Debug("mirroring paused, buy ignored", "trader_ids", scopes, "contract_id", tx.ContractID)
		return
	}

	cid := tx.ContractID.String()
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		owned := e.watch(cid, scopes)
		// Errors are logged by the executor.
		_, err := e.Executor.OnBuyDetected(e.ctx, scopes[0], cid)
		if err != nil && owned && !errors.Is(err, mirror.ErrDuplicateContract) {
			e.unwatch(cid)
		}
	}()
}

// HandlePortfolio refreshes active trades and books settlements.
func (e *Engine) HandlePortfolio(_ []string, contracts []deriv.PortfolioContract) {
	e.Stats.RecordTick()
	metrics.StreamEvents.WithLabelValues(string(stream.Portfolio)).Inc()

	for _, u := range e.Executor.Book().Apply(contracts) {
		if u.Settled {
			e.Stats.RecordSettlement(u.Trade)
			for _, s := range e.takeWatchers(u.Trade.ContractID, u.Trade.TraderID) {
				e.Sessions.RecordProfit(s, u.Trade.ProfitLoss)
			}
			slog.Info("trade settled",
				"trade_id", u.Trade.ID,
				"contract_id", u.Trade.ContractID,
				"status", u.Trade.Status,
				"profit_loss", u.Trade.ProfitLoss.String(),
			)
		}
		e.save(u.Trade)
		e.bus.Publish(events.TradeUpdated, u.Trade)
	}
}

// watch records the sessions watching contract cid. It reports false when
// the contract is already attributed.
func (e *Engine) watch(cid string, scopes []string) bool {
	e.watchMu.Lock()
	defer e.watchMu.Unlock()
	if _, ok := e.watchers[cid]; ok {
		return false
	}
	if len(e.watchers) >= maxWatched {
		e.watchers = make(map[string][]string)
	}
	e.watchers[cid] = append([]string(nil), scopes...)
	return true
}

func (e *Engine) unwatch(cid string) {
	e.watchMu.Lock()
	delete(e.watchers, cid)
	e.watchMu.Unlock()
}

func (e *Engine) watchersOf(cid, fallback string) []string {
	e.watchMu.Lock()
	defer e.watchMu.Unlock()
	if scopes, ok := e.watchers[cid]; ok {
		return scopes
	}
	return []string{fallback}
}

func (e *Engine) takeWatchers(cid, fallback string) []string {
	e.watchMu.Lock()
	defer e.watchMu.Unlock()
	scopes, ok := e.watchers[cid]
	if !ok {
		return []string{fallback}
	}
	delete(e.watchers, cid)
	return scopes
}

func (e *Engine) onTrade(t model.MirroredTrade) {
	metrics.TradesMirrored.Inc()
	e.Stats.RecordTrade(t)
	for _, s := range e.watchersOf(t.ContractID, t.TraderID) {
		e.Sessions.RecordTrade(s)
	}
	e.save(t)
	e.bus.Publish(events.TradeMirrored, t)
}

func (e *Engine) onReceipt(accountID string, r *deriv.BuyReceipt) {
	if !r.BalanceAfter.IsZero() {
		e.Accounts.UpdateBalance(accountID, r.BalanceAfter)
	}
}

func (e *Engine) onStreamLost(scopes []string, err error) {
	e.Sessions.End(scopes, err)
}

// save persists a trade off the routing goroutine. Saves may run out of
// order, so each one writes the book's latest version.
func (e *Engine) save(t model.MirroredTrade) {
	if e.trades == nil {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.saveMu.Lock()
		defer e.saveMu.Unlock()
		if cur, ok := e.Executor.Book().Get(t.ContractID); ok {
			t = cur
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.trades.SaveTrade(ctx, &t); err != nil {
			slog.Error("persist trade failed", "trade_id", t.ID, "contract_id", t.ContractID, "err", err)
		}
	}()
}
