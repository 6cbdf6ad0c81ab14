// Package stats keeps the running totals shown on the operator dashboard.
// It is derived state only: every value is fed from mirrored trades and
// processed master events.
package stats

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/mirror-engine/internal/model"
)

// Aggregator accumulates trade and tick counters. Safe for concurrent use.
type Aggregator struct {
	mu          sync.Mutex
	totalProfit decimal.Decimal
	totalLoss   decimal.Decimal
	totalPayout decimal.Decimal
	ticks       int64
	copied      int64
	copiedToday int64
	day         string
	last        time.Time
	now         func() time.Time
}

// New creates an empty aggregator.
func New() *Aggregator {
	return &Aggregator{now: func() time.Time { return time.Now().UTC() }}
}

// RecordTick counts one processed master stream event.
func (a *Aggregator) RecordTick() {
	a.mu.Lock()
	a.ticks++
	a.mu.Unlock()
}

// RecordTrade counts a completed fan-out, whatever its mirrored count.
func (a *Aggregator) RecordTrade(t model.MirroredTrade) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rollover()
	a.copied++
	a.copiedToday++
	if t.Timestamp.After(a.last) {
		a.last = t.Timestamp
	}
}

// RecordSettlement adds a settled trade's realized result.
func (a *Aggregator) RecordSettlement(t model.MirroredTrade) {
	if !t.Settled() {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if t.ProfitLoss.IsNegative() {
		a.totalLoss = a.totalLoss.Add(t.ProfitLoss)
	} else {
		a.totalProfit = a.totalProfit.Add(t.ProfitLoss)
	}
	if t.Status == model.TradeWon {
		a.totalPayout = a.totalPayout.Add(t.Payout)
	}
}

// Snapshot returns the current totals. activeClients comes from the
// account registry, which owns connection status.
func (a *Aggregator) Snapshot(activeClients int) model.Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rollover()
	return model.Stats{
		TotalProfit:        a.totalProfit,
		TotalLoss:          a.totalLoss,
		TotalPayout:        a.totalPayout,
		ActiveClientsCount: activeClients,
		TicksSynced:        a.ticks,
		TradesCopied:       a.copied,
		TradesCopiedToday:  a.copiedToday,
		LastMirroredTime:   a.last,
	}
}

// rollover resets the daily counter at UTC midnight. Caller holds a.mu.
func (a *Aggregator) rollover() {
	today := a.now().Format(time.DateOnly)
	if today != a.day {
		a.day = today
		a.copiedToday = 0
	}
}
