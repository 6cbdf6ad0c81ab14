package stats

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/mirror-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func settled(status model.TradeStatus, pl, payout float64) model.MirroredTrade {
	return model.MirroredTrade{Status: status, ProfitLoss: d(pl), Payout: d(payout)}
}

func TestRecordSettlement(t *testing.T) {
	a := New()
	a.RecordSettlement(settled(model.TradeWon, 9.5, 19.5))
	a.RecordSettlement(settled(model.TradeLost, -10, 0))
	a.RecordSettlement(settled(model.TradeLost, 0, 0))
	a.RecordSettlement(settled(model.TradeWon, 2, 12))
	// Active trades carry unrealized P/L and are ignored.
	a.RecordSettlement(settled(model.TradeActive, 100, 0))

	s := a.Snapshot(3)
	if !s.TotalProfit.Equal(d(11.5)) {
		t.Errorf("total_profit = %s, want 11.5", s.TotalProfit)
	}
	if !s.TotalLoss.Equal(d(-10)) {
		t.Errorf("total_loss = %s, want -10", s.TotalLoss)
	}
	if !s.TotalPayout.Equal(d(31.5)) {
		t.Errorf("total_payout = %s, want 31.5", s.TotalPayout)
	}
	if s.ActiveClientsCount != 3 {
		t.Errorf("active_clients_count = %d", s.ActiveClientsCount)
	}
}

func TestRecordTradeAndTicks(t *testing.T) {
	a := New()
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return at }

	a.RecordTick()
	a.RecordTick()
	a.RecordTrade(model.MirroredTrade{Timestamp: at.Add(-time.Minute), MirroredToCount: 0})
	a.RecordTrade(model.MirroredTrade{Timestamp: at, MirroredToCount: 2})

	s := a.Snapshot(0)
	if s.TicksSynced != 2 || s.TradesCopied != 2 || s.TradesCopiedToday != 2 {
		t.Errorf("unexpected counters: %+v", s)
	}
	if !s.LastMirroredTime.Equal(at) {
		t.Errorf("last_mirrored_time = %v", s.LastMirroredTime)
	}
}

func TestDailyRollover(t *testing.T) {
	a := New()
	now := time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC)
	a.now = func() time.Time { return now }

	a.RecordTrade(model.MirroredTrade{Timestamp: now})
	a.RecordTrade(model.MirroredTrade{Timestamp: now})

	now = now.Add(2 * time.Minute)
	if s := a.Snapshot(0); s.TradesCopiedToday != 0 || s.TradesCopied != 2 {
		t.Errorf("after midnight: %+v", s)
	}
	a.RecordTrade(model.MirroredTrade{Timestamp: now})
	if s := a.Snapshot(0); s.TradesCopiedToday != 1 || s.TradesCopied != 3 {
		t.Errorf("next day: %+v", s)
	}
}
