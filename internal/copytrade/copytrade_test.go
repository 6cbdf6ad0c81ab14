package copytrade

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atmx/mirror-engine/internal/deriv"
	"github.com/atmx/mirror-engine/internal/deriv/derivtest"
	"github.com/atmx/mirror-engine/internal/model"
)

type staticAccounts []model.LinkedAccount

func (s staticAccounts) ListActive() []model.LinkedAccount { return s }

func followers() staticAccounts {
	return staticAccounts{
		{AccountID: "CR1", Token: "tok-a", Currency: "USD", Status: model.StatusConnected, IsActive: true},
		{AccountID: "CR2", Token: "tok-b", Currency: "USD", Status: model.StatusConnected, IsActive: true},
	}
}

// fakeDialer hands out one scripted connection per dial.
type fakeDialer struct {
	conns   []*derivtest.Conn
	prepare func(n int, c *derivtest.Conn)
}

func (f *fakeDialer) dial(context.Context) (Conn, error) {
	c := derivtest.New()
	c.AddAccount("tok-a", "CR1", "USD", 100)
	c.AddAccount("tok-b", "CR2", "USD", 100)
	if f.prepare != nil {
		f.prepare(len(f.conns), c)
	}
	f.conns = append(f.conns, c)
	return c, nil
}

func closed(c *derivtest.Conn) bool {
	_, err := c.Authorize(context.Background(), "tok-a")
	return errors.Is(err, deriv.ErrClosed)
}

func TestStreamer_OpenAndClose(t *testing.T) {
	fd := &fakeDialer{}
	s := NewStreamer(fd.dial, followers())

	h, err := s.Open(context.Background(), "CR900")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if len(fd.conns) != 2 {
		t.Fatalf("expected one connection per follower, got %d", len(fd.conns))
	}
	for i, c := range fd.conns {
		if !c.Copying("CR900") {
			t.Errorf("follower %d not copying", i)
		}
	}

	h.Close()
	h.Close()
	for i, c := range fd.conns {
		if c.Copying("CR900") || !closed(c) {
			t.Errorf("follower %d not released", i)
		}
	}
}

func TestStreamer_RollsBackOnFailure(t *testing.T) {
	fd := &fakeDialer{prepare: func(n int, c *derivtest.Conn) {
		if n == 1 {
			c.CopyErr["CR900"] = &deriv.APIError{Code: "CopyTradingNotAllowed", Message: "Trader does not allow copy trading."}
		}
	}}
	s := NewStreamer(fd.dial, followers())

	if _, err := s.Open(context.Background(), "CR900"); !deriv.IsAPIError(err) {
		t.Fatalf("expected api error, got %v", err)
	}
	if fd.conns[0].Copying("CR900") || !closed(fd.conns[0]) {
		t.Error("first follower not rolled back")
	}
	if !closed(fd.conns[1]) {
		t.Error("failed follower connection not closed")
	}
}

func TestStreamer_AuthFailure(t *testing.T) {
	fd := &fakeDialer{}
	accts := staticAccounts{{AccountID: "CR3", Token: "tok-revoked"}}
	if _, err := NewStreamer(fd.dial, accts).Open(context.Background(), "CR900"); err == nil {
		t.Fatal("expected authorization failure")
	}
	if fd.conns[0].Copying("CR900") {
		t.Error("copy started without authorization")
	}
}

func TestCatalog_Traders(t *testing.T) {
	conn := derivtest.New()
	conn.Traders = []deriv.CopyTrader{
		{LoginID: "CR10", Name: "Steady"},
		{LoginID: "CR11"},
	}
	conn.Statistics["CR10"] = deriv.CopytradingStatistics{
		Copiers:                12,
		TotalTrades:            340,
		TradesProfitable:       decimal.NewFromFloat(0.6512),
		PerformanceProbability: decimal.NewFromFloat(0.72),
		TotalProfit:            decimal.NewFromFloat(1520.4),
	}

	traders, err := NewCatalog(conn).Traders(context.Background())
	if err != nil {
		t.Fatalf("traders: %v", err)
	}
	if len(traders) != 2 {
		t.Fatalf("expected 2 traders, got %d", len(traders))
	}
	steady := traders[0]
	if steady.Name != "Steady" || steady.FollowersCount != 12 || steady.TotalTrades != 340 {
		t.Errorf("unexpected trader: %+v", steady)
	}
	if !steady.WinRate.Equal(decimal.NewFromFloat(65.12)) || steady.RiskLevel != "low" {
		t.Errorf("win rate %s risk %s", steady.WinRate, steady.RiskLevel)
	}
	unknown := traders[1]
	if unknown.Name != "CR11" || unknown.RiskLevel != "high" {
		t.Errorf("trader without statistics: %+v", unknown)
	}
}

func TestRiskLevel(t *testing.T) {
	cases := []struct {
		win, prob float64
		want      string
	}{
		{70, 0.8, "low"},
		{70, 0.3, "medium"},
		{50, 0.9, "medium"},
		{44.9, 0.9, "high"},
	}
	for _, tc := range cases {
		if got := RiskLevel(decimal.NewFromFloat(tc.win), decimal.NewFromFloat(tc.prob)); got != tc.want {
			t.Errorf("RiskLevel(%v, %v) = %s, want %s", tc.win, tc.prob, got, tc.want)
		}
	}
}
