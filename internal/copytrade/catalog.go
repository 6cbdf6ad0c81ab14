// Package copytrade implements the many-traders to one-follower variant on
// top of the backend's own copy service, plus the trader catalog an
// operator picks from.
package copytrade

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/mirror-engine/internal/deriv"
	"github.com/atmx/mirror-engine/internal/model"
)

// Directory lists copyable traders and their track record.
type Directory interface {
	CopytradingList(ctx context.Context) (*deriv.CopytradingList, error)
	CopytradingStatistics(ctx context.Context, traderID string) (*deriv.CopytradingStatistics, error)
}

// Catalog builds the trader list shown to the operator.
type Catalog struct {
	api Directory
}

// NewCatalog creates a catalog over api.
func NewCatalog(api Directory) *Catalog {
	return &Catalog{api: api}
}

// Traders returns every listed trader with its statistics. A trader whose
// statistics cannot be read is still listed, rated high risk.
func (c *Catalog) Traders(ctx context.Context) ([]model.Trader, error) {
	list, err := c.api.CopytradingList(ctx)
	if err != nil {
		return nil, fmt.Errorf("list traders: %w", err)
	}

	out := make([]model.Trader, len(list.Traders))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, t := range list.Traders {
		i, t := i, t
		g.Go(func() error {
			st, err := c.api.CopytradingStatistics(gctx, t.LoginID)
			if err != nil {
				slog.Warn("trader statistics unavailable", "trader_id", t.LoginID, "err", err)
			}
			out[i] = TraderFromStatistics(t, st)
			return nil
		})
	}
	_ = g.Wait()
	return out, nil
}

var (
	hundred    = decimal.NewFromInt(100)
	lowWinRate = decimal.NewFromInt(60)
	midWinRate = decimal.NewFromInt(45)
	halfChance = decimal.NewFromFloat(0.5)
)

// TraderFromStatistics renders a listed trader. st may be nil.
func TraderFromStatistics(t deriv.CopyTrader, st *deriv.CopytradingStatistics) model.Trader {
	tr := model.Trader{
		AccountID: t.LoginID,
		Name:      t.Name,
		RiskLevel: "high",
	}
	if tr.Name == "" {
		tr.Name = t.LoginID
	}
	if st == nil {
		return tr
	}
	tr.FollowersCount = st.Copiers
	tr.TotalProfit = st.TotalProfit
	tr.TotalTrades = st.TotalTrades
	tr.WinRate = st.TradesProfitable.Mul(hundred).Round(2)
	tr.RiskLevel = RiskLevel(tr.WinRate, st.PerformanceProbability)
	return tr
}

// RiskLevel grades a trader from its win rate (percent) and the backend's
// performance probability.
func RiskLevel(winRate, probability decimal.Decimal) string {
	switch {
	case winRate.GreaterThanOrEqual(lowWinRate) && probability.GreaterThanOrEqual(halfChance):
		return "low"
	case winRate.GreaterThanOrEqual(midWinRate):
		return "medium"
	default:
		return "high"
	}
}
