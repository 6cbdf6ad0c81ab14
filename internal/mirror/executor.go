// Package mirror replicates a master buy onto every active linked account.
//
// Fan-out is concurrent and each target is isolated: one account's rejection
// never blocks or rolls back another. The stake is copied nominally into the
// target's own currency with no conversion.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"

	"github.com/atmx/mirror-engine/internal/deriv"
	"github.com/atmx/mirror-engine/internal/metrics"
	"github.com/atmx/mirror-engine/internal/model"
)

// ErrDuplicateContract is returned when a master contract is detected again
// after it was already mirrored.
var ErrDuplicateContract = errors.New("mirror: contract already mirrored")

// Backend is the part of the connection the executor needs.
type Backend interface {
	ProposalOpenContract(ctx context.Context, contractID string) (*deriv.OpenContract, error)
	Buy(ctx context.Context, req deriv.BuyRequest) (*deriv.BuyReceipt, error)
}

// Targets supplies the fan-out target set.
type Targets interface {
	ListActive() []model.LinkedAccount
}

// Hooks are optional completion callbacks.
type Hooks struct {
	// OnTrade is called once per recorded trade, after every target's buy
	// has completed.
	OnTrade func(model.MirroredTrade)
	// OnReceipt is called for each successful buy.
	OnReceipt func(accountID string, receipt *deriv.BuyReceipt)
}

// Executor runs mirror fan-outs.
type Executor struct {
	api         Backend
	targets     Targets
	book        *Book
	maxParallel int
	hooks       Hooks
	now         func() time.Time
}

// NewExecutor creates an executor recording trades into book. A nil book
// gets a default-sized one, since duplicate detection depends on it.
func NewExecutor(api Backend, targets Targets, book *Book, maxParallel int, hooks Hooks) *Executor {
	if maxParallel < 1 {
		maxParallel = 1
	}
	if book == nil {
		book = NewBook(0)
	}
	return &Executor{
		api:         api,
		targets:     targets,
		book:        book,
		maxParallel: maxParallel,
		hooks:       hooks,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Book returns the executor's trade book.
func (e *Executor) Book() *Book { return e.book }

// OnBuyDetected fetches the master contract and mirrors it. A failed fetch
// drops the event: no retry and no partial mirror.
func (e *Executor) OnBuyDetected(ctx context.Context, traderID, contractID string) (*model.MirroredTrade, error) {
	if !e.book.Claim(contractID) {
		slog.Debug("duplicate buy ignored", "trader_id", traderID, "contract_id", contractID)
		return nil, fmt.Errorf("%w: %s", ErrDuplicateContract, contractID)
	}

	oc, err := e.api.ProposalOpenContract(ctx, contractID)
	if err != nil {
		e.book.Release(contractID)
		metrics.DroppedEvents.Inc()
		slog.Error("contract fetch failed, event dropped",
			"trader_id", traderID, "contract_id", contractID, "err", err)
		return nil, fmt.Errorf("fetch contract %s: %w", contractID, err)
	}

	intent := IntentFromContract(oc)
	if intent.ContractID == "" {
		intent.ContractID = contractID
	}
	trade := e.Execute(ctx, traderID, intent)
	return &trade, nil
}

// Execute buys intent on every account active at call time and always
// returns a trade record, even when no buy succeeded. Dispatched buys are
// not cancelled by ctx.
func (e *Executor) Execute(ctx context.Context, traderID string, intent model.TradeIntent) model.MirroredTrade {
	targets := e.targets.ListActive()
	ctx = context.WithoutCancel(ctx)
	start := time.Now()

	p := pool.NewWithResults[model.AccountOutcome]().WithMaxGoroutines(e.maxParallel)
	for _, acct := range targets {
		acct := acct
		p.Go(func() model.AccountOutcome {
			return e.buyOne(ctx, intent, acct)
		})
	}
	results := p.Wait()

	// Present outcomes in target order.
	pos := make(map[string]int, len(targets))
	for i, a := range targets {
		pos[a.AccountID] = i
	}
	outcomes := make([]model.AccountOutcome, len(targets))
	for _, o := range results {
		outcomes[pos[o.AccountID]] = o
	}

	mirrored := 0
	for _, o := range outcomes {
		if o.OK() {
			mirrored++
		}
	}

	trade := model.MirroredTrade{
		ID:              uuid.New().String(),
		ContractID:      intent.ContractID,
		TraderID:        traderID,
		Symbol:          intent.Symbol,
		TradeType:       intent.ContractType,
		BuyPrice:        intent.Amount,
		CurrentPrice:    intent.Amount,
		Status:          model.TradeActive,
		Timestamp:       e.now(),
		MirroredToCount: mirrored,
		TargetCount:     len(targets),
		Outcomes:        outcomes,
	}
	e.book.Add(trade)

	metrics.FanOutDuration.Observe(time.Since(start).Seconds())
	slog.Info("trade mirrored",
		"trade_id", trade.ID,
		"trader_id", traderID,
		"contract_id", trade.ContractID,
		"symbol", trade.Symbol,
		"contract_type", trade.TradeType,
		"stake", intent.Amount.String(),
		"mirrored_to", mirrored,
		"targets", len(targets),
	)

	if e.hooks.OnTrade != nil {
		e.hooks.OnTrade(trade)
	}
	return trade
}

func (e *Executor) buyOne(ctx context.Context, intent model.TradeIntent, acct model.LinkedAccount) model.AccountOutcome {
	start := time.Now()
	receipt, err := e.api.Buy(ctx, buyRequest(intent, acct))
	out := model.AccountOutcome{
		AccountID: acct.AccountID,
		Currency:  acct.Currency,
		Latency:   time.Since(start),
	}
	metrics.BuyLatency.Observe(out.Latency.Seconds())

	if err != nil {
		out.Error = err.Error()
		out.Reason = ClassifyErr(err)
		metrics.MirrorBuys.WithLabelValues(string(out.Reason)).Inc()
		slog.Warn("mirror buy failed",
			"account_id", acct.AccountID,
			"contract_id", intent.ContractID,
			"reason", out.Reason,
			"err", err,
		)
		return out
	}

	out.ContractID = receipt.ContractID.String()
	out.BuyPrice = receipt.BuyPrice
	metrics.MirrorBuys.WithLabelValues("ok").Inc()
	if e.hooks.OnReceipt != nil {
		e.hooks.OnReceipt(acct.AccountID, receipt)
	}
	return out
}
