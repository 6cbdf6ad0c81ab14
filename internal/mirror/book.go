package mirror

import (
	"sync"

	"github.com/atmx/mirror-engine/internal/deriv"
	"github.com/atmx/mirror-engine/internal/model"
)

// Update is a trade changed by a portfolio message. Settled is true only on
// the message that moved the trade out of active.
type Update struct {
	Trade   model.MirroredTrade
	Settled bool
}

// Book holds recent mirrored trades, newest first, bounded by capacity. It
// also tracks which master contracts have been claimed for mirroring.
type Book struct {
	mu         sync.Mutex
	capacity   int
	trades     []*model.MirroredTrade
	byContract map[string]*model.MirroredTrade
	claimed    map[string]bool
}

// NewBook creates a book keeping at most capacity trades.
func NewBook(capacity int) *Book {
	if capacity <= 0 {
		capacity = 100
	}
	return &Book{
		capacity:   capacity,
		byContract: make(map[string]*model.MirroredTrade),
		claimed:    make(map[string]bool),
	}
}

// Claim marks a master contract as being mirrored. It reports false when
// the contract was already claimed.
func (b *Book) Claim(contractID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.claimed[contractID] {
		return false
	}
	b.claimed[contractID] = true
	return true
}

// Release drops a claim that did not produce a trade.
func (b *Book) Release(contractID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, recorded := b.byContract[contractID]; !recorded {
		delete(b.claimed, contractID)
	}
}

// Add records a new trade at the head of the book.
func (b *Book) Add(t model.MirroredTrade) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cp := t
	b.trades = append([]*model.MirroredTrade{&cp}, b.trades...)
	b.byContract[t.ContractID] = &cp
	b.claimed[t.ContractID] = true

	for len(b.trades) > b.capacity {
		old := b.trades[len(b.trades)-1]
		b.trades = b.trades[:len(b.trades)-1]
		delete(b.byContract, old.ContractID)
		delete(b.claimed, old.ContractID)
	}
}

// Apply updates active trades from portfolio contracts. Settled trades are
// frozen and ignore further updates.
func (b *Book) Apply(contracts []deriv.PortfolioContract) []Update {
	b.mu.Lock()
	defer b.mu.Unlock()

	var updates []Update
	for _, c := range contracts {
		t, ok := b.byContract[c.ContractID.String()]
		if !ok || t.Settled() {
			continue
		}
		if !c.BidPrice.IsZero() {
			t.CurrentPrice = c.BidPrice
		}
		t.ProfitLoss = c.Profit
		if !c.Payout.IsZero() {
			t.Payout = c.Payout
		}

		settled := c.Settled()
		if settled {
			if c.Profit.IsPositive() {
				t.Status = model.TradeWon
			} else {
				t.Status = model.TradeLost
			}
		}
		updates = append(updates, Update{Trade: clone(t), Settled: settled})
	}
	return updates
}

// Recent returns up to limit trades, newest first.
func (b *Book) Recent(limit int) []model.MirroredTrade {
	b.mu.Lock()
	defer b.mu.Unlock()
	if limit <= 0 || limit > len(b.trades) {
		limit = len(b.trades)
	}
	out := make([]model.MirroredTrade, 0, limit)
	for _, t := range b.trades[:limit] {
		out = append(out, clone(t))
	}
	return out
}

// Get returns the trade mirrored from a master contract.
func (b *Book) Get(contractID string) (model.MirroredTrade, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.byContract[contractID]
	if !ok {
		return model.MirroredTrade{}, false
	}
	return clone(t), true
}

// Len returns the number of trades held.
func (b *Book) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.trades)
}

func clone(t *model.MirroredTrade) model.MirroredTrade {
	cp := *t
	cp.Outcomes = append([]model.AccountOutcome(nil), t.Outcomes...)
	return cp
}
