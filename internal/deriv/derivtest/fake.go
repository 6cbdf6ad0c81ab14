// Package derivtest provides a scripted in-process stand-in for a backend
// connection, used by engine and component tests.
package derivtest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/atmx/mirror-engine/internal/deriv"
)

// Conn is a fake backend connection. Zero value is not usable; use New.
type Conn struct {
	mu sync.Mutex

	// Accounts maps a token to the authorization it resolves to. Tokens not
	// present fail with an InvalidToken error.
	Accounts map[string]deriv.Authorization
	// Contracts answers proposal_open_contract by contract id.
	Contracts map[string]deriv.OpenContract
	// BuyErrors forces a buy failure for the given target token.
	BuyErrors map[string]error
	// BuyGate, when set, blocks every buy until it is closed.
	BuyGate chan struct{}
	// SubscribeErr fails every subscribe call.
	SubscribeErr error
	// ForgetErr fails every forget call.
	ForgetErr error

	Traders    []deriv.CopyTrader
	Statistics map[string]deriv.CopytradingStatistics
	CopyErr    map[string]error

	subSeq     int
	subscribes map[string]int
	live       map[string]string // kind -> open subscription id
	forgets    []string
	buys       []deriv.BuyRequest
	copying    map[string]bool
	closed     bool

	feed     chan deriv.Message
	done     chan struct{}
	doneOnce sync.Once
	err      error
	buyStart chan struct{}
}

// New returns an empty fake connection.
func New() *Conn {
	return &Conn{
		Accounts:   make(map[string]deriv.Authorization),
		Contracts:  make(map[string]deriv.OpenContract),
		BuyErrors:  make(map[string]error),
		Statistics: make(map[string]deriv.CopytradingStatistics),
		CopyErr:    make(map[string]error),
		subscribes: make(map[string]int),
		live:       make(map[string]string),
		copying:    make(map[string]bool),
		feed:       make(chan deriv.Message, 64),
		done:       make(chan struct{}),
		buyStart:   make(chan struct{}, 64),
	}
}

// AddAccount registers a token that authorizes to the given login id.
func (c *Conn) AddAccount(token, loginID, currency string, balance int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Accounts[token] = deriv.Authorization{
		LoginID:     loginID,
		Currency:    currency,
		Balance:     decimal.NewFromInt(balance),
		AccountList: []deriv.AccountListEntry{{LoginID: loginID, Currency: currency}},
	}
}

// AddContract registers the parameters returned for a contract id.
func (c *Conn) AddContract(oc deriv.OpenContract) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Contracts[string(oc.ContractID)] = oc
}

// FailBuy makes buys authorized with token fail with a backend error.
func (c *Conn) FailBuy(token, code, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.BuyErrors[token] = &deriv.APIError{Code: code, Message: message, MsgType: "buy"}
}

func (c *Conn) Authorize(_ context.Context, token string) (*deriv.Authorization, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, deriv.ErrClosed
	}
	auth, ok := c.Accounts[token]
	if !ok {
		return nil, &deriv.APIError{Code: "InvalidToken", Message: "The token is invalid.", MsgType: "authorize"}
	}
	return &auth, nil
}

func (c *Conn) SubscribeTransactions(ctx context.Context) (string, error) {
	return c.subscribe(deriv.MsgTransaction)
}

func (c *Conn) SubscribePortfolio(ctx context.Context) (string, error) {
	return c.subscribe(deriv.MsgPortfolio)
}

func (c *Conn) subscribe(kind string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", deriv.ErrClosed
	}
	if c.SubscribeErr != nil {
		return "", c.SubscribeErr
	}
	// Like the real backend, one connection holds one stream per kind.
	if _, ok := c.live[kind]; ok {
		return "", &deriv.APIError{
			Code:    "AlreadySubscribed",
			Message: fmt.Sprintf("You are already subscribed to %s.", kind),
			MsgType: kind,
		}
	}
	c.subSeq++
	c.subscribes[kind]++
	id := fmt.Sprintf("%s-%d", kind, c.subSeq)
	c.live[kind] = id
	return id, nil
}

// Forget ends the stream even when ForgetErr is set; the error only
// reaches the caller.
func (c *Conn) Forget(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forgets = append(c.forgets, id)
	c.dropLive(id)
	return c.ForgetErr
}

func (c *Conn) dropLive(id string) {
	for kind, live := range c.live {
		if live == id {
			delete(c.live, kind)
		}
	}
}

func (c *Conn) ProposalOpenContract(_ context.Context, contractID string) (*deriv.OpenContract, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	oc, ok := c.Contracts[contractID]
	if !ok {
		return nil, &deriv.APIError{Code: "ContractNotFound", Message: "Contract not found.", MsgType: deriv.MsgProposalOpenContract}
	}
	return &oc, nil
}

func (c *Conn) Buy(ctx context.Context, req deriv.BuyRequest) (*deriv.BuyReceipt, error) {
	c.mu.Lock()
	c.buys = append(c.buys, req)
	gate := c.BuyGate
	err := c.BuyErrors[req.Token]
	seq := len(c.buys)
	c.mu.Unlock()

	select {
	case c.buyStart <- struct{}{}:
	default:
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &deriv.BuyReceipt{
		ContractID:    deriv.ID(fmt.Sprintf("%d", 900000+seq)),
		TransactionID: deriv.ID(fmt.Sprintf("%d", 800000+seq)),
		BuyPrice:      req.Price,
		Payout:        req.Price.Mul(decimal.NewFromInt(2)),
	}, nil
}

func (c *Conn) CopytradingList(context.Context) (*deriv.CopytradingList, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &deriv.CopytradingList{Traders: append([]deriv.CopyTrader(nil), c.Traders...)}, nil
}

func (c *Conn) CopytradingStatistics(_ context.Context, traderID string) (*deriv.CopytradingStatistics, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.Statistics[traderID]
	if !ok {
		return nil, &deriv.APIError{Code: "CopyTradingNotAllowed", Message: "Trader not found.", MsgType: "copytrading_statistics"}
	}
	return &st, nil
}

func (c *Conn) CopyStart(_ context.Context, traderID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.CopyErr[traderID]; err != nil {
		return err
	}
	c.copying[traderID] = true
	return nil
}

func (c *Conn) CopyStop(_ context.Context, traderID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.copying, traderID)
	return nil
}

func (c *Conn) Messages() <-chan deriv.Message { return c.feed }
func (c *Conn) Done() <-chan struct{}          { return c.done }

func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Close marks the connection closed without killing the feed, matching a
// per-account connection being released.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Kill simulates a fatal disconnect: the feed is closed and Done fires.
func (c *Conn) Kill(err error) {
	c.doneOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.closed = true
		c.mu.Unlock()
		close(c.done)
		close(c.feed)
	})
}

// PushTransaction delivers a transaction message on the given subscription.
func (c *Conn) PushTransaction(subID, action, contractID string) {
	raw, _ := json.Marshal(map[string]any{
		"msg_type":     deriv.MsgTransaction,
		"subscription": map[string]string{"id": subID},
		"transaction":  map[string]any{"action": action, "contract_id": contractID},
	})
	c.feed <- deriv.Message{MsgType: deriv.MsgTransaction, SubscriptionID: subID, Raw: raw}
}

// PushPortfolio delivers a portfolio message on the given subscription.
func (c *Conn) PushPortfolio(subID string, contracts ...deriv.PortfolioContract) {
	var body deriv.PortfolioMessage
	body.Portfolio.Contracts = contracts
	raw, _ := json.Marshal(struct {
		MsgType      string             `json:"msg_type"`
		Subscription deriv.Subscription `json:"subscription"`
		deriv.PortfolioMessage
	}{deriv.MsgPortfolio, deriv.Subscription{ID: subID}, body})
	c.feed <- deriv.Message{MsgType: deriv.MsgPortfolio, SubscriptionID: subID, Raw: raw}
}

// PushError delivers a stream error on the given subscription.
func (c *Conn) PushError(kind, subID, code, message string) {
	raw, _ := json.Marshal(map[string]any{
		"msg_type":     kind,
		"subscription": map[string]string{"id": subID},
		"error":        map[string]string{"code": code, "message": message},
	})
	c.mu.Lock()
	c.dropLive(subID)
	c.mu.Unlock()
	c.feed <- deriv.Message{MsgType: kind, SubscriptionID: subID, Raw: raw}
}

// BuyStarted returns a channel receiving one value per buy entering the fake.
func (c *Conn) BuyStarted() <-chan struct{} { return c.buyStart }

// Subscribes reports how many subscriptions of kind were opened.
func (c *Conn) Subscribes(kind string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribes[kind]
}

// Forgotten returns the subscription ids passed to Forget.
func (c *Conn) Forgotten() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.forgets...)
}

// Buys returns the buy requests received so far.
func (c *Conn) Buys() []deriv.BuyRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]deriv.BuyRequest(nil), c.buys...)
}

// Copying reports whether copy_start is in effect for traderID.
func (c *Conn) Copying(traderID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.copying[traderID]
}
