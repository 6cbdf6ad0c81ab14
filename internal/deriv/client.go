// Package deriv is the connection adapter for the trading backend's
// WebSocket API. One Client wraps one channel: requests are correlated to
// responses by req_id and subscription messages are pushed onto a feed.
package deriv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// Config holds the settings for a backend connection.
type Config struct {
	URL          string
	AppID        string
	Timeout      time.Duration // per-request timeout
	RateLimit    float64       // requests per second, 0 disables limiting
	RateBurst    int
	FeedBuffer   int
	PingInterval time.Duration
}

func (c *Config) ensureDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 1
	}
	if c.FeedBuffer <= 0 {
		c.FeedBuffer = 256
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
}

// Client is a single multiplexed backend connection. Send is safe for
// concurrent use.
type Client struct {
	cfg     Config
	conn    *websocket.Conn
	limiter *rate.Limiter

	writeMu sync.Mutex
	nextID  atomic.Int64

	mu      sync.Mutex
	pending map[int64]chan []byte

	feed      chan Message
	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// Dial opens a connection to the backend.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	cfg.ensureDefaults()
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse deriv url: %w", err)
	}
	if cfg.AppID != "" {
		q := u.Query()
		q.Set("app_id", cfg.AppID)
		u.RawQuery = q.Encode()
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDial, err)
	}
	return newClient(conn, cfg), nil
}

func newClient(conn *websocket.Conn, cfg Config) *Client {
	c := &Client{
		cfg:     cfg,
		conn:    conn,
		pending: make(map[int64]chan []byte),
		feed:    make(chan Message, cfg.FeedBuffer),
		done:    make(chan struct{}),
	}
	if cfg.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst)
	}
	go c.readLoop()
	go c.pingLoop()
	return c
}

// Messages is the push feed of subscription messages, in delivery order.
// It is closed when the connection dies.
func (c *Client) Messages() <-chan Message {
	return c.feed
}

// Done is closed when the connection has shut down.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that terminated the connection, if any.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Close shuts the connection down. Safe to call more than once.
func (c *Client) Close() error {
	c.shutdown(ErrClosed)
	return nil
}

func (c *Client) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.err = cause
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = c.conn.Close()
		close(c.done)
	})
}

func (c *Client) readLoop() {
	defer close(c.feed)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
				strings.Contains(err.Error(), "use of closed network connection") {
				c.shutdown(ErrClosed)
			} else {
				slog.Error("deriv ws read failed", "err", err)
				c.shutdown(fmt.Errorf("%w: %v", ErrClosed, err))
			}
			return
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			slog.Warn("deriv ws malformed frame", "err", err)
			continue
		}

		// The first frame for a req_id answers the request; later frames
		// with the same req_id belong to the subscription it opened.
		if env.ReqID != 0 && c.deliver(env.ReqID, data) {
			continue
		}
		if env.Subscription == nil && env.Error == nil {
			continue
		}

		msg := Message{MsgType: env.MsgType, ReqID: env.ReqID, Raw: data}
		if env.Subscription != nil {
			msg.SubscriptionID = env.Subscription.ID
		}
		select {
		case c.feed <- msg:
		case <-c.done:
			return
		}
	}
}

func (c *Client) deliver(reqID int64, data []byte) bool {
	c.mu.Lock()
	ch, ok := c.pending[reqID]
	if ok {
		delete(c.pending, reqID)
	}
	c.mu.Unlock()
	if ok {
		ch <- data
	}
	return ok
}

func (c *Client) pingLoop() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *Client) reqID() int64 {
	return c.nextID.Add(1)
}

// roundTrip writes req and decodes the matching response into out.
func (c *Client) roundTrip(ctx context.Context, reqID int64, msgType string, req, out any) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%w: %s rate limit: %w", ErrTimeout, msgType, err)
		}
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", msgType, err)
	}

	ch := make(chan []byte, 1)
	c.mu.Lock()
	c.pending[reqID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, reqID)
		c.mu.Unlock()
	}()

	c.writeMu.Lock()
	err = c.conn.WriteMessage(websocket.TextMessage, payload)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrClosed, msgType, err)
	}

	timer := time.NewTimer(c.cfg.Timeout)
	defer timer.Stop()

	var data []byte
	select {
	case data = <-ch:
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("%w: %s", ErrTimeout, msgType)
	case <-c.done:
		return ErrClosed
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("decode %s response: %w", msgType, err)
	}
	if env.Error != nil {
		env.Error.MsgType = msgType
		return env.Error
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", msgType, err)
	}
	return nil
}

// Authorize validates a token and resolves the account behind it.
func (c *Client) Authorize(ctx context.Context, token string) (*Authorization, error) {
	id := c.reqID()
	var resp authorizeResponse
	if err := c.roundTrip(ctx, id, "authorize", authorizeRequest{Authorize: token, ReqID: id}, &resp); err != nil {
		return nil, err
	}
	if resp.Authorize == nil {
		return nil, ErrEmptyResponse
	}
	return resp.Authorize, nil
}

// SubscribeTransactions opens the transaction stream and returns its
// subscription id.
func (c *Client) SubscribeTransactions(ctx context.Context) (string, error) {
	id := c.reqID()
	return c.subscribe(ctx, MsgTransaction, streamRequest{Transaction: 1, Subscribe: 1, ReqID: id}, id)
}

// SubscribePortfolio opens the portfolio stream and returns its
// subscription id.
func (c *Client) SubscribePortfolio(ctx context.Context) (string, error) {
	id := c.reqID()
	return c.subscribe(ctx, MsgPortfolio, streamRequest{Portfolio: 1, Subscribe: 1, ReqID: id}, id)
}

func (c *Client) subscribe(ctx context.Context, kind string, req streamRequest, id int64) (string, error) {
	var resp subscribeResponse
	if err := c.roundTrip(ctx, id, kind, req, &resp); err != nil {
		return "", err
	}
	if resp.Subscription == nil || resp.Subscription.ID == "" {
		return "", fmt.Errorf("deriv %s: %w", kind, ErrEmptyResponse)
	}
	return resp.Subscription.ID, nil
}

// Forget closes the subscription with the given id.
func (c *Client) Forget(ctx context.Context, subscriptionID string) error {
	id := c.reqID()
	var resp forgetResponse
	return c.roundTrip(ctx, id, "forget", forgetRequest{Forget: subscriptionID, ReqID: id}, &resp)
}

// ProposalOpenContract fetches the full parameters of a contract.
func (c *Client) ProposalOpenContract(ctx context.Context, contractID string) (*OpenContract, error) {
	id := c.reqID()
	var resp proposalOpenContractResponse
	req := proposalOpenContractRequest{ProposalOpenContract: 1, ContractID: ID(contractID), ReqID: id}
	if err := c.roundTrip(ctx, id, MsgProposalOpenContract, req, &resp); err != nil {
		return nil, err
	}
	if resp.ProposalOpenContract == nil || resp.ProposalOpenContract.ContractID == "" {
		return nil, fmt.Errorf("contract %s: %w", contractID, ErrEmptyResponse)
	}
	return resp.ProposalOpenContract, nil
}

// Buy places a contract purchase on the account authorized by req.Token.
func (c *Client) Buy(ctx context.Context, req BuyRequest) (*BuyReceipt, error) {
	id := c.reqID()
	wire := buyRequest{
		Buy:        1,
		Price:      number(req.Price),
		Parameters: req.Parameters,
		Authorize:  req.Token,
		ReqID:      id,
	}
	var resp buyResponse
	if err := c.roundTrip(ctx, id, "buy", wire, &resp); err != nil {
		return nil, err
	}
	if resp.Buy == nil {
		return nil, ErrEmptyResponse
	}
	return resp.Buy, nil
}

// CopytradingList lists the traders and copiers of the authorized account.
func (c *Client) CopytradingList(ctx context.Context) (*CopytradingList, error) {
	id := c.reqID()
	var resp copytradingListResponse
	if err := c.roundTrip(ctx, id, "copytrading_list", copytradingListRequest{CopytradingList: 1, ReqID: id}, &resp); err != nil {
		return nil, err
	}
	if resp.CopytradingList == nil {
		return nil, ErrEmptyResponse
	}
	return resp.CopytradingList, nil
}

// CopytradingStatistics fetches a trader's performance statistics.
func (c *Client) CopytradingStatistics(ctx context.Context, traderID string) (*CopytradingStatistics, error) {
	id := c.reqID()
	var resp copytradingStatisticsResponse
	req := copytradingStatisticsRequest{CopytradingStatistics: 1, TraderID: traderID, ReqID: id}
	if err := c.roundTrip(ctx, id, "copytrading_statistics", req, &resp); err != nil {
		return nil, err
	}
	if resp.CopytradingStatistics == nil {
		return nil, ErrEmptyResponse
	}
	return resp.CopytradingStatistics, nil
}

// CopyStart starts copying the given trader on the authorized account.
func (c *Client) CopyStart(ctx context.Context, traderID string) error {
	id := c.reqID()
	var resp copyAckResponse
	if err := c.roundTrip(ctx, id, "copy_start", copyStartRequest{CopyStart: traderID, ReqID: id}, &resp); err != nil {
		return err
	}
	if resp.CopyStart != 1 {
		return fmt.Errorf("copy_start %s: %w", traderID, ErrEmptyResponse)
	}
	return nil
}

// CopyStop stops copying the given trader.
func (c *Client) CopyStop(ctx context.Context, traderID string) error {
	id := c.reqID()
	var resp copyAckResponse
	if err := c.roundTrip(ctx, id, "copy_stop", copyStopRequest{CopyStop: traderID, ReqID: id}, &resp); err != nil {
		return err
	}
	if resp.CopyStop != 1 {
		return fmt.Errorf("copy_stop %s: %w", traderID, ErrEmptyResponse)
	}
	return nil
}

// DecodeTransaction decodes a transaction push message.
func DecodeTransaction(msg Message) (Transaction, error) {
	var body TransactionMessage
	if err := json.Unmarshal(msg.Raw, &body); err != nil {
		return Transaction{}, fmt.Errorf("decode transaction: %w", err)
	}
	return body.Transaction, nil
}

// DecodePortfolio decodes a portfolio push message.
func DecodePortfolio(msg Message) ([]PortfolioContract, error) {
	var body PortfolioMessage
	if err := json.Unmarshal(msg.Raw, &body); err != nil {
		return nil, fmt.Errorf("decode portfolio: %w", err)
	}
	return body.Portfolio.Contracts, nil
}

// StreamError returns the error carried by a push message, if any.
func StreamError(msg Message) error {
	var env envelope
	if err := json.Unmarshal(msg.Raw, &env); err != nil {
		return err
	}
	if env.Error != nil {
		env.Error.MsgType = msg.MsgType
		return env.Error
	}
	return nil
}

// IsClosed reports whether err signals a dead connection.
func IsClosed(err error) bool {
	return errors.Is(err, ErrClosed)
}
