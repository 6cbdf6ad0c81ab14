package deriv

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

// fakeBackend answers each request frame with the frames returned by reply.
func fakeBackend(t *testing.T, reply func(req map[string]any) []map[string]any) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req map[string]any
			if err := json.Unmarshal(data, &req); err != nil {
				t.Errorf("bad request frame: %v", err)
				return
			}
			for _, frame := range reply(req) {
				if err := conn.WriteJSON(frame); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dialTest(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, Config{
		URL:     "ws" + strings.TrimPrefix(srv.URL, "http"),
		AppID:   "1089",
		Timeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestAuthorize(t *testing.T) {
	srv := fakeBackend(t, func(req map[string]any) []map[string]any {
		if req["authorize"] != "tok-good" {
			return []map[string]any{{
				"msg_type": "authorize",
				"req_id":   req["req_id"],
				"error":    map[string]any{"code": "InvalidToken", "message": "The token is invalid."},
			}}
		}
		return []map[string]any{{
			"msg_type": "authorize",
			"req_id":   req["req_id"],
			"authorize": map[string]any{
				"loginid":    "CR100",
				"currency":   "USD",
				"balance":    1250.5,
				"is_virtual": 0,
				"account_list": []map[string]any{
					{"loginid": "CR100", "currency": "USD", "is_virtual": 0},
				},
			},
		}}
	})
	c := dialTest(t, srv)

	auth, err := c.Authorize(context.Background(), "tok-good")
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if auth.AccountID() != "CR100" || auth.Currency != "USD" {
		t.Errorf("unexpected authorization: %+v", auth)
	}
	if !auth.Balance.Equal(decimal.RequireFromString("1250.5")) {
		t.Errorf("balance = %s", auth.Balance)
	}

	_, err = c.Authorize(context.Background(), "tok-bad")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Code != "InvalidToken" || apiErr.MsgType != "authorize" {
		t.Errorf("unexpected api error: %+v", apiErr)
	}
	if IsNetworkError(err) {
		t.Error("api error must not classify as network error")
	}
}

func TestSubscriptionPushesReachFeed(t *testing.T) {
	srv := fakeBackend(t, func(req map[string]any) []map[string]any {
		switch {
		case req["transaction"] != nil:
			sub := map[string]any{"id": "sub-tx"}
			return []map[string]any{
				{"msg_type": "transaction", "req_id": req["req_id"], "subscription": sub},
				{
					"msg_type":     "transaction",
					"req_id":       req["req_id"],
					"subscription": sub,
					"transaction":  map[string]any{"action": "buy", "contract_id": 987654, "amount": -10},
				},
			}
		case req["forget"] != nil:
			return []map[string]any{{"msg_type": "forget", "req_id": req["req_id"], "forget": 1}}
		}
		return nil
	})
	c := dialTest(t, srv)

	id, err := c.SubscribeTransactions(context.Background())
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if id != "sub-tx" {
		t.Errorf("subscription id = %q", id)
	}

	select {
	case msg := <-c.Messages():
		if msg.MsgType != MsgTransaction || msg.SubscriptionID != "sub-tx" {
			t.Fatalf("unexpected message: %+v", msg)
		}
		tx, err := DecodeTransaction(msg)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if tx.Action != "buy" || tx.ContractID != "987654" {
			t.Errorf("unexpected transaction: %+v", tx)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no push message delivered")
	}

	if err := c.Forget(context.Background(), id); err != nil {
		t.Errorf("forget: %v", err)
	}
}

func TestBuySendsTargetToken(t *testing.T) {
	got := make(chan map[string]any, 1)
	srv := fakeBackend(t, func(req map[string]any) []map[string]any {
		got <- req
		return []map[string]any{{
			"msg_type": "buy",
			"req_id":   req["req_id"],
			"buy":      map[string]any{"contract_id": 42, "buy_price": 10, "balance_after": 90},
		}}
	})
	c := dialTest(t, srv)

	receipt, err := c.Buy(context.Background(), BuyRequest{
		Price: decimal.NewFromInt(10),
		Parameters: BuyParameters{
			ContractType: "DIGITMATCH",
			Symbol:       "R_100",
			Basis:        "stake",
			Amount:       decimal.NewFromInt(10),
			Currency:     "EUR",
			Duration:     5,
			DurationUnit: "t",
			Barrier:      "7",
		},
		Token: "target-token",
	})
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if receipt.ContractID != "42" {
		t.Errorf("contract id = %q", receipt.ContractID)
	}

	req := <-got
	if req["authorize"] != "target-token" {
		t.Errorf("authorize field = %v", req["authorize"])
	}
	params := req["parameters"].(map[string]any)
	if params["currency"] != "EUR" || params["barrier"] != "7" || params["amount"] != float64(10) {
		t.Errorf("unexpected parameters: %v", params)
	}
}

func TestRequestTimeout(t *testing.T) {
	srv := fakeBackend(t, func(map[string]any) []map[string]any { return nil })
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, Config{URL: "ws" + strings.TrimPrefix(srv.URL, "http"), Timeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	_, err = c.Authorize(context.Background(), "tok")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if !IsNetworkError(err) {
		t.Error("timeout should classify as network error")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	srv := fakeBackend(t, func(map[string]any) []map[string]any { return nil })
	c := dialTest(t, srv)

	c.Close()
	c.Close()

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("done not closed")
	}
	if _, err := c.Authorize(context.Background(), "tok"); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}
