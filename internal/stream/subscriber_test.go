package stream

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/atmx/mirror-engine/internal/deriv"
	"github.com/atmx/mirror-engine/internal/deriv/derivtest"
)

type recorder struct {
	mu         sync.Mutex
	txs        []string // "scopes/action/contract"
	portfolios int
	got        chan struct{}
}

func newRecorder() *recorder {
	return &recorder{got: make(chan struct{}, 16)}
}

func (r *recorder) HandleTransaction(scopes []string, tx deriv.Transaction) {
	r.mu.Lock()
	r.txs = append(r.txs, strings.Join(scopes, ",")+"/"+tx.Action+"/"+tx.ContractID.String())
	r.mu.Unlock()
	r.got <- struct{}{}
}

func (r *recorder) HandlePortfolio([]string, []deriv.PortfolioContract) {
	r.mu.Lock()
	r.portfolios++
	r.mu.Unlock()
	r.got <- struct{}{}
}

func (r *recorder) Transactions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.txs...)
}

func (r *recorder) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.got:
	case <-time.After(2 * time.Second):
		t.Fatal("handler not called")
	}
}

func TestSubscribe_Idempotent(t *testing.T) {
	conn := derivtest.New()
	s := NewSubscriber(conn, newRecorder(), nil)

	a, err := s.Subscribe(context.Background(), Transaction, "CR1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	b, err := s.Subscribe(context.Background(), Transaction, "CR1")
	if err != nil {
		t.Fatalf("second subscribe: %v", err)
	}
	if a != b {
		t.Error("second subscribe should return the existing handle")
	}
	if n := conn.Subscribes(deriv.MsgTransaction); n != 1 {
		t.Errorf("opened %d transaction streams, want 1", n)
	}

	if _, err := s.Subscribe(context.Background(), Portfolio, "CR1"); err != nil {
		t.Fatalf("portfolio subscribe: %v", err)
	}
	if s.Count() != 2 {
		t.Errorf("count = %d", s.Count())
	}
}

func TestSubscribe_ConcurrentCallsOpenOnce(t *testing.T) {
	conn := derivtest.New()
	s := NewSubscriber(conn, newRecorder(), nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Subscribe(context.Background(), Transaction, "CR1")
		}()
	}
	wg.Wait()
	if n := conn.Subscribes(deriv.MsgTransaction); n != 1 {
		t.Errorf("opened %d streams, want 1", n)
	}
}

func TestRouting_TransactionsDeliveredOnce(t *testing.T) {
	conn := derivtest.New()
	rec := newRecorder()
	s := NewSubscriber(conn, rec, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	sub, _ := s.Subscribe(ctx, Transaction, "CR1")
	s.Subscribe(ctx, Transaction, "CR1")

	conn.PushTransaction(sub.ID, "sell", "C0")
	conn.PushTransaction(sub.ID, "buy", "C1")
	rec.wait(t)
	rec.wait(t)

	txs := rec.Transactions()
	if len(txs) != 2 || txs[0] != "CR1/sell/C0" || txs[1] != "CR1/buy/C1" {
		t.Errorf("unexpected transactions: %v", txs)
	}
}

func TestSubscribe_ScopesShareUpstream(t *testing.T) {
	conn := derivtest.New()
	rec := newRecorder()
	s := NewSubscriber(conn, rec, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	a, err := s.Subscribe(ctx, Transaction, "traderA")
	if err != nil {
		t.Fatal(err)
	}
	b, err := s.Subscribe(ctx, Transaction, "traderB")
	if err != nil {
		t.Fatalf("second scope must join the open stream: %v", err)
	}
	if a == b || a.ID != b.ID {
		t.Errorf("scopes should hold distinct handles on one stream: %s %s", a.ID, b.ID)
	}
	if n := conn.Subscribes(deriv.MsgTransaction); n != 1 {
		t.Errorf("opened %d upstream transaction streams, want 1", n)
	}
	if s.Upstreams() != 1 || s.Count() != 2 {
		t.Errorf("upstreams=%d holds=%d", s.Upstreams(), s.Count())
	}

	conn.PushTransaction(a.ID, "buy", "C1")
	rec.wait(t)
	select {
	case <-rec.got:
		t.Fatal("master event routed more than once")
	case <-time.After(50 * time.Millisecond):
	}
	if txs := rec.Transactions(); len(txs) != 1 || txs[0] != "traderA,traderB/buy/C1" {
		t.Errorf("unexpected routing: %v", txs)
	}

	a.Close()
	if len(conn.Forgotten()) != 0 {
		t.Error("stream forgotten while another scope still holds it")
	}
	conn.PushTransaction(b.ID, "buy", "C2")
	rec.wait(t)
	if txs := rec.Transactions(); txs[1] != "traderB/buy/C2" {
		t.Errorf("closed scope still routed: %v", txs)
	}

	b.Close()
	if got := conn.Forgotten(); len(got) != 1 || got[0] != b.ID {
		t.Errorf("last holder must forget the stream: %v", got)
	}
	if s.Upstreams() != 0 {
		t.Error("upstream still registered")
	}
}

func TestRun_StreamErrorEndsEverySharingScope(t *testing.T) {
	conn := derivtest.New()
	fatal := make(chan []string, 1)
	s := NewSubscriber(conn, newRecorder(), func(scopes []string, err error) {
		fatal <- scopes
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	sub, _ := s.Subscribe(ctx, Portfolio, "traderA")
	s.Subscribe(ctx, Portfolio, "traderB")
	conn.PushError(deriv.MsgPortfolio, sub.ID, "AuthorizationRequired", "Please log in.")

	select {
	case scopes := <-fatal:
		if len(scopes) != 2 || scopes[0] != "traderA" || scopes[1] != "traderB" {
			t.Errorf("scopes = %v", scopes)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("fatal callback not invoked")
	}
	if s.Count() != 0 || s.Upstreams() != 0 {
		t.Error("errored stream still registered")
	}
	// Closing a handle of a dead stream sends no forget.
	sub.Close()
	if len(conn.Forgotten()) != 0 {
		t.Errorf("forgotten = %v", conn.Forgotten())
	}
}

func TestRouting_PortfolioToHandler(t *testing.T) {
	conn := derivtest.New()
	rec := newRecorder()
	s := NewSubscriber(conn, rec, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	sub, _ := s.Subscribe(ctx, Portfolio, "CR1")
	conn.PushPortfolio(sub.ID, deriv.PortfolioContract{ContractID: "C1", Status: "open"})
	rec.wait(t)
}

func TestRouting_EarlyPushReplayed(t *testing.T) {
	conn := derivtest.New()
	rec := newRecorder()
	s := NewSubscriber(conn, rec, nil)

	// The fake names its first subscription "transaction-1".
	early := deriv.Message{
		MsgType:        deriv.MsgTransaction,
		SubscriptionID: "transaction-1",
		Raw:            []byte(`{"msg_type":"transaction","subscription":{"id":"transaction-1"},"transaction":{"action":"buy","contract_id":77}}`),
	}
	s.route(early)
	if len(rec.Transactions()) != 0 {
		t.Fatal("unregistered message should be held")
	}

	sub, err := s.Subscribe(context.Background(), Transaction, "CR1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if sub.ID != "transaction-1" {
		t.Fatalf("fake subscription id changed: %s", sub.ID)
	}
	if txs := rec.Transactions(); len(txs) != 1 || txs[0] != "CR1/buy/77" {
		t.Errorf("early push not replayed: %v", txs)
	}
}

func TestClose_SafeAndSwallowsErrors(t *testing.T) {
	conn := derivtest.New()
	conn.ForgetErr = errors.New("boom")
	s := NewSubscriber(conn, newRecorder(), nil)

	sub, _ := s.Subscribe(context.Background(), Transaction, "CR1")
	sub.Close()
	sub.Close()

	if got := conn.Forgotten(); len(got) != 1 || got[0] != sub.ID {
		t.Errorf("forgotten = %v", got)
	}
	if _, ok := s.Lookup(Transaction, "CR1"); ok {
		t.Error("subscription still registered")
	}

	// A fresh subscribe opens a new stream.
	again, _ := s.Subscribe(context.Background(), Transaction, "CR1")
	if again == sub || conn.Subscribes(deriv.MsgTransaction) != 2 {
		t.Error("expected a new subscription after close")
	}
}

func TestRun_FatalDisconnectReportsScopes(t *testing.T) {
	conn := derivtest.New()
	fatal := make(chan []string, 1)
	s := NewSubscriber(conn, newRecorder(), func(scopes []string, err error) {
		fatal <- scopes
	})
	s.Subscribe(context.Background(), Transaction, "CR1")
	s.Subscribe(context.Background(), Portfolio, "CR1")

	done := make(chan struct{})
	go func() {
		s.Run(context.Background())
		close(done)
	}()
	conn.Kill(errors.New("network down"))

	select {
	case scopes := <-fatal:
		if len(scopes) != 1 || scopes[0] != "CR1" {
			t.Errorf("scopes = %v", scopes)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("fatal callback not invoked")
	}
	<-done
	if s.Count() != 0 {
		t.Error("subscriptions should be dropped after disconnect")
	}
}

func TestRun_StreamErrorEndsScope(t *testing.T) {
	conn := derivtest.New()
	fatal := make(chan []string, 1)
	s := NewSubscriber(conn, newRecorder(), func(scopes []string, err error) {
		fatal <- scopes
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	sub, _ := s.Subscribe(ctx, Transaction, "CR9")
	conn.PushError(deriv.MsgTransaction, sub.ID, "AuthorizationRequired", "Please log in.")

	select {
	case scopes := <-fatal:
		if len(scopes) != 1 || scopes[0] != "CR9" {
			t.Errorf("scopes = %v", scopes)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("fatal callback not invoked")
	}
	if _, ok := s.Lookup(Transaction, "CR9"); ok {
		t.Error("errored subscription still registered")
	}
}
