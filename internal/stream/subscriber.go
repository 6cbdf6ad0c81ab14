// Package stream opens the master account's push streams and routes their
// messages. Every scope watching a kind shares one upstream stream, so the
// backend sees a single subscribe per kind and each master event is routed
// once, to all watching scopes together.
package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/atmx/mirror-engine/internal/deriv"
)

// Kind is a stream kind.
type Kind string

const (
	Transaction Kind = deriv.MsgTransaction
	Portfolio   Kind = deriv.MsgPortfolio
)

// Source is the push-stream side of a backend connection.
type Source interface {
	SubscribeTransactions(ctx context.Context) (string, error)
	SubscribePortfolio(ctx context.Context) (string, error)
	Forget(ctx context.Context, subscriptionID string) error
	Messages() <-chan deriv.Message
	Done() <-chan struct{}
	Err() error
}

// Handler receives routed stream events once per master event, with the
// scopes watching that stream in subscription order. Calls are made from
// the routing goroutine in delivery order and must not block. The scopes
// slice is owned by the handler.
type Handler interface {
	HandleTransaction(scopes []string, tx deriv.Transaction)
	HandlePortfolio(scopes []string, contracts []deriv.PortfolioContract)
}

// FatalFunc is told which scopes lost their streams and why.
type FatalFunc func(scopes []string, err error)

type key struct {
	kind  Kind
	scope string
}

// upstream is one backend stream shared by every scope watching its kind.
type upstream struct {
	kind   Kind
	id     string
	scopes []string // subscription order
}

func (up *upstream) drop(scope string) {
	for i, sc := range up.scopes {
		if sc == scope {
			up.scopes = append(up.scopes[:i], up.scopes[i+1:]...)
			return
		}
	}
}

// maxOrphans bounds messages held for subscription ids not yet registered.
const maxOrphans = 256

// Subscriber owns the mirroring-source subscriptions on one connection.
type Subscriber struct {
	src     Source
	handler Handler
	onFatal FatalFunc

	openMu sync.Mutex // serializes opens and last-holder forgets

	mu        sync.Mutex
	subs      map[key]*Subscription
	streams   map[Kind]*upstream
	byID      map[string]*upstream
	orphans   map[string][]deriv.Message
	orphanCnt int
}

// NewSubscriber creates a subscriber routing to handler. onFatal may be nil.
func NewSubscriber(src Source, handler Handler, onFatal FatalFunc) *Subscriber {
	return &Subscriber{
		src:     src,
		handler: handler,
		onFatal: onFatal,
		subs:    make(map[key]*Subscription),
		streams: make(map[Kind]*upstream),
		byID:    make(map[string]*upstream),
		orphans: make(map[string][]deriv.Message),
	}
}

// Subscription is one scope's hold on a shared stream. Close is safe to
// call many times; the upstream is forgotten when its last holder closes.
type Subscription struct {
	Kind  Kind
	Scope string
	ID    string // upstream subscription id

	s    *Subscriber
	up   *upstream
	once sync.Once
}

// Close releases the scope's hold. Forget failures are logged and swallowed.
// A subscribe of the same kind waits until the forget has been sent.
func (sub *Subscription) Close() {
	sub.once.Do(func() {
		sub.s.openMu.Lock()
		defer sub.s.openMu.Unlock()
		if !sub.s.detach(sub) {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := sub.s.src.Forget(ctx, sub.ID); err != nil {
			slog.Warn("unsubscribe failed",
				"kind", sub.Kind, "trader_id", sub.Scope, "subscription_id", sub.ID, "err", err)
		}
	})
}

// Subscribe returns the handle for (kind, scope). The first scope of a kind
// opens the upstream stream; later scopes join it without a backend call.
func (s *Subscriber) Subscribe(ctx context.Context, kind Kind, scope string) (*Subscription, error) {
	k := key{kind: kind, scope: scope}

	s.openMu.Lock()
	defer s.openMu.Unlock()

	s.mu.Lock()
	if sub, ok := s.subs[k]; ok {
		s.mu.Unlock()
		return sub, nil
	}
	if up, ok := s.streams[kind]; ok {
		sub := s.attachLocked(up, scope)
		s.mu.Unlock()
		slog.Info("stream joined", "kind", kind, "trader_id", scope, "subscription_id", up.id, "watchers", len(up.scopes))
		return sub, nil
	}
	s.mu.Unlock()

	var id string
	var err error
	switch kind {
	case Transaction:
		id, err = s.src.SubscribeTransactions(ctx)
	case Portfolio:
		id, err = s.src.SubscribePortfolio(ctx)
	default:
		return nil, fmt.Errorf("stream: unknown kind %q", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("subscribe %s for %s: %w", kind, scope, err)
	}

	up := &upstream{kind: kind, id: id}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams[kind] = up
	s.byID[id] = up
	sub := s.attachLocked(up, scope)
	// Pushes that raced ahead of the subscribe response.
	if early := s.orphans[id]; len(early) > 0 {
		delete(s.orphans, id)
		s.orphanCnt -= len(early)
		for _, msg := range early {
			s.dispatch(up, msg)
		}
	}
	slog.Info("stream subscribed", "kind", kind, "trader_id", scope, "subscription_id", id)
	return sub, nil
}

func (s *Subscriber) attachLocked(up *upstream, scope string) *Subscription {
	sub := &Subscription{Kind: up.kind, Scope: scope, ID: up.id, s: s, up: up}
	up.scopes = append(up.scopes, scope)
	s.subs[key{kind: up.kind, scope: scope}] = sub
	return sub
}

// Lookup returns the open handle for (kind, scope), if any.
func (s *Subscriber) Lookup(kind Kind, scope string) (*Subscription, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[key{kind: kind, scope: scope}]
	return sub, ok
}

// Count returns the number of live (kind, scope) holds.
func (s *Subscriber) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Upstreams returns the number of open backend streams.
func (s *Subscriber) Upstreams() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams)
}

// detach removes sub from the routing tables. It reports true when sub was
// the last holder of a live upstream, which must then be forgotten.
func (s *Subscriber) detach(sub *Subscription) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{kind: sub.Kind, scope: sub.Scope}
	if cur, ok := s.subs[k]; !ok || cur != sub {
		return false
	}
	delete(s.subs, k)
	sub.up.drop(sub.Scope)
	if len(sub.up.scopes) > 0 || s.streams[sub.Kind] != sub.up {
		return false
	}
	delete(s.streams, sub.Kind)
	delete(s.byID, sub.up.id)
	return true
}

// Run routes messages until ctx is cancelled or the source dies. A dead
// source drops every subscription and reports the affected scopes.
func (s *Subscriber) Run(ctx context.Context) {
	feed := s.src.Messages()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-feed:
			if !ok {
				s.fail(s.src.Err())
				return
			}
			s.route(msg)
		}
	}
}

func (s *Subscriber) route(msg deriv.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	up, ok := s.byID[msg.SubscriptionID]
	if !ok {
		if msg.SubscriptionID == "" {
			return
		}
		if s.orphanCnt >= maxOrphans {
			s.orphans = make(map[string][]deriv.Message)
			s.orphanCnt = 0
		}
		s.orphans[msg.SubscriptionID] = append(s.orphans[msg.SubscriptionID], msg)
		s.orphanCnt++
		return
	}
	s.dispatch(up, msg)
}

// dispatch runs with s.mu held.
func (s *Subscriber) dispatch(up *upstream, msg deriv.Message) {
	scopes := append([]string(nil), up.scopes...)

	if err := deriv.StreamError(msg); err != nil {
		slog.Error("stream error", "kind", up.kind, "trader_ids", scopes, "err", err)
		delete(s.streams, up.kind)
		delete(s.byID, up.id)
		for _, scope := range scopes {
			delete(s.subs, key{kind: up.kind, scope: scope})
		}
		up.scopes = nil
		if s.onFatal != nil && len(scopes) > 0 {
			go s.onFatal(scopes, err)
		}
		return
	}
	if len(scopes) == 0 {
		return
	}

	switch Kind(msg.MsgType) {
	case Transaction:
		tx, err := deriv.DecodeTransaction(msg)
		if err != nil {
			slog.Warn("malformed transaction", "err", err)
			return
		}
		s.handler.HandleTransaction(scopes, tx)
	case Portfolio:
		contracts, err := deriv.DecodePortfolio(msg)
		if err != nil {
			slog.Warn("malformed portfolio", "err", err)
			return
		}
		s.handler.HandlePortfolio(scopes, contracts)
	}
}

func (s *Subscriber) fail(err error) {
	s.mu.Lock()
	seen := make(map[string]bool)
	var scopes []string
	for k := range s.subs {
		if !seen[k.scope] {
			seen[k.scope] = true
			scopes = append(scopes, k.scope)
		}
	}
	for _, up := range s.streams {
		up.scopes = nil
	}
	s.subs = make(map[key]*Subscription)
	s.streams = make(map[Kind]*upstream)
	s.byID = make(map[string]*upstream)
	s.mu.Unlock()

	if err == nil {
		err = deriv.ErrClosed
	}
	slog.Error("master stream disconnected", "scopes", scopes, "err", err)
	if s.onFatal != nil && len(scopes) > 0 {
		s.onFatal(scopes, err)
	}
}
