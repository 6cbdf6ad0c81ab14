package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/atmx/mirror-engine/internal/events"
	"github.com/atmx/mirror-engine/internal/model"
)

type recordingWriter struct {
	mu   sync.Mutex
	msgs  []kafka.Message
	fails int // number of writes to reject
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fails > 0 {
		w.fails--
		return errors.New("broker unavailable")
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingWriter) Close() error { return nil }

func (w *recordingWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.msgs)
}

func TestPublish_KeysByContract(t *testing.T) {
	w := &recordingWriter{}
	p := NewTradePublisherWithWriter(w, "mirrored_trades")

	ev := events.Event{ID: "e1", Kind: events.TradeMirrored, Payload: model.MirroredTrade{ContractID: "C42", MirroredToCount: 3}}
	if err := p.Publish(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
	msg := w.msgs[0]
	if string(msg.Key) != "C42" || string(msg.Headers[0].Value) != string(events.TradeMirrored) {
		t.Errorf("unexpected message: key=%s headers=%v", msg.Key, msg.Headers)
	}
	var decoded struct {
		Type    string              `json:"type"`
		Payload model.MirroredTrade `json:"payload"`
	}
	if err := json.Unmarshal(msg.Value, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Type != "trade_mirrored" || decoded.Payload.MirroredToCount != 3 {
		t.Errorf("unexpected value: %+v", decoded)
	}
}

func TestPublish_RejectsForeignPayload(t *testing.T) {
	p := NewTradePublisherWithWriter(&recordingWriter{}, "t")
	if err := p.Publish(context.Background(), events.Event{Kind: events.SessionStarted, Payload: "x"}); err == nil {
		t.Error("expected error for non-trade payload")
	}
}

func TestConsume_ForwardsTradeEvents(t *testing.T) {
	w := &recordingWriter{}
	p := NewTradePublisherWithWriter(w, "t")
	bus := events.NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	ch, unsubscribe := bus.Subscribe(8, events.TradeMirrored, events.TradeUpdated)
	defer unsubscribe()
	go func() { p.Consume(ctx, ch); close(done) }()
	defer func() { cancel(); <-done }()

	bus.Publish(events.SessionStarted, model.CopySession{TraderID: "t1"})
	bus.Publish(events.TradeMirrored, model.MirroredTrade{ContractID: "C1"})
	bus.Publish(events.TradeUpdated, model.MirroredTrade{ContractID: "C1", Status: model.TradeWon})

	deadline := time.Now().Add(2 * time.Second)
	for w.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := w.count(); n != 2 {
		t.Errorf("expected 2 messages, got %d", n)
	}
}

func TestConsume_SurvivesWriteErrors(t *testing.T) {
	w := &recordingWriter{fails: 1}
	p := NewTradePublisherWithWriter(w, "t")
	bus := events.NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	ch, unsubscribe := bus.Subscribe(8, events.TradeMirrored)
	defer unsubscribe()
	go func() { p.Consume(ctx, ch); close(done) }()

	bus.Publish(events.TradeMirrored, model.MirroredTrade{ContractID: "C1"})
	bus.Publish(events.TradeMirrored, model.MirroredTrade{ContractID: "C2"})

	deadline := time.Now().Add(2 * time.Second)
	for w.count() < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
	if w.count() != 1 || string(w.msgs[0].Key) != "C2" {
		t.Errorf("publisher stopped after a write error: %d", w.count())
	}
}
