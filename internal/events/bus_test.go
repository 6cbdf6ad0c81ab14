package events

import "testing"

func TestPublishFiltersByKind(t *testing.T) {
	b := NewBus()
	trades, unsubTrades := b.Subscribe(4, TradeMirrored)
	defer unsubTrades()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()

	b.Publish(AccountAdded, "CR1")
	b.Publish(TradeMirrored, "C1")

	if ev := <-trades; ev.Kind != TradeMirrored || ev.Payload != "C1" {
		t.Errorf("unexpected trade event: %+v", ev)
	}
	select {
	case ev := <-trades:
		t.Errorf("filtered subscriber got %s", ev.Kind)
	default:
	}

	if ev := <-all; ev.Kind != AccountAdded || ev.ID == "" {
		t.Errorf("unexpected first event: %+v", ev)
	}
	if ev := <-all; ev.Kind != TradeMirrored {
		t.Errorf("unexpected second event: %+v", ev)
	}
}

func TestPublishDoesNotBlockOnSlowSubscriber(t *testing.T) {
	b := NewBus()
	ch, unsub := b.Subscribe(1)
	b.Publish(SessionStarted, 1)
	b.Publish(SessionStarted, 2) // dropped

	if ev := <-ch; ev.Payload != 1 {
		t.Errorf("got %v", ev.Payload)
	}
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Error("channel should be closed after unsubscribe")
	}
	b.Publish(SessionStarted, 3)
}

func TestNilBusIsNoop(t *testing.T) {
	var b *Bus
	b.Publish(TradeUpdated, nil)
}
