// Package kafka streams mirrored-trade events to a Kafka topic for
// downstream consumers (reporting, reconciliation).
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"github.com/atmx/mirror-engine/internal/events"
	"github.com/atmx/mirror-engine/internal/metrics"
	"github.com/atmx/mirror-engine/internal/model"
)

// Writer is the part of *kafka.Writer the publisher uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// TradePublisher publishes TradeMirrored and TradeUpdated events, keyed by
// master contract id so every update of a trade lands on one partition.
type TradePublisher struct {
	writer Writer
	Topic  string
}

// NewTradePublisher creates a publisher writing to topic on brokers.
func NewTradePublisher(brokers []string, topic string) *TradePublisher {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		RequiredAcks:           kafka.RequireAll,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}
	return NewTradePublisherWithWriter(writer, topic)
}

// NewTradePublisherWithWriter wraps an existing writer.
func NewTradePublisherWithWriter(w Writer, topic string) *TradePublisher {
	return &TradePublisher{writer: w, Topic: topic}
}

// Publish sends one trade event.
func (p *TradePublisher) Publish(ctx context.Context, ev events.Event) error {
	trade, ok := ev.Payload.(model.MirroredTrade)
	if !ok {
		return fmt.Errorf("kafka: unexpected payload %T for %s", ev.Payload, ev.Kind)
	}
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal trade event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(trade.ContractID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(ev.Kind)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}

// Run publishes trade events from bus until ctx is done. Write failures are
// counted and logged; the engine never waits on Kafka.
func (p *TradePublisher) Run(ctx context.Context, bus *events.Bus) {
	ch, unsubscribe := bus.Subscribe(1024, events.TradeMirrored, events.TradeUpdated)
	defer unsubscribe()
	p.Consume(ctx, ch)
}

// Consume publishes events from ch until ctx is done or ch is closed.
func (p *TradePublisher) Consume(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := p.Publish(ctx, ev); err != nil {
				metrics.EventsPublished.WithLabelValues("error").Inc()
				slog.Warn("trade event not published", "type", ev.Kind, "event_id", ev.ID, "err", err)
				continue
			}
			metrics.EventsPublished.WithLabelValues("ok").Inc()
		}
	}
}

// Close closes the underlying Kafka writer.
func (p *TradePublisher) Close() error {
	return p.writer.Close()
}
