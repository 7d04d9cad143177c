// Package stream publishes product events to Kafka-compatible brokers so
// downstream consumers (analytics, external bots) can react to drops.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/phantomlabs/phantom/internal/domain"
)

// TopicProductEvents carries every restock/new-product/price-change event.
const TopicProductEvents = "phantom-product-events"

// Publisher wraps a franz-go client. Register HandleEvent on the monitor
// bus to stream everything the monitors emit.
type Publisher struct {
	client *kgo.Client
	topic  string
}

// NewPublisher connects to the brokers. The caller owns Close.
func NewPublisher(brokers []string) (*Publisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("stream publisher: no seed brokers: %w", domain.ErrInvalidArgument)
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1_000_000),
	)
	if err != nil {
		return nil, fmt.Errorf("stream publisher client: %w", err)
	}
	slog.Info("stream publisher connected", slog.Any("brokers", brokers))
	return &Publisher{client: client, topic: TopicProductEvents}, nil
}

// HandleEvent is a monitor bus subscriber. Delivery is asynchronous; a
// broker hiccup is logged and dropped rather than stalling the monitors.
func (p *Publisher) HandleEvent(ctx context.Context, ev domain.ProductEvent) {
	b, err := json.Marshal(ev)
	if err != nil {
		slog.Error("stream publish marshal", slog.String("event_id", ev.ID), slog.Any("error", err))
		return
	}
	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(ev.StoreURL), // per-store ordering
		Value: b,
		Headers: []kgo.RecordHeader{
			{Key: "event_type", Value: []byte(ev.Type)},
			{Key: "source", Value: []byte(ev.Source)},
		},
	}
	p.client.Produce(ctx, record, func(_ *kgo.Record, err error) {
		if err != nil {
			slog.Error("stream publish failed",
				slog.String("event_id", ev.ID),
				slog.String("topic", p.topic),
				slog.Any("error", err))
			return
		}
		slog.Debug("product event published",
			slog.String("event_id", ev.ID),
			slog.String("type", string(ev.Type)))
	})
}

// Close flushes pending records and releases the client.
func (p *Publisher) Close() error {
	if p.client != nil {
		if err := p.client.Flush(context.Background()); err != nil {
			slog.Warn("stream publisher flush", slog.Any("error", err))
		}
		p.client.Close()
	}
	return nil
}
