package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"cloud.google.com/go/pubsub"
)

// DefaultMaxBatchBytes caps the encoded size of one emitted batch. Pub/Sub
// rejects messages near 10MB; staying well under leaves envelope headroom.
const DefaultMaxBatchBytes = 8 * 1024 * 1024

// PubSubEmitter publishes each event of a batch as one CloudEvents-encoded
// Pub/Sub message and waits for every publish to be acknowledged.
type PubSubEmitter struct {
	Client        *pubsub.Client
	Source        string
	MaxBatchBytes int
}

func NewPubSubEmitter(client *pubsub.Client, source string) *PubSubEmitter {
	return &PubSubEmitter{
		Client:        client,
		Source:        source,
		MaxBatchBytes: DefaultMaxBatchBytes,
	}
}

func (p *PubSubEmitter) EmitBatch(ctx context.Context, topic string, events []*Event) error {
	encoded, err := p.encode(events)
	if err != nil {
		return err
	}

	t := p.Client.Topic(topic)
	results := make([]*pubsub.PublishResult, 0, len(encoded))
	for _, data := range encoded {
		results = append(results, t.Publish(ctx, &pubsub.Message{Data: data}))
	}
	for i, res := range results {
		if _, err := res.Get(ctx); err != nil {
			return fmt.Errorf("publish event %d/%d to %s: %w", i+1, len(results), topic, err)
		}
	}
	return nil
}

// encode serializes the batch and enforces the capacity ceiling before any
// message is sent, so a rejected batch has no partial side effects.
func (p *PubSubEmitter) encode(events []*Event) ([][]byte, error) {
	maxBytes := p.MaxBatchBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBatchBytes
	}

	encoded := make([][]byte, 0, len(events))
	total := 0
	for _, e := range events {
		ce, err := NewCloudEvent(p.Source, e)
		if err != nil {
			return nil, fmt.Errorf("wrap event %s: %w", e.ID, err)
		}
		data, err := json.Marshal(ce)
		if err != nil {
			return nil, fmt.Errorf("encode event %s: %w", e.ID, err)
		}
		if len(data) > maxBytes {
			return nil, fmt.Errorf("event %s is %d bytes: %w", e.ID, len(data), ErrBatchCapacity)
		}
		total += len(data)
		encoded = append(encoded, data)
	}
	if total > maxBytes {
		return nil, fmt.Errorf("batch of %d events is %d bytes: %w", len(events), total, ErrBatchCapacity)
	}
	return encoded, nil
}

// LogEmitter is a mock emitter for local development.
type LogEmitter struct {
	Logger *slog.Logger
}

func (l *LogEmitter) EmitBatch(ctx context.Context, topic string, events []*Event) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("MOCK EMIT", "topic", topic, "events", len(events))
	return nil
}
