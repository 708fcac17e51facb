// Package bus emits converted records to the downstream append-only event bus.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
)

// ErrBatchCapacity means the batch (or a single event) exceeds what the bus
// will accept. It is reported distinctly from transport failures so the
// importer can split and retry instead of treating the page as transient.
var ErrBatchCapacity = errors.New("batch exceeds bus capacity")

// Event is the common shape every imported record is converted into before
// emission, regardless of source platform.
type Event struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	Platform  string          `json:"platform"`
	StreamID  string          `json:"stream_id"`
	Kind      string          `json:"kind"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// Emitter sends batches of events to a topic. Implementations return
// ErrBatchCapacity (possibly wrapped) for size rejections and any other error
// for transport failures.
type Emitter interface {
	EmitBatch(ctx context.Context, topic string, events []*Event) error
}

// NewCloudEvent wraps one bus event in a CloudEvents v1.0 envelope.
func NewCloudEvent(source string, e *Event) (cloudevents.Event, error) {
	ce := cloudevents.NewEvent()
	ce.SetSpecVersion("1.0")
	ce.SetID(e.ID)
	ce.SetType("com.vitalsync.record." + e.Kind)
	ce.SetSource(source)
	ce.SetTime(e.Timestamp)

	if err := ce.SetData(cloudevents.ApplicationJSON, e); err != nil {
		return ce, err
	}
	return ce, nil
}
