package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"custodyledger/internal/observability"
)

// PublishableEvent is a committed ledger or settlement event ready for
// outbound publishing to downstream consumers (notifications, analytics).
type PublishableEvent struct {
	EventType     string            `json:"event_type"`
	AccountID     string            `json:"account_id,omitempty"`
	TransactionID string            `json:"transaction_id,omitempty"`
	Asset         string            `json:"asset,omitempty"`
	Amount        string            `json:"amount,omitempty"`
	Status        string            `json:"status,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
}

// Emitter hands events to the publisher without blocking the caller.
// Publishing is best-effort: the ledger itself is the source of truth and
// downstream consumers can re-read it, so a full buffer drops the event.
type Emitter struct {
	ch      chan PublishableEvent
	metrics *observability.Metrics
}

func NewEmitter(buffer int, metrics *observability.Metrics) *Emitter {
	return &Emitter{
		ch:      make(chan PublishableEvent, buffer),
		metrics: metrics,
	}
}

// Emit queues an event, dropping it if the buffer is full.
func (e *Emitter) Emit(evt PublishableEvent) {
	if e == nil {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	select {
	case e.ch <- evt:
	default:
		if e.metrics != nil {
			e.metrics.PublishDrops.Inc()
		}
	}
}

// Events exposes the queue for the publisher loop.
func (e *Emitter) Events() <-chan PublishableEvent {
	return e.ch
}

// OutboundPublisher drains the emitter and publishes to NATS JetStream.
// Subjects follow custody.ledger.events.{event_type}.
type OutboundPublisher struct {
	js      jetstream.JetStream
	input   <-chan PublishableEvent
	log     zerolog.Logger
	metrics *observability.Metrics
}

func NewOutboundPublisher(js jetstream.JetStream, input <-chan PublishableEvent, log zerolog.Logger, metrics *observability.Metrics) *OutboundPublisher {
	return &OutboundPublisher{js: js, input: input, log: log, metrics: metrics}
}

// Run starts the publisher loop. Blocks until ctx is cancelled or the
// input channel is closed.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case evt, ok := <-op.input:
			if !ok {
				return nil
			}
			if err := op.publish(ctx, evt); err != nil {
				if op.metrics != nil {
					op.metrics.PublishErrors.Inc()
				}
				// Non-fatal: consumers can read the ledger directly.
				op.log.Warn().Str("event_type", evt.EventType).Err(err).Msg("outbound publish failed")
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, evt PublishableEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	subject := fmt.Sprintf("custody.ledger.events.%s", evt.EventType)
	_, err = op.js.Publish(ctx, subject, data)
	return err
}

// EnsureOutboundStream creates the outbound events stream if missing.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "CUSTODY_LEDGER_EVENTS",
		Subjects:  []string{"custody.ledger.events.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	return nil
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, log zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
