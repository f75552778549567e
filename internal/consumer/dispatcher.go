package consumer

import (
	"context"
	"encoding/json"

	"example.com/backstage/services/dashboard/internal/event"
	"example.com/backstage/services/dashboard/internal/metrics"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// AuditSink records applied events for search and operational review.
type AuditSink interface {
	IndexEvent(ctx context.Context, env *event.Envelope) error
}

// Dispatcher decodes wire envelopes and fans each one out to the registered
// handlers. Handlers are expected to already be wrapped by the idempotency
// ledger; the dispatcher itself applies no deduplication.
type Dispatcher struct {
	handlers  []Handler
	forwarder Forwarder
	audit     AuditSink
	metrics   *metrics.Metrics
}

// NewDispatcher creates a dispatcher over the given handlers.
func NewDispatcher(handlers []Handler, forwarder Forwarder, audit AuditSink, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		handlers:  handlers,
		forwarder: forwarder,
		audit:     audit,
		metrics:   m,
	}
}

// ProcessMessage decodes a Service Bus message and applies it. A returned
// error abandons the message so the broker redelivers it; the idempotency
// ledger keeps redelivery harmless for handlers that already ran.
func (d *Dispatcher) ProcessMessage(ctx context.Context, message *azservicebus.ReceivedMessage) error {
	var env event.Envelope
	if err := json.Unmarshal(message.Body, &env); err != nil {
		return errors.Wrap(err, "error unmarshalling message")
	}
	return d.Apply(ctx, &env)
}

// Apply validates the envelope and hands it to every handler in order. The
// envelope is only forwarded to the live-update channel after all handlers
// applied it.
func (d *Dispatcher) Apply(ctx context.Context, env *event.Envelope) error {
	if err := env.Validate(); err != nil {
		// A malformed envelope is never silently dropped: the error
		// surfaces so the message is redelivered and alarms fire.
		if d.metrics != nil {
			d.metrics.RecordError("event_apply")
		}
		return err
	}

	log.Info().
		Str("event_id", env.EventID).
		Str("event_type", env.EventType).
		Str("aggregate_id", env.AggregateID).
		Msg("Applying event")

	for _, h := range d.handlers {
		if err := h.Handle(ctx, env); err != nil {
			if d.metrics != nil {
				d.metrics.RecordError("event_apply")
			}
			return errors.Wrapf(err, "handler %q failed", h.Name())
		}
	}

	if d.metrics != nil {
		d.metrics.RecordSuccess("event_apply")
		d.metrics.IncrementCounter("events_applied")
	}

	// Live-update forwarding and audit indexing are best effort; the event
	// is already applied and must not be redelivered over these.
	if d.forwarder != nil {
		if err := d.forwarder.Forward(ctx, env); err != nil {
			log.Warn().Err(err).Str("event_id", env.EventID).Msg("Failed to forward event to live-update channel")
		}
	}
	if d.audit != nil {
		if err := d.audit.IndexEvent(ctx, env); err != nil {
			log.Warn().Err(err).Str("event_id", env.EventID).Msg("Failed to index applied event")
		}
	}
	return nil
}
