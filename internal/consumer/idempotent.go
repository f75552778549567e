package consumer

import (
	"context"

	"example.com/backstage/services/dashboard/internal/event"
	"example.com/backstage/services/dashboard/internal/metrics"
	"example.com/backstage/services/dashboard/internal/models"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Handler consumes envelopes. Name identifies the handler in the idempotency
// ledger; two different handlers each see every event independently.
type Handler interface {
	Name() string
	Handle(ctx context.Context, env *event.Envelope) error
}

// Ledger is the idempotency ledger: an atomic insert-if-absent over
// (handler, event) pairs.
type Ledger interface {
	// Record inserts the pair and reports whether the insert took place.
	// false means the pair already existed.
	Record(ctx context.Context, handlerName, eventID string) (bool, error)
}

// GormLedger persists the ledger in Postgres, so entries survive restarts
// and expire individually instead of being wiped wholesale.
type GormLedger struct {
	db *gorm.DB
}

// NewGormLedger creates a ledger on the given database.
func NewGormLedger(db *gorm.DB) *GormLedger {
	return &GormLedger{db: db}
}

// Record implements Ledger using an ON CONFLICT DO NOTHING insert on the
// composite primary key, which is race-safe under concurrent handler
// instances.
func (l *GormLedger) Record(ctx context.Context, handlerName, eventID string) (bool, error) {
	rec := models.ProcessedEvent{HandlerName: handlerName, EventID: eventID}
	result := l.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&rec)
	if result.Error != nil {
		return false, errors.Wrap(result.Error, "failed to record processed event")
	}
	return result.RowsAffected > 0, nil
}

// IdempotentHandler wraps a handler so a given (handler, event) pair is
// applied at most once. The relay favors duplicate delivery over lost
// delivery; this wrapper converts that at-least-once stream into
// effectively-once application per handler.
type IdempotentHandler struct {
	inner   Handler
	ledger  Ledger
	metrics *metrics.Metrics
}

// Wrap decorates a handler with the idempotency ledger.
func Wrap(inner Handler, ledger Ledger, m *metrics.Metrics) *IdempotentHandler {
	return &IdempotentHandler{inner: inner, ledger: ledger, metrics: m}
}

// Name returns the wrapped handler's name.
func (h *IdempotentHandler) Name() string {
	return h.inner.Name()
}

// Handle records the (handler, event) pair and invokes the inner handler
// only when the pair was not already present.
func (h *IdempotentHandler) Handle(ctx context.Context, env *event.Envelope) error {
	inserted, err := h.ledger.Record(ctx, h.inner.Name(), env.EventID)
	if err != nil {
		return err
	}
	if !inserted {
		log.Debug().
			Str("handler", h.inner.Name()).
			Str("event_id", env.EventID).
			Msg("Duplicate delivery skipped")
		if h.metrics != nil {
			h.metrics.IncrementCounter("events_deduplicated")
		}
		return nil
	}
	return h.inner.Handle(ctx, env)
}
