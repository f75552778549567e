package projection

import (
	"context"

	"example.com/backstage/services/dashboard/internal/cache"
	"example.com/backstage/services/dashboard/internal/event"
	"example.com/backstage/services/dashboard/internal/metrics"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// AlertSink receives operational alerts that need a human: events that can
// no longer be migrated to the current schema.
type AlertSink interface {
	IndexAlert(ctx context.Context, doc map[string]interface{}) error
}

// SessionProjector folds session events into the dashboard cache. It is
// registered behind the idempotency wrapper, so every event reaches it at
// most once.
type SessionProjector struct {
	cache    *DashboardCache
	registry *event.Registry
	alerts   AlertSink
	metrics  *metrics.Metrics
}

// NewSessionProjector creates the projector over the given cache and schema
// registry.
func NewSessionProjector(c *DashboardCache, reg *event.Registry, alerts AlertSink, m *metrics.Metrics) *SessionProjector {
	return &SessionProjector{cache: c, registry: reg, alerts: alerts, metrics: m}
}

// Name identifies the projector in the idempotency ledger.
func (p *SessionProjector) Name() string {
	return "session-overview-projector"
}

// Handle migrates the envelope to the current schema version and applies it
// to the cache. An upcast failure is fatal for this event's delivery: it is
// surfaced as an operational alert, never silently skipped, because skipping
// would corrupt the projection. A malformed payload on a current-version
// event is non-fatal for the cache: the entry is marked stale so the next
// read falls through to the system of record.
func (p *SessionProjector) Handle(ctx context.Context, env *event.Envelope) error {
	current, err := p.registry.UpcastToCurrent(env)
	if err != nil {
		p.countError()
		p.alert(ctx, env, err)
		return errors.Wrapf(err, "cannot migrate event %s", env.EventID)
	}

	switch current.Family() {
	case FamilySessionCreated:
		return p.applyCreated(current)
	case FamilySessionRenamed:
		return p.applyRenamed(current)
	case FamilyCycleAdvanced:
		return p.applyCycleAdvanced(current)
	default:
		log.Warn().Str("event_type", current.EventType).Msg("Unknown event family, ignoring")
		return nil
	}
}

func (p *SessionProjector) applyCreated(env *event.Envelope) error {
	title, err := env.Payload.GetString("title")
	if err != nil {
		return p.discardMalformed(env, err)
	}

	overview := SessionOverview{
		SessionID: env.AggregateID,
		Title:     title,
		Phase:     "created",
	}
	if d, ok := env.Payload["description"].(string); ok {
		overview.Description = &d
	}
	if owner, ok := env.Payload["owner"].(map[string]interface{}); ok {
		if uid, ok := owner["user_id"].(string); ok {
			overview.Owner.UserID = uid
		}
		if name, ok := owner["display_name"].(string); ok {
			overview.Owner.DisplayName = name
		}
	}

	version, err := env.Payload.GetInt("aggregate_version")
	if err != nil {
		version = 1
	}
	p.cache.Sessions.Put(env.AggregateID, overview, env.EventID, version)
	p.countApplied()
	return nil
}

func (p *SessionProjector) applyRenamed(env *event.Envelope) error {
	title, err := env.Payload.GetString("title")
	if err != nil {
		return p.discardMalformed(env, err)
	}
	version, err := env.Payload.GetInt("aggregate_version")
	if err != nil {
		return p.discardMalformed(env, err)
	}

	p.update(env, version, func(o *SessionOverview) {
		o.Title = title
	})
	return nil
}

func (p *SessionProjector) applyCycleAdvanced(env *event.Envelope) error {
	phase, err := env.Payload.GetString("phase")
	if err != nil {
		// The cycle sub-entity could not be applied; flag it so overview
		// reads report it stale.
		p.cache.Sessions.MarkSubEntityStale(env.AggregateID, "cycles")
		return p.discardMalformed(env, err)
	}
	version, err := env.Payload.GetInt("aggregate_version")
	if err != nil {
		p.cache.Sessions.MarkSubEntityStale(env.AggregateID, "cycles")
		return p.discardMalformed(env, err)
	}

	p.update(env, version, func(o *SessionOverview) {
		o.Phase = phase
		o.CycleCount++
	})
	return nil
}

// update applies an in-place mutation, tolerating entries the cache has not
// seen created and out-of-order versions by falling back to staleness.
func (p *SessionProjector) update(env *event.Envelope, version int64, mutate func(*SessionOverview)) {
	applied, err := p.cache.Sessions.Update(env.AggregateID, env.EventID, version, mutate)
	if err != nil {
		var conc *cache.ConcurrencyError
		if errors.As(err, &conc) {
			// The cached entry is ahead or a duplicate slipped the version
			// fence; leave the value alone and let the next read reload.
			log.Warn().
				Str("event_id", env.EventID).
				Str("session_id", env.AggregateID).
				Int64("entry_version", conc.EntryVersion).
				Int64("event_version", conc.EventVersion).
				Msg("Version conflict applying event, marking entry stale")
			p.cache.Sessions.MarkStale(env.AggregateID)
		}
		return
	}
	if applied {
		p.countApplied()
	}
}

// discardMalformed drops an event for cache purposes only. Authoritative
// state is never only in the cache, so the entry is marked stale and the
// next read repairs it from the system of record.
func (p *SessionProjector) discardMalformed(env *event.Envelope, cause error) error {
	log.Error().
		Err(cause).
		Str("event_id", env.EventID).
		Str("event_type", env.EventType).
		Str("session_id", env.AggregateID).
		Msg("Malformed payload, discarding event for cache and marking entry stale")
	p.cache.Sessions.MarkStale(env.AggregateID)
	p.countError()
	return nil
}

func (p *SessionProjector) alert(ctx context.Context, env *event.Envelope, cause error) {
	if p.alerts == nil {
		return
	}
	doc := map[string]interface{}{
		"kind":         "upcast_failure",
		"event_id":     env.EventID,
		"event_type":   env.EventType,
		"aggregate_id": env.AggregateID,
		"error":        cause.Error(),
		"occurred_at":  env.OccurredAt,
	}
	if err := p.alerts.IndexAlert(ctx, doc); err != nil {
		log.Warn().Err(err).Str("event_id", env.EventID).Msg("Failed to index upcast alert")
	}
}

func (p *SessionProjector) countApplied() {
	if p.metrics != nil {
		p.metrics.IncrementCounter("projection_events_applied")
	}
}

func (p *SessionProjector) countError() {
	if p.metrics != nil {
		p.metrics.IncrementCounter("projection_events_failed")
	}
}
