package outbox

import (
	"context"
	"sync"
	"time"

	"example.com/backstage/services/dashboard/internal/metrics"
	"example.com/backstage/services/dashboard/internal/models"

	"github.com/rs/zerolog/log"
)

// Publisher delivers a batch of outbox rows to the distribution channel.
// PublishBatch must preserve the order of the rows it is given.
type Publisher interface {
	PublishBatch(ctx context.Context, rows []models.OutboxEvent) error
}

// State is the relay's observable processing state.
type State string

const (
	StateIdle             State = "idle"
	StateSelectingBatch   State = "selecting_batch"
	StatePublishing       State = "publishing"
	StateMarkingPublished State = "marking_published"
	StateShuttingDown     State = "shutting_down"
)

// Relay is the background process that moves pending outbox rows to the
// distribution channel. Any number of relay instances may run concurrently;
// the store's locking keeps them from claiming the same rows.
type Relay struct {
	store     Store
	publisher Publisher
	metrics   *metrics.Metrics
	batchSize int
	interval  time.Duration

	mu    sync.Mutex
	state State
}

// NewRelay creates a relay over the given store and publisher.
func NewRelay(store Store, publisher Publisher, m *metrics.Metrics, batchSize int, interval time.Duration) *Relay {
	if batchSize <= 0 {
		batchSize = 100
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Relay{
		store:     store,
		publisher: publisher,
		metrics:   m,
		batchSize: batchSize,
		interval:  interval,
		state:     StateIdle,
	}
}

// State returns the relay's current processing state.
func (r *Relay) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Relay) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// Start runs the relay loop until the context is cancelled. Cancellation
// finishes the in-flight batch before stopping, so no event is abandoned
// mid-publish.
func (r *Relay) Start(ctx context.Context) error {
	log.Info().
		Int("batch_size", r.batchSize).
		Dur("interval", r.interval).
		Msg("Starting outbox relay")

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.setState(StateShuttingDown)
			log.Info().Msg("Outbox relay shutting down")
			return nil
		case <-ticker.C:
			if _, err := r.Tick(ctx); err != nil {
				// A failed batch stays pending and is retried next tick;
				// never surfaced further.
				log.Error().Err(err).Msg("Outbox relay tick failed")
				if r.metrics != nil {
					r.metrics.RecordError("relay_tick")
				}
			} else if r.metrics != nil {
				r.metrics.RecordSuccess("relay_tick")
			}
		}
	}
}

// Tick processes a single batch: select pending rows, publish them, mark
// them published. Returns the number of rows published.
//
// The batch runs on a context detached from the caller's cancellation:
// shutdown stops the scheduling of further ticks, never the batch in flight.
// Cancelling between the publish ack and the mark would abort the marking
// transaction and force a duplicate delivery next tick.
func (r *Relay) Tick(ctx context.Context) (int, error) {
	start := time.Now()
	r.setState(StateSelectingBatch)
	defer r.setState(StateIdle)

	batchCtx := context.WithoutCancel(ctx)
	n, err := r.store.ClaimPending(batchCtx, r.batchSize, func(ctx context.Context, rows []models.OutboxEvent) error {
		r.setState(StatePublishing)
		if err := r.publisher.PublishBatch(ctx, rows); err != nil {
			return err
		}
		r.setState(StateMarkingPublished)
		return nil
	})
	if err != nil {
		return 0, err
	}

	if n > 0 {
		if r.metrics != nil {
			r.metrics.IncrementCounterBy("outbox_events_published", int64(n))
			r.metrics.RecordTimer("relay_batch", time.Since(start).Milliseconds())
		}
		log.Info().Int("count", n).Msg("Outbox batch published")
	}
	return n, nil
}
