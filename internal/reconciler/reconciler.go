package reconciler

import (
	"context"
	"time"

	"example.com/backstage/services/dashboard/internal/metrics"
	"example.com/backstage/services/dashboard/internal/projection"
	"example.com/backstage/services/dashboard/internal/repository"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Reconciler is the backstop that bounds cache staleness when the event
// pipeline silently drops something: it periodically samples cached session
// ids, compares each entry's version against the system of record, and
// repairs trailing entries with a full read-through reload, never a partial
// patch.
type Reconciler struct {
	cache      *projection.DashboardCache
	repo       repository.SessionRepository
	sampleSize int
	metrics    *metrics.Metrics
}

// New creates a reconciler over the cache and the system-of-record
// repository.
func New(c *projection.DashboardCache, repo repository.SessionRepository, sampleSize int, m *metrics.Metrics) *Reconciler {
	if sampleSize <= 0 {
		sampleSize = 100
	}
	return &Reconciler{cache: c, repo: repo, sampleSize: sampleSize, metrics: m}
}

// Run performs one reconciliation pass. A pass that has started always
// completes: cancellation stops the scheduling of further passes, not the
// one in flight, so no cache entry is left half-repaired.
func (r *Reconciler) Run(ctx context.Context) error {
	start := time.Now()
	ids := r.cache.Sessions.SampleIDs(r.sampleSize)
	log.Info().Int("sample", len(ids)).Msg("Running cache reconciliation pass")

	repaired := 0
	for _, id := range ids {
		if err := r.reconcileSession(ctx, id, &repaired); err != nil {
			log.Error().Err(err).Str("session_id", id).Msg("Failed to reconcile session")
			if r.metrics != nil {
				r.metrics.RecordError("reconcile_session")
			}
			// Continue with the rest of the sample
		}
	}

	expired := r.cache.Sessions.EvictExpired()

	if r.metrics != nil {
		r.metrics.IncrementCounterBy("reconciler_repairs", int64(repaired))
		r.metrics.RecordTimer("reconciler_pass", time.Since(start).Milliseconds())
	}
	log.Info().
		Int("repaired", repaired).
		Int("expired", expired).
		Msg("Reconciliation pass complete")
	return nil
}

func (r *Reconciler) reconcileSession(ctx context.Context, id string, repaired *int) error {
	cachedVersion, ok := r.cache.Sessions.Version(id)
	if !ok {
		// Evicted between sampling and now
		return nil
	}

	storeVersion, err := r.repo.CurrentVersion(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			// The session no longer exists; the projection must not outlive it.
			r.cache.Sessions.Remove(id)
			return nil
		}
		return err
	}

	if storeVersion <= cachedVersion {
		return nil
	}

	log.Info().
		Str("session_id", id).
		Int64("cached_version", cachedVersion).
		Int64("store_version", storeVersion).
		Msg("Cache entry trails system of record, repairing")

	r.cache.Sessions.MarkStale(id)
	if _, _, err := r.cache.Sessions.GetOrLoad(ctx, id, projection.OverviewLoader(r.repo, id)); err != nil {
		return errors.Wrap(err, "repair reload failed")
	}
	*repaired++
	return nil
}
