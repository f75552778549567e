package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"example.com/backstage/services/dashboard/internal/metrics"

	"github.com/rs/zerolog/log"
)

// LoadFailedError is returned when a read-through load from the system of
// record fails.
type LoadFailedError struct {
	ID  string
	Err error
}

func (e *LoadFailedError) Error() string {
	return fmt.Sprintf("failed to load entry %q from system of record: %v", e.ID, e.Err)
}

func (e *LoadFailedError) Unwrap() error { return e.Err }

// ConcurrencyError is returned when an update carries a version that is not
// newer than the cached entry's version.
type ConcurrencyError struct {
	ID           string
	EntryVersion int64
	EventVersion int64
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("entry %q is at version %d, rejected update at version %d", e.ID, e.EntryVersion, e.EventVersion)
}

// Entry wraps a projected value with its freshness bookkeeping.
type Entry[T any] struct {
	Data             T
	UpdatedAt        time.Time
	LastEventID      string
	Version          int64
	Stale            bool
	StaleSubEntities []string
}

// Loader fetches an entity's current state and version from the system of
// record on a cache miss or staleness fall-through.
type Loader[T any] func(ctx context.Context) (T, int64, error)

// Region is an in-memory, typed projection store keyed by entity id. It is
// shared within one process only; each process instance keeps its own
// region, which is why reads are staleness-aware and the reconciler exists.
//
// A region carries no identity or ownership information and is never an
// authorization decision point: entries are populated by events, not by
// authenticated requests, so every read path serving an entry to a caller
// must independently re-verify that the caller may access the entity.
type Region[T any] struct {
	name       string
	mu         sync.Mutex
	entries    map[string]*Entry[T]
	maxEntries int
	thresholds Thresholds
	metrics    *metrics.Metrics
	now        func() time.Time
}

// NewRegion creates a cache region bounded to maxEntries.
func NewRegion[T any](name string, maxEntries int, thresholds Thresholds, m *metrics.Metrics) *Region[T] {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	return &Region[T]{
		name:       name,
		entries:    make(map[string]*Entry[T]),
		maxEntries: maxEntries,
		thresholds: thresholds,
		metrics:    m,
		now:        time.Now,
	}
}

// SetClock overrides the region's time source. Tests only.
func (r *Region[T]) SetClock(now func() time.Time) {
	r.mu.Lock()
	r.now = now
	r.mu.Unlock()
}

// GetOrLoad returns the cached entry when it is present and usable, and
// otherwise reads through to the system of record via loader, populates the
// region and returns the fresh value. The loader runs outside the region
// lock so a slow reload does not stall unrelated reads and writes.
func (r *Region[T]) GetOrLoad(ctx context.Context, id string, loader Loader[T]) (Entry[T], Metadata, error) {
	r.mu.Lock()
	if e, ok := r.entries[id]; ok && !e.Stale {
		meta := r.metadataLocked(e)
		if meta.FreshnessLevel == Fresh || meta.FreshnessLevel == Warm {
			snapshot := *e
			r.mu.Unlock()
			r.count("cache_hits")
			return snapshot, meta, nil
		}
	}
	r.mu.Unlock()
	r.count("cache_misses")

	data, version, err := loader(ctx)
	if err != nil {
		return Entry[T]{}, Metadata{}, &LoadFailedError{ID: id, Err: err}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if ok && e.Version > version {
		// An event moved the entry past the loader snapshot while the load
		// was in flight. Entry versions never regress, so the newer value
		// wins and the snapshot is discarded.
		snapshot := *e
		return snapshot, r.metadataLocked(e), nil
	}
	if !ok {
		e = &Entry[T]{}
		r.entries[id] = e
	}
	// Reconciliation repair and read-through replace the value wholesale,
	// never patch it.
	e.Data = data
	e.Version = version
	e.UpdatedAt = r.now()
	e.Stale = false
	e.StaleSubEntities = nil
	r.evictOverflowLocked()

	snapshot := *e
	return snapshot, r.metadataLocked(e), nil
}

// Get returns the entry and its freshness without loading. The second result
// is false when the id is not cached.
func (r *Region[T]) Get(id string) (Entry[T], Metadata, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return Entry[T]{}, Metadata{}, false
	}
	return *e, r.metadataLocked(e), true
}

// Put creates or wholesale-replaces an entry. Used when an entity's creation
// event is observed.
func (r *Region[T]) Put(id string, data T, eventID string, version int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		e = &Entry[T]{}
		r.entries[id] = e
	}
	e.Data = data
	e.LastEventID = eventID
	e.Version = version
	e.UpdatedAt = r.now()
	e.Stale = false
	e.StaleSubEntities = nil
	r.evictOverflowLocked()
}

// Update applies an in-place mutation to a cached entity. When the id is
// absent the update is a logged no-op: absence means the entity's creation
// event has not been observed yet, and an update must never invent it.
// Returns a ConcurrencyError when version is not newer than the entry's.
func (r *Region[T]) Update(id, eventID string, version int64, mutate func(*T)) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		log.Debug().
			Str("region", r.name).
			Str("entity_id", id).
			Str("event_id", eventID).
			Msg("Update for uncached entity skipped, creation event not yet observed")
		return false, nil
	}
	if version <= e.Version {
		return false, &ConcurrencyError{ID: id, EntryVersion: e.Version, EventVersion: version}
	}

	mutate(&e.Data)
	e.LastEventID = eventID
	e.Version = version
	e.UpdatedAt = r.now()
	e.Stale = false
	return true, nil
}

// MarkStale flags an entry so the next read falls through to the system of
// record. Returns false when the id is not cached.
func (r *Region[T]) MarkStale(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return false
	}
	e.Stale = true
	return true
}

// MarkSubEntityStale records that one of the entry's sub-entities could not
// be applied and needs a reload.
func (r *Region[T]) MarkSubEntityStale(id, subEntity string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return false
	}
	for _, s := range e.StaleSubEntities {
		if s == subEntity {
			return true
		}
	}
	e.StaleSubEntities = append(e.StaleSubEntities, subEntity)
	return true
}

// Version returns the cached entry's version.
func (r *Region[T]) Version(id string) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return 0, false
	}
	return e.Version, true
}

// Remove evicts a single entry.
func (r *Region[T]) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; !ok {
		return false
	}
	delete(r.entries, id)
	r.count("cache_evictions")
	return true
}

// SampleIDs returns up to n cached ids. Map iteration makes the sample
// arbitrary, which is what the reconciler wants.
func (r *Region[T]) SampleIDs(n int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, n)
	for id := range r.entries {
		if len(ids) >= n {
			break
		}
		ids = append(ids, id)
	}
	return ids
}

// Len returns the number of cached entries.
func (r *Region[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// EvictExpired removes entries older than the expiry threshold and returns
// how many were evicted.
func (r *Region[T]) EvictExpired() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := 0
	now := r.now()
	for id, e := range r.entries {
		if r.thresholds.Classify(now.Sub(e.UpdatedAt)) == Expired {
			delete(r.entries, id)
			evicted++
		}
	}
	if evicted > 0 && r.metrics != nil {
		r.metrics.IncrementCounterBy("cache_evictions", int64(evicted))
	}
	return evicted
}

// evictOverflowLocked enforces the region's entry bound: while over capacity,
// the entry with the oldest UpdatedAt goes first. LRU here is by last update
// time, not last read time; this cache optimizes for event recency, not read
// popularity.
func (r *Region[T]) evictOverflowLocked() {
	for len(r.entries) > r.maxEntries {
		var oldestID string
		var oldest time.Time
		first := true
		for id, e := range r.entries {
			if first || e.UpdatedAt.Before(oldest) {
				oldestID = id
				oldest = e.UpdatedAt
				first = false
			}
		}
		delete(r.entries, oldestID)
		r.count("cache_evictions")
		log.Debug().
			Str("region", r.name).
			Str("entity_id", oldestID).
			Msg("Evicted oldest entry, region over capacity")
	}
}

func (r *Region[T]) metadataLocked(e *Entry[T]) Metadata {
	level := r.thresholds.Classify(r.now().Sub(e.UpdatedAt))
	sub := e.StaleSubEntities
	if sub == nil {
		sub = []string{}
	}
	return Metadata{
		UpdatedAt:        e.UpdatedAt,
		FreshnessLevel:   level,
		ShouldRefresh:    e.Stale || level == Stale || level == Expired,
		StaleSubEntities: sub,
	}
}

func (r *Region[T]) count(name string) {
	if r.metrics != nil {
		r.metrics.IncrementCounter(name)
	}
}
