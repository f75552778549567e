package cache

import "time"

// FreshnessLevel classifies a cache entry's age.
type FreshnessLevel string

const (
	// Fresh entries are younger than the warm threshold.
	Fresh FreshnessLevel = "fresh"
	// Warm entries are at or past the warm threshold but younger than the
	// stale threshold.
	Warm FreshnessLevel = "warm"
	// Stale entries are at or past the stale threshold; callers should
	// bypass the cache and reload from the system of record.
	Stale FreshnessLevel = "stale"
	// Expired entries are at or past the expiry threshold and are eligible
	// for eviction.
	Expired FreshnessLevel = "expired"
)

// Thresholds are the age boundaries for freshness classification. Boundaries
// are half-open on the lower bound and closed on the upper: an entry aged
// exactly Warm classifies as warm, not fresh.
type Thresholds struct {
	Warm   time.Duration
	Stale  time.Duration
	Expiry time.Duration
}

// DefaultThresholds returns the standard dashboard thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Warm:   30 * time.Second,
		Stale:  5 * time.Minute,
		Expiry: time.Hour,
	}
}

// Classify maps an entry age to its freshness level.
func (t Thresholds) Classify(age time.Duration) FreshnessLevel {
	switch {
	case age < t.Warm:
		return Fresh
	case age < t.Stale:
		return Warm
	case age < t.Expiry:
		return Stale
	default:
		return Expired
	}
}

// Metadata is the freshness description returned alongside every cache read.
type Metadata struct {
	UpdatedAt        time.Time      `json:"updated_at"`
	FreshnessLevel   FreshnessLevel `json:"freshness_level"`
	ShouldRefresh    bool           `json:"should_refresh"`
	StaleSubEntities []string       `json:"stale_sub_entities"`
}
