package projection

import (
	"example.com/backstage/services/dashboard/config"
	"example.com/backstage/services/dashboard/internal/cache"
	"example.com/backstage/services/dashboard/internal/event"
	"example.com/backstage/services/dashboard/internal/metrics"
)

// Event families projected onto the dashboard.
const (
	FamilySessionCreated = "session.created"
	FamilySessionRenamed = "session.renamed"
	FamilyCycleAdvanced  = "session.cycle_advanced"
)

// AggregateSession is the aggregate type of all session events.
const AggregateSession = "session"

// Owner identifies who owns a session, as carried in v3 payloads.
type Owner struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

// SessionOverview is the dashboard's projected view of one session: the fold
// of all events seen for that session id.
type SessionOverview struct {
	SessionID   string  `json:"session_id"`
	Title       string  `json:"title"`
	Description *string `json:"description"`
	Owner       Owner   `json:"owner"`
	Phase       string  `json:"phase"`
	CycleCount  int     `json:"cycle_count"`
}

// DashboardCache is the process-wide read-model cache, constructed at
// startup and injected into its consumers; never a package singleton.
type DashboardCache struct {
	Sessions *cache.Region[SessionOverview]
}

// NewDashboardCache builds the cache regions from configuration.
func NewDashboardCache(cfg config.CacheConfig, m *metrics.Metrics) *DashboardCache {
	thresholds := cache.DefaultThresholds()
	if cfg.WarmThreshold > 0 {
		thresholds.Warm = cfg.WarmThreshold
	}
	if cfg.StaleThreshold > 0 {
		thresholds.Stale = cfg.StaleThreshold
	}
	if cfg.ExpiryThreshold > 0 {
		thresholds.Expiry = cfg.ExpiryThreshold
	}
	return &DashboardCache{
		Sessions: cache.NewRegion[SessionOverview]("sessions", cfg.MaxSessions, thresholds, m),
	}
}

// RegisterUpcasters installs the schema migration chains for all session
// event families. Chains must stay contiguous; adding a version means
// appending its upcaster here.
func RegisterUpcasters(reg *event.Registry) error {
	// session.created v1 -> v2: adds the description field, defaulted to null.
	if err := reg.Register(FamilySessionCreated, 2, upcastCreatedAddDescription); err != nil {
		return err
	}
	// session.created v2 -> v3: wraps user_id into an owner object.
	if err := reg.Register(FamilySessionCreated, 3, upcastCreatedWrapOwner); err != nil {
		return err
	}
	// session.cycle_advanced v1 -> v2: renames stage to phase.
	if err := reg.Register(FamilyCycleAdvanced, 2, upcastCycleRenameStage); err != nil {
		return err
	}
	return nil
}

func upcastCreatedAddDescription(p event.Payload) (event.Payload, error) {
	out := p.Copy()
	out.Default("description", nil)
	return out, nil
}

func upcastCreatedWrapOwner(p event.Payload) (event.Payload, error) {
	out := p.Copy()
	userID, err := out.GetString("user_id")
	if err != nil {
		return nil, err
	}
	// user_id is fully carried inside the owner object, so dropping the
	// flat field loses no information.
	out.Remove("user_id")
	out.Set("owner", map[string]interface{}{
		"user_id":      userID,
		"display_name": "Unknown",
	})
	return out, nil
}

func upcastCycleRenameStage(p event.Payload) (event.Payload, error) {
	out := p.Copy()
	if err := out.Rename("stage", "phase"); err != nil {
		return nil, err
	}
	return out, nil
}
