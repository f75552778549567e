package projection

import (
	"context"
	"testing"

	"example.com/backstage/services/dashboard/config"
	"example.com/backstage/services/dashboard/internal/event"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockAlertSink struct {
	mock.Mock
}

func (m *mockAlertSink) IndexAlert(ctx context.Context, doc map[string]interface{}) error {
	args := m.Called(ctx, doc)
	return args.Error(0)
}

func newTestProjector(t *testing.T) (*SessionProjector, *DashboardCache) {
	t.Helper()
	reg := event.NewRegistry()
	require.NoError(t, RegisterUpcasters(reg))
	c := NewDashboardCache(config.CacheConfig{MaxSessions: 100}, nil)
	return NewSessionProjector(c, reg, nil, nil), c
}

func envelope(t *testing.T, family string, version int, sessionID string, payload event.Payload) *event.Envelope {
	t.Helper()
	env, err := event.New(family, version, AggregateSession, sessionID, payload, event.Metadata{})
	require.NoError(t, err)
	return env
}

func TestFoldCreatedRenamedAdvanced(t *testing.T) {
	p, c := newTestProjector(t)
	ctx := context.Background()

	require.NoError(t, p.Handle(ctx, envelope(t, FamilySessionCreated, 3, "sess-1", event.Payload{
		"title":             "Planning",
		"description":       "Q3 planning session",
		"owner":             map[string]interface{}{"user_id": "u-1", "display_name": "Ada"},
		"aggregate_version": 1,
	})))
	require.NoError(t, p.Handle(ctx, envelope(t, FamilySessionRenamed, 1, "sess-1", event.Payload{
		"title":             "Planning (final)",
		"aggregate_version": 2,
	})))
	require.NoError(t, p.Handle(ctx, envelope(t, FamilyCycleAdvanced, 2, "sess-1", event.Payload{
		"phase":             "review",
		"aggregate_version": 3,
	})))

	e, _, ok := c.Sessions.Get("sess-1")
	require.True(t, ok)
	require.Equal(t, "Planning (final)", e.Data.Title)
	require.NotNil(t, e.Data.Description)
	require.Equal(t, "Q3 planning session", *e.Data.Description)
	require.Equal(t, "u-1", e.Data.Owner.UserID)
	require.Equal(t, "Ada", e.Data.Owner.DisplayName)
	require.Equal(t, "review", e.Data.Phase)
	require.Equal(t, 1, e.Data.CycleCount)
	require.Equal(t, int64(3), e.Version)
}

func TestHandleUpcastsHistoricalCreated(t *testing.T) {
	p, c := newTestProjector(t)

	// A v1 event carries a flat user_id and no description
	require.NoError(t, p.Handle(context.Background(), envelope(t, FamilySessionCreated, 1, "sess-1", event.Payload{
		"title":             "Board Decision",
		"user_id":           "u-1",
		"aggregate_version": 1,
	})))

	e, _, ok := c.Sessions.Get("sess-1")
	require.True(t, ok)
	require.Equal(t, "Board Decision", e.Data.Title)
	require.Nil(t, e.Data.Description)
	require.Equal(t, "u-1", e.Data.Owner.UserID)
	require.Equal(t, "Unknown", e.Data.Owner.DisplayName)
}

func TestHandleUpcastsCycleStageRename(t *testing.T) {
	p, c := newTestProjector(t)
	ctx := context.Background()

	require.NoError(t, p.Handle(ctx, envelope(t, FamilySessionCreated, 3, "sess-1", event.Payload{
		"title":             "T",
		"owner":             map[string]interface{}{"user_id": "u-1"},
		"aggregate_version": 1,
	})))
	// v1 cycle events say "stage" where current says "phase"
	require.NoError(t, p.Handle(ctx, envelope(t, FamilyCycleAdvanced, 1, "sess-1", event.Payload{
		"stage":             "vetting",
		"aggregate_version": 2,
	})))

	e, _, ok := c.Sessions.Get("sess-1")
	require.True(t, ok)
	require.Equal(t, "vetting", e.Data.Phase)
}

func TestHandleUpdateBeforeCreateIsSkipped(t *testing.T) {
	p, c := newTestProjector(t)

	require.NoError(t, p.Handle(context.Background(), envelope(t, FamilySessionRenamed, 1, "sess-ghost", event.Payload{
		"title":             "Never Created",
		"aggregate_version": 2,
	})))
	require.Zero(t, c.Sessions.Len(), "an update must never invent an entry")
}

func TestHandleMalformedPayloadMarksStale(t *testing.T) {
	p, c := newTestProjector(t)
	ctx := context.Background()

	require.NoError(t, p.Handle(ctx, envelope(t, FamilySessionCreated, 3, "sess-1", event.Payload{
		"title":             "Valid",
		"owner":             map[string]interface{}{"user_id": "u-1"},
		"aggregate_version": 1,
	})))

	// Missing title: discarded for cache purposes, no error surfaced
	require.NoError(t, p.Handle(ctx, envelope(t, FamilySessionRenamed, 1, "sess-1", event.Payload{
		"aggregate_version": 2,
	})))

	e, meta, ok := c.Sessions.Get("sess-1")
	require.True(t, ok)
	require.Equal(t, "Valid", e.Data.Title, "the malformed event must not half-apply")
	require.True(t, e.Stale)
	require.True(t, meta.ShouldRefresh)
}

func TestHandleMalformedCycleFlagsSubEntity(t *testing.T) {
	p, c := newTestProjector(t)
	ctx := context.Background()

	require.NoError(t, p.Handle(ctx, envelope(t, FamilySessionCreated, 3, "sess-1", event.Payload{
		"title":             "T",
		"owner":             map[string]interface{}{"user_id": "u-1"},
		"aggregate_version": 1,
	})))
	require.NoError(t, p.Handle(ctx, envelope(t, FamilyCycleAdvanced, 2, "sess-1", event.Payload{
		"aggregate_version": 2,
	})))

	_, meta, ok := c.Sessions.Get("sess-1")
	require.True(t, ok)
	require.Contains(t, meta.StaleSubEntities, "cycles")
}

func TestHandleStaleVersionLeavesValueAlone(t *testing.T) {
	p, c := newTestProjector(t)
	ctx := context.Background()

	require.NoError(t, p.Handle(ctx, envelope(t, FamilySessionCreated, 3, "sess-1", event.Payload{
		"title":             "Current",
		"owner":             map[string]interface{}{"user_id": "u-1"},
		"aggregate_version": 5,
	})))

	// An event older than the cached version fails the fence
	require.NoError(t, p.Handle(ctx, envelope(t, FamilySessionRenamed, 1, "sess-1", event.Payload{
		"title":             "Old Rename",
		"aggregate_version": 3,
	})))

	e, _, ok := c.Sessions.Get("sess-1")
	require.True(t, ok)
	require.Equal(t, "Current", e.Data.Title)
	require.Equal(t, int64(5), e.Version)
	require.True(t, e.Stale, "a version conflict flags the entry for reload")
}

func TestHandleUpcastFailureAlertsAndFails(t *testing.T) {
	reg := event.NewRegistry()
	require.NoError(t, RegisterUpcasters(reg))
	c := NewDashboardCache(config.CacheConfig{MaxSessions: 100}, nil)
	alerts := new(mockAlertSink)
	alerts.On("IndexAlert", mock.Anything, mock.MatchedBy(func(doc map[string]interface{}) bool {
		return doc["kind"] == "upcast_failure" && doc["event_id"] == "evt-bad"
	})).Return(nil)
	p := NewSessionProjector(c, reg, alerts, nil)

	// v1 created without user_id cannot be migrated to v3
	env := envelope(t, FamilySessionCreated, 1, "sess-1", event.Payload{"title": "T"})
	env.EventID = "evt-bad"

	err := p.Handle(context.Background(), env)
	require.Error(t, err, "an unmigratable event must surface, not be skipped")
	require.Zero(t, c.Sessions.Len())
	alerts.AssertExpectations(t)
}

func TestHandleUnknownFamilyIsIgnored(t *testing.T) {
	p, c := newTestProjector(t)

	require.NoError(t, p.Handle(context.Background(), envelope(t, "session.archived", 1, "sess-1", event.Payload{})))
	require.Zero(t, c.Sessions.Len())
}
