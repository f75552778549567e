package reconciler

import (
	"context"
	"testing"

	"example.com/backstage/services/dashboard/config"
	"example.com/backstage/services/dashboard/internal/models"
	"example.com/backstage/services/dashboard/internal/projection"
	"example.com/backstage/services/dashboard/internal/repository"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockSessionRepository struct {
	mock.Mock
}

func (m *mockSessionRepository) GetByID(ctx context.Context, id string) (*models.SessionRecord, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.SessionRecord), args.Error(1)
}

func (m *mockSessionRepository) CurrentVersion(ctx context.Context, id string) (int64, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockSessionRepository) OwnedBy(ctx context.Context, id, userID string) (bool, error) {
	args := m.Called(ctx, id, userID)
	return args.Bool(0), args.Error(1)
}

func newTestCache() *projection.DashboardCache {
	return projection.NewDashboardCache(config.CacheConfig{MaxSessions: 100}, nil)
}

func TestRunRepairsTrailingEntry(t *testing.T) {
	c := newTestCache()
	c.Sessions.Put("sess-1", projection.SessionOverview{
		SessionID: "sess-1",
		Title:     "Stale Title",
	}, "evt-1", 1)

	repo := new(mockSessionRepository)
	repo.On("CurrentVersion", mock.Anything, "sess-1").Return(int64(3), nil)
	repo.On("GetByID", mock.Anything, "sess-1").Return(&models.SessionRecord{
		ID:         "sess-1",
		OwnerID:    "u-1",
		Title:      "Fresh Title",
		Phase:      "review",
		CycleCount: 2,
		Version:    3,
	}, nil)

	rec := New(c, repo, 100, nil)
	require.NoError(t, rec.Run(context.Background()))

	e, _, ok := c.Sessions.Get("sess-1")
	require.True(t, ok)
	require.Equal(t, "Fresh Title", e.Data.Title)
	require.Equal(t, "review", e.Data.Phase)
	require.Equal(t, 2, e.Data.CycleCount)
	require.Equal(t, int64(3), e.Version)
	require.False(t, e.Stale)
	repo.AssertExpectations(t)
}

func TestRunLeavesMatchingEntryAlone(t *testing.T) {
	c := newTestCache()
	c.Sessions.Put("sess-1", projection.SessionOverview{Title: "In Sync"}, "evt-1", 3)

	repo := new(mockSessionRepository)
	repo.On("CurrentVersion", mock.Anything, "sess-1").Return(int64(3), nil)

	rec := New(c, repo, 100, nil)
	require.NoError(t, rec.Run(context.Background()))

	e, _, ok := c.Sessions.Get("sess-1")
	require.True(t, ok)
	require.Equal(t, "In Sync", e.Data.Title)
	repo.AssertNotCalled(t, "GetByID", mock.Anything, mock.Anything)
}

func TestRunEvictsDeletedSession(t *testing.T) {
	c := newTestCache()
	c.Sessions.Put("sess-gone", projection.SessionOverview{Title: "Orphan"}, "evt-1", 2)

	repo := new(mockSessionRepository)
	repo.On("CurrentVersion", mock.Anything, "sess-gone").
		Return(int64(0), repository.ErrSessionNotFound)

	rec := New(c, repo, 100, nil)
	require.NoError(t, rec.Run(context.Background()))

	require.Zero(t, c.Sessions.Len(), "a projection must not outlive its session")
}

func TestRunContinuesPastFailures(t *testing.T) {
	c := newTestCache()
	c.Sessions.Put("sess-bad", projection.SessionOverview{}, "evt-1", 1)
	c.Sessions.Put("sess-good", projection.SessionOverview{Title: "Old"}, "evt-2", 1)

	repo := new(mockSessionRepository)
	repo.On("CurrentVersion", mock.Anything, "sess-bad").
		Return(int64(0), context.DeadlineExceeded)
	repo.On("CurrentVersion", mock.Anything, "sess-good").Return(int64(2), nil)
	repo.On("GetByID", mock.Anything, "sess-good").Return(&models.SessionRecord{
		ID:      "sess-good",
		Title:   "New",
		Version: 2,
	}, nil)

	rec := New(c, repo, 100, nil)
	require.NoError(t, rec.Run(context.Background()), "one bad session must not abort the pass")

	e, _, ok := c.Sessions.Get("sess-good")
	require.True(t, ok)
	require.Equal(t, "New", e.Data.Title)
}
