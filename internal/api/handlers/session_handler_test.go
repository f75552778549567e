package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"example.com/backstage/services/dashboard/config"
	"example.com/backstage/services/dashboard/internal/models"
	"example.com/backstage/services/dashboard/internal/projection"
	"example.com/backstage/services/dashboard/internal/repository"
	"example.com/backstage/services/dashboard/internal/tracing"

	"github.com/gin-gonic/gin"
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

func setupOverviewRouter(repo repository.SessionRepository, c *projection.DashboardCache) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := NewSessionHandler(nil, repo, c, &tracing.NewRelicTracer{})
	router := gin.New()
	h.RegisterRoutes(router)
	return router
}

func getOverview(router *gin.Engine, sessionID, userID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions/"+sessionID+"/overview", nil)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestGetOverviewRequiresCallerIdentity(t *testing.T) {
	repo := new(mockSessionRepository)
	router := setupOverviewRouter(repo, projection.NewDashboardCache(config.CacheConfig{}, nil))

	w := getOverview(router, "sess-1", "")
	require.Equal(t, http.StatusUnauthorized, w.Code)
	repo.AssertNotCalled(t, "OwnedBy", mock.Anything, mock.Anything, mock.Anything)
}

func TestGetOverviewReChecksOwnershipOnEveryRead(t *testing.T) {
	c := projection.NewDashboardCache(config.CacheConfig{}, nil)
	// The entry is cached, but the cache is never the authorization boundary
	c.Sessions.Put("sess-1", projection.SessionOverview{SessionID: "sess-1", Title: "Secret"}, "evt-1", 1)

	repo := new(mockSessionRepository)
	repo.On("OwnedBy", mock.Anything, "sess-1", "intruder").Return(false, nil)

	router := setupOverviewRouter(repo, c)
	w := getOverview(router, "sess-1", "intruder")

	require.Equal(t, http.StatusNotFound, w.Code, "a foreign session must be indistinguishable from a missing one")
	require.NotContains(t, w.Body.String(), "Secret")
	repo.AssertExpectations(t)
}

func TestGetOverviewServesCachedEntry(t *testing.T) {
	c := projection.NewDashboardCache(config.CacheConfig{}, nil)
	c.Sessions.Put("sess-1", projection.SessionOverview{
		SessionID: "sess-1",
		Title:     "Planning",
		Phase:     "review",
	}, "evt-1", 3)

	repo := new(mockSessionRepository)
	repo.On("OwnedBy", mock.Anything, "sess-1", "u-1").Return(true, nil)

	router := setupOverviewRouter(repo, c)
	w := getOverview(router, "sess-1", "u-1")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Data      projection.SessionOverview `json:"data"`
		Freshness struct {
			FreshnessLevel string `json:"freshness_level"`
			ShouldRefresh  bool   `json:"should_refresh"`
		} `json:"freshness"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "Planning", resp.Data.Title)
	require.Equal(t, "review", resp.Data.Phase)
	require.Equal(t, "fresh", resp.Freshness.FreshnessLevel)
	require.False(t, resp.Freshness.ShouldRefresh)

	// The cached entry satisfied the read; no read-through happened
	repo.AssertNotCalled(t, "GetByID", mock.Anything, mock.Anything)
}

func TestGetOverviewLoadsOnMiss(t *testing.T) {
	c := projection.NewDashboardCache(config.CacheConfig{}, nil)

	repo := new(mockSessionRepository)
	repo.On("OwnedBy", mock.Anything, "sess-1", "u-1").Return(true, nil)
	repo.On("GetByID", mock.Anything, "sess-1").Return(&models.SessionRecord{
		ID:      "sess-1",
		OwnerID: "u-1",
		Title:   "From Store",
		Phase:   "created",
		Version: 1,
	}, nil)

	router := setupOverviewRouter(repo, c)
	w := getOverview(router, "sess-1", "u-1")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "From Store")

	// The miss populated the cache
	_, _, ok := c.Sessions.Get("sess-1")
	require.True(t, ok)
}

func TestGetOverviewMissingSession(t *testing.T) {
	c := projection.NewDashboardCache(config.CacheConfig{}, nil)

	repo := new(mockSessionRepository)
	repo.On("OwnedBy", mock.Anything, "sess-404", "u-1").Return(true, nil)
	repo.On("GetByID", mock.Anything, "sess-404").Return(nil, repository.ErrSessionNotFound)

	router := setupOverviewRouter(repo, c)
	w := getOverview(router, "sess-404", "u-1")
	require.Equal(t, http.StatusNotFound, w.Code)
}
