package handlers

import (
	"net/http"

	"example.com/backstage/services/dashboard/internal/cache"
	"example.com/backstage/services/dashboard/internal/projection"
	"example.com/backstage/services/dashboard/internal/repository"
	"example.com/backstage/services/dashboard/internal/service"
	"example.com/backstage/services/dashboard/internal/tracing"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// SessionHandler serves the dashboard overview reads and the session
// commands.
type SessionHandler struct {
	sessions *service.SessionService
	repo     repository.SessionRepository
	cache    *projection.DashboardCache
	tracer   tracing.Tracer
}

// NewSessionHandler creates a new session handler
func NewSessionHandler(sessions *service.SessionService, repo repository.SessionRepository, c *projection.DashboardCache, tracer tracing.Tracer) *SessionHandler {
	return &SessionHandler{
		sessions: sessions,
		repo:     repo,
		cache:    c,
		tracer:   tracer,
	}
}

// RegisterRoutes registers the session routes
func (h *SessionHandler) RegisterRoutes(router *gin.Engine) {
	v1 := router.Group("/api/v1")
	{
		v1.POST("/sessions", h.HandleCreateSession)
		v1.POST("/sessions/:id/rename", h.HandleRenameSession)
		v1.POST("/sessions/:id/advance", h.HandleAdvanceCycle)
		v1.GET("/sessions/:id/overview", h.HandleGetOverview)
	}
}

type createSessionRequest struct {
	Title       string  `json:"title" binding:"required"`
	Description *string `json:"description"`
}

type renameSessionRequest struct {
	Title string `json:"title" binding:"required"`
}

type advanceCycleRequest struct {
	Phase string `json:"phase" binding:"required"`
}

type overviewResponse struct {
	Data      projection.SessionOverview `json:"data"`
	Freshness cache.Metadata             `json:"freshness"`
}

// HandleGetOverview serves a session's dashboard overview from the cache.
// Cache entries carry no ownership information, so the caller's access is
// re-verified against the system of record on every request before any
// cached data is returned.
func (h *SessionHandler) HandleGetOverview(c *gin.Context) {
	txn := h.tracer.StartTransaction("get-session-overview")
	defer h.tracer.EndTransaction(txn)

	userID := callerID(c)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing caller identity"})
		return
	}
	id := c.Param("id")

	owned, err := h.repo.OwnedBy(c.Request.Context(), id, userID)
	if err != nil {
		h.tracer.RecordError(txn, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to verify access"})
		return
	}
	if !owned {
		// Indistinguishable from a missing session on purpose
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	entry, meta, err := h.cache.Sessions.GetOrLoad(c.Request.Context(), id, projection.OverviewLoader(h.repo, id))
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		h.tracer.RecordError(txn, err)
		log.Error().Err(err).Str("session_id", id).Msg("Overview read-through failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load overview"})
		return
	}

	c.JSON(http.StatusOK, overviewResponse{Data: entry.Data, Freshness: meta})
}

// HandleCreateSession creates a new session
func (h *SessionHandler) HandleCreateSession(c *gin.Context) {
	userID := callerID(c)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing caller identity"})
		return
	}

	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rec, err := h.sessions.CreateSession(c.Request.Context(), userID, req.Title, req.Description)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create session"})
		return
	}
	c.JSON(http.StatusCreated, rec)
}

// HandleRenameSession renames a session
func (h *SessionHandler) HandleRenameSession(c *gin.Context) {
	userID := callerID(c)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing caller identity"})
		return
	}

	var req renameSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rec, err := h.sessions.RenameSession(c.Request.Context(), c.Param("id"), userID, req.Title)
	if err != nil {
		h.writeCommandError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// HandleAdvanceCycle advances a session's decision cycle
func (h *SessionHandler) HandleAdvanceCycle(c *gin.Context) {
	userID := callerID(c)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing caller identity"})
		return
	}

	var req advanceCycleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rec, err := h.sessions.AdvanceCycle(c.Request.Context(), c.Param("id"), userID, req.Phase)
	if err != nil {
		h.writeCommandError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *SessionHandler) writeCommandError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
	case errors.Is(err, service.ErrNotOwner):
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "command failed"})
	}
}

// callerID extracts the verified caller identity placed on the request by
// the authentication boundary in front of this service.
func callerID(c *gin.Context) string {
	return c.GetHeader("X-User-ID")
}
