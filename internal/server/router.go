// Package server exposes the annotation store, the sync orchestrator and the
// playback throttle to the presentation layer over HTTP.
package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/framemark/internal/annotations"
	"github.com/MarcoPoloResearchLab/framemark/internal/auth"
	"github.com/MarcoPoloResearchLab/framemark/internal/directory"
	"github.com/MarcoPoloResearchLab/framemark/internal/metrics"
	"github.com/MarcoPoloResearchLab/framemark/internal/playback"
	"github.com/MarcoPoloResearchLab/framemark/internal/store"
	"github.com/MarcoPoloResearchLab/framemark/internal/syncer"
	"github.com/MarcoPoloResearchLab/framemark/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const userIDContextKey = "framemark_user_id"

var (
	errMissingOrchestrator = errors.New("sync orchestrator dependency required")
	errMissingUsers        = errors.New("user repository dependency required")
	errMissingReconciler   = errors.New("identity reconciler dependency required")
	errMissingAnnotations  = errors.New("annotation repositories dependency required")
	errMissingPlayback     = errors.New("playback hub dependency required")
	errMissingRealtime     = errors.New("realtime dispatcher dependency required")
)

// SessionValidator authenticates API requests. A nil validator disables authentication.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// Dependencies wires the HTTP surface.
type Dependencies struct {
	Orchestrator *syncer.Orchestrator
	Users        *users.Repository
	Reconciler   *users.Reconciler
	Annotations  *annotations.Repositories
	Playback     *playback.Hub
	Realtime     *RealtimeDispatcher
	Sessions     SessionValidator
	Metrics      *metrics.Metrics
	Logger       *zap.Logger
}

// NewHTTPHandler builds the gin router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	switch {
	case deps.Orchestrator == nil:
		return nil, errMissingOrchestrator
	case deps.Users == nil:
		return nil, errMissingUsers
	case deps.Reconciler == nil:
		return nil, errMissingReconciler
	case deps.Annotations == nil:
		return nil, errMissingAnnotations
	case deps.Playback == nil:
		return nil, errMissingPlayback
	case deps.Realtime == nil:
		return nil, errMissingRealtime
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.UseRawPath = true
	router.UnescapePathValues = true
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		orchestrator: deps.Orchestrator,
		users:        deps.Users,
		reconciler:   deps.Reconciler,
		annotations:  deps.Annotations,
		playback:     deps.Playback,
		realtime:     deps.Realtime,
		sessions:     deps.Sessions,
		logger:       logger,
	}

	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	api := router.Group("/")
	if deps.Sessions != nil {
		api.Use(handler.authorizeRequest)
	}

	api.GET("/users", handler.handleListUsers)
	api.GET("/users/events", handler.handleUserEvents)
	api.POST("/users/refresh", handler.handleRefreshUsers)
	api.POST("/users/offline", handler.handleCreateOfflineUser)
	api.GET("/users/remote/:remoteId", handler.handleReconcileUser)
	api.POST("/users/:userId/remote", handler.handleAttachRemote)
	api.GET("/users/:userId/sessions", handler.handleListUserSessions)

	api.POST("/sessions", handler.handleOpenSession)
	api.GET("/sessions/:sessionId", handler.handleGetSession)
	api.POST("/sessions/:sessionId/touch", handler.handleTouchSession)
	api.PUT("/videos/:videoId/duration", handler.handleSetDuration)

	api.POST("/sessions/:sessionId/comments", handler.handleAddComment)
	api.GET("/sessions/:sessionId/comments", handler.handleListComments)

	api.POST("/sessions/:sessionId/strokes", handler.handleAddStroke)
	api.GET("/sessions/:sessionId/strokes", handler.handleListStrokes)
	api.DELETE("/sessions/:sessionId/strokes", handler.handleClearStrokes)
	api.DELETE("/strokes/:strokeId", handler.handleDeleteStroke)

	api.POST("/sessions/:sessionId/position", handler.handlePosition)
	api.GET("/sessions/:sessionId/events", handler.handleEventStream)

	return router, nil
}

type httpHandler struct {
	orchestrator *syncer.Orchestrator
	users        *users.Repository
	reconciler   *users.Reconciler
	annotations  *annotations.Repositories
	playback     *playback.Hub
	realtime     *RealtimeDispatcher
	sessions     SessionValidator
	logger       *zap.Logger
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc:  func(string) bool { return true },
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, claims.UserID)
	c.Next()
}

type codedError interface {
	Code() string
}

// respondError maps domain failures onto HTTP statuses.
func (h *httpHandler) respondError(c *gin.Context, operation string, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, annotations.ErrSessionNotFound),
		errors.Is(err, annotations.ErrVideoNotFound),
		errors.Is(err, annotations.ErrUnknownParticipant),
		errors.Is(err, directory.ErrUserNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, annotations.ErrValidation), errors.Is(err, users.ErrInvalidUser):
		status = http.StatusBadRequest
		code = "invalid_request"
	case errors.Is(err, users.ErrRemoteIDConflict):
		status = http.StatusConflict
		code = "conflict"
	case errors.Is(err, directory.ErrRemoteUnavailable):
		status = http.StatusServiceUnavailable
		code = "remote_unavailable"
	case errors.Is(err, playback.ErrClosed), errors.Is(err, store.ErrClosed):
		status = http.StatusServiceUnavailable
		code = "shutting_down"
	}
	var coded codedError
	if status == http.StatusInternalServerError && errors.As(err, &coded) {
		code = coded.Code()
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("operation", operation), zap.Error(err))
	} else {
		h.logger.Debug("request rejected", zap.String("operation", operation), zap.Error(err))
	}
	c.AbortWithStatusJSON(status, gin.H{"error": code, "message": err.Error()})
}

func forbidden(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
}

func badRequest(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": message})
}
