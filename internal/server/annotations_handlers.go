package server

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/framemark/internal/annotations"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type openSessionRequest struct {
	UserID     string `json:"userId"`
	VideoURI   string `json:"videoUri"`
	VideoTitle string `json:"videoTitle"`
}

type openSessionResponse struct {
	Session *annotations.Session `json:"session"`
	Video   *annotations.Video   `json:"video"`
}

type durationRequest struct {
	DurationMillis int64 `json:"durationMillis"`
}

type commentRequest struct {
	Text         string  `json:"text"`
	OffsetMillis float64 `json:"tMillis"`
}

type strokeRequest struct {
	Path        string                    `json:"d"`
	StartMillis float64                   `json:"tStartMillis"`
	EndMillis   *float64                  `json:"tEndMillis"`
	Color       string                    `json:"color"`
	Width       float64                   `json:"width"`
	Points      []annotations.StrokePoint `json:"points"`
}

type positionRequest struct {
	Seconds *float64 `json:"seconds"`
}

func (h *httpHandler) handleOpenSession(c *gin.Context) {
	var request openSessionRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		badRequest(c, "malformed body")
		return
	}
	userID := strings.TrimSpace(request.UserID)
	if authenticated := c.GetString(userIDContextKey); authenticated != "" {
		if userID == "" {
			userID = authenticated
		} else if userID != authenticated {
			forbidden(c)
			return
		}
	}

	ctx := c.Request.Context()
	video, err := h.annotations.Videos.Ensure(ctx, request.VideoURI, request.VideoTitle)
	if err != nil {
		h.respondError(c, "sessions.open", err)
		return
	}
	session, err := h.annotations.Sessions.GetOrCreate(ctx, userID, video.ID)
	if err != nil {
		h.respondError(c, "sessions.open", err)
		return
	}
	c.JSON(http.StatusOK, openSessionResponse{Session: session, Video: video})
}

func (h *httpHandler) handleGetSession(c *gin.Context) {
	session, ok := h.loadSession(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, session)
}

func (h *httpHandler) handleTouchSession(c *gin.Context) {
	session, ok := h.loadSession(c)
	if !ok {
		return
	}
	touched, err := h.annotations.Sessions.Touch(c.Request.Context(), session.ID, time.Now())
	if err != nil {
		h.respondError(c, "sessions.touch", err)
		return
	}
	c.JSON(http.StatusOK, touched)
}

func (h *httpHandler) handleListUserSessions(c *gin.Context) {
	userID := strings.TrimSpace(c.Param("userId"))
	if !h.allowUser(c, userID) {
		return
	}
	sessions, err := h.annotations.Sessions.ListForUser(c.Request.Context(), userID)
	if err != nil {
		h.respondError(c, "sessions.list", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (h *httpHandler) handleSetDuration(c *gin.Context) {
	var request durationRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		badRequest(c, "malformed body")
		return
	}
	video, err := h.annotations.Videos.SetDuration(c.Request.Context(), c.Param("videoId"), request.DurationMillis)
	if err != nil {
		h.respondError(c, "videos.set_duration", err)
		return
	}
	c.JSON(http.StatusOK, video)
}

func (h *httpHandler) handleAddComment(c *gin.Context) {
	var request commentRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		badRequest(c, "malformed body")
		return
	}
	session, ok := h.loadSession(c)
	if !ok {
		return
	}
	comment, err := h.annotations.Comments.Add(c.Request.Context(), annotations.CommentInput{
		SessionID:    session.ID,
		Text:         request.Text,
		OffsetMillis: request.OffsetMillis,
	})
	if err != nil {
		h.respondError(c, "comments.add", err)
		return
	}
	c.JSON(http.StatusCreated, comment)
}

func (h *httpHandler) handleListComments(c *gin.Context) {
	ctx := c.Request.Context()
	around, hasAround, ok := queryMillis(c, "around")
	if !ok {
		return
	}
	window, _, ok := queryMillis(c, "window")
	if !ok {
		return
	}
	session, ok := h.loadSession(c)
	if !ok {
		return
	}
	sessionID := session.ID

	if !hasAround {
		comments, err := h.annotations.Comments.ListForSession(ctx, sessionID)
		if err != nil {
			h.respondError(c, "comments.list", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"comments": comments})
		return
	}

	comments, err := h.annotations.Comments.ListAround(ctx, sessionID, around, millisDuration(window))
	if err != nil {
		h.respondError(c, "comments.list_around", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"comments": comments})
}

func (h *httpHandler) handleAddStroke(c *gin.Context) {
	var request strokeRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		badRequest(c, "malformed body")
		return
	}
	session, ok := h.loadSession(c)
	if !ok {
		return
	}
	stroke, err := h.annotations.Strokes.Add(c.Request.Context(), annotations.StrokeInput{
		SessionID:   session.ID,
		Path:        request.Path,
		StartMillis: request.StartMillis,
		EndMillis:   request.EndMillis,
		Color:       request.Color,
		Width:       request.Width,
		Points:      request.Points,
	})
	if err != nil {
		h.respondError(c, "strokes.add", err)
		return
	}
	c.JSON(http.StatusCreated, stroke)
}

func (h *httpHandler) handleListStrokes(c *gin.Context) {
	ctx := c.Request.Context()
	at, hasAt, ok := queryMillis(c, "at")
	if !ok {
		return
	}
	session, ok := h.loadSession(c)
	if !ok {
		return
	}
	sessionID := session.ID
	var (
		strokes []annotations.Stroke
		err     error
	)
	if hasAt {
		strokes, err = h.annotations.Strokes.ListActiveAt(ctx, sessionID, at)
	} else {
		strokes, err = h.annotations.Strokes.ListAll(ctx, sessionID)
	}
	if err != nil {
		h.respondError(c, "strokes.list", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"strokes": strokes})
}

func (h *httpHandler) handleClearStrokes(c *gin.Context) {
	ctx := c.Request.Context()
	at, hasAt, ok := queryMillis(c, "at")
	if !ok {
		return
	}
	session, ok := h.loadSession(c)
	if !ok {
		return
	}
	sessionID := session.ID
	var (
		deleted int64
		err     error
	)
	if hasAt {
		deleted, err = h.annotations.Strokes.ClearActiveAt(ctx, sessionID, at)
	} else {
		deleted, err = h.annotations.Strokes.ClearAll(ctx, sessionID)
	}
	if err != nil {
		h.respondError(c, "strokes.clear", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}

func (h *httpHandler) handleDeleteStroke(c *gin.Context) {
	ctx := c.Request.Context()
	if authenticated := c.GetString(userIDContextKey); authenticated != "" {
		stroke, err := h.annotations.Strokes.Get(ctx, c.Param("strokeId"))
		if err != nil {
			h.respondError(c, "strokes.delete", err)
			return
		}
		if stroke != nil {
			session, err := h.annotations.Sessions.GetByID(ctx, stroke.SessionID)
			if err != nil {
				h.respondError(c, "strokes.delete", err)
				return
			}
			if session != nil && session.UserID != authenticated {
				forbidden(c)
				return
			}
		}
	}
	deleted, err := h.annotations.Strokes.Delete(ctx, c.Param("strokeId"))
	if err != nil {
		h.respondError(c, "strokes.delete", err)
		return
	}
	if !deleted {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handlePosition(c *gin.Context) {
	var request positionRequest
	if err := c.ShouldBindJSON(&request); err != nil || request.Seconds == nil {
		badRequest(c, "seconds is required")
		return
	}
	session, ok := h.loadSession(c)
	if !ok {
		return
	}
	if err := h.playback.Position(session.ID, *request.Seconds); err != nil {
		h.respondError(c, "playback.position", err)
		return
	}
	current, _ := h.playback.Current(session.ID)
	c.JSON(http.StatusAccepted, gin.H{"positionMillis": current, "formatted": annotations.FormatOffset(current)})
}

func (h *httpHandler) loadSession(c *gin.Context) (*annotations.Session, bool) {
	session, err := h.annotations.Sessions.GetByID(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		h.respondError(c, "sessions.get", err)
		return nil, false
	}
	if session == nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return nil, false
	}
	if !h.allowUser(c, session.UserID) {
		return nil, false
	}
	return session, true
}

// allowUser rejects with 403 when an authenticated caller acts on another user's data.
func (h *httpHandler) allowUser(c *gin.Context, userID string) bool {
	authenticated := c.GetString(userIDContextKey)
	if authenticated == "" || authenticated == userID {
		return true
	}
	h.logger.Info("cross-user access rejected", zap.String("user_id", authenticated), zap.String("target_user_id", userID))
	forbidden(c)
	return false
}

// millisDuration converts milliseconds to a duration, saturating instead of overflowing.
func millisDuration(millis int64) time.Duration {
	if millis > math.MaxInt64/int64(time.Millisecond) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(millis) * time.Millisecond
}

// queryMillis parses an optional integer millisecond query parameter. It
// writes a 400 response and returns ok=false when the value is malformed.
func queryMillis(c *gin.Context, name string) (value int64, present bool, ok bool) {
	raw, present := c.GetQuery(name)
	if !present || strings.TrimSpace(raw) == "" {
		return 0, false, true
	}
	value, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || value < 0 {
		badRequest(c, name+" must be a non-negative integer of milliseconds")
		return 0, true, false
	}
	return value, true, true
}
