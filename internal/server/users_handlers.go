package server

import (
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

const usersEventState = "state"

type offlineUserRequest struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

type attachRemoteRequest struct {
	RemoteID int64 `json:"remoteId"`
}

func (h *httpHandler) handleListUsers(c *gin.Context) {
	state, err := h.orchestrator.Activate(c.Request.Context())
	if err != nil {
		h.respondError(c, "users.list", err)
		return
	}
	c.JSON(http.StatusOK, state)
}

func (h *httpHandler) handleRefreshUsers(c *gin.Context) {
	state, err := h.orchestrator.Refresh(c.Request.Context())
	if err != nil {
		h.respondError(c, "users.refresh", err)
		return
	}
	c.JSON(http.StatusOK, state)
}

func (h *httpHandler) handleCreateOfflineUser(c *gin.Context) {
	var request offlineUserRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		badRequest(c, "malformed body")
		return
	}
	user, err := h.users.CreateOffline(c.Request.Context(), request.Name, request.Email)
	if err != nil {
		h.respondError(c, "users.create_offline", err)
		return
	}
	c.JSON(http.StatusCreated, user)
}

func (h *httpHandler) handleReconcileUser(c *gin.Context) {
	remoteID, err := strconv.ParseInt(c.Param("remoteId"), 10, 64)
	if err != nil || remoteID <= 0 {
		badRequest(c, "remote id must be a positive integer")
		return
	}
	user, err := h.reconciler.Reconcile(c.Request.Context(), remoteID)
	if err != nil {
		h.respondError(c, "users.reconcile", err)
		return
	}
	c.JSON(http.StatusOK, user)
}

func (h *httpHandler) handleAttachRemote(c *gin.Context) {
	userID := strings.TrimSpace(c.Param("userId"))
	if !h.allowUser(c, userID) {
		return
	}
	var request attachRemoteRequest
	if err := c.ShouldBindJSON(&request); err != nil || request.RemoteID <= 0 {
		badRequest(c, "remoteId must be a positive integer")
		return
	}
	user, err := h.users.AttachRemote(c.Request.Context(), userID, request.RemoteID)
	if err != nil {
		h.respondError(c, "users.attach_remote", err)
		return
	}
	c.JSON(http.StatusOK, user)
}

// handleUserEvents streams orchestrator states, starting with the current one.
func (h *httpHandler) handleUserEvents(c *gin.Context) {
	ctx := c.Request.Context()
	stream, cancel := h.orchestrator.Subscribe(ctx)
	defer cancel()

	heartbeat := time.NewTicker(realtimeHeartbeatInterval)
	defer heartbeat.Stop()

	writeEventStreamHeaders(c)
	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case state, open := <-stream:
			if !open {
				return false
			}
			c.SSEvent(usersEventState, state)
			return true
		case <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{"timestamp": time.Now().UTC()})
			return true
		}
	})
}
