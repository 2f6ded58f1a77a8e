package httpapi

import (
	"context"
	"net/http"

	"callguard/internal/audit"
	"callguard/internal/auth"
	"callguard/internal/calls"
	"callguard/internal/rbac"
	"callguard/internal/users"

	"github.com/gin-gonic/gin"
)

type incomingCallRequest struct {
	CallID   string `json:"call_id"`
	From     string `json:"from"`
	To       string `json:"to"`
	AudioURL string `json:"audio_url"`
}

// IncomingCall injects a call for a recipient, as the push relay would.
// Route it behind rbac.RequireAnyRole(rbac.RoleOperator).
func (h Handlers) IncomingCall(c *gin.Context) {
	if h.Calls == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "calls not configured"})
		return
	}
	var req incomingCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.To == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "to required"})
		return
	}
	snap, err := h.Calls.Start(c.Request.Context(), calls.CallEvent{
		CallID:     req.CallID,
		From:       req.From,
		To:         users.NormalizeUsername(req.To),
		AudioURL:   req.AudioURL,
		ReceivedAt: h.now(),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	h.audit(c, audit.Event{Type: audit.EventTypeCallInjected, Subject: snap.To, CallID: snap.CallID})
	c.JSON(http.StatusCreated, snap)
}

func (h Handlers) GetCall(c *gin.Context) {
	snap, ok := h.ownedCall(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h Handlers) AcceptCall(c *gin.Context) {
	h.callAction(c, "accept", CallService.Accept)
}

func (h Handlers) DeclineCall(c *gin.Context) {
	h.callAction(c, "decline", CallService.Decline)
}

func (h Handlers) CallPlaybackEnded(c *gin.Context) {
	h.callAction(c, "playback_ended", CallService.PlaybackEnded)
}

func (h Handlers) callAction(c *gin.Context, name string, action func(CallService, context.Context, string) (calls.Snapshot, error)) {
	snap, ok := h.ownedCall(c)
	if !ok {
		return
	}
	out, err := action(h.Calls, c.Request.Context(), snap.CallID)
	if err != nil {
		writeError(c, err)
		return
	}
	h.audit(c, audit.Event{Type: audit.EventTypeCallAction, Subject: out.To, CallID: out.CallID, Message: name})
	c.JSON(http.StatusOK, out)
}

// ownedCall loads the call named in the path. Only its recipient (or a
// super_admin) may see or drive it; anyone else gets 404.
func (h Handlers) ownedCall(c *gin.Context) (calls.Snapshot, bool) {
	id, ok := identity(c)
	if !ok {
		return calls.Snapshot{}, false
	}
	if h.Calls == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "calls not configured"})
		return calls.Snapshot{}, false
	}
	snap, err := h.Calls.Get(c.Param("call_id"))
	if err != nil {
		writeError(c, err)
		return calls.Snapshot{}, false
	}
	if !owns(id, snap) {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": calls.ErrNotFound.Error()})
		return calls.Snapshot{}, false
	}
	return snap, true
}

func owns(id auth.Identity, snap calls.Snapshot) bool {
	return snap.To == id.Username || rbac.IsSuperAdmin(id.Role)
}
