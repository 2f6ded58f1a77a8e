package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"callguard/internal/audit"
	"callguard/internal/auth"
	"callguard/internal/calls"
	"callguard/internal/history"
	"callguard/internal/users"
	"callguard/pkg/logger"

	"github.com/gin-gonic/gin"
)

// CallService is the call state machine as seen by HTTP handlers.
type CallService interface {
	Start(ctx context.Context, ev calls.CallEvent) (calls.Snapshot, error)
	Accept(ctx context.Context, callID string) (calls.Snapshot, error)
	Decline(ctx context.Context, callID string) (calls.Snapshot, error)
	PlaybackEnded(ctx context.Context, callID string) (calls.Snapshot, error)
	Get(callID string) (calls.Snapshot, error)
	Current(to string) (calls.Snapshot, bool)
}

// NoticeStream upgrades a request into the recipient's notice stream.
type NoticeStream interface {
	ServeWS(w http.ResponseWriter, r *http.Request, recipient string)
}

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Auth    *auth.Manager
	Users   *users.Service
	Calls   CallService
	History *history.Service
	Notices NoticeStream
	// Audit is optional; events are best-effort.
	Audit *audit.Service

	Now func() time.Time
}

func (h Handlers) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

// --- Auth ---

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// Register creates a subscriber account and signs it in.
func (h Handlers) Register(c *gin.Context) {
	if h.Auth == nil || h.Users == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	u, err := h.Users.Register(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		writeError(c, err)
		return
	}
	h.audit(c, audit.Event{Type: audit.EventTypeUserCreated, Subject: u.Username, ActorUserID: u.ID, ActorRole: u.Role})
	h.issue(c, http.StatusCreated, u)
}

// Login verifies credentials and issues a JWT token pair.
func (h Handlers) Login(c *gin.Context) {
	if h.Auth == nil || h.Users == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.Username == "" || req.Password == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "username, password required"})
		return
	}
	u, err := h.Users.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, users.ErrInvalidCredentials) {
			h.audit(c, audit.Event{Type: audit.EventTypeLoginFailed, Subject: users.NormalizeUsername(req.Username)})
		}
		writeError(c, err)
		return
	}
	h.issue(c, http.StatusOK, u)
}

// Refresh exchanges a refresh token for a new pair. The role is read again
// from the user record, so role changes apply on the next refresh.
func (h Handlers) Refresh(c *gin.Context) {
	if h.Auth == nil || h.Users == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "refresh_token required"})
		return
	}
	claims, err := h.Auth.Verify(req.RefreshToken, auth.TokenTypeRefresh, h.now())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	u, err := h.Users.Get(c.Request.Context(), claims.Username)
	if err != nil || u.ID != claims.UserID {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	h.issue(c, http.StatusOK, u)
}

func (h Handlers) issue(c *gin.Context, status int, u users.User) {
	pair, err := h.Auth.IssuePair(h.now(), auth.Identity{UserID: u.ID, Username: u.Username, Role: u.Role})
	if err != nil {
		logger.FromGin(c).Error("token issuance failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(status, gin.H{"user": u, "tokens": pair})
}

// Me returns the caller's identity and live call, if any.
func (h Handlers) Me(c *gin.Context) {
	id, ok := identity(c)
	if !ok {
		return
	}
	body := gin.H{"user_id": id.UserID, "username": id.Username, "role": id.Role}
	if h.Calls != nil {
		if cur, live := h.Calls.Current(id.Username); live {
			body["current_call"] = cur
		}
	}
	c.JSON(http.StatusOK, body)
}

// ServeNotices streams call notices to the authenticated recipient over WebSocket.
func (h Handlers) ServeNotices(c *gin.Context) {
	id, ok := identity(c)
	if !ok {
		return
	}
	if h.Notices == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "notices not configured"})
		return
	}
	h.Notices.ServeWS(c.Writer, c.Request, id.Username)
}

// --- History ---

func (h Handlers) ListHistory(c *gin.Context) {
	id, ok := identity(c)
	if !ok {
		return
	}
	if h.History == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "history not configured"})
		return
	}
	limit := history.DefaultListLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	recs, err := h.History.List(c.Request.Context(), id.Username, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": recs})
}

func (h Handlers) Insights(c *gin.Context) {
	id, ok := identity(c)
	if !ok {
		return
	}
	if h.History == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "history not configured"})
		return
	}
	ins, err := h.History.Insights(c.Request.Context(), id.Username)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ins)
}

// --- helpers ---

// audit stamps e with the caller and client IP and records it.
func (h Handlers) audit(c *gin.Context, e audit.Event) {
	if h.Audit == nil {
		return
	}
	if id, err := auth.IdentityFrom(c.Request.Context()); err == nil {
		e.ActorUserID, e.ActorRole = id.UserID, id.Role
	}
	e.IPAddress = c.ClientIP()
	h.Audit.Record(c.Request.Context(), e)
}

func identity(c *gin.Context) (auth.Identity, bool) {
	id, err := auth.IdentityFrom(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "identity required"})
		return auth.Identity{}, false
	}
	return id, true
}

// writeError maps domain errors to status codes. Unknown errors are logged
// and reported without detail.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, users.ErrInvalidArgument),
		errors.Is(err, calls.ErrInvalidEvent),
		errors.Is(err, history.ErrInvalidRecord):
		status = http.StatusBadRequest
	case errors.Is(err, users.ErrInvalidCredentials):
		status = http.StatusUnauthorized
	case errors.Is(err, users.ErrUsernameTaken),
		errors.Is(err, calls.ErrLineBusy),
		errors.Is(err, calls.ErrDuplicateCall):
		status = http.StatusConflict
	case errors.Is(err, calls.ErrNotFound), errors.Is(err, users.ErrNotFound):
		status = http.StatusNotFound
	}
	if status == http.StatusInternalServerError {
		logger.FromGin(c).Error("request failed", "err", err)
		c.AbortWithStatusJSON(status, gin.H{"error": "internal error"})
		return
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}
