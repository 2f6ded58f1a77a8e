package ingress

import (
	"crypto/subtle"
	"errors"
	"net/http"

	"callguard/internal/calls"
	"callguard/pkg/logger"

	"github.com/gin-gonic/gin"
)

// PushSecretHeader carries the shared secret of the push relay.
const PushSecretHeader = "X-Push-Secret"

// PushHandler accepts push-messaging deliveries over HTTP.
//
// No business logic here: it authenticates the relay, decodes the message and
// hands it to the dispatcher.
type PushHandler struct {
	Dispatcher Handler
	// Secret, when set, must match the X-Push-Secret header.
	Secret string
}

func (h PushHandler) Handle(c *gin.Context) {
	log := logger.FromGin(c)

	if h.Dispatcher == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "ingress not configured"})
		return
	}
	if h.Secret != "" {
		got := c.GetHeader(PushSecretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.Secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid push secret"})
			return
		}
	}

	var m Message
	if err := c.ShouldBindJSON(&m); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	out, err := h.Dispatcher.Dispatch(c.Request.Context(), m)
	if err != nil {
		status := pushStatus(err)
		if status >= http.StatusInternalServerError {
			log.Error("push message failed", "type", m.Type, "err", err)
		}
		c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
		return
	}

	body := gin.H{"type": out.Type, "ignored": out.Ignored}
	if out.Call != nil {
		body["call"] = out.Call
	}
	c.JSON(http.StatusAccepted, body)
}

func pushStatus(err error) int {
	switch {
	case errors.Is(err, ErrMissingAudio), errors.Is(err, ErrUnknownType),
		errors.Is(err, ErrInvalid), errors.Is(err, calls.ErrInvalidEvent):
		return http.StatusBadRequest
	case errors.Is(err, calls.ErrLineBusy), errors.Is(err, calls.ErrDuplicateCall):
		return http.StatusConflict
	case errors.Is(err, calls.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
