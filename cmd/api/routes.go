package main

import (
	"database/sql"
	"net/http"
	"time"

	"callguard/internal/auth"
	"callguard/internal/httpapi"
	"callguard/internal/ingress"
	"callguard/internal/rbac"
	"callguard/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// registerPublicRoutes wires unauthenticated routes: health, metrics and the push webhook.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerPublicRoutes(r *gin.Engine, db *sql.DB, reg *prometheus.Registry, push ingress.PushHandler) {
	r.GET("/healthz", func(c *gin.Context) {
		if db != nil {
			if err := utils.HealthCheck(c.Request.Context(), db, 2*time.Second); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "postgres": "unreachable"})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	// Push relay deliveries; authenticated by the shared X-Push-Secret header.
	r.POST("/webhooks/push", push.Handle)
}

// registerAPIRoutes wires the versioned API.
func registerAPIRoutes(r *gin.Engine, am *auth.Manager, h httpapi.Handlers) {
	// token issuance (public)
	authGroup := r.Group("/v1/auth")
	{
		authGroup.POST("/register", h.Register)
		authGroup.POST("/login", h.Login)
		authGroup.POST("/refresh", h.Refresh)
	}

	// protected API group
	v1 := r.Group("/v1")
	v1.Use(auth.RequireAccessToken(am))
	{
		v1.GET("/me", h.Me)
		v1.GET("/ws", h.ServeNotices)

		// CALLS routes
		calls := v1.Group("/calls")
		{
			// Injecting calls is for operators; the push webhook is the normal path.
			calls.POST("/incoming", rbac.RequireAnyRole(rbac.RoleOperator), h.IncomingCall)

			// Recipient-scoped; ownership is checked in the handlers.
			calls.GET("/:call_id", h.GetCall)
			calls.POST("/:call_id/accept", h.AcceptCall)
			calls.POST("/:call_id/decline", h.DeclineCall)
			calls.POST("/:call_id/playback-ended", h.CallPlaybackEnded)
		}

		// HISTORY routes
		hist := v1.Group("/history")
		{
			hist.GET("", h.ListHistory)
			hist.GET("/insights", h.Insights)
		}
	}
}
