package main

import (
	"database/sql"
	"time"

	"call-orchestrator/internal/auth"
	"call-orchestrator/internal/business"
	"call-orchestrator/internal/events"
	"call-orchestrator/internal/httpapi"
	"call-orchestrator/internal/ingest"
	"call-orchestrator/internal/rbac"
	"call-orchestrator/internal/registry"
	"call-orchestrator/internal/reporting"
	"call-orchestrator/internal/telephony"
	"call-orchestrator/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

type routeDeps struct {
	auth      *auth.Manager
	registry  *registry.Service
	store     registry.Store
	events    events.Store
	dialer    telephony.Dialer
	profiles  *business.Client
	limiter   httpapi.ConcurrencyLimiter
	reporting *reporting.Service
	webhooks  *ingest.Handler

	// verifyTwilio guards the Twilio webhook group; a pass-through when
	// signature validation is disabled.
	verifyTwilio gin.HandlerFunc

	db  *sql.DB
	rdb *redis.Client
}

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, deps routeDeps) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		if err := utils.HealthCheck(c.Request.Context(), deps.db, 2*time.Second); err != nil {
			c.JSON(503, gin.H{"status": "degraded", "postgres": err.Error()})
			return
		}
		if err := deps.rdb.Ping(c.Request.Context()).Err(); err != nil {
			c.JSON(503, gin.H{"status": "degraded", "redis": err.Error()})
			return
		}
		c.JSON(200, gin.H{"status": "ok", "dialer": deps.dialer.Name()})
	})

	// Provider webhooks (public; Twilio routes are signature-checked when
	// TWILIO_VALIDATE_SIGNATURE is on).
	{
		twilio := r.Group("/webhooks/twilio/voice")
		twilio.Use(deps.verifyTwilio)
		twilio.POST("/status", deps.webhooks.Status)
		twilio.POST("/answer", deps.webhooks.Answer)
		twilio.POST("/gather", deps.webhooks.Gather)
		twilio.POST("/recording", deps.webhooks.Recording)
		twilio.POST("/transcription", deps.webhooks.Transcription)

		// Provider-agnostic inbound events; some gateways can only GET.
		r.POST("/inbound/webhook", deps.webhooks.Normalized)
		r.GET("/inbound/webhook", deps.webhooks.Normalized)
	}

	// AUTH routes (token issuance).
	// NOTE: This is a placeholder login route; real credential validation is not implemented.
	authHandlers := httpapi.AuthHandlers{Auth: deps.auth}
	r.POST("/api/v1/auth/login", authHandlers.Login)

	// protected API group
	v1 := r.Group("/api/v1")
	v1.Use(auth.RequireAccessToken(deps.auth))
	{
		v1.GET("/me", func(c *gin.Context) {
			uid, _ := auth.UserID(c.Request.Context())
			role, _ := auth.Role(c.Request.Context())
			c.JSON(200, gin.H{"user_id": uid, "role": role})
		})

		h := httpapi.Handlers{
			Registry: deps.registry,
			Dialer:   deps.dialer,
			Profiles: deps.profiles,
			Limiter:  deps.limiter,
		}

		// CALLS routes
		callsGroup := v1.Group("/calls")
		callsGroup.Use(rbac.RequireAnyRole(rbac.RoleOperator, rbac.RoleAdmin))
		{
			callsGroup.GET("", h.ListCalls)
			callsGroup.GET("/:call_id", h.GetCall)

			callsGroup.POST("/webhook", h.LegacyWebhook)

			callsGroup.POST("/start", h.StartCalls)
			callsGroup.POST("/start-sales", h.StartSalesCalls)
			callsGroup.POST("/start-jobs", h.StartJobsCalls)

			callsGroup.POST("/:call_id/pause", h.PauseCall)
			callsGroup.POST("/:call_id/resume", h.ResumeCall)
			callsGroup.POST("/:call_id/complete", h.CompleteCall)
			callsGroup.POST("/:call_id/notes", h.AddNote)
			callsGroup.POST("/:call_id/stage", h.SetStage)
		}

		// REPORTS routes
		reports := v1.Group("/reports")
		reports.Use(rbac.RequireAnyRole(rbac.RoleOperator, rbac.RoleAdmin))
		{
			rh := httpapi.ReportHandlers{Reporting: deps.reporting}
			reports.GET("/calls/summary", rh.CallsSummary)
		}

		// ADMIN routes
		admin := v1.Group("/admin")
		admin.Use(rbac.RequireAnyRole(rbac.RoleAdmin))
		{
			admin.GET("/ping", func(c *gin.Context) {
				c.JSON(200, gin.H{"status": "ok"})
			})

			// Event-log consistency audit: replay must reproduce live state.
			replay := httpapi.ReplayHandlers{Events: deps.events, Live: deps.store}
			admin.POST("/replay/audit", replay.AuditReplay)
		}
	}
}
