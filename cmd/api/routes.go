package main

import (
	"campaign-dispatch/internal/auth"
	"campaign-dispatch/internal/httpapi"

	"github.com/gin-gonic/gin"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic; handlers delegate to internal modules.
func registerRoutes(r *gin.Engine, h httpapi.Handlers, authMW gin.HandlerFunc) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	// Provider status callbacks (public).
	// NOTE: protect with provider signature validation in production.
	r.POST("/webhooks/telephony/status", h.CallStatusCallback)

	// Token issuance.
	r.POST("/auth/login", h.Login)

	// protected API group
	v1 := r.Group("/v1")
	v1.Use(authMW)
	{
		v1.GET("/me", func(c *gin.Context) {
			uid, _ := auth.UserID(c.Request.Context())
			oid, _ := auth.OrganizationID(c.Request.Context())
			role, _ := auth.Role(c.Request.Context())
			c.JSON(200, gin.H{"user_id": uid, "organization_id": oid, "role": role})
		})

		v1.GET("/campaigns", h.ListCampaigns)
		v1.GET("/campaigns/:campaign_id/status", h.GetCampaignStatus)

		mutate := v1.Group("")
		mutate.Use(auth.RequireMutateRole())
		{
			mutate.POST("/campaigns", h.CreateCampaign)
			mutate.POST("/campaigns/:campaign_id/start", h.StartCampaign)
			mutate.POST("/campaigns/:campaign_id/pause", h.PauseCampaign)
			mutate.POST("/campaigns/:campaign_id/resume", h.ResumeCampaign)
		}
	}
}
