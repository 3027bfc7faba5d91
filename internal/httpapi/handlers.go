// Package httpapi is the HTTP control surface: campaign CRUD and lifecycle
// commands, plus the provider status-callback webhook. Handlers stay thin:
// parse/validate input, call internal services, return JSON.
package httpapi

import (
	"errors"
	"net/http"
	"time"

	"campaign-dispatch/internal/auth"
	"campaign-dispatch/internal/campaign"
	"campaign-dispatch/internal/dispatch"
	"campaign-dispatch/internal/orchestrator"
	"campaign-dispatch/internal/telephony"
	"campaign-dispatch/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Handlers groups HTTP handlers for dependency injection.
type Handlers struct {
	Auth       *auth.Manager
	Campaigns  campaign.Store
	Queue      campaign.QueueStore
	Lifecycle  *orchestrator.Orchestrator
	Dispatcher *dispatch.Dispatcher
}

/* ----- auth ----- */

type loginRequest struct {
	UserID         string `json:"user_id"`
	OrganizationID string `json:"organization_id"`
	Role           string `json:"role"`
}

// Login issues an access token.
//
// NOTE: skeleton endpoint; real deployments validate credentials upstream.
func (h Handlers) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.UserID == "" || req.OrganizationID == "" || req.Role == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id, organization_id, role required"})
		return
	}
	tok, err := h.Auth.Issue(time.Now(), req.UserID, req.OrganizationID, req.Role)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": tok})
}

/* ----- campaigns ----- */

type createCampaignRequest struct {
	Name               string               `json:"name"`
	WorkflowID         string               `json:"workflow_id"`
	SourceType         string               `json:"source_type"`
	SourceID           string               `json:"source_id"`
	RateLimitPerSecond int                  `json:"rate_limit_per_second"`
	MaxConcurrency     int                  `json:"max_concurrency"`
	RetryConfig        campaign.RetryConfig `json:"retry_config"`
}

func (h Handlers) CreateCampaign(c *gin.Context) {
	orgID, err := auth.OrganizationID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "organization_id required"})
		return
	}
	var req createCampaignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.Name == "" || req.WorkflowID == "" || req.SourceType == "" || req.SourceID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "name, workflow_id, source_type, source_id required"})
		return
	}
	if req.MaxConcurrency <= 0 {
		req.MaxConcurrency = dispatch.DefaultMaxConcurrency
	}

	created, err := h.Campaigns.Create(c.Request.Context(), campaign.Campaign{
		ID:                 uuid.NewString(),
		OrganizationID:     orgID,
		WorkflowID:         req.WorkflowID,
		Name:               req.Name,
		State:              campaign.StateDraft,
		SourceType:         req.SourceType,
		SourceID:           req.SourceID,
		RateLimitPerSecond: req.RateLimitPerSecond,
		MaxConcurrency:     req.MaxConcurrency,
		RetryConfig:        req.RetryConfig,
	})
	if err != nil {
		abortWithStoreError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (h Handlers) ListCampaigns(c *gin.Context) {
	orgID, err := auth.OrganizationID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "organization_id required"})
		return
	}
	list, err := h.Campaigns.List(c.Request.Context(), orgID)
	if err != nil {
		abortWithStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"campaigns": list})
}

// ownedCampaign loads the campaign and enforces organization scoping. A
// campaign belonging to another organization reads as not found.
func (h Handlers) ownedCampaign(c *gin.Context) (campaign.Campaign, bool) {
	orgID, err := auth.OrganizationID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "organization_id required"})
		return campaign.Campaign{}, false
	}
	id := c.Param("campaign_id")
	if id == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "campaign_id required"})
		return campaign.Campaign{}, false
	}
	camp, err := h.Campaigns.Get(c.Request.Context(), id)
	if err != nil {
		abortWithStoreError(c, err)
		return campaign.Campaign{}, false
	}
	if camp.OrganizationID != orgID {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "campaign not found"})
		return campaign.Campaign{}, false
	}
	return camp, true
}

func (h Handlers) GetCampaignStatus(c *gin.Context) {
	camp, ok := h.ownedCampaign(c)
	if !ok {
		return
	}
	depth, err := h.Queue.Depth(c.Request.Context(), camp.ID)
	if err != nil {
		abortWithStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"campaign": camp,
		"progress": campaign.ProgressOf(camp),
		"queue":    depth,
	})
}

func (h Handlers) StartCampaign(c *gin.Context) {
	camp, ok := h.ownedCampaign(c)
	if !ok {
		return
	}
	started, err := h.Lifecycle.Start(c.Request.Context(), camp.ID)
	if err != nil {
		abortWithStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, started)
}

func (h Handlers) PauseCampaign(c *gin.Context) {
	camp, ok := h.ownedCampaign(c)
	if !ok {
		return
	}
	paused, err := h.Lifecycle.Pause(c.Request.Context(), camp.ID)
	if err != nil {
		abortWithStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, paused)
}

func (h Handlers) ResumeCampaign(c *gin.Context) {
	camp, ok := h.ownedCampaign(c)
	if !ok {
		return
	}
	resumed, err := h.Lifecycle.Resume(c.Request.Context(), camp.ID)
	if err != nil {
		abortWithStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, resumed)
}

/* ----- provider webhook ----- */

// CallStatusCallback receives provider terminal-status callbacks. Unknown
// call ids and non-terminal statuses are acknowledged without action so the
// provider stops retrying.
//
// NOTE: protect with provider signature validation in production.
func (h Handlers) CallStatusCallback(c *gin.Context) {
	var upd telephony.StatusUpdate
	if err := c.ShouldBindJSON(&upd); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if upd.CallID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "call_id required"})
		return
	}
	status, ok := telephony.ParseTerminalStatus(string(upd.Status))
	if !ok {
		logger.From(c.Request.Context()).Info("ignoring non-terminal status",
			"call_id", upd.CallID, "status", upd.Status)
		c.JSON(http.StatusOK, gin.H{"handled": false})
		return
	}
	if err := h.Dispatcher.OnCallTerminalStatus(c.Request.Context(), upd.CallID, status, upd.DurationSeconds); err != nil {
		logger.From(c.Request.Context()).Error("status callback failed",
			"call_id", upd.CallID, "error", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "callback handling failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"handled": true})
}

func abortWithStoreError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, campaign.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "campaign not found"})
	case errors.Is(err, campaign.ErrInvalidTransition):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, campaign.ErrInvalidArgument):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
