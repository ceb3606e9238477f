package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"dio/pkg/autoscaler"
	"dio/pkg/logger"
)

// AutoScalerHandler handles autoscaling operations
type AutoScalerHandler struct {
	manager *autoscaler.Manager
}

// NewAutoScalerHandler creates autoscaler handler
func NewAutoScalerHandler(manager *autoscaler.Manager) *AutoScalerHandler {
	return &AutoScalerHandler{manager: manager}
}

// GetStatus gets autoscaler status
// @Summary Get autoscaler status
// @Description Current load, dwell timers and pending intent of every model
// @Tags AutoScaler
// @Produce json
// @Success 200 {object} autoscaler.AutoScalerStatus
// @Router /v1/autoscaler/status [get]
func (h *AutoScalerHandler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.manager.GetStatus())
}

// ListIntents lists pending and recent scaling intents
// @Summary List scaling intents
// @Tags AutoScaler
// @Param limit query int false "Recent intent limit (default 20)"
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /v1/autoscaler/intents [get]
func (h *AutoScalerHandler) ListIntents(c *gin.Context) {
	limit := queryLimit(c, 20)
	c.JSON(http.StatusOK, gin.H{
		"pending": h.manager.PendingIntents(),
		"recent":  h.manager.RecentIntents(limit),
	})
}

// ResolveRequest outcome reported by the provisioner
type ResolveRequest struct {
	Success *bool  `json:"success" binding:"required"`
	Message string `json:"message"`
}

// ResolveIntent resolves a pending intent
// @Summary Resolve scaling intent
// @Description Called by the provisioner once it fulfilled or gave up on an intent
// @Tags AutoScaler
// @Accept json
// @Param id path string true "Intent ID"
// @Param request body ResolveRequest true "Outcome"
// @Success 200 {object} model.ScalingIntent
// @Router /v1/autoscaler/intents/{id}/resolve [post]
func (h *AutoScalerHandler) ResolveIntent(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request: %v", err)
		return
	}

	intent, err := h.manager.Resolve(c.Request.Context(), c.Param("id"), *req.Success, req.Message)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, intent)
}

// Enable enables autoscaler
// @Summary Enable autoscaler
// @Tags AutoScaler
// @Produce json
// @Success 200 {object} map[string]string
// @Router /v1/autoscaler/enable [post]
func (h *AutoScalerHandler) Enable(c *gin.Context) {
	h.manager.Enable(c.Request.Context())
	logger.InfoCtx(c.Request.Context(), "autoscaler enabled")
	c.JSON(http.StatusOK, gin.H{"status": "enabled"})
}

// Disable disables autoscaler
// @Summary Disable autoscaler
// @Tags AutoScaler
// @Produce json
// @Success 200 {object} map[string]string
// @Router /v1/autoscaler/disable [post]
func (h *AutoScalerHandler) Disable(c *gin.Context) {
	h.manager.Disable(c.Request.Context())
	logger.InfoCtx(c.Request.Context(), "autoscaler disabled")
	c.JSON(http.StatusOK, gin.H{"status": "disabled"})
}

// Trigger runs one evaluation immediately
func (h *AutoScalerHandler) Trigger(c *gin.Context) {
	if err := h.manager.RunOnce(c.Request.Context()); err != nil {
		logger.ErrorCtx(c.Request.Context(), "failed to trigger scale: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{"code": "INTERNAL", "message": err.Error()}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "triggered"})
}

// GetHistory gets scaling history
// @Summary Get scaling history
// @Tags AutoScaler
// @Param model query string false "Model ID (empty means all)"
// @Param limit query int false "Limit (default 20)"
// @Produce json
// @Success 200 {array} model.ScalingIntent
// @Router /v1/autoscaler/history [get]
func (h *AutoScalerHandler) GetHistory(c *gin.Context) {
	history, err := h.manager.GetScalingHistory(c.Request.Context(), c.Query("model"), queryLimit(c, 20))
	if err != nil {
		logger.ErrorCtx(c.Request.Context(), "failed to get scaling history: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{"code": "INTERNAL", "message": err.Error()}})
		return
	}
	c.JSON(http.StatusOK, history)
}

func queryLimit(c *gin.Context, def int) int {
	if limitStr := c.Query("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			return l
		}
	}
	return def
}
