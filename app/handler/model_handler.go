package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"dio/internal/admission"
	"dio/internal/health"
	"dio/internal/scheduler"
	"dio/internal/service"
	"dio/pkg/logger"
)

// ModelHandler per-model views: pool, routing weights and admission budgets
type ModelHandler struct {
	workerService *service.WorkerService
	scheduler     *scheduler.Scheduler
	tracker       *health.Tracker
	admission     *admission.Controller
}

// NewModelHandler creates a new model handler
func NewModelHandler(workerService *service.WorkerService, sched *scheduler.Scheduler, tracker *health.Tracker, adm *admission.Controller) *ModelHandler {
	return &ModelHandler{
		workerService: workerService,
		scheduler:     sched,
		tracker:       tracker,
		admission:     adm,
	}
}

// List lists served models
// @Summary List models
// @Tags model
// @Produce json
// @Success 200 {array} service.ModelSummary
// @Router /v1/models [get]
func (h *ModelHandler) List(c *gin.Context) {
	c.JSON(http.StatusOK, h.workerService.ListModels(c.Request.Context()))
}

// Weights returns the current selection probability of every eligible worker
// @Summary Routing weights
// @Tags model
// @Param model path string true "Model ID"
// @Success 200 {object} map[string]interface{}
// @Router /v1/models/{model}/weights [get]
func (h *ModelHandler) Weights(c *gin.Context) {
	modelID := c.Param("model")
	resp := gin.H{
		"model_id": modelID,
		"workers":  h.scheduler.Weights(modelID),
	}
	if median, ok := h.tracker.PoolMedian(modelID); ok {
		resp["pool_median_ms"] = median
	}
	c.JSON(http.StatusOK, resp)
}

// GetBudget returns the admission budget of a model
func (h *ModelHandler) GetBudget(c *gin.Context) {
	modelID := c.Param("model")
	c.JSON(http.StatusOK, gin.H{
		"model_id":      modelID,
		"budget":        h.admission.Budget(modelID),
		"inflight_cost": h.admission.InFlight(modelID),
	})
}

// PutBudget replaces the admission budget of a model
// @Summary Update model budget
// @Description Zero limits mean unlimited. Already admitted cost is kept.
// @Tags model
// @Accept json
// @Param model path string true "Model ID"
// @Param request body admission.Budget true "Budget"
// @Success 200 {object} admission.Budget
// @Router /v1/models/{model}/budget [put]
func (h *ModelHandler) PutBudget(c *gin.Context) {
	var b admission.Budget
	if err := c.ShouldBindJSON(&b); err != nil {
		badRequest(c, "invalid budget: %v", err)
		return
	}
	if b.MaxRequestCost < 0 || b.MaxInFlightCost < 0 {
		badRequest(c, "budget limits must not be negative")
		return
	}

	modelID := c.Param("model")
	h.admission.SetBudget(modelID, b)
	logger.InfoCtx(c.Request.Context(), "budget of model %s set to max_request_cost=%d max_inflight_cost=%d",
		modelID, b.MaxRequestCost, b.MaxInFlightCost)
	c.JSON(http.StatusOK, b)
}

// Admission returns budgets, admitted cost and worker-reported usage of every model
func (h *ModelHandler) Admission(c *gin.Context) {
	c.JSON(http.StatusOK, h.admission.Status())
}
