package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"dio/internal/model"
	"dio/internal/service"
	"dio/pkg/logger"
)

// WorkerHandler handles worker-related operations
type WorkerHandler struct {
	workerService      *service.WorkerService
	workerEventService *service.WorkerEventService
}

// NewWorkerHandler creates a new worker handler
func NewWorkerHandler(workerService *service.WorkerService, workerEventService *service.WorkerEventService) *WorkerHandler {
	return &WorkerHandler{
		workerService:      workerService,
		workerEventService: workerEventService,
	}
}

// Register registers a worker
// @Summary Register worker
// @Description Worker announces its address and served models. Re-registering resets its state and statistics.
// @Tags worker
// @Accept json
// @Produce json
// @Param request body model.WorkerSpec true "Worker registration"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} map[string]interface{}
// @Router /v1/workers/register [post]
func (h *WorkerHandler) Register(c *gin.Context) {
	var spec model.WorkerSpec
	if err := c.ShouldBindJSON(&spec); err != nil {
		respondError(c, model.WrapError(model.CodeRegistration, err, "invalid registration: %v", err))
		return
	}

	rec, err := h.workerService.Register(c.Request.Context(), spec)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "worker": rec})
}

// List lists workers
// @Summary List workers
// @Tags worker
// @Produce json
// @Param model query string false "Only workers serving this model"
// @Success 200 {array} model.WorkerRecord
// @Router /v1/workers [get]
func (h *WorkerHandler) List(c *gin.Context) {
	c.JSON(http.StatusOK, h.workerService.ListWorkers(c.Request.Context(), c.Query("model")))
}

// Get gets one worker
// @Summary Get worker
// @Tags worker
// @Produce json
// @Param id path string true "Worker ID"
// @Success 200 {object} model.WorkerRecord
// @Router /v1/workers/{id} [get]
func (h *WorkerHandler) Get(c *gin.Context) {
	rec, err := h.workerService.GetWorker(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// Delete deregisters a worker
// @Summary Deregister worker
// @Tags worker
// @Param id path string true "Worker ID"
// @Success 200 {object} map[string]interface{}
// @Router /v1/workers/{id} [delete]
func (h *WorkerHandler) Delete(c *gin.Context) {
	id := c.Param("id")
	if err := h.workerService.Deregister(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "worker_id": id})
}

// Drain stops routing new requests to a worker
// @Summary Drain worker
// @Tags worker
// @Param id path string true "Worker ID"
// @Success 200 {object} model.WorkerRecord
// @Router /v1/workers/{id}/drain [post]
func (h *WorkerHandler) Drain(c *gin.Context) {
	rec, err := h.workerService.Drain(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	logger.InfoCtx(c.Request.Context(), "worker %s draining on admin request", rec.ID)
	c.JSON(http.StatusOK, rec)
}

// Events returns recorded lifecycle events of a worker, newest first
// @Summary Worker event history
// @Tags worker
// @Param id path string true "Worker ID"
// @Param limit query int false "Limit (default 50)"
// @Success 200 {array} events.Event
// @Router /v1/workers/{id}/events [get]
func (h *WorkerHandler) Events(c *gin.Context) {
	history, err := h.workerEventService.ListWorkerEvents(c.Request.Context(), c.Param("id"), queryLimit(c, 50))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, history)
}
