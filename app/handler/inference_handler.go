package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"dio/internal/model"
	"dio/internal/service"
)

// InferenceHandler handles inference requests
type InferenceHandler struct {
	inferenceService *service.InferenceService
	maxPayloadBytes  int64
}

// NewInferenceHandler creates a new inference handler
func NewInferenceHandler(inferenceService *service.InferenceService, maxPayloadBytes int64) *InferenceHandler {
	return &InferenceHandler{
		inferenceService: inferenceService,
		maxPayloadBytes:  maxPayloadBytes,
	}
}

// InferenceRequest inference request body. Payload is base64 encoded.
type InferenceRequest struct {
	RequestID     string `json:"request_id,omitempty"`
	ModelID       string `json:"model_id"`
	Payload       []byte `json:"payload"`
	EstimatedCost int64  `json:"estimated_cost,omitempty"`
	DeadlineMs    int64  `json:"deadline_ms,omitempty"` // relative to arrival
}

// Infer runs one inference
// @Summary Run inference
// @Description Admit, route and dispatch one request to a worker serving the model
// @Tags inference
// @Accept json
// @Produce json
// @Param request body InferenceRequest true "Inference request"
// @Success 200 {object} model.InferenceResult
// @Failure 413 {object} map[string]interface{} "Budget exceeded"
// @Failure 429 {object} map[string]interface{} "In-flight cost limit reached"
// @Failure 503 {object} map[string]interface{} "No eligible worker"
// @Failure 504 {object} map[string]interface{} "Worker failed or timed out"
// @Router /v1/inference [post]
// @Router /v1/models/{model}/infer [post]
func (h *InferenceHandler) Infer(c *gin.Context) {
	if h.maxPayloadBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxPayloadBytes)
	}

	var body InferenceRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			badRequest(c, "request body exceeds %d bytes", h.maxPayloadBytes)
			return
		}
		badRequest(c, "invalid request body: %v", err)
		return
	}

	if m := c.Param("model"); m != "" {
		if body.ModelID != "" && body.ModelID != m {
			badRequest(c, "model_id %q does not match path model %q", body.ModelID, m)
			return
		}
		body.ModelID = m
	}
	if body.EstimatedCost < 0 || body.DeadlineMs < 0 {
		badRequest(c, "estimated_cost and deadline_ms must not be negative")
		return
	}

	req := &model.InferenceRequest{
		RequestID:     body.RequestID,
		ModelID:       body.ModelID,
		Payload:       body.Payload,
		EstimatedCost: body.EstimatedCost,
	}
	if req.RequestID == "" {
		req.RequestID = c.GetHeader("X-Request-ID")
	}
	if body.DeadlineMs > 0 {
		req.Deadline = time.Now().Add(time.Duration(body.DeadlineMs) * time.Millisecond)
	}

	result, err := h.inferenceService.Execute(c.Request.Context(), req)
	if err != nil {
		c.Header("X-Request-ID", req.RequestID)
		respondError(c, err)
		return
	}

	c.Header("X-Request-ID", result.RequestID)
	c.JSON(http.StatusOK, result)
}
