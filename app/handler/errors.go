package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"dio/internal/model"
	"dio/pkg/logger"
)

// StatusClientClosedRequest nginx convention for a client that went away
const StatusClientClosedRequest = 499

var statusByCode = map[model.ErrorCode]int{
	model.CodeBudgetExceeded:   http.StatusRequestEntityTooLarge,
	model.CodeCapacityExceeded: http.StatusTooManyRequests,
	model.CodeNoCapacity:       http.StatusServiceUnavailable,
	model.CodeWorkerTimeout:    http.StatusGatewayTimeout,
	model.CodeRegistration:     http.StatusBadRequest,
	model.CodeInvalidRequest:   http.StatusBadRequest,
	model.CodeNotFound:         http.StatusNotFound,
	model.CodeCancelled:        StatusClientClosedRequest,
}

// HTTPStatus maps an error to the status code returned to clients
func HTTPStatus(err error) int {
	if status, ok := statusByCode[model.CodeOf(err)]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// respondError writes {error:{code,message}}. Illegal lifecycle transitions and
// foreign errors are internal faults: they are logged and hidden from the caller.
func respondError(c *gin.Context, err error) {
	status := HTTPStatus(err)
	code := model.CodeOf(err)

	message := err.Error()
	var e *model.Error
	if errors.As(err, &e) {
		message = e.Message
	}
	if status == http.StatusInternalServerError {
		logger.ErrorCtx(c.Request.Context(), "internal error on %s %s: %v", c.Request.Method, c.FullPath(), err)
		code = "INTERNAL"
		message = "internal error"
	}

	c.JSON(status, gin.H{"error": gin.H{"code": code, "message": message}})
}

func badRequest(c *gin.Context, format string, args ...interface{}) {
	respondError(c, model.NewError(model.CodeInvalidRequest, format, args...))
}
