package model

import (
	"errors"
	"fmt"
)

// ErrorCode classifies orchestrator errors
type ErrorCode string

const (
	CodeBudgetExceeded   ErrorCode = "BUDGET_EXCEEDED"   // Request cost above the per-request limit
	CodeCapacityExceeded ErrorCode = "CAPACITY_EXCEEDED" // Aggregate in-flight cost limit reached
	CodeNoCapacity       ErrorCode = "NO_CAPACITY"       // No eligible worker for the model
	CodeWorkerTimeout    ErrorCode = "WORKER_TIMEOUT"    // Dispatch failed or exceeded its deadline
	CodeStateTransition  ErrorCode = "STATE_TRANSITION"  // Illegal lifecycle transition
	CodeRegistration     ErrorCode = "REGISTRATION"      // Invalid worker registration
	CodeNotFound         ErrorCode = "NOT_FOUND"         // Unknown worker or intent
	CodeCancelled        ErrorCode = "CANCELLED"         // Client went away before the response
	CodeInvalidRequest   ErrorCode = "INVALID_REQUEST"   // Malformed inference or admin request
)

// Error orchestrator error carrying a code
type Error struct {
	Code    ErrorCode
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error with the same code
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is comparisons
var (
	ErrBudgetExceeded   = &Error{Code: CodeBudgetExceeded, Message: "request cost exceeds budget"}
	ErrCapacityExceeded = &Error{Code: CodeCapacityExceeded, Message: "in-flight cost limit reached"}
	ErrNoCapacity       = &Error{Code: CodeNoCapacity, Message: "no eligible worker"}
	ErrWorkerTimeout    = &Error{Code: CodeWorkerTimeout, Message: "worker did not answer in time"}
	ErrStateTransition  = &Error{Code: CodeStateTransition, Message: "illegal state transition"}
	ErrRegistration     = &Error{Code: CodeRegistration, Message: "invalid registration"}
	ErrNotFound         = &Error{Code: CodeNotFound, Message: "not found"}
	ErrCancelled        = &Error{Code: CodeCancelled, Message: "request cancelled by client"}
	ErrInvalidRequest   = &Error{Code: CodeInvalidRequest, Message: "invalid request"}
)

// NewError builds an *Error with a formatted message
func NewError(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError builds an *Error around cause
func WrapError(code ErrorCode, cause error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// BudgetExceededError request cost above the model's per-request limit
func BudgetExceededError(modelID string, cost, limit int64) *Error {
	return NewError(CodeBudgetExceeded, "model %s: cost %d exceeds max request cost %d", modelID, cost, limit)
}

// CapacityExceededError admitting cost would exceed the in-flight limit
func CapacityExceededError(modelID string, inFlight, cost, limit int64) *Error {
	return NewError(CodeCapacityExceeded, "model %s: in-flight %d + cost %d exceeds max in-flight cost %d", modelID, inFlight, cost, limit)
}

// NoCapacityError no eligible worker for the model
func NoCapacityError(modelID string) *Error {
	return NewError(CodeNoCapacity, "no eligible worker for model %s", modelID)
}

// StateTransitionError illegal lifecycle transition
func StateTransitionError(workerID string, from, to LifecycleState) *Error {
	return NewError(CodeStateTransition, "worker %s: %s -> %s is not allowed", workerID, from, to)
}

// CodeOf returns the code of err, or "" for foreign errors
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
