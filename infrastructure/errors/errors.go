// Package errors provides the kernel's unified error taxonomy.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a unique error code.
type ErrorCode string

const (
	// Validation failures (1xxx) — malformed input, rejected at ingress.
	ErrCodeInvalidInput     ErrorCode = "VAL_1001"
	ErrCodeMissingParameter ErrorCode = "VAL_1002"
	ErrCodeInvalidFormat    ErrorCode = "VAL_1003"

	// Guard violations (2xxx) — chain guard failures, recorded as failed_reason.
	ErrCodeMaxDepthReached ErrorCode = "GRD_2001"
	ErrCodeMaxJobsExceeded ErrorCode = "GRD_2002"
	ErrCodeTimeoutExceeded ErrorCode = "GRD_2003"
	ErrCodeRepeatDetected  ErrorCode = "GRD_2004"
	ErrCodeInvalidJobSpec  ErrorCode = "GRD_2005"
	ErrCodeChainNotActive  ErrorCode = "GRD_2006"

	// Transient I/O failures (3xxx) — retried with backoff before surfacing.
	ErrCodeLockContention ErrorCode = "IO_3001"
	ErrCodeFsync          ErrorCode = "IO_3002"
	ErrCodeDatabaseError  ErrorCode = "IO_3003"

	// Worker failures (4xxx).
	ErrCodeWorkerResultFailed ErrorCode = "WRK_4001"
	ErrCodeWorkerProbeFailed  ErrorCode = "WRK_4002"
	ErrCodeNoEligibleWorker   ErrorCode = "WRK_4003"

	// Ledger integrity failures (5xxx) — fatal for settlement.
	ErrCodeHashMismatch      ErrorCode = "LED_5001"
	ErrCodeInsufficientFunds ErrorCode = "LED_5002"
	ErrCodeReplicaReadOnly   ErrorCode = "LED_5003"
	ErrCodeAlreadySettled    ErrorCode = "LED_5004"
	ErrCodeSettlementLimited ErrorCode = "LED_5005"

	// Internal/unexpected (6xxx).
	ErrCodeInternal ErrorCode = "SYS_6001"
	ErrCodeNotFound ErrorCode = "SYS_6002"
	ErrCodeConflict ErrorCode = "SYS_6003"
)

// ServiceError is a structured error with a code, message, and an HTTP
// status retained only for the ambient ops surface (it is never consulted
// by core control flow, which branches on Code via errors.As/CodeOf).
type ServiceError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Err        error                  `json:"-"`
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// WithDetails adds additional details to the error.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a new ServiceError.
func New(code ErrorCode, message string, httpStatus int) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: httpStatus}
}

// Wrap wraps an existing error with a ServiceError.
func Wrap(code ErrorCode, message string, httpStatus int, err error) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: httpStatus, Err: err}
}

// Validation errors

func InvalidInput(field, reason string) *ServiceError {
	return New(ErrCodeInvalidInput, "invalid input", http.StatusBadRequest).
		WithDetails("field", field).WithDetails("reason", reason)
}

func MissingParameter(param string) *ServiceError {
	return New(ErrCodeMissingParameter, "missing required parameter", http.StatusBadRequest).
		WithDetails("parameter", param)
}

func InvalidFormat(field, expected string) *ServiceError {
	return New(ErrCodeInvalidFormat, "invalid format", http.StatusBadRequest).
		WithDetails("field", field).WithDetails("expected", expected)
}

// Guard violations — the reason strings match job_chain_manager.py exactly
// so operators and the self-correction LLM step see familiar wording.

func guardViolation(code ErrorCode, reason string) *ServiceError {
	return New(code, reason, http.StatusConflict).WithDetails("reason", reason)
}

func MaxDepthReached() *ServiceError {
	return guardViolation(ErrCodeMaxDepthReached, "max_depth_reached")
}

func MaxJobsTotalExceeded() *ServiceError {
	return guardViolation(ErrCodeMaxJobsExceeded, "max_jobs_total_exceeded")
}

func TimeoutExceeded() *ServiceError {
	return guardViolation(ErrCodeTimeoutExceeded, "timeout_exceeded")
}

func RepeatDetected() *ServiceError {
	return guardViolation(ErrCodeRepeatDetected, "repeat_detected")
}

func InvalidJobSpec() *ServiceError {
	return guardViolation(ErrCodeInvalidJobSpec, "invalid_job_spec")
}

func ChainNotActive(status string) *ServiceError {
	return guardViolation(ErrCodeChainNotActive, "chain_not_active:"+status)
}

// Transient I/O

func LockContention(path string, err error) *ServiceError {
	return Wrap(ErrCodeLockContention, "could not acquire advisory lock", http.StatusServiceUnavailable, err).
		WithDetails("path", path)
}

func DatabaseError(operation string, err error) *ServiceError {
	return Wrap(ErrCodeDatabaseError, "database operation failed", http.StatusInternalServerError, err).
		WithDetails("operation", operation)
}

// Worker failures

func WorkerResultFailed(workerID, jobID string) *ServiceError {
	return New(ErrCodeWorkerResultFailed, "worker reported failure", http.StatusOK).
		WithDetails("worker_id", workerID).WithDetails("job_id", jobID)
}

func NoEligibleWorker(kind string) *ServiceError {
	return New(ErrCodeNoEligibleWorker, "no eligible worker for kind", http.StatusServiceUnavailable).
		WithDetails("kind", kind)
}

// Ledger integrity

func HashMismatch(line int, reason string) *ServiceError {
	return New(ErrCodeHashMismatch, "journal hash chain broken", http.StatusConflict).
		WithDetails("at_line", line).WithDetails("reason", reason)
}

func InsufficientFunds(account, required, available string) *ServiceError {
	return New(ErrCodeInsufficientFunds, "insufficient funds", http.StatusPaymentRequired).
		WithDetails("account", account).WithDetails("required", required).WithDetails("available", available)
}

func ReplicaReadOnly() *ServiceError {
	return New(ErrCodeReplicaReadOnly, "ledger is a read-only replica", http.StatusForbidden)
}

func AlreadySettled(jobID string) *ServiceError {
	return New(ErrCodeAlreadySettled, "job already settled", http.StatusOK).
		WithDetails("job_id", jobID)
}

func SettlementRateLimited(payerID string) *ServiceError {
	return New(ErrCodeSettlementLimited, "settlement rate limit exceeded", http.StatusTooManyRequests).
		WithDetails("payer_id", payerID)
}

// Resource errors

func NotFound(resource, id string) *ServiceError {
	return New(ErrCodeNotFound, "resource not found", http.StatusNotFound).
		WithDetails("resource", resource).WithDetails("id", id)
}

func Conflict(message string) *ServiceError {
	return New(ErrCodeConflict, message, http.StatusConflict)
}

func Internal(message string, err error) *ServiceError {
	return Wrap(ErrCodeInternal, message, http.StatusInternalServerError, err)
}

// Helper functions

// IsServiceError checks if an error is a ServiceError.
func IsServiceError(err error) bool {
	var serviceErr *ServiceError
	return errors.As(err, &serviceErr)
}

// GetServiceError extracts a ServiceError from an error chain.
func GetServiceError(err error) *ServiceError {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr
	}
	return nil
}

// CodeOf returns the ErrorCode of err, or "" if it is not a ServiceError.
func CodeOf(err error) ErrorCode {
	if se := GetServiceError(err); se != nil {
		return se.Code
	}
	return ""
}

// GetHTTPStatus returns the HTTP status code for an error.
func GetHTTPStatus(err error) int {
	if serviceErr := GetServiceError(err); serviceErr != nil {
		return serviceErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
