package errors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNotFound           = NewError("NOT_FOUND", "resource not found", http.StatusNotFound).AsFatal()
	ErrValidation         = NewError("VALIDATION_ERROR", "validation failed", http.StatusBadRequest).AsFatal()
	ErrInternal           = NewError("INTERNAL_ERROR", "internal error", http.StatusInternalServerError)
	ErrServiceUnavailable = NewError("SERVICE_UNAVAILABLE", "service unavailable", http.StatusServiceUnavailable)

	ErrConfiguration     = NewError("CONFIGURATION_ERROR", "invalid node configuration", http.StatusUnprocessableEntity).AsFatal()
	ErrTransient         = NewError("TRANSIENT_ERROR", "transient failure", http.StatusServiceUnavailable).AsRetryable()
	ErrPermanent         = NewError("PERMANENT_ERROR", "message cannot be processed", http.StatusUnprocessableEntity).AsFatal()
	ErrTimeout           = NewError("TIMEOUT", "operation timed out", http.StatusGatewayTimeout).AsRetryable()
	ErrScript            = NewError("SCRIPT_ERROR", "script evaluation failed", http.StatusUnprocessableEntity).AsFatal()
	ErrLoopLimitExceeded = NewError("LOOP_LIMIT_EXCEEDED", "message hop limit exceeded", http.StatusLoopDetected).AsFatal()
	ErrCircuitOpen       = NewError("CIRCUIT_OPEN", "node is suspended by circuit breaker", http.StatusServiceUnavailable).AsFatal()
	ErrRateLimited       = NewError("RATE_LIMITED", "tenant rate limit exceeded", http.StatusTooManyRequests).AsFatal()
	ErrChainUnavailable  = NewError("CHAIN_UNAVAILABLE", "rule chain is unavailable", http.StatusServiceUnavailable).AsFatal()
)

type RetryableError interface {
	error
	IsRetryable() bool
}

type FatalError interface {
	error
	IsFatal() bool
}

type Error struct {
	Code      string
	Message   string
	Status    int
	Details   map[string]interface{}
	Cause     error
	retryable *bool
}

func NewError(code, message string, status int) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Status:  status,
		Details: make(map[string]interface{}),
	}
}

func (e *Error) Error() string {
	msg := e.Message

	if len(e.Details) > 0 {
		if detailMsg, ok := e.Details["message"].(string); ok && detailMsg != "" {
			msg = detailMsg
		}
	}

	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error with the same code, so that
// errors.Is(err, ErrTransient) matches every transient error regardless of details.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

func (e *Error) IsRetryable() bool {
	if e.retryable != nil {
		return *e.retryable
	}
	if e.Cause != nil {
		var retryableErr RetryableError
		if errors.As(e.Cause, &retryableErr) {
			return retryableErr.IsRetryable()
		}
		var fatalErr FatalError
		if errors.As(e.Cause, &fatalErr) {
			return !fatalErr.IsFatal()
		}
	}
	return false
}

func (e *Error) IsFatal() bool {
	return !e.IsRetryable()
}

func (e *Error) WithCause(cause error) *Error {
	err := *e
	err.Details = cloneDetails(e.Details)
	err.Cause = cause
	return &err
}

func (e *Error) WithMessage(message string) *Error {
	err := *e
	err.Details = cloneDetails(e.Details)
	err.Message = message
	return &err
}

func (e *Error) WithDetail(key string, value interface{}) *Error {
	err := *e
	err.Details = cloneDetails(e.Details)
	err.Details[key] = value
	return &err
}

func (e *Error) WithDetails(details map[string]interface{}) *Error {
	err := *e
	err.Details = cloneDetails(details)
	return &err
}

func (e *Error) AsRetryable() *Error {
	err := *e
	retryable := true
	err.retryable = &retryable
	return &err
}

func (e *Error) AsFatal() *Error {
	err := *e
	retryable := false
	err.retryable = &retryable
	return &err
}

func cloneDetails(details map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(details))
	for k, v := range details {
		out[k] = v
	}
	return out
}

// Transient wraps err as a TRANSIENT_ERROR unless it already carries a rule engine code.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return err
	}
	return ErrTransient.WithCause(err)
}

// Permanent wraps err as a PERMANENT_ERROR unless it already carries a rule engine code.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return err
	}
	return ErrPermanent.WithCause(err)
}

// CodeOf returns the code of the outermost *Error in err's chain, or INTERNAL_ERROR.
func CodeOf(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal.Code
}

func hasCode(err error, code string) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

func IsNotFound(err error) bool {
	return hasCode(err, ErrNotFound.Code)
}

func IsValidation(err error) bool {
	return hasCode(err, ErrValidation.Code)
}

func IsConfiguration(err error) bool {
	return hasCode(err, ErrConfiguration.Code)
}

// IsTransient reports whether err should be retried by the chain actor.
func IsTransient(err error) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.IsRetryable()
	}
	return false
}

func IsCircuitOpen(err error) bool {
	return hasCode(err, ErrCircuitOpen.Code)
}

func IsRateLimited(err error) bool {
	return hasCode(err, ErrRateLimited.Code)
}

func ToHTTPStatus(err error) int {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Status
	}
	return http.StatusInternalServerError
}

func ToErrorResponse(err error) map[string]interface{} {
	var appErr *Error
	if !errors.As(err, &appErr) {
		appErr = ErrInternal.WithCause(err)
	}

	response := map[string]interface{}{
		"error":      appErr.Message,
		"error_code": appErr.Code,
	}

	if len(appErr.Details) > 0 {
		response["details"] = appErr.Details
	}

	return response
}
