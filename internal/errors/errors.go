package errors

import (
	"fmt"
	"net/http"
	"time"
)

// ErrorCode identifies a class of application error
type ErrorCode string

const (
	// General errors
	ErrCodeInternal     ErrorCode = "INTERNAL_ERROR"
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound     ErrorCode = "NOT_FOUND"
	ErrCodeTimeout      ErrorCode = "TIMEOUT"
	ErrCodeCanceled     ErrorCode = "CANCELED"

	// Validation errors
	ErrCodeValidation ErrorCode = "VALIDATION_ERROR"

	// Market data errors
	ErrCodeDataUnavailable  ErrorCode = "DATA_UNAVAILABLE"
	ErrCodeDataInvalid      ErrorCode = "DATA_INVALID"
	ErrCodeInsufficientData ErrorCode = "INSUFFICIENT_DATA"

	// Factor errors
	ErrCodeUnknownFactor     ErrorCode = "UNKNOWN_FACTOR"
	ErrCodeFactorComputation ErrorCode = "FACTOR_COMPUTATION_ERROR"

	// Strategy errors
	ErrCodeStrategyNotFound  ErrorCode = "STRATEGY_NOT_FOUND"
	ErrCodeStrategyInvalid   ErrorCode = "STRATEGY_INVALID"
	ErrCodeStrategyExecution ErrorCode = "STRATEGY_EXECUTION_ERROR"
	ErrCodeParameterInvalid  ErrorCode = "PARAMETER_INVALID"

	// Backtest errors
	ErrCodeBacktestFailed    ErrorCode = "BACKTEST_FAILED"
	ErrCodeInsufficientFunds ErrorCode = "INSUFFICIENT_FUNDS"
	ErrCodeRiskLimitExceeded ErrorCode = "RISK_LIMIT_EXCEEDED"

	// Remote executor errors
	ErrCodeNetwork      ErrorCode = "NETWORK_ERROR"
	ErrCodeRemoteServer ErrorCode = "REMOTE_SERVER_ERROR"

	// Infrastructure errors
	ErrCodeDBConnection    ErrorCode = "DB_CONNECTION_ERROR"
	ErrCodeDBQuery         ErrorCode = "DB_QUERY_ERROR"
	ErrCodeCacheConnection ErrorCode = "CACHE_CONNECTION_ERROR"
	ErrCodeCacheOperation  ErrorCode = "CACHE_OPERATION_ERROR"
)

// ErrorSeverity indicates how serious an error is
type ErrorSeverity string

const (
	SeverityLow      ErrorSeverity = "low"
	SeverityMedium   ErrorSeverity = "medium"
	SeverityHigh     ErrorSeverity = "high"
	SeverityCritical ErrorSeverity = "critical"
)

// AppError is the application error carried across package boundaries
type AppError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Severity  ErrorSeverity          `json:"severity"`
	Timestamp time.Time              `json:"timestamp"`
	Context   map[string]interface{} `json:"context,omitempty"`
	Cause     error                  `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the wrapped cause
func (e *AppError) Unwrap() error {
	return e.Cause
}

// HTTPStatus maps the error code to an HTTP status
func (e *AppError) HTTPStatus() int {
	switch e.Code {
	case ErrCodeNotFound, ErrCodeStrategyNotFound:
		return http.StatusNotFound
	case ErrCodeInvalidInput, ErrCodeValidation, ErrCodeStrategyInvalid,
		ErrCodeParameterInvalid, ErrCodeUnknownFactor, ErrCodeDataInvalid:
		return http.StatusBadRequest
	case ErrCodeTimeout:
		return http.StatusRequestTimeout
	case ErrCodeDataUnavailable, ErrCodeInsufficientData:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// NewAppError creates a new application error
func NewAppError(code ErrorCode, message string, cause error) *AppError {
	return &AppError{
		Code:      code,
		Message:   message,
		Severity:  getSeverityByCode(code),
		Timestamp: time.Now(),
		Cause:     cause,
		Context:   make(map[string]interface{}),
	}
}

// NewAppErrorWithDetails creates an application error with details
func NewAppErrorWithDetails(code ErrorCode, message, details string, cause error) *AppError {
	err := NewAppError(code, message, cause)
	err.Details = details
	return err
}

// WithContext attaches a key/value pair to the error context
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

func getSeverityByCode(code ErrorCode) ErrorSeverity {
	switch code {
	case ErrCodeInternal, ErrCodeDBConnection:
		return SeverityCritical
	case ErrCodeBacktestFailed, ErrCodeStrategyExecution, ErrCodeRiskLimitExceeded,
		ErrCodeDBQuery, ErrCodeRemoteServer:
		return SeverityHigh
	case ErrCodeDataUnavailable, ErrCodeInsufficientData, ErrCodeFactorComputation,
		ErrCodeCacheConnection, ErrCodeCacheOperation, ErrCodeNetwork:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// IsRetryable reports whether the operation that produced the error may be retried
func (e *AppError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeTimeout, ErrCodeNetwork, ErrCodeRemoteServer,
		ErrCodeDBConnection, ErrCodeCacheConnection:
		return true
	default:
		return false
	}
}

// ErrorResponse is the API error envelope
type ErrorResponse struct {
	Error     *AppError `json:"error"`
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
	Path      string    `json:"path,omitempty"`
}

// NewErrorResponse creates an error response for the given request path
func NewErrorResponse(err *AppError, path string) *ErrorResponse {
	return &ErrorResponse{
		Error:     err,
		Success:   false,
		Timestamp: time.Now(),
		Path:      path,
	}
}

// WrapError wraps a plain error into an AppError, passing AppErrors through
func WrapError(err error, code ErrorCode, message string) *AppError {
	if err == nil {
		return nil
	}
	if appErr, ok := err.(*AppError); ok {
		return appErr
	}
	return NewAppError(code, message, err)
}

// IsAppError checks whether err is an AppError
func IsAppError(err error) bool {
	_, ok := err.(*AppError)
	return ok
}

// GetAppError extracts the AppError from err, or nil
func GetAppError(err error) *AppError {
	if appErr, ok := err.(*AppError); ok {
		return appErr
	}
	return nil
}
