package errors

import (
	"fmt"
	"net/http"
	"testing"
	"time"
)

func TestNewAppError(t *testing.T) {
	err := NewAppError(ErrCodeInvalidInput, "Test error", nil)

	if err.Code != ErrCodeInvalidInput {
		t.Errorf("Expected code %s, got %s", ErrCodeInvalidInput, err.Code)
	}

	if err.Message != "Test error" {
		t.Errorf("Expected message 'Test error', got %s", err.Message)
	}

	if err.Severity != SeverityLow {
		t.Errorf("Expected severity %s, got %s", SeverityLow, err.Severity)
	}
}

func TestAppErrorHTTPStatus(t *testing.T) {
	tests := []struct {
		code           ErrorCode
		expectedStatus int
	}{
		{ErrCodeNotFound, http.StatusNotFound},
		{ErrCodeValidation, http.StatusBadRequest},
		{ErrCodeUnknownFactor, http.StatusBadRequest},
		{ErrCodeInsufficientData, http.StatusUnprocessableEntity},
		{ErrCodeInternal, http.StatusInternalServerError},
	}

	for _, test := range tests {
		err := NewAppError(test.code, "Test", nil)
		status := err.HTTPStatus()

		if status != test.expectedStatus {
			t.Errorf("Code %s: expected status %d, got %d", test.code, test.expectedStatus, status)
		}
	}
}

func TestAppErrorWithContext(t *testing.T) {
	err := NewAppError(ErrCodeInternal, "Test error", nil)
	err = err.WithContext("symbol", "600519")

	if err.Context["symbol"] != "600519" {
		t.Errorf("Expected context symbol '600519', got %v", err.Context["symbol"])
	}
}

func TestAppErrorIsRetryable(t *testing.T) {
	retryableErr := NewAppError(ErrCodeNetwork, "Connection reset", nil)
	nonRetryableErr := NewAppError(ErrCodeValidation, "Invalid input", nil)

	if !retryableErr.IsRetryable() {
		t.Error("Network error should be retryable")
	}

	if nonRetryableErr.IsRetryable() {
		t.Error("Validation error should not be retryable")
	}
}

func TestWrapError(t *testing.T) {
	originalErr := fmt.Errorf("original error")
	wrappedErr := WrapError(originalErr, ErrCodeDBQuery, "Database error")

	if wrappedErr.Code != ErrCodeDBQuery {
		t.Errorf("Expected code %s, got %s", ErrCodeDBQuery, wrappedErr.Code)
	}

	if wrappedErr.Message != "Database error" {
		t.Errorf("Expected message 'Database error', got %s", wrappedErr.Message)
	}

	if wrappedErr.Cause != originalErr {
		t.Error("Wrapped error should preserve original error")
	}
}

func TestWrapErrorPassthrough(t *testing.T) {
	appErr := NewAppError(ErrCodeDataUnavailable, "no bars", nil)
	wrapped := WrapError(appErr, ErrCodeInternal, "should not rewrap")

	if wrapped != appErr {
		t.Error("Wrapping an AppError should return it unchanged")
	}
}

func TestErrorResponse(t *testing.T) {
	err := NewAppError(ErrCodeNotFound, "Resource not found", nil)
	response := NewErrorResponse(err, "/api/backtest/results/abc")

	if response.Error != err {
		t.Error("Response should contain the error")
	}

	if response.Success {
		t.Error("Response success should be false")
	}

	if response.Path != "/api/backtest/results/abc" {
		t.Errorf("Expected path '/api/backtest/results/abc', got %s", response.Path)
	}

	if time.Since(response.Timestamp) > time.Second {
		t.Error("Response timestamp should be recent")
	}
}

func TestGetSeverityByCode(t *testing.T) {
	tests := []struct {
		code             ErrorCode
		expectedSeverity ErrorSeverity
	}{
		{ErrCodeInternal, SeverityCritical},
		{ErrCodeDBConnection, SeverityCritical},
		{ErrCodeBacktestFailed, SeverityHigh},
		{ErrCodeDataUnavailable, SeverityMedium},
		{ErrCodeInvalidInput, SeverityLow},
	}

	for _, test := range tests {
		severity := getSeverityByCode(test.code)
		if severity != test.expectedSeverity {
			t.Errorf("Code %s: expected severity %s, got %s", test.code, test.expectedSeverity, severity)
		}
	}
}

func TestIsAppError(t *testing.T) {
	appErr := NewAppError(ErrCodeInternal, "Test", nil)
	standardErr := fmt.Errorf("standard error")

	if !IsAppError(appErr) {
		t.Error("Should recognize AppError")
	}

	if IsAppError(standardErr) {
		t.Error("Should not recognize standard error as AppError")
	}
}

func TestGetAppError(t *testing.T) {
	appErr := NewAppError(ErrCodeInternal, "Test", nil)
	standardErr := fmt.Errorf("standard error")

	retrieved := GetAppError(appErr)
	if retrieved != appErr {
		t.Error("Should return the same AppError")
	}

	retrieved = GetAppError(standardErr)
	if retrieved != nil {
		t.Error("Should return nil for standard error")
	}
}
