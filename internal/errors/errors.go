// Package errors provides standardized error handling for the work package service.
package errors

import (
	"fmt"
	"net/http"
)

// ErrorCode represents a standardized error code for the work package service.
type ErrorCode string

const (
	// Validation errors
	WPS_VALIDATION  ErrorCode = "WPS_VALIDATION"  // Request body or parameters failed validation
	WPS_INVALID_KEY ErrorCode = "WPS_INVALID_KEY" // Malformed user public Crypt4GH key
	WPS_BAD_REQUEST ErrorCode = "WPS_BAD_REQUEST" // Bad request

	// Authentication/Authorization errors. All of these surface as 403 so that
	// callers cannot distinguish a missing resource from a denied one.
	WPS_AUTH          ErrorCode = "WPS_AUTH"          // Missing or invalid internal assertion
	WPS_ACCESS_DENIED ErrorCode = "WPS_ACCESS_DENIED" // Authorization refused or token invalid/expired

	// Server errors
	WPS_INTERNAL    ErrorCode = "WPS_INTERNAL"    // Store or access-oracle failure
	WPS_UNAVAILABLE ErrorCode = "WPS_UNAVAILABLE" // Service unavailable
)

// Error represents a standardized error response.
type Error struct {
	Code          ErrorCode   `json:"code"`
	Message       string      `json:"message"`
	CorrelationID string      `json:"correlationId"`
	Details       interface{} `json:"details,omitempty"`
	HTTPStatus    int         `json:"-"`
}

// New creates a new Error with the specified code and message.
func New(code ErrorCode, message string, correlationID string) *Error {
	return &Error{
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
		HTTPStatus:    httpStatusCodeForCode(code),
	}
}

// NewWithDetails creates a new Error with the specified code, message, and details.
func NewWithDetails(code ErrorCode, message string, correlationID string, details interface{}) *Error {
	return &Error{
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
		Details:       details,
		HTTPStatus:    httpStatusCodeForCode(code),
	}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Details != nil {
		return fmt.Sprintf("%s: %s (details: %v)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// httpStatusCodeForCode maps error codes to HTTP status codes.
func httpStatusCodeForCode(code ErrorCode) int {
	switch code {
	case WPS_VALIDATION, WPS_INVALID_KEY:
		return http.StatusUnprocessableEntity
	case WPS_BAD_REQUEST:
		return http.StatusBadRequest
	case WPS_AUTH, WPS_ACCESS_DENIED:
		return http.StatusForbidden
	case WPS_UNAVAILABLE:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
