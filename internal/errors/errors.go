package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Stable machine-readable error codes. These are part of the API surface
// and must not change between releases.
const (
	CodeRateLimitExceeded  = "RATE_LIMIT_EXCEEDED"
	CodeNoRoute            = "NO_ROUTE"
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeBadRequest         = "BAD_REQUEST"
	CodeInvalidRule        = "INVALID_RULE"
	CodeCircuitOpen        = "CIRCUIT_OPEN"
	CodeBackendUnhealthy   = "BACKEND_UNHEALTHY"
	CodeBackendUnavailable = "BACKEND_UNAVAILABLE"
	CodeBadGateway         = "BAD_GATEWAY"
	CodeGatewayTimeout     = "GATEWAY_TIMEOUT"
	CodeInternal           = "INTERNAL"
	CodePayloadTooLarge    = "PAYLOAD_TOO_LARGE"
	CodeForbidden          = "FORBIDDEN"
	CodeUnauthorized       = "UNAUTHORIZED"
)

// GatewayError represents an error that can be returned to clients.
type GatewayError struct {
	Status     int    `json:"-"`
	Name       string `json:"error"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	Details    string `json:"details,omitempty"`
	RequestID  string `json:"requestId,omitempty"`
	underlying error
}

func (e *GatewayError) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.underlying)
	}
	return e.Message
}

func (e *GatewayError) Unwrap() error {
	return e.underlying
}

// WriteJSON writes the error as JSON to the response.
// For base errors (no details/requestID), uses pre-serialized JSON to avoid allocations.
func (e *GatewayError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status)
	if pre, ok := preSerialized[e]; ok {
		w.Write(pre)
		return
	}
	json.NewEncoder(w).Encode(e)
}

// Common errors
var (
	ErrNoRoute = &GatewayError{
		Status:  http.StatusNotFound,
		Name:    "Not Found",
		Code:    CodeNoRoute,
		Message: "No backend is configured for this path",
	}

	ErrNotFound = &GatewayError{
		Status:  http.StatusNotFound,
		Name:    "Not Found",
		Code:    CodeNotFound,
		Message: "Resource not found",
	}

	ErrMethodNotAllowed = &GatewayError{
		Status:  http.StatusMethodNotAllowed,
		Name:    "Method Not Allowed",
		Code:    CodeMethodNotAllowed,
		Message: "Method not allowed",
	}

	ErrUnauthorized = &GatewayError{
		Status:  http.StatusUnauthorized,
		Name:    "Unauthorized",
		Code:    CodeUnauthorized,
		Message: "Unauthorized",
	}

	ErrForbidden = &GatewayError{
		Status:  http.StatusForbidden,
		Name:    "Forbidden",
		Code:    CodeForbidden,
		Message: "Forbidden",
	}

	ErrTooManyRequests = &GatewayError{
		Status:  http.StatusTooManyRequests,
		Name:    "Too Many Requests",
		Code:    CodeRateLimitExceeded,
		Message: "Rate limit exceeded",
	}

	ErrCircuitOpen = &GatewayError{
		Status:  http.StatusServiceUnavailable,
		Name:    "Service Unavailable",
		Code:    CodeCircuitOpen,
		Message: "Backend circuit breaker is open",
	}

	ErrBackendUnhealthy = &GatewayError{
		Status:  http.StatusServiceUnavailable,
		Name:    "Service Unavailable",
		Code:    CodeBackendUnhealthy,
		Message: "Backend is unhealthy",
	}

	ErrServiceUnavailable = &GatewayError{
		Status:  http.StatusServiceUnavailable,
		Name:    "Service Unavailable",
		Code:    CodeBackendUnavailable,
		Message: "Backend is unavailable",
	}

	ErrBadGateway = &GatewayError{
		Status:  http.StatusBadGateway,
		Name:    "Bad Gateway",
		Code:    CodeBadGateway,
		Message: "Backend request failed",
	}

	ErrGatewayTimeout = &GatewayError{
		Status:  http.StatusGatewayTimeout,
		Name:    "Gateway Timeout",
		Code:    CodeGatewayTimeout,
		Message: "Backend request timed out",
	}

	ErrBadRequest = &GatewayError{
		Status:  http.StatusBadRequest,
		Name:    "Bad Request",
		Code:    CodeBadRequest,
		Message: "Bad request",
	}

	ErrInternalServer = &GatewayError{
		Status:  http.StatusInternalServerError,
		Name:    "Internal Server Error",
		Code:    CodeInternal,
		Message: "Internal server error",
	}

	ErrRequestEntityTooLarge = &GatewayError{
		Status:  http.StatusRequestEntityTooLarge,
		Name:    "Request Entity Too Large",
		Code:    CodePayloadTooLarge,
		Message: "Request entity too large",
	}
)

// preSerialized holds JSON-encoded bytes for base error singletons.
var preSerialized map[*GatewayError][]byte

func init() {
	bases := []*GatewayError{
		ErrNoRoute, ErrNotFound, ErrMethodNotAllowed, ErrUnauthorized,
		ErrForbidden, ErrTooManyRequests, ErrCircuitOpen, ErrBackendUnhealthy,
		ErrServiceUnavailable, ErrBadGateway, ErrGatewayTimeout, ErrBadRequest,
		ErrInternalServer, ErrRequestEntityTooLarge,
	}
	preSerialized = make(map[*GatewayError][]byte, len(bases))
	for _, e := range bases {
		b, _ := json.Marshal(e)
		b = append(b, '\n') // match json.Encoder behavior
		preSerialized[e] = b
	}
}

// New creates a new GatewayError.
func New(status int, code, message string) *GatewayError {
	return &GatewayError{
		Status:  status,
		Name:    http.StatusText(status),
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an error with a status and stable code.
func Wrap(err error, status int, code, message string) *GatewayError {
	return &GatewayError{
		Status:     status,
		Name:       http.StatusText(status),
		Code:       code,
		Message:    message,
		underlying: err,
	}
}

// WithDetails returns a copy of the error with details attached.
func (e *GatewayError) WithDetails(details string) *GatewayError {
	return &GatewayError{
		Status:     e.Status,
		Name:       e.Name,
		Code:       e.Code,
		Message:    e.Message,
		Details:    details,
		RequestID:  e.RequestID,
		underlying: e.underlying,
	}
}

// WithMessage returns a copy of the error with the message replaced.
func (e *GatewayError) WithMessage(message string) *GatewayError {
	return &GatewayError{
		Status:     e.Status,
		Name:       e.Name,
		Code:       e.Code,
		Message:    message,
		Details:    e.Details,
		RequestID:  e.RequestID,
		underlying: e.underlying,
	}
}

// WithRequestID returns a copy of the error with the request ID attached.
func (e *GatewayError) WithRequestID(requestID string) *GatewayError {
	return &GatewayError{
		Status:     e.Status,
		Name:       e.Name,
		Code:       e.Code,
		Message:    e.Message,
		Details:    e.Details,
		RequestID:  requestID,
		underlying: e.underlying,
	}
}

// IsGatewayError checks if an error is a GatewayError.
func IsGatewayError(err error) (*GatewayError, bool) {
	if ge, ok := err.(*GatewayError); ok {
		return ge, true
	}
	return nil, false
}
