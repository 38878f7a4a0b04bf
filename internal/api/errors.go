package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/flexinfer/mentatlab/services/graphd/internal/archive"
	"github.com/flexinfer/mentatlab/services/graphd/internal/orchestrator"
	"github.com/flexinfer/mentatlab/services/graphd/internal/runstore"
	"github.com/flexinfer/mentatlab/services/graphd/pkg/types"
)

// Error codes for consistent error identification.
const (
	ErrCodeNotFound       = "not_found"
	ErrCodeRateLimited    = "rate_limited"
	ErrCodeBadRequest     = "bad_request"
	ErrCodeConflict       = "conflict"
	ErrCodeInternalError  = "internal_error"
	ErrCodeServiceUnavail = "service_unavailable"
)

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error     string                 `json:"error"`                // Short error code
	Message   string                 `json:"message"`              // Human-readable message
	Details   map[string]interface{} `json:"details,omitempty"`    // Optional additional details
	RequestID string                 `json:"request_id,omitempty"` // Request ID for correlation
}

type requestIDContextKey struct{}

// RequestIDKey is the context key for the request ID.
var RequestIDKey = requestIDContextKey{}

// GetRequestID retrieves the request ID from context or request header.
func GetRequestID(ctx context.Context, r *http.Request) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok && id != "" {
		return id
	}
	return r.Header.Get("X-Request-ID")
}

// HTTPStatusToErrorCode maps HTTP status codes to error codes.
func HTTPStatusToErrorCode(status int) string {
	switch status {
	case http.StatusNotFound:
		return ErrCodeNotFound
	case http.StatusTooManyRequests:
		return ErrCodeRateLimited
	case http.StatusBadRequest:
		return ErrCodeBadRequest
	case http.StatusConflict:
		return ErrCodeConflict
	case http.StatusServiceUnavailable:
		return ErrCodeServiceUnavail
	default:
		return ErrCodeInternalError
	}
}

// classify maps domain errors to a status and error details.
func classify(err error) (int, map[string]interface{}) {
	var (
		unknown *types.UnknownGraphError
		cycle   *types.CyclicDependencyError
		invalid *types.InvalidRequestError
	)
	switch {
	case errors.As(err, &unknown):
		return http.StatusNotFound, map[string]interface{}{"graph_ids": unknown.IDs}
	case errors.As(err, &cycle):
		return http.StatusConflict, map[string]interface{}{"cycle": cycle.Cycle}
	case errors.As(err, &invalid):
		d := map[string]interface{}{"field": invalid.Field}
		if invalid.Value != nil {
			d["value"] = invalid.Value
		}
		return http.StatusBadRequest, d
	case errors.Is(err, runstore.ErrRunNotFound), errors.Is(err, archive.ErrNotFound):
		return http.StatusNotFound, nil
	case errors.Is(err, orchestrator.ErrNoRunStore):
		return http.StatusServiceUnavailable, nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, nil
	default:
		return http.StatusInternalServerError, nil
	}
}

// writeErrorResponse writes a standardized JSON error response.
func writeErrorResponse(w http.ResponseWriter, r *http.Request, status int, code string, message string, details map[string]interface{}) {
	requestID := GetRequestID(r.Context(), r)

	resp := ErrorResponse{
		Error:     code,
		Message:   message,
		Details:   details,
		RequestID: requestID,
	}
	if requestID != "" {
		w.Header().Set("X-Request-ID", requestID)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}
