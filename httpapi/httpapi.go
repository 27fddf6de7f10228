// Package httpapi holds the shared HTTP error envelope and response helpers
// used by every component that registers HTTP handlers.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// Stable machine-readable error codes.
const (
	CodeInvalidJSON       = "INVALID_JSON"
	CodeMissingQuery      = "MISSING_QUERY"
	CodeMissingField      = "MISSING_FIELD"
	CodeMissingParam      = "MISSING_PARAM"
	CodeInvalidRequest    = "INVALID_REQUEST"
	CodeInvalidStatus     = "INVALID_STATUS"
	CodeNotFound          = "NOT_FOUND"
	CodeRouteNotFound     = "ROUTE_NOT_FOUND"
	CodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	CodeProviderRateLimit = "PROVIDER_RATE_LIMIT"
	CodeGatewayTimeout    = "GATEWAY_TIMEOUT"
	CodeWorkflowError     = "WORKFLOW_ERROR"
	CodeInternalError     = "INTERNAL_ERROR"
)

// ErrorResponse is the envelope returned on every non-2xx response.
type ErrorResponse struct {
	Error     string         `json:"error"`
	ErrorCode string         `json:"error_code"`
	RequestID string         `json:"request_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// WriteJSON writes v as a JSON response with the given status. When a
// request id is known it is echoed in the X-Request-ID header.
func WriteJSON(w http.ResponseWriter, status int, requestID string, v any) {
	w.Header().Set("Content-Type", "application/json")
	if requestID != "" {
		w.Header().Set("X-Request-ID", requestID)
	}
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to write response", "error", err)
	}
}

// WriteError writes the standard error envelope.
func WriteError(w http.ResponseWriter, status int, code, msg, requestID string) {
	WriteJSON(w, status, requestID, ErrorResponse{
		Error:     msg,
		ErrorCode: code,
		RequestID: requestID,
	})
}

// WriteErrorDetails writes the error envelope with a details mapping.
func WriteErrorDetails(w http.ResponseWriter, status int, code, msg, requestID string, details map[string]any) {
	WriteJSON(w, status, requestID, ErrorResponse{
		Error:     msg,
		ErrorCode: code,
		RequestID: requestID,
		Details:   details,
	})
}

// DecodeJSON decodes the request body into v, writing an INVALID_JSON
// envelope on failure. Returns false when decoding failed.
func DecodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		WriteError(w, http.StatusBadRequest, CodeInvalidJSON, "invalid JSON body", "")
		return false
	}
	return true
}
