// Package httpapi is the HTTP boundary: it translates OrchestratorError
// into the {code, message, details?, retryAfterMs?} envelope and routes
// requests to the plan/chat handlers. Translation dispatches on the
// specific orcherrors sentinels
// the HTTP boundary distinguishes (forbidden vs not_found, timeouts vs
// upstream failures).
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/flowmesh/orchestrator/internal/orcherrors"
	"github.com/flowmesh/orchestrator/internal/provider"
)

// Envelope is the HTTP error body shape.
type Envelope struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	Details      string `json:"details,omitempty"`
	RetryAfterMs int    `json:"retryAfterMs,omitempty"`
}

// statusForCode maps an envelope code to its HTTP status.
func statusForCode(code string) int {
	switch code {
	case "invalid_request", "bad_request":
		return http.StatusBadRequest
	case "unauthorized":
		return http.StatusUnauthorized
	case "forbidden":
		return http.StatusForbidden
	case "not_found":
		return http.StatusNotFound
	case "too_many_requests":
		return http.StatusTooManyRequests
	case "upstream_error":
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// WriteError translates err into the HTTP error envelope and writes it.
func WriteError(w http.ResponseWriter, err error) {
	var failed *provider.AllProvidersFailedError
	if errors.As(err, &failed) {
		writeEnvelope(w, failed.Status, Envelope{Code: "upstream_error", Message: err.Error()})
		return
	}

	code := orcherrors.HTTPCode(err)
	status := statusForCode(code)
	writeEnvelope(w, status, Envelope{Code: code, Message: err.Error()})
}

func writeEnvelope(w http.ResponseWriter, status int, env Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

// WriteJSON writes v as a 200 JSON response.
func WriteJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
