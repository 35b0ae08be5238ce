// Package api implements the broker's HTTP surface: agent registration,
// discovery, liveness, envelope routing, and the real-time event feed.
// It uses Chi as the router. Ingress envelopes are authenticated by the
// token verifier before any routing decision is made.
package api

import (
	"encoding/json"
	"net/http"
)

// envelope is the JSON wrapper used for error responses. Success responses
// return the documented payload shape directly — agents parse them as-is.
type envelope map[string]any

// errorResponse is the shape of the "error" object in error responses.
type errorResponse struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// JSON writes a JSON-encoded response with the given status code.
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// Ok writes a 200 OK response with the payload as-is.
func Ok(w http.ResponseWriter, payload any) {
	JSON(w, http.StatusOK, payload)
}

// errJSON writes a JSON error response with the given status, message and
// machine-readable code.
func errJSON(w http.ResponseWriter, status int, message, code string) {
	JSON(w, status, envelope{
		"error": errorResponse{
			Message: message,
			Code:    code,
		},
	})
}

// ErrBadRequest writes a 400 Bad Request error response.
func ErrBadRequest(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusBadRequest, message, "bad_request")
}

// ErrVerificationFailed writes a 400 for token failures. The message is a
// fixed string — verification detail must not leak to the caller.
func ErrVerificationFailed(w http.ResponseWriter) {
	errJSON(w, http.StatusBadRequest, "verification failed", "verification_failed")
}

// ErrNotFound writes a 404 Not Found error response.
func ErrNotFound(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusNotFound, message, "not_found")
}

// ErrBadGateway writes a 502 Bad Gateway error response. Used when the
// recipient's callback endpoint cannot be reached.
func ErrBadGateway(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusBadGateway, message, "bad_gateway")
}

// ErrInternal writes a 500 Internal Server Error response.
// The internal error detail is intentionally not exposed to the client.
func ErrInternal(w http.ResponseWriter) {
	errJSON(w, http.StatusInternalServerError, "an internal error occurred", "internal_error")
}

// decodeJSON decodes the request body into dst. Returns false and writes an
// appropriate error response if decoding fails, so callers can early-return.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1 MB limit
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		ErrBadRequest(w, "invalid request body: "+err.Error())
		return false
	}
	return true
}
