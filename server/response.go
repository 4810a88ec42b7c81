package server

import (
	"encoding/json"
	"net/http"

	"github.com/runicorn/runicorn/errors"
	"github.com/runicorn/runicorn/remote"
)

// writeJSON renders a JSON response. The body is encoded in memory first so a
// marshal failure never leaves a half-written 200.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	body, err := json.Marshal(data)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to encode response", "")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

// errorBody follows the API error shape {detail, code?}.
type errorBody struct {
	Detail string      `json:"detail"`
	Code   string      `json:"code,omitempty"`
	Extra  interface{} `json:"host_key,omitempty"`
}

func writeError(w http.ResponseWriter, status int, detail, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorBody{Detail: detail, Code: code})
}

// writeErrorFrom maps an error to its HTTP status from the sentinel taxonomy.
// Host-key confirmation errors carry the structured key payload for the
// client's consent dialog.
func writeErrorFrom(w http.ResponseWriter, err error) {
	if hkErr, ok := remote.IsHostKeyConfirmation(err); ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(errorBody{
			Detail: "HOST_KEY_CONFIRMATION_REQUIRED",
			Code:   "HOST_KEY_CONFIRMATION_REQUIRED",
			Extra:  hkErr,
		})
		return
	}

	status := http.StatusInternalServerError
	switch {
	case errors.IsInvalidRequest(err):
		status = http.StatusBadRequest
	case errors.IsNotFound(err):
		status = http.StatusNotFound
	case errors.IsConflict(err):
		status = http.StatusConflict
	case errors.Is(err, errors.ErrRateLimited):
		status = http.StatusTooManyRequests
	case errors.IsUnavailable(err):
		status = http.StatusServiceUnavailable
	}
	writeError(w, status, err.Error(), "")
}

// readJSON decodes a request body, rejecting oversized payloads.
func readJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error(), "")
		return false
	}
	return true
}
