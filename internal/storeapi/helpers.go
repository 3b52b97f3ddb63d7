// Package storeapi is the Store's HTTP edge: an Internal mTLS API for
// Ingress/Worker callers, and an Operator API gated by JWT bearer tokens.
// Both follow the same ServeMux + writeJSON/writeError shape the teacher
// uses for its dashboard and agent-enrollment muxes.
package storeapi

import (
	"encoding/json"
	"net/http"

	"github.com/ironpost/broker/internal/apperr"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps err through apperr.HTTPStatus — the one place this
// package touches an HTTP status code for an application error — and
// reports the error's Code/Message to the caller without leaking a wrapped
// internal cause.
func writeError(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	var ae *apperr.Error
	if apperr.As(err, &ae) {
		writeJSON(w, status, map[string]string{"error": ae.Code, "message": ae.Message})
		return
	}
	writeJSON(w, status, map[string]string{"error": "Internal", "message": "internal error"})
}

func decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}
