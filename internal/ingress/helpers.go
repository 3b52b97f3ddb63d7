package ingress

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
