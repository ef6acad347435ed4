package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nexabot/knowcore/internal/core"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps service errors onto HTTP statuses. Validation failures are
// the caller's fault, missing rows are 404, everything else is a 500.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, core.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, core.ErrEmptyContent), errors.Is(err, core.ErrUnsupportedType):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
