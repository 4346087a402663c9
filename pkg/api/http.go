package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/agenthands/chunknet/pkg/core"
)

// WriteJSON writes v as the JSON response body.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError maps the package sentinels onto HTTP statuses and emits the
// JSON error body every failure carries.
func WriteError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, core.ErrNotFound), errors.Is(err, core.ErrNotRegistered):
		status = http.StatusNotFound
	case errors.Is(err, core.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, core.ErrNoNodes):
		status = http.StatusServiceUnavailable
	case errors.Is(err, core.ErrCorrupt):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, core.ErrTooLarge):
		status = http.StatusRequestEntityTooLarge
	}
	WriteJSON(w, status, Error{Error: err.Error()})
}

// ReadJSON decodes a request body into v.
func ReadJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: malformed request body: %v", core.ErrInvalidInput, err)
	}
	return nil
}
