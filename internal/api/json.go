package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"rutanav/internal/store"
)

// Problem represents an RFC7807 problem details response body.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeProblem(w http.ResponseWriter, status int, title, detail, instance string) {
	writeJSON(w, status, Problem{
		Type:     "about:blank",
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: instance,
	})
}

// writeStoreError maps the store error taxonomy onto problem responses.
func writeStoreError(w http.ResponseWriter, err error, instance string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeProblem(w, http.StatusNotFound, "not found", err.Error(), instance)
	case errors.Is(err, store.ErrValidation):
		writeProblem(w, http.StatusBadRequest, "validation failed", err.Error(), instance)
	case errors.Is(err, store.ErrPrecondition):
		writeProblem(w, http.StatusPreconditionFailed, "precondition failed", err.Error(), instance)
	case errors.Is(err, store.ErrInvalidState):
		writeProblem(w, http.StatusConflict, "invalid state", err.Error(), instance)
	case errors.Is(err, store.ErrConflict):
		writeProblem(w, http.StatusConflict, "conflict", err.Error(), instance)
	default:
		writeProblem(w, http.StatusInternalServerError, "internal error", err.Error(), instance)
	}
}
