// Package httputil holds shared JSON request and response helpers for the
// HTTP API handlers.
package httputil

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/cargoline/logistics-backend/internal/pkg/logger"
)

var log = logger.With("http")

// ErrorResponse is the envelope every error body uses.
type ErrorResponse struct {
	Error string `json:"error"`
}

// JSON writes v as a JSON body with the given status.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error("encode response", "error", err)
	}
}

// Error writes an ErrorResponse with the given status.
func Error(w http.ResponseWriter, status int, msg string) {
	JSON(w, status, ErrorResponse{Error: msg})
}

func BadRequest(w http.ResponseWriter, msg string) {
	Error(w, http.StatusBadRequest, msg)
}

func NotFound(w http.ResponseWriter, msg string) {
	Error(w, http.StatusNotFound, msg)
}

func InternalError(w http.ResponseWriter) {
	Error(w, http.StatusInternalServerError, "internal server error")
}

// Decode reads a JSON request body into v, rejecting unknown fields.
func Decode(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}
