package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/orderpay/backend/internal/services"
	"github.com/sirupsen/logrus"
)

const maxBodyBytes = 1_048_576

// decodeBody reads exactly one JSON object into dst. Unknown fields are
// rejected. On failure the response has already been written.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return false
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		services.SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return false
	}
	return true
}

// queryInt parses an optional integer query parameter.
func queryInt(r *http.Request, name string, fallback int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &services.FieldError{Field: name, Reason: "must be an integer"}
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// respond maps a service outcome onto HTTP. Business failures travel inside
// the result with 200; only validation and infrastructure errors change the
// status code.
func respond(w http.ResponseWriter, r *http.Request, log *logrus.Logger, op string, result any, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, result)
	case services.IsValidationError(err):
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
	default:
		log.WithError(err).WithFields(logrus.Fields{
			"operation": op,
			"path":      r.URL.Path,
		}).Error("request failed")
		writeJSON(w, http.StatusInternalServerError, services.Result{Message: "internal error"})
	}
}
