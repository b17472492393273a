package controllers

import (
	"net/http"
	"strconv"

	"github.com/juju/errors"
	jsoniter "github.com/json-iterator/go"

	"github.com/rzbill/flostream/internal/streamlog"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// writeError writes an error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeErr maps error kinds to status codes.
func writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, streamlog.ErrInvalidArgument), errors.Is(err, errors.NotValid):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, errors.NotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, streamlog.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// writeJSON writes a JSON response with the given data.
func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(data)
}

func writeNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

func writeCreated(w http.ResponseWriter) {
	w.WriteHeader(http.StatusCreated)
}

// decodeBody rejects non-POST requests and decodes the JSON body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

// parseLimit returns 0 for empty or invalid values.
func parseLimit(limitStr string) int {
	if limitStr == "" {
		return 0
	}
	if limit, err := strconv.Atoi(limitStr); err == nil && limit > 0 {
		return limit
	}
	return 0
}
