package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/imgforge/imgforge/internal/errkind"
)

// ListResponse is the standard cursor-paginated list envelope. NextCursor
// is empty on the last page.
type ListResponse[T any] struct {
	Items      []T    `json:"items"`
	NextCursor string `json:"nextCursor,omitempty"`
	Limit      int    `json:"limit"`
}

// ErrorBody is the standard error envelope.
type ErrorBody struct {
	Error APIError `json:"error"`
}

// APIError holds a machine-readable code and a human message.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeJSON serialises v as JSON with status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("writeJSON encode", "error", err)
	}
}

// writeError writes a standard error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorBody{
		Error: APIError{Code: code, Message: message},
	})
}

// writeKindError maps a kinded error to its HTTP status and writes it.
func writeKindError(w http.ResponseWriter, err error) {
	switch errkind.Of(err) {
	case errkind.NotFound:
		writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errkind.Invalid:
		writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
	case errkind.Rejected:
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", err.Error())
	case errkind.Unavailable:
		writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", err.Error())
	default:
		slog.Error("internal error", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
	}
}

// parseLimit reads the limit query parameter, clamped to 1..2000.
func parseLimit(r *http.Request) int {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 2000 {
		limit = 2000
	}
	return limit
}
