package httpapi

import (
	"errors"
	"net/http"

	"meshd/internal/apperr"
	"meshd/pkg/types"
)

// HTTPError allows services to provide an HTTP status code for an error.
type HTTPError interface {
	error
	StatusCode() int
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, kind apperr.Kind, msg string) {
	writeJSON(w, status, types.ErrorResponse{Error: msg, Code: status, Kind: string(kind)})
}

// writeError maps err to a status code and writes it. Errors without a
// status are internal.
func writeError(w http.ResponseWriter, err error) int {
	status := http.StatusInternalServerError
	var he HTTPError
	if errors.As(err, &he) {
		status = he.StatusCode()
	}
	if status == http.StatusTooManyRequests {
		IncrementBackpressure("queue_full")
	}
	writeJSONError(w, status, apperr.KindOf(err), err.Error())
	return status
}
