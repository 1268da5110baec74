// Package httpapi implements the operator REST surface served behind the
// gateway's auth middleware.
package httpapi

import (
	"encoding/json"
	"math"
	"net/http"

	"github.com/codeck-dev/codeck/internal/errkind"
)

// maxBodyBytes bounds request bodies; the largest legitimate payload is an
// agent objective at 10 000 chars.
const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps the error taxonomy onto HTTP statuses. RateLimited
// responses carry the retry hint in seconds.
func writeError(w http.ResponseWriter, err error) {
	body := map[string]any{"error": err.Error()}
	var status int
	switch errkind.Of(err) {
	case errkind.Validation:
		status = http.StatusBadRequest
	case errkind.Unauthorized:
		status = http.StatusUnauthorized
	case errkind.RateLimited:
		status = http.StatusTooManyRequests
		if ra := errkind.RetryAfterOf(err); ra > 0 {
			body["retryAfter"] = int(math.Ceil(ra.Seconds()))
		}
	case errkind.NotFound:
		status = http.StatusNotFound
	case errkind.Conflict:
		status = http.StatusConflict
	case errkind.Transient:
		status = http.StatusServiceUnavailable
	default:
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, body)
}

// decodeJSON reads a bounded JSON body into dst.
func decodeJSON(r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(nil, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return errkind.Wrap(errkind.Validation, "invalid request body", err)
	}
	return nil
}
