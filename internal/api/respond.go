package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-scheduling/internal/appointment"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}

func statusForKind(k appointment.Kind) int {
	switch k {
	case appointment.KindNotFound:
		return http.StatusNotFound
	case appointment.KindValidation:
		return http.StatusUnprocessableEntity
	case appointment.KindStatusConflict, appointment.KindResourceConflict, appointment.KindConcurrencyConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError maps scheduling errors onto HTTP. Anything that is not
// an *appointment.Error is logged and hidden behind internal_error.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger zerolog.Logger, err error) {
	var appErr *appointment.Error
	if errors.As(err, &appErr) {
		writeError(w, statusForKind(appErr.Kind), appErr.Code, appErr.Message)
		return
	}
	logger.Error().Err(err).
		Str("request_id", GetRequestID(r.Context())).
		Str("path", r.URL.Path).
		Msg("request failed")
	writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
}

func etag(version int64) string {
	return `"` + strconv.FormatInt(version, 10) + `"`
}

// expectedVersion reads If-Match. Absent or "*" means unpinned (0).
func expectedVersion(r *http.Request) (int64, error) {
	v := strings.TrimSpace(r.Header.Get("If-Match"))
	if v == "" || v == "*" {
		return 0, nil
	}
	v = strings.TrimPrefix(v, "W/")
	v = strings.Trim(v, `"`)
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 1 {
		return 0, errors.New("If-Match must be a version ETag")
	}
	return n, nil
}
