package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/soaringjerry/Elicit/internal/media"
	"github.com/soaringjerry/Elicit/internal/models"
	"github.com/soaringjerry/Elicit/internal/services"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

var statusByCode = map[services.ErrorCode]int{
	services.ErrorInvalid:          http.StatusBadRequest,
	services.ErrorForbidden:        http.StatusForbidden,
	services.ErrorNotFound:         http.StatusNotFound,
	services.ErrorConflict:         http.StatusConflict,
	services.ErrorDuplicate:        http.StatusConflict,
	services.ErrorRetryExhausted:   http.StatusUnprocessableEntity,
	services.ErrorTargetConflict:   http.StatusBadRequest,
	services.ErrorStoreUnavailable: http.StatusServiceUnavailable,
	services.ErrorInvariant:        http.StatusInternalServerError,
}

// writeError maps service errors onto HTTP statuses. Anything unrecognised is
// logged and reported as a 500 without its message.
func (rt *Router) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if se, ok := services.AsServiceError(err); ok {
		status, known := statusByCode[se.Code]
		if !known {
			status = http.StatusInternalServerError
		}
		if status == http.StatusServiceUnavailable {
			w.Header().Set("Retry-After", "1")
		}
		if status >= 500 {
			rt.log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		}
		writeJSON(w, status, errorBody{Error: se.Message, Code: string(se.Code)})
		return
	}
	switch {
	case errors.Is(err, models.ErrTargetConflict):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Code: string(services.ErrorTargetConflict)})
	case errors.Is(err, media.ErrTooLarge):
		writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: err.Error()})
	default:
		rt.log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
	}
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: msg, Code: string(services.ErrorInvalid)})
}
