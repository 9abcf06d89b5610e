package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"articlecast/internal/ledger"
	"articlecast/internal/notifier"
)

type apiError struct {
	Status    string `json:"status"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

type apiSuccess struct {
	Status string `json:"status"`
	Data   any    `json:"data"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeSuccess(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, apiSuccess{Status: "success", Data: data})
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, apiError{Status: "error", Code: code, Message: message, RequestID: requestID(r)})
}

func mapDomainError(err error) (int, string, string) {
	switch {
	case errors.Is(err, notifier.ErrInvalidArticle):
		return http.StatusBadRequest, "INVALID_ARTICLE", err.Error()
	case errors.Is(err, notifier.ErrNoChannels):
		return http.StatusServiceUnavailable, "NO_CHANNELS", err.Error()
	case errors.Is(err, ledger.ErrReplayRunning):
		return http.StatusConflict, "REPLAY_RUNNING", err.Error()
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "resource not found"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error"
	}
}
