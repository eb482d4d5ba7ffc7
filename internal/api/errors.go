package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/kalambet/larder/internal/task"
)

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"message": msg, "type": errType},
	})
}

// statusFor maps a task rejection code to an HTTP status.
func statusFor(code task.Code) int {
	switch code {
	case task.CodeInvalidRequest:
		return http.StatusBadRequest
	case task.CodeNotFound:
		return http.StatusNotFound
	case task.CodeWrongState, task.CodeConflict:
		return http.StatusConflict
	case task.CodeExpired:
		return http.StatusGone
	case task.CodeBlocked, task.CodeExtractionFailed, task.CodePolicyViolation:
		return http.StatusUnprocessableEntity
	case task.CodeTransient:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// writeTaskError reports err using its task code as the error type. Errors
// without a code are internal and logged.
func writeTaskError(w http.ResponseWriter, op string, err error) {
	code := task.CodeOf(err)
	if code == "" {
		slog.Error("request failed", "op", op, "error", err)
		httpError(w, http.StatusInternalServerError, "api_error", "%s failed: %v", op, err)
		return
	}
	httpError(w, statusFor(code), string(code), "%s", task.ReasonOf(err))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
