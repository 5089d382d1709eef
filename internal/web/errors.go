package web

import (
	"encoding/json"
	"net/http"

	"github.com/browseros-ai/agent-server/internal/ratelimit"
)

// errorBody is the stable error envelope: {error:{name,message,code,statusCode}}.
type errorBody struct {
	Error errorDetail `json:"error"`

	// Rate-limit errors additionally surface the counters at the top level.
	Count *int `json:"count,omitempty"`
	Limit *int `json:"limit,omitempty"`
}

type errorDetail struct {
	Name       string `json:"name"`
	Message    string `json:"message"`
	Code       string `json:"code"`
	StatusCode int    `json:"statusCode"`
}

func writeError(w http.ResponseWriter, status int, name, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorBody{Error: errorDetail{
		Name:       name,
		Message:    message,
		Code:       code,
		StatusCode: status,
	}})
}

func writeValidationError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, "ValidationError", "invalid_request", message)
}

func writeProviderConfigError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, "ProviderConfigError", "provider_config", message)
}

func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, "InternalError", "internal_error", message)
}

func writeRateLimitError(w http.ResponseWriter, rlErr *ratelimit.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	json.NewEncoder(w).Encode(errorBody{
		Error: errorDetail{
			Name:       "RateLimitExceeded",
			Message:    rlErr.Error(),
			Code:       "rate_limit_exceeded",
			StatusCode: http.StatusTooManyRequests,
		},
		Count: &rlErr.Count,
		Limit: &rlErr.Limit,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
