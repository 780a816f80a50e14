package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/hlog"

	"codegravity/internal/auth"
	"codegravity/internal/gateway"
	"codegravity/internal/ratelimit"
	"codegravity/internal/settings"
)

type envelope struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Message string     `json:"message,omitempty"`
	Error   *errorBody `json:"error,omitempty"`
}

type errorBody struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retryAfter,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeData(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: data})
}

func writeMessage(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Message: msg})
}

// writeError maps domain errors to status codes and the error envelope.
// Unexpected errors are logged and reported without detail.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := classify(err)
	var rl *gateway.RateLimitedError
	if errors.As(err, &rl) {
		setRateHeaders(w, rl.Decision)
	}
	if status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", strconv.Itoa(body.RetryAfter))
	}
	if status >= http.StatusInternalServerError {
		hlog.FromRequest(r).Error().Err(err).Int("status", status).Msg("request failed")
	}
	writeJSON(w, status, envelope{Error: &body})
}

func classify(err error) (int, errorBody) {
	var rl *gateway.RateLimitedError
	switch {
	case errors.As(err, &rl):
		secs := int((rl.Decision.RetryAfter + time.Second - 1) / time.Second)
		return http.StatusTooManyRequests, errorBody{
			Code:       "RATE_LIMITED",
			Message:    "Too many requests, please slow down",
			RetryAfter: max(secs, 1),
		}
	case errors.Is(err, gateway.ErrNoCredential):
		return http.StatusBadRequest, errorBody{Code: "NO_API_KEY", Message: "Please configure your AI provider API key in Settings"}
	case errors.Is(err, gateway.ErrUnknownProvider):
		return http.StatusBadRequest, errorBody{Code: "INVALID_PROVIDER", Message: err.Error()}
	case errors.Is(err, gateway.ErrInvalidPayload), errors.Is(err, settings.ErrInvalidSettings):
		return http.StatusBadRequest, errorBody{Code: "VALIDATION_ERROR", Message: err.Error()}
	case errors.Is(err, gateway.ErrContextTooLarge):
		return http.StatusBadRequest, errorBody{Code: "CONTEXT_TOO_LARGE", Message: err.Error()}
	case errors.Is(err, settings.ErrInvalidKey):
		return http.StatusBadRequest, errorBody{Code: "INVALID_KEY", Message: err.Error()}
	case errors.Is(err, settings.ErrKeyNotFound):
		return http.StatusNotFound, errorBody{Code: "NOT_FOUND", Message: "No key stored for this provider"}
	case errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, errorBody{Code: "SESSION_EXPIRED", Message: "Session expired, please sign in again"}
	case errors.Is(err, auth.ErrMissingToken), errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized, errorBody{Code: "UNAUTHORIZED", Message: "Authentication required"}
	case errors.Is(err, gateway.ErrUpstream):
		return http.StatusBadGateway, errorBody{Code: "AI_ERROR", Message: "Failed to get AI response"}
	default:
		return http.StatusInternalServerError, errorBody{Code: "INTERNAL_ERROR", Message: "Internal server error"}
	}
}

func setRateHeaders(w http.ResponseWriter, d ratelimit.Decision) {
	if d.Limit <= 0 {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
}
