package httpapi

import (
	"errors"
	"net/http"

	"larabbs.org/internal/auth"
	"larabbs.org/internal/captcha"
	"larabbs.org/internal/obs"
	"larabbs.org/internal/ratelimit"
	"larabbs.org/internal/sms"
)

// writeServiceError maps domain errors to status codes. Unmapped errors are
// logged and answered with a generic 500.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var exceeded *ratelimit.ExceededError
	switch {
	case errors.As(err, &exceeded):
		writeTooManyRequests(w, r, exceeded.RetryAfterSeconds(), "too many requests")
	case errors.Is(err, auth.ErrInvalidCredentials),
		errors.Is(err, auth.ErrSocialAuthFailed):
		writeError(w, r, http.StatusUnauthorized, err.Error())
	case errors.Is(err, auth.ErrTokenNotFound),
		errors.Is(err, auth.ErrTokenExpired),
		errors.Is(err, auth.ErrTokenRevoked):
		writeUnauthorized(w, r, "invalid_token", err.Error())
	case errors.Is(err, auth.ErrCodeInvalid),
		errors.Is(err, auth.ErrCodeExpired),
		errors.Is(err, auth.ErrInvalidInput),
		errors.Is(err, captcha.ErrNotFound),
		errors.Is(err, captcha.ErrExpired),
		errors.Is(err, captcha.ErrMismatch),
		errors.Is(err, captcha.ErrPhoneRequired),
		errors.Is(err, sms.ErrRejected):
		writeError(w, r, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, auth.ErrUnknownProvider):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, auth.ErrAlreadyExists),
		errors.Is(err, auth.ErrDuplicateToken):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, auth.ErrUpstreamUnavailable),
		errors.Is(err, sms.ErrGatewayUnavailable):
		obs.Warn("upstream_unavailable", "request_id", RequestIDFromContext(r.Context()), "path", r.URL.Path, "error", err)
		writeError(w, r, http.StatusServiceUnavailable, "upstream service unavailable, try again later")
	default:
		obs.Error("internal_error", "request_id", RequestIDFromContext(r.Context()), "path", r.URL.Path, "error", err)
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

// writeUnauthorized answers 401 with a Bearer challenge. code is the RFC 6750
// error code; empty when no credentials were presented.
func writeUnauthorized(w http.ResponseWriter, r *http.Request, code, msg string) {
	challenge := `Bearer realm="larabbs"`
	if code != "" {
		challenge += `, error="` + code + `"`
	}
	w.Header().Set("WWW-Authenticate", challenge)
	writeError(w, r, http.StatusUnauthorized, msg)
}
