package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/netip"
	"time"

	"larabbs.org/internal/auth"
	"larabbs.org/internal/captcha"
	"larabbs.org/internal/obs"
	"larabbs.org/internal/ratelimit"
)

const serviceName = "larabbs-api"

// ReadyProbe reports readiness, pinging the database when one is configured.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Deps are the services behind the HTTP routes.
type Deps struct {
	Auth    *auth.Service
	Captcha *captcha.Service
	// Limiter enforces the per-class windows (sign, api). Nil disables them.
	Limiter ratelimit.Limiter
	Ready   ReadyProbe
	Version string
}

// Option tunes the middleware chain.
type Option func(*API)

// WithIPLimit sets the per-IP token bucket applied to every route.
func WithIPLimit(perSecond, burst int) Option {
	return func(a *API) {
		if perSecond > 0 && burst > 0 {
			a.ratePerSec, a.rateBurst = perSecond, burst
		}
	}
}

// WithMaxBodyBytes caps request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(a *API) {
		if n > 0 {
			a.maxBody = n
		}
	}
}

// WithCORSOrigins lists the browser origins allowed in addition to localhost.
func WithCORSOrigins(origins []string) Option {
	return func(a *API) {
		a.origins = append([]string(nil), origins...)
	}
}

// WithTrustedProxies lets requests arriving from these networks name the
// client through X-Forwarded-For.
func WithTrustedProxies(prefixes []netip.Prefix) Option {
	return func(a *API) {
		a.clients = clientResolver{trusted: append([]netip.Prefix(nil), prefixes...)}
	}
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	auth       *auth.Service
	captcha    *captcha.Service
	limiter    ratelimit.Limiter
	readyProbe ReadyProbe
	version    string

	rateBurst  int
	ratePerSec int
	maxBody    int64
	origins    []string
	clients    clientResolver
}

func New(deps Deps, opts ...Option) *API {
	a := &API{
		mux:        http.NewServeMux(),
		auth:       deps.Auth,
		captcha:    deps.Captcha,
		limiter:    deps.Limiter,
		readyProbe: deps.Ready,
		version:    deps.Version,
		rateBurst:  40,
		ratePerSec: 20,
		maxBody:    1 << 20,
	}
	for _, opt := range opts {
		opt(a)
	}

	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.HandleFunc("GET /v1/info", a.Info)
	a.mux.Handle("GET /metrics", obs.Handler())

	a.mux.HandleFunc("POST /v1/captchas", a.handleCaptchas)
	a.mux.Handle("POST /v1/verificationCodes", a.limit(ratelimit.ClassSign, http.HandlerFunc(a.handleVerificationCodes)))
	a.mux.Handle("POST /v1/users", a.limit(ratelimit.ClassSign, http.HandlerFunc(a.handleUsers)))
	a.mux.HandleFunc("POST /v1/socials/{type}/authorizations", a.handleSocialAuthorizations)
	a.mux.HandleFunc("POST /v1/authorizations", a.handleAuthorizations)
	a.mux.Handle("DELETE /v1/authorizations", a.authenticated(http.HandlerFunc(a.handleRevokeAll)))
	a.mux.Handle("PUT /v1/authorizations/current", a.authenticated(http.HandlerFunc(a.handleRefresh)))
	a.mux.Handle("DELETE /v1/authorizations/current", a.authenticated(http.HandlerFunc(a.handleLogout)))
	a.mux.Handle("GET /v1/user", a.authenticated(a.limit(ratelimit.ClassAPI, http.HandlerFunc(a.handleCurrentUser))))

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})

	return a
}

// Handler returns the mux wrapped in the middleware chain and metrics.
func (a *API) Handler() http.Handler {
	h := http.Handler(a.mux)
	h = MaxBodyBytes(h, a.maxBody)
	h = RateLimitBy(h, a.rateBurst, a.ratePerSec, a.clients.clientIP)
	h = CORS(a.origins...)(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		obs.Warn("not_ready", "request_id", RequestIDFromContext(r.Context()), "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}
