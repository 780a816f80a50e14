package httpapi

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"codegravity/internal/auth"
	"codegravity/internal/gateway"
	"codegravity/internal/prompt"
	"codegravity/internal/providers/catalog"
	"codegravity/internal/ratelimit"
	"codegravity/internal/settings"
	"codegravity/internal/storage"
)

type HistoryLister interface {
	ListHistory(ctx context.Context, userID string, limit int) ([]storage.HistoryRecord, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a plain function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

type Config struct {
	Gateway  *gateway.Gateway
	Settings *settings.Service
	History  HistoryLister
	Catalog  *catalog.Catalog
	Limiter  gateway.Limiter
	Verifier *auth.Verifier
	// Checks are pinged by the health endpoint, keyed by component name.
	Checks      map[string]Pinger
	CORSOrigin  string
	HealthPath  string
	MetricsPath string
	Version     string
	Logger      zerolog.Logger
}

type api struct {
	cfg Config
}

func NewRouter(cfg Config) http.Handler {
	if cfg.HealthPath == "" {
		cfg.HealthPath = "/health"
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	a := &api{cfg: cfg}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(hlog.NewHandler(cfg.Logger))
	r.Use(requestIDField)
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, d time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", d).
			Msg("request")
	}))
	r.Use(middleware.Recoverer)
	r.Use(a.cors)

	r.Get(cfg.HealthPath, a.health)
	r.Handle(cfg.MetricsPath, promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.With(a.rateLimit).Get("/version", a.version)

		r.Group(func(r chi.Router) {
			r.Use(cfg.Verifier.Middleware(writeError))

			// the gateway counts these against the ai category itself
			r.Post("/ai/chat", a.relay(decode[prompt.ChatPayload]))
			r.Post("/ai/edit", a.relay(decode[prompt.EditPayload]))
			r.Post("/ai/explain", a.relay(decode[prompt.ExplainPayload]))
			r.Post("/ai/fix-error", a.relay(decode[prompt.FixErrorPayload]))

			r.Group(func(r chi.Router) {
				r.Use(a.rateLimit)
				r.Get("/ai/history", a.history)
				r.Get("/ai/providers", a.providers)

				r.Get("/settings/ai", a.getSettings)
				r.Put("/settings/ai", a.putSettings)
				r.Post("/settings/ai/test", a.testKey)
				r.Delete("/settings/ai/provider/{provider}", a.deleteProviderKey)
			})
		})
	})
	return r
}

func requestIDField(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := middleware.GetReqID(r.Context()); id != "" {
			zerolog.Ctx(r.Context()).UpdateContext(func(c zerolog.Context) zerolog.Context {
				return c.Str("req_id", id)
			})
		}
		next.ServeHTTP(w, r)
	})
}

func (a *api) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := a.cfg.CORSOrigin; origin != "" {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			h.Set("Access-Control-Expose-Headers", "X-RateLimit-Limit, X-RateLimit-Remaining, Retry-After")
			h.Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimit counts the request in the category of its path, keyed by the
// principal or, before authentication, the client address.
func (a *api) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, ok := auth.PrincipalFrom(r.Context())
		if !ok {
			key = "ip:" + clientIP(r)
		}
		d, _ := a.cfg.Limiter.CheckAndIncrement(r.Context(), key, ratelimit.CategoryForPath(r.URL.Path))
		setRateHeaders(w, d)
		if !d.Allowed {
			writeError(w, r, &gateway.RateLimitedError{Decision: d})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (a *api) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := map[string]string{}
	healthy := true
	for name, c := range a.cfg.Checks {
		if err := c.Ping(ctx); err != nil {
			healthy = false
			status[name] = "down"
			hlog.FromRequest(r).Warn().Err(err).Str("component", name).Msg("health check failed")
			continue
		}
		status[name] = "ok"
	}
	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{"status": strings.ToLower(http.StatusText(code)), "checks": status})
}

func (a *api) version(w http.ResponseWriter, r *http.Request) {
	writeData(w, map[string]string{"name": "codegravity-gateway", "version": a.cfg.Version})
}
