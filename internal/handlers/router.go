package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Dev-Teammm/shopshpere-customer-sub000/internal/platform/httpx"
)

const (
	apiPrefix             = "/api/v1"
	checkoutSessionsPath  = "/checkout/sessions"
	defaultRequestTimeout = 30 * time.Second
	errorNotFoundCode     = "route_not_found"
)

// RouteRegistrar mounts a route group.
type RouteRegistrar func(r chi.Router)

type routerConfig struct {
	middlewares         []func(http.Handler) http.Handler
	health              *HealthHandlers
	checkout            RouteRegistrar
	checkoutMiddlewares []func(http.Handler) http.Handler
	requestTimeout      time.Duration
	metricsPath         string
	metrics             http.Handler
}

// Option customises NewRouter.
type Option func(*routerConfig)

// WithMiddlewares appends middleware that runs for every route, probes included.
func WithMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) { cfg.middlewares = append(cfg.middlewares, mw...) }
}

// WithHealthHandlers serves /healthz and /readyz from h.
func WithHealthHandlers(h *HealthHandlers) Option {
	return func(cfg *routerConfig) { cfg.health = h }
}

// WithCheckoutRoutes mounts reg under /api/v1/checkout/sessions.
func WithCheckoutRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) { cfg.checkout = reg }
}

// WithCheckoutMiddlewares wraps only the checkout group, e.g. shopper authentication.
func WithCheckoutMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) { cfg.checkoutMiddlewares = append(cfg.checkoutMiddlewares, mw...) }
}

// WithRequestTimeout bounds checkout calls other than event streams.
func WithRequestTimeout(d time.Duration) Option {
	return func(cfg *routerConfig) {
		if d > 0 {
			cfg.requestTimeout = d
		}
	}
}

// WithMetricsHandler serves handler on path.
func WithMetricsHandler(path string, handler http.Handler) Option {
	return func(cfg *routerConfig) {
		cfg.metricsPath = path
		cfg.metrics = handler
	}
}

// NewRouter builds the storefront router: probes and metrics at the root, the checkout session
// API under /api/v1. Without a checkout registrar the API answers 501.
func NewRouter(opts ...Option) chi.Router {
	cfg := routerConfig{
		middlewares:    []func(http.Handler) http.Handler{middleware.RequestID, middleware.RealIP},
		requestTimeout: defaultRequestTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.health == nil {
		cfg.health = NewHealthHandlers()
	}

	r := chi.NewRouter()
	r.Use(compact(cfg.middlewares)...)
	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError(errorNotFoundCode, "no route for "+req.URL.Path, http.StatusNotFound))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("method_not_allowed", req.Method+" is not allowed on "+req.URL.Path, http.StatusMethodNotAllowed))
	})

	r.Get("/healthz", cfg.health.Healthz)
	r.Get("/readyz", cfg.health.Readyz)
	if cfg.metrics != nil && cfg.metricsPath != "" {
		r.Method(http.MethodGet, cfg.metricsPath, cfg.metrics)
	}

	r.Route(apiPrefix+checkoutSessionsPath, func(group chi.Router) {
		group.Use(compact(cfg.checkoutMiddlewares)...)
		if cfg.checkout == nil {
			group.HandleFunc("/", notImplemented)
			group.HandleFunc("/*", notImplemented)
			return
		}
		group.Use(timeoutUnlessStreaming(cfg.requestTimeout))
		cfg.checkout(group)
	})
	return r
}

// timeoutUnlessStreaming cancels slow calls after d. Event streams stay open for as long as the
// shopper watches them.
func timeoutUnlessStreaming(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		timed := middleware.Timeout(d)(next)
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if req.Method == http.MethodGet && strings.HasSuffix(strings.TrimSuffix(req.URL.Path, "/"), "/events") {
				next.ServeHTTP(w, req)
				return
			}
			timed.ServeHTTP(w, req)
		})
	}
}

func notImplemented(w http.ResponseWriter, req *http.Request) {
	httpx.WriteError(req.Context(), w, httpx.NewError("not_implemented", "checkout routes are not configured", http.StatusNotImplemented))
}

func compact(mw []func(http.Handler) http.Handler) []func(http.Handler) http.Handler {
	out := make([]func(http.Handler) http.Handler, 0, len(mw))
	for _, m := range mw {
		if m != nil {
			out = append(out, m)
		}
	}
	return out
}
