package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/labvial/api/internal/platform/httpx"
)

// RouteRegistrar registers a group's endpoints on the sub-router it is given.
type RouteRegistrar func(r chi.Router)

const (
	apiPrefix         = "/api/v1"
	requestTimeout    = 60 * time.Second
	errorNotFoundCode = "route_not_found"
)

// route groups mounted under apiPrefix, in mount order.
const (
	groupCart     = "cart"
	groupCheckout = "checkout"
	groupAdmin    = "admin"
)

var routeGroups = []string{groupCart, groupCheckout, groupAdmin}

type routerConfig struct {
	middlewares []func(http.Handler) http.Handler
	health      *HealthHandlers
	groups      map[string]RouteRegistrar
}

// Option customises the router before construction.
type Option func(*routerConfig)

// NewRouter builds the API router. Groups without a registrar answer 501 so a partially wired
// deployment fails loudly instead of returning 404.
func NewRouter(opts ...Option) chi.Router {
	cfg := routerConfig{
		middlewares: []func(http.Handler) http.Handler{
			middleware.RequestID,
			middleware.RealIP,
			middleware.Timeout(requestTimeout),
		},
		groups: make(map[string]RouteRegistrar, len(routeGroups)),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.health == nil {
		cfg.health = NewHealthHandlers()
	}

	r := chi.NewRouter()
	for _, mw := range cfg.middlewares {
		if mw != nil {
			r.Use(mw)
		}
	}
	r.NotFound(routeNotFound)
	r.MethodNotAllowed(methodNotAllowed)

	r.Get("/healthz", cfg.health.Healthz)
	r.Get("/readyz", cfg.health.Readyz)

	r.Route(apiPrefix, func(api chi.Router) {
		for _, name := range routeGroups {
			registrar := cfg.groups[name]
			if registrar == nil {
				registrar = notImplemented(name)
			}
			api.Route("/"+name, registrar)
		}
	})
	return r
}

// WithMiddlewares appends global middleware after the request id, real ip and timeout defaults.
func WithMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		cfg.middlewares = append(cfg.middlewares, mw...)
	}
}

// WithHealthHandlers overrides the /healthz and /readyz handlers.
func WithHealthHandlers(h *HealthHandlers) Option {
	return func(cfg *routerConfig) {
		cfg.health = h
	}
}

func WithCartRoutes(reg RouteRegistrar) Option { return withGroup(groupCart, reg) }

func WithCheckoutRoutes(reg RouteRegistrar) Option { return withGroup(groupCheckout, reg) }

// WithAdminRoutes mounts the staff-only order, fulfillment and inventory endpoints.
func WithAdminRoutes(reg RouteRegistrar) Option { return withGroup(groupAdmin, reg) }

func withGroup(name string, reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.groups[name] = reg
	}
}

func notImplemented(name string) RouteRegistrar {
	return func(r chi.Router) {
		r.HandleFunc("/*", func(w http.ResponseWriter, req *http.Request) {
			httpx.WriteError(req.Context(), w, httpx.NewError("not_implemented", name+" endpoints are not configured", http.StatusNotImplemented))
		})
	}
}

func routeNotFound(w http.ResponseWriter, r *http.Request) {
	httpx.WriteError(r.Context(), w, httpx.NewError(errorNotFoundCode, "no route for "+r.URL.Path, http.StatusNotFound))
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	httpx.WriteError(r.Context(), w, httpx.NewError("method_not_allowed", "method "+r.Method+" not allowed on "+r.URL.Path, http.StatusMethodNotAllowed))
}
