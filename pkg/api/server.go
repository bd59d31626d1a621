// Package api contains the HTTP surface of the gateway.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	apierrors "github.com/portbridge/portbridge/pkg/api/errors"
	v1 "github.com/portbridge/portbridge/pkg/api/v1"
	"github.com/portbridge/portbridge/pkg/auth"
	"github.com/portbridge/portbridge/pkg/config"
	perrors "github.com/portbridge/portbridge/pkg/errors"
	"github.com/portbridge/portbridge/pkg/health"
	"github.com/portbridge/portbridge/pkg/logbus"
	"github.com/portbridge/portbridge/pkg/logger"
	"github.com/portbridge/portbridge/pkg/marketplace"
	"github.com/portbridge/portbridge/pkg/metrics"
	"github.com/portbridge/portbridge/pkg/pairing"
	"github.com/portbridge/portbridge/pkg/registry"
	"github.com/portbridge/portbridge/pkg/router"
	"github.com/portbridge/portbridge/pkg/sandbox"
	"github.com/portbridge/portbridge/pkg/transport"
)

// Not sure if these values need to be configurable.
const (
	middlewareTimeout = 60 * time.Second
	readHeaderTimeout = 10 * time.Second
)

// Deps are the wired components the HTTP surface binds together.
type Deps struct {
	Settings    *config.Settings
	Registry    *registry.Registry
	Checker     *health.Checker
	Bus         *logbus.Bus
	Router      *router.Router
	Auth        *auth.Store
	Pairing     *pairing.Manager
	Provisioner *sandbox.Provisioner
	Marketplace *marketplace.Client
	Metrics     *metrics.Metrics
	Factory     transport.Factory
}

// Handler builds the full gateway handler: middleware, auth pre-hook, the
// v1 resource routers, and optional static file serving.
func Handler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.Timeout(middlewareTimeout),
		headersMiddleware,
		deps.Metrics.Middleware,
		authMiddleware(deps.Auth),
	)

	routers := map[string]http.Handler{
		"/health":            v1.HealthcheckRouter(deps.Registry, deps.Auth, deps.Router),
		"/api/services":      v1.ServiceRouter(deps.Registry, deps.Checker, deps.Bus),
		"/api/templates":     v1.TemplateRouter(deps.Registry),
		"/api/auth":          v1.AuthRouter(deps.Auth),
		"/api/route":         v1.RouteRouter(deps.Registry, deps.Checker, deps.Router),
		"/api/proxy":         v1.ProxyRouter(deps.Registry, deps.Factory, deps.Bus, deps.Router, deps.Metrics),
		"/api/logs":          v1.LogsRouter(deps.Bus),
		"/api/metrics":       v1.MetricsRouter(deps.Registry, deps.Checker, deps.Router),
		"/api/health-status": v1.HealthStatusRouter(deps.Registry, deps.Checker),
		"/api/sandbox":       v1.SandboxRouter(deps.Provisioner),
		"/api/marketplace":   v1.MarketplaceRouter(deps.Marketplace, deps.Registry),
		"/metrics":           deps.Metrics.Handler(),
	}
	for prefix, sub := range routers {
		r.Mount(prefix, sub)
	}

	v1.RegisterLocalRoutes(r, deps.Pairing, deps.Registry, deps.Factory)

	if deps.Settings != nil && deps.Settings.StaticDir != "" {
		r.Handle("/*", http.FileServer(http.Dir(deps.Settings.StaticDir)))
	}

	return r
}

// Serve starts the server on the configured address and blocks until the
// context is cancelled. It is assumed that the caller sets up appropriate
// signal handling.
func Serve(ctx context.Context, deps Deps) error {
	handler := Handler(deps)

	srv := &http.Server{
		BaseContext:       func(net.Listener) context.Context { return ctx },
		Addr:              deps.Settings.Address(),
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	listener, err := net.Listen("tcp", deps.Settings.Address())
	if err != nil {
		return err
	}

	logger.Infof("starting HTTP server on %s", deps.Settings.Address())

	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Panicf("server stopped with error: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	logger.Infof("HTTP server stopped")
	return nil
}

func headersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") {
			w.Header().Set("Content-Type", "application/json")
		}
		next.ServeHTTP(w, r)
	})
}

// authMiddleware is the request auth pre-hook. Only /api/* paths require a
// credential; the healthcheck, static assets, local pairing surface, and the
// Prometheus endpoint stay public.
func authMiddleware(store *auth.Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !strings.HasPrefix(r.URL.Path, "/api/") {
				next.ServeHTTP(w, r)
				return
			}

			req := credentialsFromRequest(r)
			result := store.Authenticate(req)
			if !result.Success {
				if result.Subject == "" {
					apierrors.WriteError(w, r, perrors.NewUnauthorized("authentication required"))
				} else {
					apierrors.WriteError(w, r,
						perrors.NewForbidden(perrors.CodeForbidden, result.Error))
				}
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// credentialsFromRequest extracts the bearer token and API key headers.
// Authorization: Bearer wins; the key is then taken from the first of
// X-API-Key, X-API-Token, and apikey.
func credentialsFromRequest(r *http.Request) auth.Request {
	req := auth.Request{
		ClientIP: r.RemoteAddr,
		Method:   r.Method,
		Resource: r.URL.Path,
	}

	if header := r.Header.Get("Authorization"); header != "" {
		if scheme, token, found := strings.Cut(header, " "); found && strings.EqualFold(scheme, "Bearer") {
			req.Token = strings.TrimSpace(token)
		}
	}

	for _, name := range []string{"X-API-Key", "X-API-Token", "apikey"} {
		if key := r.Header.Get(name); key != "" {
			req.APIKey = key
			break
		}
	}

	return req
}
