package httpserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/flashbots/go-utils/httplogger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/ThomasWerthenbach/Repple/common"
	"github.com/ThomasWerthenbach/Repple/metrics"
)

// RouteRegistrar is implemented by components that serve routes through a
// BaseServer, e.g. the overlay datagram endpoint or the status API.
type RouteRegistrar interface {
	RegisterRoutes(r chi.Router)
}

// HTTPServerConfig contains all configuration parameters for the HTTP server.
type HTTPServerConfig struct {
	// ListenAddr is the address and port the HTTP server will listen on.
	ListenAddr string

	// MetricsAddr is the address and port for the metrics server.
	// If empty, metrics are collected but not served.
	MetricsAddr string

	// EnablePprof mounts the pprof debugging API under /debug.
	EnablePprof bool

	// CORSOrigins lists origins allowed to call the API from a browser.
	// Empty disables CORS handling.
	CORSOrigins []string

	// Log is the structured logger for server operations. Defaults to
	// slog.Default().
	Log *slog.Logger

	// DrainDuration is the time to wait after marking server not ready
	// before shutting down, allowing load balancers to detect the change.
	DrainDuration time.Duration

	// GracefulShutdownDuration is the maximum time to wait for in-flight
	// requests to complete during shutdown.
	GracefulShutdownDuration time.Duration

	// ReadTimeout is the maximum duration for reading the entire request,
	// including the body.
	ReadTimeout time.Duration

	// WriteTimeout is the maximum duration before timing out writes of
	// the response.
	WriteTimeout time.Duration

	// Metrics, when set, is served instead of a metrics server created for
	// MetricsAddr. It lets components built before the server report to
	// the registry the server exposes.
	Metrics *metrics.MetricsServer
}

// BaseServer hosts the routes of a peer or experiment process together with
// health, drain and metrics endpoints.
type BaseServer struct {
	cfg     *HTTPServerConfig
	isReady atomic.Bool
	log     *slog.Logger

	handler    http.Handler
	srv        *http.Server
	metricsSrv *metrics.MetricsServer
}

// New creates a BaseServer. A metrics server is always available so that
// its collector can be handed to the protocol components, even when
// cfg.MetricsAddr is empty.
//
// Parameters:
//   - cfg: Server configuration
//   - routeRegistrars: Components that will register routes with the server
//
// Returns:
//   - Configured server instance
//   - Error if the metrics server cannot be created
func New(cfg *HTTPServerConfig, routeRegistrars ...RouteRegistrar) (*BaseServer, error) {
	metricsSrv := cfg.Metrics
	if metricsSrv == nil {
		var err error
		metricsSrv, err = metrics.New(common.PackageName, cfg.MetricsAddr)
		if err != nil {
			return nil, err
		}
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	srv := &BaseServer{
		cfg:        cfg,
		log:        log,
		metricsSrv: metricsSrv,
	}

	// Create HTTP server with router
	srv.handler = srv.createRouter(routeRegistrars)
	srv.srv = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      srv.handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	// Server is ready by default
	srv.isReady.Store(true)

	return srv, nil
}

// createRouter creates and configures the HTTP router with middleware, the
// component routes and the standard health endpoints.
func (srv *BaseServer) createRouter(routeRegistrars []RouteRegistrar) http.Handler {
	mux := chi.NewRouter()

	// Add standard middleware
	mux.Use(middleware.RequestID)
	mux.Use(middleware.RealIP)
	mux.Use(middleware.Recoverer)

	// Browser access to the status API
	if len(srv.cfg.CORSOrigins) > 0 {
		mux.Use(cors.Handler(cors.Options{
			AllowedOrigins: srv.cfg.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		}))
	}

	// Register component-specific routes
	for _, registrar := range routeRegistrars {
		registrar.RegisterRoutes(mux)
	}

	// Health and diagnostic endpoints
	mux.With(srv.httpLogger).Get("/livez", srv.handleLivenessCheck)
	mux.With(srv.httpLogger).Get("/readyz", srv.handleReadinessCheck)
	mux.With(srv.httpLogger).Get("/drain", srv.handleDrain)
	mux.With(srv.httpLogger).Get("/undrain", srv.handleUndrain)

	// Add pprof debugging if enabled
	if srv.cfg.EnablePprof {
		srv.log.Info("pprof API enabled")
		mux.Mount("/debug", middleware.Profiler())
	}

	return mux
}

// httpLogger is a middleware that logs HTTP requests using structured logging.
func (srv *BaseServer) httpLogger(next http.Handler) http.Handler {
	return httplogger.LoggingMiddlewareSlog(srv.log, next)
}

// Handler returns the router serving all registered routes.
func (srv *BaseServer) Handler() http.Handler {
	return srv.handler
}

// Metrics returns the metrics server whose collector protocol components
// report to.
func (srv *BaseServer) Metrics() *metrics.MetricsServer {
	return srv.metricsSrv
}

// IsReady reports whether the server is accepting work, i.e. not drained.
func (srv *BaseServer) IsReady() bool {
	return srv.isReady.Load()
}

// RunInBackground starts the API listener and, when MetricsAddr is set, the
// metrics listener.
func (srv *BaseServer) RunInBackground() {
	for _, l := range srv.listeners() {
		go func() {
			srv.log.Info("Starting listener", "listener", l.name, "listenAddress", l.addr)
			if err := l.listen(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				srv.log.Error("Listener failed", "listener", l.name, "err", err)
			}
		}()
	}
}

// Shutdown stops all listeners concurrently, each bounded by
// GracefulShutdownDuration.
func (srv *BaseServer) Shutdown() {
	var g errgroup.Group
	for _, l := range srv.listeners() {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), srv.cfg.GracefulShutdownDuration)
			defer cancel()

			if err := l.shutdown(ctx); err != nil {
				srv.log.Error("Graceful shutdown failed", "listener", l.name, "err", err)
				return err
			}
			srv.log.Info("Listener gracefully stopped", "listener", l.name)
			return nil
		})
	}
	g.Wait()
}

// listener pairs a named server with its start and stop functions.
type listener struct {
	name     string
	addr     string
	listen   func() error
	shutdown func(context.Context) error
}

// listeners returns the API listener followed by the metrics listener when
// MetricsAddr is set.
func (srv *BaseServer) listeners() []listener {
	out := []listener{{
		name:     "api",
		addr:     srv.cfg.ListenAddr,
		listen:   srv.srv.ListenAndServe,
		shutdown: srv.srv.Shutdown,
	}}
	if srv.cfg.MetricsAddr != "" {
		out = append(out, listener{
			name:     "metrics",
			addr:     srv.cfg.MetricsAddr,
			listen:   srv.metricsSrv.ListenAndServe,
			shutdown: srv.metricsSrv.Shutdown,
		})
	}
	return out
}
