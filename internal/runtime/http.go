package runtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	configpkg "github.com/strutframework/strut/internal/runtime/config"
	loggingpkg "github.com/strutframework/strut/internal/runtime/logging"
)

// httpShutdownGrace bounds how long in-flight requests get to finish once
// the app is stopping.
const httpShutdownGrace = 10 * time.Second

// HTTPService serves the app's routes through the initializer pipeline and
// the priority-ordered middleware chain.
type HTTPService struct {
	routes func(chi.Router)
}

// NewHTTPService wraps a route registration callback into an AppService.
// The callback may be nil for an app that only serves the default routes.
func NewHTTPService(routes func(chi.Router)) *HTTPService {
	return &HTTPService{routes: routes}
}

func (s *HTTPService) Name() string { return "http" }

func (s *HTTPService) Enabled(app *AppContext) bool {
	enable := app.Config.Service.HTTP.Enable
	return enable == nil || *enable
}

// Run assembles the handler and serves until ctx is canceled.
func (s *HTTPService) Run(ctx context.Context, app *AppContext) error {
	handler, err := s.buildHandler(app)
	if err != nil {
		return err
	}

	cfg := app.Config.Service.HTTP
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	server := &http.Server{
		Addr:    addr,
		Handler: handler,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		app.Logger.Info("http server listening", loggingpkg.LogFields{"addr": addr})
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), httpShutdownGrace)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("strut: http shutdown: %w", err)
		}
		<-errCh
		return nil
	}
}

// buildHandler runs the assembly pipeline: router with routes, then the
// after-router, before-middleware, after-middleware, and before-serve
// initializer hooks around the middleware chain.
func (s *HTTPService) buildHandler(app *AppContext) (http.Handler, error) {
	router := chi.NewRouter()
	s.registerDefaultRoutes(app, router)
	if s.routes != nil {
		s.routes(router)
	}

	pipeline := newInitializerPipeline(app, app.initializers)

	handler, err := pipeline.afterRouter(http.Handler(router))
	if err != nil {
		return nil, err
	}
	if handler, err = pipeline.beforeMiddleware(handler); err != nil {
		return nil, err
	}

	chain, err := BuildMiddlewareChain(app, app.middleware)
	if err != nil {
		return nil, err
	}
	handler = chain(handler)
	if err := pipeline.middlewareApplied(); err != nil {
		return nil, err
	}

	if handler, err = pipeline.afterMiddleware(handler); err != nil {
		return nil, err
	}
	return pipeline.beforeServe(handler)
}

func (s *HTTPService) registerDefaultRoutes(app *AppContext, router chi.Router) {
	defaults := app.Config.Service.HTTP.DefaultRoutes

	if route, ok := defaultRoute(defaults.Health, "/healthz"); ok {
		router.Get(route, HealthHandler(app).ServeHTTP)
	}
	if route, ok := defaultRoute(defaults.Metrics, "/metrics"); ok {
		router.Get(route, promhttp.HandlerFor(app.Metrics, promhttp.HandlerOpts{}).ServeHTTP)
	}
}

// RouteInfo describes one route the HTTP service would serve.
type RouteInfo struct {
	Method string `json:"method"`
	Route  string `json:"route"`
}

// Routes lists the default and user routes without starting the service.
func (s *HTTPService) Routes(app *AppContext) ([]RouteInfo, error) {
	router := chi.NewRouter()
	s.registerDefaultRoutes(app, router)
	if s.routes != nil {
		s.routes(router)
	}

	var infos []RouteInfo
	err := chi.Walk(router, func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		infos = append(infos, RouteInfo{Method: method, Route: route})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Route != infos[j].Route {
			return infos[i].Route < infos[j].Route
		}
		return infos[i].Method < infos[j].Method
	})
	return infos, nil
}

func defaultRoute(cfg configpkg.RouteConfig, fallback string) (string, bool) {
	route := cfg.Route
	if route == "" {
		route = fallback
	}
	return route, cfg.Enable == nil || *cfg.Enable
}
