package runtime

import (
	"fmt"
	"net/http"
	"path"

	errorspkg "github.com/strutframework/strut/internal/runtime/errors"
	registrypkg "github.com/strutframework/strut/internal/runtime/registry"
)

// Initializer customises the HTTP stack at fixed points while it is being
// assembled. Each hook receives the handler as built so far and returns
// the handler to continue with, so an initializer can wrap, replace, or
// pass it through unchanged.
//
// Hook order within a stage follows initializer priority; an initializer
// has a single priority applied to all four of its hooks.
type Initializer interface {
	Name() string
	Priority() int64
	AfterRouter(app *AppContext, handler http.Handler) (http.Handler, error)
	BeforeMiddleware(app *AppContext, handler http.Handler) (http.Handler, error)
	AfterMiddleware(app *AppContext, handler http.Handler) (http.Handler, error)
	BeforeServe(app *AppContext, handler http.Handler) (http.Handler, error)
}

// BaseInitializer is a no-op Initializer to embed so implementations only
// override the hooks they care about.
type BaseInitializer struct{}

func (BaseInitializer) AfterRouter(_ *AppContext, h http.Handler) (http.Handler, error) {
	return h, nil
}

func (BaseInitializer) BeforeMiddleware(_ *AppContext, h http.Handler) (http.Handler, error) {
	return h, nil
}

func (BaseInitializer) AfterMiddleware(_ *AppContext, h http.Handler) (http.Handler, error) {
	return h, nil
}

func (BaseInitializer) BeforeServe(_ *AppContext, h http.Handler) (http.Handler, error) {
	return h, nil
}

// pipelineStage tracks where the assembly currently is so hooks cannot run
// out of order.
type pipelineStage int

const (
	stageRouterBuilt pipelineStage = iota
	stageAfterRouter
	stageBeforeMiddleware
	stageMiddlewareApplied
	stageAfterMiddleware
	stageBeforeServe
	stageServing
)

func (s pipelineStage) String() string {
	switch s {
	case stageRouterBuilt:
		return "router-built"
	case stageAfterRouter:
		return "after-router"
	case stageBeforeMiddleware:
		return "before-middleware"
	case stageMiddlewareApplied:
		return "middleware-applied"
	case stageAfterMiddleware:
		return "after-middleware"
	case stageBeforeServe:
		return "before-serve"
	case stageServing:
		return "serving"
	default:
		return "unknown"
	}
}

// initializerPipeline drives the enabled initializers through the four
// stages in order. Stages may only advance.
type initializerPipeline struct {
	app     *AppContext
	entries []registrypkg.Entry[Initializer]
	stage   pipelineStage
}

func newInitializerPipeline(app *AppContext, reg *registrypkg.Registry[Initializer]) *initializerPipeline {
	return &initializerPipeline{
		app:     app,
		entries: reg.Build(),
		stage:   stageRouterBuilt,
	}
}

type initializerHook func(Initializer, *AppContext, http.Handler) (http.Handler, error)

func (p *initializerPipeline) advance(from, to pipelineStage, handler http.Handler, hook initializerHook) (http.Handler, error) {
	if p.stage != from {
		return nil, &errorspkg.BuildError{
			Registry: "initializer",
			Name:     to.String(),
			Err:      fmt.Errorf("pipeline in stage %s, cannot enter %s", p.stage, to),
		}
	}
	p.stage = to
	for _, entry := range p.entries {
		next, err := hook(entry.Component, p.app, handler)
		if err != nil {
			return nil, fmt.Errorf("strut: initializer %q failed during %s: %w", entry.Name, to, err)
		}
		if next != nil {
			handler = next
		}
	}
	return handler, nil
}

func (p *initializerPipeline) afterRouter(h http.Handler) (http.Handler, error) {
	return p.advance(stageRouterBuilt, stageAfterRouter, h, Initializer.AfterRouter)
}

func (p *initializerPipeline) beforeMiddleware(h http.Handler) (http.Handler, error) {
	return p.advance(stageAfterRouter, stageBeforeMiddleware, h, Initializer.BeforeMiddleware)
}

// middlewareApplied records that the middleware chain has been composed
// between the before and after hooks.
func (p *initializerPipeline) middlewareApplied() error {
	if p.stage != stageBeforeMiddleware {
		return &errorspkg.BuildError{
			Registry: "initializer",
			Name:     stageMiddlewareApplied.String(),
			Err:      fmt.Errorf("pipeline in stage %s, middleware cannot be applied", p.stage),
		}
	}
	p.stage = stageMiddlewareApplied
	return nil
}

func (p *initializerPipeline) afterMiddleware(h http.Handler) (http.Handler, error) {
	return p.advance(stageMiddlewareApplied, stageAfterMiddleware, h, Initializer.AfterMiddleware)
}

func (p *initializerPipeline) beforeServe(h http.Handler) (http.Handler, error) {
	handler, err := p.advance(stageAfterMiddleware, stageBeforeServe, h, Initializer.BeforeServe)
	if err != nil {
		return nil, err
	}
	p.stage = stageServing
	return handler, nil
}

// NormalizePathInitializer collapses duplicate slashes and strips trailing
// slashes right before serving, so both /foo/ and //foo hit the /foo
// route. Registered by default.
type NormalizePathInitializer struct {
	BaseInitializer
}

func (NormalizePathInitializer) Name() string { return "normalize-path" }

// Runs after user initializers so their path rewrites see raw paths.
func (NormalizePathInitializer) Priority() int64 { return 10_000 }

func (NormalizePathInitializer) BeforeServe(_ *AppContext, next http.Handler) (http.Handler, error) {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cleaned := path.Clean(r.URL.Path)
		if cleaned == "" {
			cleaned = "/"
		}
		if cleaned != r.URL.Path {
			r2 := r.Clone(r.Context())
			r2.URL.Path = cleaned
			r = r2
		}
		next.ServeHTTP(w, r)
	}), nil
}

// DefaultInitializers returns the initializers registered out of the box.
func DefaultInitializers() []Initializer {
	return []Initializer{
		NormalizePathInitializer{},
	}
}

// NewInitializerRegistry creates the initializer registry with the
// defaults registered and config overrides applied.
func NewInitializerRegistry(app *AppContext) (*registrypkg.Registry[Initializer], error) {
	reg := registrypkg.New[Initializer]("initializer")

	group := app.Config.Service.HTTP.Initializer
	if group.DefaultEnable != nil {
		reg.SetGroupDefaultEnable(*group.DefaultEnable)
	}

	for _, init := range DefaultInitializers() {
		priority := init.Priority()
		if entry, ok := group.Entries[init.Name()]; ok && entry.Priority != nil {
			priority = *entry.Priority
		}
		if err := reg.Register(init.Name(), init, priority, true); err != nil {
			return nil, err
		}
	}
	for name, entry := range group.Entries {
		if entry.Enable != nil {
			reg.SetEnabled(name, *entry.Enable)
		}
	}
	return reg, nil
}
