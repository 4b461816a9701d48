package runtime

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	idspkg "github.com/strutframework/strut/internal/runtime/ids"
	loggingpkg "github.com/strutframework/strut/internal/runtime/logging"
	registrypkg "github.com/strutframework/strut/internal/runtime/registry"
)

// Middleware wraps an http.Handler. The chain is composed by ascending
// priority: the lowest-priority middleware becomes the outermost wrapper
// and sees the request first.
type Middleware func(http.Handler) http.Handler

// MiddlewareBuilder constructs a middleware against the app context, so
// builders can read config, the logger, or shared clients.
type MiddlewareBuilder func(*AppContext) (Middleware, error)

// MiddlewareRegistration is one entry in the middleware registry.
type MiddlewareRegistration struct {
	Name     string
	Priority int64
	// Enabled is the hardcoded default, overridable per entry and per
	// group in config.
	Enabled bool
	Builder MiddlewareBuilder
}

// Priorities of the built-in middleware. Header sanitizers bracket the
// chain, request-id propagation sits just inside them, and the
// observability middleware run at the default priority.
const (
	PrioritySensitiveRequestHeaders  = -10_000
	PrioritySetRequestID             = -9_990
	PriorityTracing                  = 0
	PriorityMetrics                  = 0
	PriorityCatchPanic               = 0
	PriorityPropagateRequestID       = 9_990
	PrioritySensitiveResponseHeaders = 10_000
)

// RequestIDHeader carries the request id on the wire.
const RequestIDHeader = "X-Request-Id"

type requestIDKey struct{}

// RequestID returns the request id stored by the set-request-id
// middleware, or "" when absent.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// ContextWithRequestID attaches a request id, mainly for tests and
// non-HTTP callers that feed the same logging path.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

type sanitizerKey struct{}

// sensitiveHeaderMask is the replacement value recorded for sensitive
// headers in traces and logs.
const sensitiveHeaderMask = "*****"

var defaultSensitiveHeaders = []string{
	"Authorization",
	"Proxy-Authorization",
	"Cookie",
	"Set-Cookie",
}

// headerSanitizer tracks which headers must be masked before they reach a
// trace or log sink. The handler itself always sees real values.
type headerSanitizer struct {
	masked map[string]struct{}
}

func newHeaderSanitizer(names []string) *headerSanitizer {
	s := &headerSanitizer{masked: make(map[string]struct{}, len(names))}
	for _, name := range names {
		s.masked[http.CanonicalHeaderKey(name)] = struct{}{}
	}
	return s
}

func (s *headerSanitizer) value(name, raw string) string {
	if _, ok := s.masked[http.CanonicalHeaderKey(name)]; ok {
		return sensitiveHeaderMask
	}
	return raw
}

// SanitizedHeaderValue masks the value when the request passed through the
// sensitive-headers middleware and the header is on the sensitive list.
func SanitizedHeaderValue(ctx context.Context, name, raw string) string {
	s, _ := ctx.Value(sanitizerKey{}).(*headerSanitizer)
	if s == nil {
		return raw
	}
	return s.value(name, raw)
}

// statusRecorder captures the response status for metrics and traces.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// DefaultMiddlewares returns the built-in chain. All entries are enabled
// by default except tracing, which follows the tracing config.
func DefaultMiddlewares() []MiddlewareRegistration {
	return []MiddlewareRegistration{
		SensitiveRequestHeadersMiddleware(),
		SetRequestIDMiddleware(),
		TracingMiddleware(),
		MetricsMiddleware(),
		CatchPanicMiddleware(),
		PropagateRequestIDMiddleware(),
		SensitiveResponseHeadersMiddleware(),
	}
}

// SensitiveRequestHeadersMiddleware marks well-known credential headers as
// sensitive so the tracing and logging layers inside it record masked
// values. It runs outermost.
func SensitiveRequestHeadersMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:     "sensitive-request-headers",
		Priority: PrioritySensitiveRequestHeaders,
		Enabled:  true,
		Builder: func(*AppContext) (Middleware, error) {
			sanitizer := newHeaderSanitizer(defaultSensitiveHeaders)
			return func(next http.Handler) http.Handler {
				return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					ctx := context.WithValue(r.Context(), sanitizerKey{}, sanitizer)
					next.ServeHTTP(w, r.WithContext(ctx))
				})
			}, nil
		},
	}
}

// SensitiveResponseHeadersMiddleware strips Set-Cookie and friends from
// what the innermost observers report. It shares the sanitizer installed
// on the request path, so it only needs to sit innermost to bound the
// chain.
func SensitiveResponseHeadersMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:     "sensitive-response-headers",
		Priority: PrioritySensitiveResponseHeaders,
		Enabled:  true,
		Builder: func(*AppContext) (Middleware, error) {
			return func(next http.Handler) http.Handler {
				return next
			}, nil
		},
	}
}

// SetRequestIDMiddleware adopts an inbound X-Request-Id or mints a ULID,
// and stores it on the request context.
func SetRequestIDMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:     "set-request-id",
		Priority: PrioritySetRequestID,
		Enabled:  true,
		Builder: func(*AppContext) (Middleware, error) {
			return func(next http.Handler) http.Handler {
				return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					id := r.Header.Get(RequestIDHeader)
					if id == "" {
						id = idspkg.CreateULID()
					}
					next.ServeHTTP(w, r.WithContext(ContextWithRequestID(r.Context(), id)))
				})
			}, nil
		},
	}
}

// PropagateRequestIDMiddleware copies the request id onto the response so
// callers can correlate. It runs just inside the header sanitizers.
func PropagateRequestIDMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:     "propagate-request-id",
		Priority: PriorityPropagateRequestID,
		Enabled:  true,
		Builder: func(*AppContext) (Middleware, error) {
			return func(next http.Handler) http.Handler {
				return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					if id := RequestID(r.Context()); id != "" {
						w.Header().Set(RequestIDHeader, id)
					}
					next.ServeHTTP(w, r)
				})
			}, nil
		},
	}
}

// TracingMiddleware opens an OpenTelemetry span per request. Enabled only
// when tracing is turned on in config.
func TracingMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:     "tracing",
		Priority: PriorityTracing,
		Enabled:  true,
		Builder: func(app *AppContext) (Middleware, error) {
			if !app.Config.Tracing.Enabled {
				return nil, nil
			}
			serviceName := app.Config.Tracing.ServiceName
			if serviceName == "" {
				serviceName = app.Config.App.Name
			}
			tracer := otel.Tracer(serviceName)
			return func(next http.Handler) http.Handler {
				return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					ctx, span := tracer.Start(r.Context(), r.Method+" "+r.URL.Path,
						trace.WithSpanKind(trace.SpanKindServer),
						trace.WithAttributes(
							attribute.String("http.request.method", r.Method),
							attribute.String("url.path", r.URL.Path),
							attribute.String("http.request.header.authorization",
								SanitizedHeaderValue(r.Context(), "Authorization", r.Header.Get("Authorization"))),
						),
					)
					defer span.End()

					rec := &statusRecorder{ResponseWriter: w}
					next.ServeHTTP(rec, r.WithContext(ctx))
					span.SetAttributes(attribute.Int("http.response.status_code", rec.status))
				})
			}, nil
		},
	}
}

// MetricsMiddleware records request counts and latency histograms.
func MetricsMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:     "metrics",
		Priority: PriorityMetrics,
		Enabled:  true,
		Builder: func(app *AppContext) (Middleware, error) {
			requests := prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "strut",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "HTTP requests by method and status.",
			}, []string{"method", "status"})
			latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "strut",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request latency.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"method"})
			for _, collector := range []prometheus.Collector{requests, latency} {
				if err := app.Metrics.Register(collector); err != nil {
					var already prometheus.AlreadyRegisteredError
					if errors.As(err, &already) {
						continue
					}
					return nil, err
				}
			}

			return func(next http.Handler) http.Handler {
				return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					start := time.Now()
					rec := &statusRecorder{ResponseWriter: w}
					next.ServeHTTP(rec, r)
					status := rec.status
					if status == 0 {
						status = http.StatusOK
					}
					requests.WithLabelValues(r.Method, strconv.Itoa(status)).Inc()
					latency.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
				})
			}, nil
		},
	}
}

// CatchPanicMiddleware converts handler panics into a 500 and a structured
// error log instead of tearing down the connection.
func CatchPanicMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:     "catch-panic",
		Priority: PriorityCatchPanic,
		Enabled:  true,
		Builder: func(app *AppContext) (Middleware, error) {
			logger := app.Logger
			return func(next http.Handler) http.Handler {
				return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					defer func() {
						if rec := recover(); rec != nil {
							logger.Error("panic while handling request", nil, loggingpkg.LogFields{
								"panic":      rec,
								"method":     r.Method,
								"path":       r.URL.Path,
								"request_id": RequestID(r.Context()),
							})
							http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
						}
					}()
					next.ServeHTTP(w, r)
				})
			}, nil
		},
	}
}

// BuildMiddlewareChain resolves the registry against the app context and
// composes the enabled middleware into a single wrapper, lowest priority
// outermost. Builders may return a nil middleware to opt out at build
// time.
func BuildMiddlewareChain(app *AppContext, reg *registrypkg.Registry[MiddlewareBuilder]) (Middleware, error) {
	entries := reg.Build()

	wrappers := make([]Middleware, 0, len(entries))
	for _, entry := range entries {
		mw, err := entry.Component(app)
		if err != nil {
			return nil, err
		}
		if mw == nil {
			continue
		}
		wrappers = append(wrappers, mw)
	}

	return func(next http.Handler) http.Handler {
		handler := next
		for i := len(wrappers) - 1; i >= 0; i-- {
			handler = wrappers[i](handler)
		}
		return handler
	}, nil
}

// NewMiddlewareRegistry creates the middleware registry with the default
// chain registered and the config group overrides applied.
func NewMiddlewareRegistry(app *AppContext) (*registrypkg.Registry[MiddlewareBuilder], error) {
	reg := registrypkg.New[MiddlewareBuilder]("middleware")

	group := app.Config.Service.HTTP.Middleware
	if group.DefaultEnable != nil {
		reg.SetGroupDefaultEnable(*group.DefaultEnable)
	}

	for _, registration := range DefaultMiddlewares() {
		priority := registration.Priority
		if entry, ok := group.Entries[registration.Name]; ok && entry.Priority != nil {
			priority = *entry.Priority
		}
		if err := reg.Register(registration.Name, registration.Builder, priority, registration.Enabled); err != nil {
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
