package strut

import (
	runtimepkg "github.com/strutframework/strut/internal/runtime"
	configpkg "github.com/strutframework/strut/internal/runtime/config"
	errspkg "github.com/strutframework/strut/internal/runtime/errors"
	idspkg "github.com/strutframework/strut/internal/runtime/ids"
	jsoncodec "github.com/strutframework/strut/internal/runtime/jsoncodec"
	loggingpkg "github.com/strutframework/strut/internal/runtime/logging"
	metadatapkg "github.com/strutframework/strut/internal/runtime/metadata"
	workerpkg "github.com/strutframework/strut/worker"
)

type (
	App        = runtimepkg.App
	AppContext = runtimepkg.AppContext
	AppService = runtimepkg.AppService

	AppConfig      = configpkg.AppConfig
	ConfigOptions  = configpkg.Options
	ConfigProvider = configpkg.Provider
	Duration       = configpkg.Duration

	HTTPService = runtimepkg.HTTPService

	Middleware             = runtimepkg.Middleware
	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration

	Initializer     = runtimepkg.Initializer
	BaseInitializer = runtimepkg.BaseInitializer

	HealthCheck     = runtimepkg.HealthCheck
	HealthStatus    = runtimepkg.HealthStatus
	HealthResult    = runtimepkg.HealthResult
	HealthReport    = runtimepkg.HealthReport
	AppContextWeak  = runtimepkg.AppContextWeak
	Pinger          = runtimepkg.Pinger
	PingHealthCheck = runtimepkg.PingHealthCheck

	LifecycleHandler     = runtimepkg.LifecycleHandler
	BaseLifecycleHandler = runtimepkg.BaseLifecycleHandler
	LifecyclePhase       = runtimepkg.LifecyclePhase

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	Metadata = metadatapkg.Metadata

	// Worker types live in the worker package; the common ones are
	// re-exported so simple apps can stick to a single import.
	Worker[T any] = workerpkg.Worker[T]
	WorkerConfig  = workerpkg.Config
	WorkerService = workerpkg.Service
	Job           = workerpkg.Job
	JobHooks      = workerpkg.JobHooks
	Enqueuer      = workerpkg.Enqueuer
	EnqueueOption = workerpkg.EnqueueOption

	ConfigError      = errspkg.ConfigError
	BuildError       = errspkg.BuildError
	BackendError     = errspkg.BackendError
	HandlerError     = errspkg.HandlerError
	TimeoutError     = errspkg.TimeoutError
	HealthCheckError = errspkg.HealthCheckError
)

const (
	HealthOk        = runtimepkg.HealthOk
	HealthUnhealthy = runtimepkg.HealthUnhealthy
	HealthTimeout   = runtimepkg.HealthTimeout
	HealthError     = runtimepkg.HealthError

	PhaseInitializing              = runtimepkg.PhaseInitializing
	PhaseHealthChecksRunning       = runtimepkg.PhaseHealthChecksRunning
	PhaseBeforeServiceHooksRunning = runtimepkg.PhaseBeforeServiceHooksRunning
	PhaseServicesRunning           = runtimepkg.PhaseServicesRunning
	PhaseServicesStopping          = runtimepkg.PhaseServicesStopping
	PhaseOnShutdownHooksRunning    = runtimepkg.PhaseOnShutdownHooksRunning
	PhaseTerminated                = runtimepkg.PhaseTerminated

	PrioritySensitiveRequestHeaders  = runtimepkg.PrioritySensitiveRequestHeaders
	PrioritySetRequestID             = runtimepkg.PrioritySetRequestID
	PriorityPropagateRequestID       = runtimepkg.PriorityPropagateRequestID
	PrioritySensitiveResponseHeaders = runtimepkg.PrioritySensitiveResponseHeaders

	RequestIDHeader = runtimepkg.RequestIDHeader
)

var (
	NewApp         = runtimepkg.NewApp
	NewHTTPService = runtimepkg.NewHTTPService

	LoadConfig    = configpkg.Load
	DefaultConfig = configpkg.Default

	DefaultMiddlewares                = runtimepkg.DefaultMiddlewares
	SetRequestIDMiddleware            = runtimepkg.SetRequestIDMiddleware
	PropagateRequestIDMiddleware      = runtimepkg.PropagateRequestIDMiddleware
	TracingMiddleware                 = runtimepkg.TracingMiddleware
	MetricsMiddleware                 = runtimepkg.MetricsMiddleware
	CatchPanicMiddleware              = runtimepkg.CatchPanicMiddleware
	SensitiveRequestHeadersMiddleware = runtimepkg.SensitiveRequestHeadersMiddleware

	RequestID            = runtimepkg.RequestID
	ContextWithRequestID = runtimepkg.ContextWithRequestID

	Unhealthy       = runtimepkg.Unhealthy
	RunHealthChecks = runtimepkg.RunHealthChecks

	NewWorkerService = workerpkg.NewService
	ToQueue          = workerpkg.ToQueue
	WithDelay        = workerpkg.WithDelay
	At               = workerpkg.At
	WithMetadata     = workerpkg.WithMetadata

	NewServiceLogger     = loggingpkg.NewServiceLogger
	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger

	NewMetadata = metadatapkg.New

	CreateULID = idspkg.CreateULID

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	ErrConfigRequired     = errspkg.ErrConfigRequired
	ErrWorkerRequired     = errspkg.ErrWorkerRequired
	ErrWorkerNameRequired = errspkg.ErrWorkerNameRequired
	ErrBackendRequired    = errspkg.ErrBackendRequired
	ErrQueueRequired      = errspkg.ErrQueueRequired
	ErrDuplicateName      = errspkg.ErrDuplicateName
)
