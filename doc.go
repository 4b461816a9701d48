// Package strut is a batteries-included application framework that wires
// configuration, structured logging, health checks, lifecycle hooks, an HTTP
// service built on chi, and a pluggable background worker service into a
// single App. It loads layered configuration (files, environment-specific
// overlays, STRUT__ environment variables, programmatic overrides, and async
// providers), bootstraps shared clients (PostgreSQL via pgx, Redis), and runs
// registered services until a signal or fatal error triggers a graceful,
// ordered shutdown.
//
// An App hosts any number of AppServices. The built-in HTTPService exposes
// health and Prometheus metrics routes plus user routes, threaded through a
// priority-ordered middleware chain (request IDs, tracing, metrics, panic
// recovery, sensitive-header masking) and four initializer stages that let
// callers reshape the handler between router construction and serving.
//
// # Workers
//
// The worker package provides typed background jobs: implement Worker[T],
// register it, and enqueue args from anywhere. Three backends ship out of the
// box:
//   - channel: in-memory queues for development and tests
//   - redis: sorted-set queues with Lua-scripted atomic claims
//   - postgres: a SKIP LOCKED job table sharing the app's pgx pool
//
// Jobs carry per-worker retry, timeout, and completion policies, and a cron
// scheduler turns registered workers into periodic jobs with distributed
// locking so only one instance enqueues each tick.
//
// # Lifecycle
//
// Startup runs health checks (optionally blocking), then before-service
// hooks, then all enabled services concurrently. Shutdown reverses the
// lifecycle handlers and closes shared clients. The cli package wraps all of
// this in a cobra command tree with config inspection, health probes, and
// database migrations.
//
// A minimal setup fills AppConfig (or lets Load read it), creates an App,
// registers services and workers, and calls Run; see README.md for a
// copy/paste quick start snippet.
package strut
