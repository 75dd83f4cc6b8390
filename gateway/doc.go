// Package gateway serves the ops HTTP surface of an echomux server.
//
// Three endpoints, all read-only:
//
//	GET /healthz   liveness plus the active session count, as JSON
//	GET /metrics   Prometheus metrics
//	GET /sessions  websocket stream of session lifecycle events
//
// The gateway observes the pool through thread-safe accessors and the event
// hub; it never runs work on the server's executor.
package gateway
