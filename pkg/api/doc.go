// Package api implements the v1 HTTP API (§6.1): sandbox lifecycle,
// capability invocation, cargo management and admin GC endpoints, plus the
// cross-cutting concerns of §4.9 — authentication, request-id propagation,
// path validation, capability gating and error shaping.
//
// Generalized from the health-check server's http.ServeMux + encoding/json
// pattern: every handler is a plain func(http.ResponseWriter, *http.Request)
// registered on a *http.ServeMux using Go 1.22+ method-and-path patterns,
// wrapped by a small middleware chain built as func(http.Handler) http.Handler
// closures.
package api
