// Package api implements the v1 HTTP API (§6.1): sandbox lifecycle,
// capability invocation, cargo management and admin GC endpoints, plus the
// cross-cutting concerns of §4.9 — authentication, request-id propagation,
// path validation, capability gating and error shaping.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/bay/pkg/cargo"
	"github.com/cuemby/bay/pkg/capability"
	"github.com/cuemby/bay/pkg/gc"
	"github.com/cuemby/bay/pkg/idempotency"
	"github.com/cuemby/bay/pkg/log"
	"github.com/cuemby/bay/pkg/metrics"
	"github.com/cuemby/bay/pkg/profile"
	"github.com/cuemby/bay/pkg/sandbox"
	"github.com/cuemby/bay/pkg/storage"
)

// AuthConfig configures the authentication middleware (§4.9).
type AuthConfig struct {
	APIKey         string
	AllowAnonymous bool
	FixedOwner     string
	OwnerHeader    string
}

func (c AuthConfig) ownerHeader() string {
	if c.OwnerHeader == "" {
		return "X-Bay-Owner"
	}
	return c.OwnerHeader
}

func (c AuthConfig) fixedOwner() string {
	if c.FixedOwner == "" {
		return "default"
	}
	return c.FixedOwner
}

// Server wires every business-logic component behind the v1 HTTP surface.
type Server struct {
	sandboxMgr *sandbox.Manager
	cargoMgr   *cargo.Manager
	store      storage.Store
	router     *capability.Router
	idemSvc    *idempotency.Service
	gcSched    *gc.Scheduler
	profiles   *profile.Registry
	auth       AuthConfig

	mux        *http.ServeMux
	logger     zerolog.Logger
	httpServer *http.Server
}

// NewServer builds the v1 API handler tree.
func NewServer(sandboxMgr *sandbox.Manager, cargoMgr *cargo.Manager, store storage.Store, router *capability.Router, idemSvc *idempotency.Service, gcSched *gc.Scheduler, profiles *profile.Registry, auth AuthConfig) *Server {
	s := &Server{
		sandboxMgr: sandboxMgr,
		cargoMgr:   cargoMgr,
		store:      store,
		router:     router,
		idemSvc:    idemSvc,
		gcSched:    gcSched,
		profiles:   profiles,
		auth:       auth,
		mux:        http.NewServeMux(),
		logger:     log.WithComponent("api"),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.Handle("GET /metrics", metrics.Handler())

	s.mux.HandleFunc("POST /v1/sandboxes", s.handleCreateSandbox)
	s.mux.HandleFunc("GET /v1/sandboxes", s.handleListSandboxes)
	s.mux.HandleFunc("GET /v1/sandboxes/{id}", s.handleGetSandbox)
	s.mux.HandleFunc("DELETE /v1/sandboxes/{id}", s.handleDeleteSandbox)
	s.mux.HandleFunc("POST /v1/sandboxes/{id}/extend_ttl", s.handleExtendTTL)
	s.mux.HandleFunc("POST /v1/sandboxes/{id}/keepalive", s.handleKeepalive)
	s.mux.HandleFunc("POST /v1/sandboxes/{id}/stop", s.handleStopSandbox)

	s.mux.HandleFunc("POST /v1/sandboxes/{id}/python/exec", s.handlePythonExec)
	s.mux.HandleFunc("POST /v1/sandboxes/{id}/shell/exec", s.handleShellExec)
	s.mux.HandleFunc("POST /v1/sandboxes/{id}/browser/exec", s.handleBrowserExec)
	s.mux.HandleFunc("POST /v1/sandboxes/{id}/browser/exec_batch", s.handleBrowserExecBatch)
	s.mux.HandleFunc("GET /v1/sandboxes/{id}/filesystem/files", s.handleReadFile)
	s.mux.HandleFunc("PUT /v1/sandboxes/{id}/filesystem/files", s.handleWriteFile)
	s.mux.HandleFunc("DELETE /v1/sandboxes/{id}/filesystem/files", s.handleDeleteFile)
	s.mux.HandleFunc("GET /v1/sandboxes/{id}/filesystem/directories", s.handleListDirectory)
	s.mux.HandleFunc("POST /v1/sandboxes/{id}/filesystem/upload", s.handleUpload)
	s.mux.HandleFunc("GET /v1/sandboxes/{id}/filesystem/download", s.handleDownload)

	s.mux.HandleFunc("POST /v1/cargos", s.handleCreateCargo)
	s.mux.HandleFunc("GET /v1/cargos", s.handleListCargos)
	s.mux.HandleFunc("GET /v1/cargos/{id}", s.handleGetCargo)
	s.mux.HandleFunc("DELETE /v1/cargos/{id}", s.handleDeleteCargo)

	s.mux.HandleFunc("POST /v1/admin/gc/run", s.handleGCRun)
	s.mux.HandleFunc("GET /v1/admin/gc/status", s.handleGCStatus)
}

// Handler returns the fully wrapped HTTP handler: requestid -> auth ->
// logging -> routes, the same ordering the teacher's middleware chain uses.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = s.loggingMiddleware(h)
	h = s.authMiddleware(h)
	h = requestIDMiddleware(h)
	return h
}

// ListenAndServe starts the HTTP server on addr and blocks until it stops.
func (s *Server) ListenAndServe(addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.logger.Info().Str("addr", addr).Msg("API server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully drains in-flight requests, honoring ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}
