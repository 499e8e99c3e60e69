// Package server exposes the daemon's HTTP surface: hook-ingest routes
// under /hooks/ci/ (spec.md §4.2) and the control/retrieval API under
// /api/ (spec.md §6). It is grounded on the teacher's internal/server,
// reusing its chi + go-chi/cors middleware stack and JSON response
// helpers (response.go), with every route and handler replaced to serve
// the codebase-intelligence daemon's own operations instead of
// opencode's TUI/session API.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/oak-dev/ci-daemon/internal/activitystore"
	"github.com/oak-dev/ci-daemon/internal/config"
	"github.com/oak-dev/ci-daemon/internal/embedding"
	"github.com/oak-dev/ci-daemon/internal/governance"
	"github.com/oak-dev/ci-daemon/internal/hookdedup"
	"github.com/oak-dev/ci-daemon/internal/indexer"
	"github.com/oak-dev/ci-daemon/internal/llm"
	"github.com/oak-dev/ci-daemon/internal/manifest"
	"github.com/oak-dev/ci-daemon/internal/plandetector"
	"github.com/oak-dev/ci-daemon/internal/processor"
	"github.com/oak-dev/ci-daemon/internal/retrieval"
	"github.com/oak-dev/ci-daemon/internal/tunnel"
	"github.com/oak-dev/ci-daemon/internal/vectorstore"
)

// Deps bundles every subsystem a Server dispatches into. Tunnel is nil
// when the project has no tunnel configured; the hook handlers also
// tolerate a nil Buffer, Proc, Retrieval or PlanDet.
type Deps struct {
	Cfg         *config.Config
	ProjectRoot string
	MachineID   string

	Store      *activitystore.Store
	Buffer     *activitystore.ActivityBuffer
	Proc       *processor.Processor
	Retrieval  *retrieval.Engine
	Indexer    *indexer.Indexer
	Manifests  *manifest.Registry
	PlanDet    *plandetector.Detector
	LLMClient  llm.Client
	Embedder   embedding.Provider
	CodeStore  vectorstore.Store
	MemStore   vectorstore.Store
	Dedup      *hookdedup.Cache
	Tunnel     *tunnel.Provider
	StartedAt  time.Time
}

// Server is the daemon's HTTP server.
type Server struct {
	deps   Deps
	router *chi.Mux
	httpSrv *http.Server
	log    zerolog.Logger

	mu            sync.RWMutex
	dynamicOrigins map[string]bool
}

// New wires a Server from deps, already-bound port and static localhost
// origins.
func New(deps Deps, port int, log zerolog.Logger) *Server {
	s := &Server{
		deps:           deps,
		router:         chi.NewRouter(),
		log:            log,
		dynamicOrigins: make(map[string]bool),
	}
	s.setupMiddleware(port)
	s.setupRoutes()
	return s
}

// setupMiddleware mirrors the teacher's middleware stack (request id,
// structured request logging, panic recovery, real ip, CORS) but with a
// dynamic origin allow-list instead of a wildcard, since the daemon only
// ever serves the local project plus its own tunnel (spec.md §4.1
// "CORS").
func (s *Server) setupMiddleware(port int) {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RealIP)

	s.AddStaticOrigin(fmt.Sprintf("http://localhost:%d", port))
	s.AddStaticOrigin(fmt.Sprintf("http://127.0.0.1:%d", port))

	s.router.Use(cors.Handler(cors.Options{
		AllowOriginFunc: func(r *http.Request, origin string) bool {
			s.mu.RLock()
			defer s.mu.RUnlock()
			return s.dynamicOrigins[origin]
		},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
}

// AddStaticOrigin registers an always-allowed origin (the two localhost
// forms of the bound port).
func (s *Server) AddStaticOrigin(origin string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dynamicOrigins[origin] = true
}

// AddTunnelOrigin registers the tunnel provider's public URL on start.
func (s *Server) AddTunnelOrigin(origin string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dynamicOrigins[origin] = true
}

// RemoveTunnelOrigin removes a tunnel URL on stop (spec.md §4.1
// "Graceful shutdown": "stop tunnel provider (removing its URL from the
// dynamic CORS list)").
func (s *Server) RemoveTunnelOrigin(origin string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.dynamicOrigins, origin)
}

// Start binds and serves on addr; blocks until Shutdown or a fatal
// listener error.
func (s *Server) Start(addr string) error {
	s.httpSrv = &http.Server{
		Addr:        addr,
		Handler:     s.router,
		ReadTimeout: 30 * time.Second,
	}
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the HTTP listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// Router exposes the chi router for tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// evaluateGovernance applies the governance policy for the pre-tool-use
// hook and writes an audit row when a call is denied (spec.md §4.2.2).
func (s *Server) evaluateGovernance(ctx context.Context, sessionID, toolName, input string) governance.Decision {
	decision := governance.Evaluate(s.deps.Cfg.Governance, toolName, input)
	if decision.Action == governance.ActionDeny {
		row := governance.AuditRow{
			SessionID: sessionID,
			ToolName:  toolName,
			Input:     input,
			DeniedAt:  time.Now(),
		}
		if decision.MatchedRule != nil {
			row.Rule = *decision.MatchedRule
		}
		if err := s.deps.Store.InsertGovernanceAudit(ctx, sessionID, row); err != nil {
			s.log.Warn().Err(err).Msg("write governance audit row failed")
		}
	}
	return decision
}
