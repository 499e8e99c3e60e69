package server

import "github.com/go-chi/chi/v5"

// setupRoutes mounts the hook-ingest surface (spec.md §4.2) and the
// control/retrieval API (spec.md §6) onto the chi router built in New.
func (s *Server) setupRoutes() {
	s.router.Route("/hooks/ci", func(r chi.Router) {
		r.Post("/prompt-submit", s.handlePromptSubmit)
		r.Post("/pre-tool-use", s.handlePreToolUse)
		r.Post("/post-tool-use", s.handlePostToolUse)
		r.Post("/post-tool-use-failure", s.handlePostToolUseFailure)
		r.Post("/session-start", s.handleSessionStart)
		r.Post("/session-end", s.handleSessionEnd)
		r.Post("/before-prompt", s.handleBeforePrompt)
	})

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Get("/config", s.handleGetConfig)
		r.Put("/config", s.handlePutConfig)
		r.Post("/config/test", s.handleTestConfig)
		r.Post("/config/restart", s.handleRestart)

		r.Get("/providers/models", s.handleProviderModels)

		r.Get("/activity/sessions", s.handleListSessions)
		r.Get("/activity/sessions/{sessionID}", s.handleGetSession)
		r.Get("/activity/sessions/{sessionID}/activities", s.handleSessionActivities)
		r.Get("/activity/prompt-batches/{batchID}/activities", s.handleBatchActivities)
		r.Post("/activity/prompt-batches/{batchID}/promote", s.handlePromoteBatch)

		r.Get("/activity/search", s.handleSearch)
		r.Get("/activity/stats", s.handleStats)
		r.Post("/activity/reprocess-memories", s.handleReprocessMemories)

		r.Get("/activity/plans", s.handleListPlans)
		r.Post("/activity/plans/{batchID}/refresh", s.handleRefreshPlan)

		r.Get("/tunnel/status", s.handleTunnelStatus)
		r.Post("/tunnel/start", s.handleTunnelStart)
		r.Post("/tunnel/stop", s.handleTunnelStop)
	})
}
