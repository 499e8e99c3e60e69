package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/oak-dev/ci-daemon/internal/activitystore"
	"github.com/oak-dev/ci-daemon/internal/config"
	"github.com/oak-dev/ci-daemon/internal/domain"
	"github.com/oak-dev/ci-daemon/internal/embedding"
	"github.com/oak-dev/ci-daemon/internal/retrieval"
)

// decodeJSONBody decodes an API request body into v.
func decodeJSONBody(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// fetchModelList asks an OpenAI-compatible /v1/models endpoint for its
// available embedding models. Only called after isLoopbackURL has
// already verified baseURL resolves to loopback.
func fetchModelList(ctx context.Context, baseURL, apiKey string) ([]string, error) {
	return embedding.ListModels(ctx, baseURL, apiKey)
}

// handleHealth implements spec.md §6: a liveness probe.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"uptime_seconds":  int(time.Since(s.deps.StartedAt).Seconds()),
		"project_root":    s.deps.ProjectRoot,
	})
}

// redactedConfig strips API keys before the config is exposed over HTTP.
func redactedConfig(cfg *config.Config) map[string]any {
	return map[string]any{
		"embedding": map[string]any{
			"provider":        cfg.Embedding.Provider,
			"base_url":        cfg.Embedding.BaseURL,
			"model":           cfg.Embedding.Model,
			"dimension":       cfg.Embedding.Dimension,
			"timeout_seconds": cfg.Embedding.TimeoutSeconds,
			"api_key_set":     cfg.Embedding.APIKey != "",
		},
		"summarization": map[string]any{
			"provider":        cfg.Summarization.Provider,
			"base_url":        cfg.Summarization.BaseURL,
			"model":           cfg.Summarization.Model,
			"timeout_seconds": cfg.Summarization.TimeoutSeconds,
			"api_key_set":     cfg.Summarization.APIKey != "",
		},
		"vector_store": cfg.VectorStore,
		"processor":    cfg.Processor,
		"indexer":      cfg.Indexer,
		"hooks":        cfg.Hooks,
		"logging":      cfg.Logging,
	}
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, redactedConfig(s.deps.Cfg))
}

// handlePutConfig merges a partial update into the live config and
// persists it to the project config file (spec.md §6 "PUT /api/config").
func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	var patch struct {
		Embedding     *config.EmbeddingConfig     `json:"embedding"`
		Summarization *config.SummarizationConfig `json:"summarization"`
	}
	if err := decodeJSONBody(r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		return
	}
	if patch.Embedding != nil {
		if patch.Embedding.APIKey == "" {
			patch.Embedding.APIKey = s.deps.Cfg.Embedding.APIKey
		}
		s.deps.Cfg.Embedding = *patch.Embedding
	}
	if patch.Summarization != nil {
		if patch.Summarization.APIKey == "" {
			patch.Summarization.APIKey = s.deps.Cfg.Summarization.APIKey
		}
		s.deps.Cfg.Summarization = *patch.Summarization
	}
	path := config.ConfigFilePath(s.deps.ProjectRoot)
	if err := config.Save(s.deps.Cfg, path); err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, redactedConfig(s.deps.Cfg))
}

// handleTestConfig pings the configured embedding and summarization
// providers and reports reachability without mutating state.
func (s *Server) handleTestConfig(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	result := map[string]any{"embedding_available": false, "summarization_available": false}
	if s.deps.Embedder != nil {
		result["embedding_available"] = s.deps.Embedder.CheckAvailability(ctx) == nil
	}
	if s.deps.LLMClient != nil {
		result["summarization_available"] = s.deps.LLMClient.IsAvailable()
	}
	writeJSON(w, http.StatusOK, result)
}

// handleRestart acknowledges a restart request; the daemon process
// itself is restarted by its CLI-managed supervisor, not in-process.
func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "restart_requested"})
}

// handleProviderModels implements spec.md §6: "list embedding-capable
// models from a localhost-only provider (enforced anti-SSRF)". base_url
// must resolve to loopback, otherwise the request is rejected before any
// outbound call is made.
func (s *Server) handleProviderModels(w http.ResponseWriter, r *http.Request) {
	baseURL := r.URL.Query().Get("base_url")
	if baseURL == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "base_url is required")
		return
	}
	if !isLoopbackURL(baseURL) {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "base_url must be a localhost provider")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	models, err := fetchModelList(ctx, baseURL, r.URL.Query().Get("api_key"))
	if err != nil {
		writeError(w, http.StatusBadGateway, ErrCodeProviderError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": models})
}

func isLoopbackURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	host := u.Hostname()
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	sessions, err := s.deps.Store.ListSessions(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	session, err := s.deps.Store.GetSession(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleSessionActivities(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	activities, err := s.deps.Store.SessionActivities(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"activities": activities})
}

func (s *Server) handleBatchActivities(w http.ResponseWriter, r *http.Request) {
	id := queryInt64Param(r, "batchID")
	activities, err := s.deps.Store.BatchActivities(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"activities": activities})
}

// handlePromoteBatch forces extraction on an agent_notification batch
// (spec.md §6 "POST /api/activity/prompt-batches/{id}/promote").
func (s *Server) handlePromoteBatch(w http.ResponseWriter, r *http.Request) {
	id := queryInt64Param(r, "batchID")
	batch, err := s.deps.Store.GetBatch(r.Context(), id)
	if err == activitystore.ErrNotFound {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "batch not found")
		return
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	if s.deps.Proc == nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, "processor unavailable")
		return
	}
	if err := s.deps.Proc.ProcessBatchNow(r.Context(), batch); err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "promoted", "batch_id": id})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("query")
	if query == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "query is required")
		return
	}
	limit := queryInt(r, "limit", 10)
	result, err := s.deps.Retrieval.Search(r.Context(), query, retrieval.SearchAll, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	active, err := s.deps.Store.CountActiveObservations(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	pending, err := s.deps.Store.PendingBatches(r.Context(), 1000)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"active_observations": active,
		"pending_batches":     len(pending),
	})
}

// handleReprocessMemories implements spec.md §6: "{ batch_ids?,
// recover_stuck, process_immediately }".
func (s *Server) handleReprocessMemories(w http.ResponseWriter, r *http.Request) {
	var body struct {
		BatchIDs           []int64 `json:"batch_ids"`
		RecoverStuck       bool    `json:"recover_stuck"`
		ProcessImmediately bool    `json:"process_immediately"`
	}
	if err := decodeJSONBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		return
	}
	if s.deps.Proc == nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, "processor unavailable")
		return
	}

	if body.RecoverStuck {
		s.deps.Proc.RunRecovery(r.Context())
	}

	requeued := 0
	if len(body.BatchIDs) > 0 {
		if err := s.deps.Store.ReprocessBatches(r.Context(), body.BatchIDs); err != nil {
			writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
			return
		}
		requeued = len(body.BatchIDs)
	}

	processedNow := 0
	if body.ProcessImmediately {
		for _, id := range body.BatchIDs {
			batch, err := s.deps.Store.GetBatch(r.Context(), id)
			if err != nil {
				s.log.Warn().Err(err).Int64("batch_id", id).Msg("reprocess: get batch failed")
				continue
			}
			if err := s.deps.Proc.ProcessBatchNow(r.Context(), batch); err != nil {
				s.log.Warn().Err(err).Int64("batch_id", id).Msg("reprocess: process batch now failed")
				continue
			}
			processedNow++
		}
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":        "scheduled",
		"requested":     len(body.BatchIDs),
		"requeued":      requeued,
		"processed_now": processedNow,
		"recover_stuck": body.RecoverStuck,
	})
}

func (s *Server) handleListPlans(w http.ResponseWriter, r *http.Request) {
	pending, err := s.deps.Store.PendingBatches(r.Context(), 1000)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	plans := make([]*domain.PromptBatch, 0)
	for _, b := range pending {
		if b.SourceType == domain.SourcePlan || b.SourceType == domain.SourceDerivedPlan {
			plans = append(plans, b)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"plans": plans})
}

// handleRefreshPlan re-reads a plan batch's tracked file from disk and
// updates its stored content (spec.md §6 "POST
// /api/activity/plans/{batch_id}/refresh").
func (s *Server) handleRefreshPlan(w http.ResponseWriter, r *http.Request) {
	id := queryInt64Param(r, "batchID")
	batch, err := s.deps.Store.GetBatch(r.Context(), id)
	if err == activitystore.ErrNotFound {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "plan batch not found")
		return
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	if batch.PlanFilePath == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "batch has no tracked plan file")
		return
	}
	content, ok := readDiskFile(s.deps.ProjectRoot, batch.PlanFilePath)
	if !ok {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "plan file not found on disk")
		return
	}
	if err := s.deps.Store.TagBatchAsPlan(r.Context(), id, batch.PlanFilePath, content); err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "refreshed", "batch_id": id})
}

func (s *Server) handleTunnelStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tunnel == nil {
		writeJSON(w, http.StatusOK, map[string]any{"running": false})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Tunnel.Status())
}

func (s *Server) handleTunnelStart(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tunnel == nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "no tunnel configured")
		return
	}
	publicURL, err := s.deps.Tunnel.Start(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	s.AddTunnelOrigin(publicURL)
	writeJSON(w, http.StatusOK, map[string]any{"public_url": publicURL})
}

func (s *Server) handleTunnelStop(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tunnel == nil {
		writeJSON(w, http.StatusOK, map[string]any{"running": false})
		return
	}
	publicURL := s.deps.Tunnel.Status().PublicURL
	if err := s.deps.Tunnel.Stop(); err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	if publicURL != "" {
		s.RemoveTunnelOrigin(publicURL)
	}
	writeJSON(w, http.StatusOK, map[string]any{"running": false})
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func queryInt64Param(r *http.Request, key string) int64 {
	v := chi.URLParam(r, key)
	n, _ := strconv.ParseInt(v, 10, 64)
	return n
}
