package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oak-dev/ci-daemon/internal/domain"
	"github.com/oak-dev/ci-daemon/internal/governance"
	"github.com/oak-dev/ci-daemon/internal/hookdedup"
	"github.com/oak-dev/ci-daemon/internal/manifest"
	"github.com/oak-dev/ci-daemon/internal/plandetector"
	"github.com/oak-dev/ci-daemon/internal/retrieval"
	"github.com/oak-dev/ci-daemon/internal/transcript"
)

// hookResponse is the shared response envelope for every /hooks/ci/
// route (spec.md §6 "Hook response body").
type hookResponse struct {
	Status               string         `json:"status"`
	Context              map[string]any `json:"context,omitempty"`
	InjectedContext      string         `json:"injected_context,omitempty"`
	PromptBatchID        *int64         `json:"prompt_batch_id,omitempty"`
	ObservationsCaptured *int           `json:"observations_captured,omitempty"`
	HookOutput           map[string]any `json:"hook_output,omitempty"`
}

func okEmpty() hookResponse {
	return hookResponse{Status: "ok", Context: map[string]any{}}
}

// buildHookOutput shapes payload under the agent manifest's declared
// hook_output_key (spec.md §4.2.1 step 7: "hook_output is shaped per
// the agent's manifest so the agent can echo the context into its
// prompt").
func buildHookOutput(m *manifest.Manifest, payload map[string]any) map[string]any {
	key := "hookOutput"
	if m.CI != nil && m.CI.HookOutputKey != "" {
		key = m.CI.HookOutputKey
	}
	return map[string]any{key: payload}
}

func decodeHookBody(r *http.Request) (rawHookBody, error) {
	var b rawHookBody
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
		return rawHookBody{}, fmt.Errorf("decode hook body: %w", err)
	}
	return b, nil
}

// writeHookResponse always returns HTTP 200: hook routes are fail-soft
// by contract (spec.md §7 "Hooks must be fail-soft").
func writeHookResponse(w http.ResponseWriter, resp hookResponse) {
	if resp.Status == "" {
		resp.Status = "ok"
	}
	writeJSON(w, http.StatusOK, resp)
}

// handlePromptSubmit implements spec.md §4.2.1.
func (s *Server) handlePromptSubmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	raw, err := decodeHookBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		return
	}
	req := newPromptSubmitRequest(raw)
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "session_id is required")
		return
	}

	dedupKey := hookdedup.Key("prompt-submit", req.SessionID, req.GenerationID+"|"+req.Prompt)
	if s.deps.Dedup.SeenOrMark(dedupKey) {
		writeHookResponse(w, okEmpty())
		return
	}

	m := s.deps.Manifests.Get(req.Agent)

	_, _, err = s.deps.Store.EnsureSession(ctx, req.SessionID, req.Agent, s.deps.ProjectRoot, req.TranscriptPath)
	if err != nil {
		s.log.Warn().Err(err).Str("session_id", req.SessionID).Msg("ensure session failed")
		writeHookResponse(w, okEmpty())
		return
	}

	if active, err := s.deps.Store.ActiveBatch(ctx, req.SessionID); err == nil {
		s.closeActiveBatch(ctx, active, req.TranscriptPath)
	}

	sourceType := classifySourceType(req.Prompt, m)

	if sourceType == domain.SourcePlan {
		s.resolvePlanForPrompt(ctx, req)
	}

	batch, err := s.deps.Store.CreateBatch(ctx, req.SessionID, req.Prompt, sourceType)
	if err != nil {
		s.log.Warn().Err(err).Str("session_id", req.SessionID).Msg("create batch failed")
		writeHookResponse(w, okEmpty())
		return
	}

	session, _ := s.deps.Store.GetSession(ctx, req.SessionID)
	query := req.Prompt
	if session != nil && session.Title != "" {
		query = session.Title + "\n" + req.Prompt
	}

	injected := ""
	if s.deps.Retrieval != nil {
		result, err := s.deps.Retrieval.Search(ctx, query, retrieval.SearchAll, 10)
		if err != nil {
			s.log.Warn().Err(err).Msg("prompt-submit retrieval failed")
		} else {
			injected = retrieval.RenderPromptSubmitContext(result.Code, result.Memory)
		}
	}

	resp := hookResponse{
		Status:        "ok",
		PromptBatchID: &batch.ID,
	}
	payload := map[string]any{"prompt_batch_id": batch.ID}
	if injected != "" {
		resp.Context = map[string]any{"injected_context": injected}
		resp.InjectedContext = injected
		payload["injected_context"] = injected
	}
	resp.HookOutput = buildHookOutput(m, payload)
	writeHookResponse(w, resp)
}

// closeActiveBatch completes an active batch and, if its summary is
// missing, tries to resolve one from the transcript before scheduling
// immediate background extraction (spec.md §4.2.1 step 2).
func (s *Server) closeActiveBatch(ctx context.Context, batch *domain.PromptBatch, transcriptPath string) {
	summary := batch.ResponseSummary
	if summary == "" && transcriptPath != "" {
		if resp, err := transcript.LastAssistantResponse(transcriptPath); err == nil {
			summary = domain.Truncate(resp, domain.MaxResponseSummaryLen)
		}
	}
	if err := s.deps.Store.CloseBatch(ctx, batch.ID, summary); err != nil {
		s.log.Warn().Err(err).Int64("batch_id", batch.ID).Msg("close batch failed")
		return
	}
	if s.deps.Proc != nil {
		go func() {
			bgCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
			defer cancel()
			closed := *batch
			closed.ResponseSummary = summary
			closed.Status = domain.BatchCompleted
			if err := s.deps.Proc.ProcessBatchNow(bgCtx, &closed); err != nil {
				s.log.Warn().Err(err).Int64("batch_id", batch.ID).Msg("background extraction failed")
			}
		}()
	}
}

// resolvePlanForPrompt implements the four-strategy plan content
// resolver for a plan-classified prompt (spec.md §4.2.1 step 4). The
// resolved content, if any, is attached to the prior plan batch so it
// becomes available once the new batch links back to it; resolution
// failures are silent since plan content is best-effort enrichment.
func (s *Server) resolvePlanForPrompt(ctx context.Context, req promptSubmitRequest) {
	if s.deps.PlanDet == nil {
		return
	}
	last, err := s.deps.Store.LastBatch(ctx, req.SessionID)
	known := ""
	existingLen := 0
	if err == nil && last != nil {
		known = last.PlanFilePath
		existingLen = len(last.PlanContent)
	}

	resolution, ok := s.deps.PlanDet.ResolvePlanContent(plandetector.ResolveOptions{
		KnownPlanFilePath:     known,
		TranscriptPath:        req.TranscriptPath,
		Agent:                 req.Agent,
		MinContentLength:      1,
		ExistingContentLength: existingLen,
	})
	if !ok || last == nil {
		return
	}
	if err := s.deps.Store.TagBatchAsPlan(ctx, last.ID, resolution.FilePath, resolution.Content); err != nil {
		s.log.Warn().Err(err).Msg("tag plan batch failed")
	}
}

// handlePreToolUse implements spec.md §4.2.2.
func (s *Server) handlePreToolUse(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	raw, err := decodeHookBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		return
	}
	req := newPreToolUseRequest(raw)
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "session_id is required")
		return
	}

	dedupKey := hookdedup.Key("pre-tool-use", req.SessionID, dedupePartsForTool(req.ToolUseID, req.ToolInputJSON))
	if s.deps.Dedup.SeenOrMark(dedupKey) {
		writeHookResponse(w, okEmpty())
		return
	}

	m := s.deps.Manifests.Get(req.Agent)
	started := time.Now()
	decision := s.evaluateGovernance(ctx, req.SessionID, req.ToolName, req.RepresentativeInput)
	elapsedMS := time.Since(started).Milliseconds()

	payload := map[string]any{"duration_ms": elapsedMS}
	if decision.Action == governance.ActionDeny {
		payload["blocked"] = true
		if decision.MatchedRule != nil {
			payload["reason"] = decision.MatchedRule.ToolPattern
		}
	}

	writeHookResponse(w, hookResponse{Status: "ok", HookOutput: buildHookOutput(m, payload)})
}

func dedupePartsForTool(toolUseID, canonicalJSON string) string {
	if toolUseID != "" {
		return toolUseID
	}
	return canonicalJSON
}

// handlePostToolUse implements spec.md §4.2.3.
func (s *Server) handlePostToolUse(w http.ResponseWriter, r *http.Request) {
	s.postToolUse(w, r, false)
}

// handlePostToolUseFailure implements spec.md §4.2.4.
func (s *Server) handlePostToolUseFailure(w http.ResponseWriter, r *http.Request) {
	s.postToolUse(w, r, true)
}

func (s *Server) postToolUse(w http.ResponseWriter, r *http.Request, forcedFailure bool) {
	ctx := r.Context()
	raw, err := decodeHookBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		return
	}
	req := newPostToolUseRequest(raw, forcedFailure)
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "session_id is required")
		return
	}

	dedupEvent := "post-tool-use"
	if forcedFailure {
		dedupEvent = "post-tool-use-failure"
	}
	dedupKey := hookdedup.Key(dedupEvent, req.SessionID, dedupePartsForTool(req.ToolUseID, req.ToolInputJSON))
	if s.deps.Dedup.SeenOrMark(dedupKey) {
		zero := 0
		writeHookResponse(w, hookResponse{Status: "ok", ObservationsCaptured: &zero})
		return
	}

	m := s.deps.Manifests.Get(req.Agent)

	success := !forcedFailure
	errMsg := ""
	if !forcedFailure {
		failed, msg := detectFailure(req.ToolOutput)
		success = !failed
		errMsg = msg
	} else {
		errMsg = domain.Truncate(req.ToolOutput, domain.MaxErrorMessageLen)
	}

	batchID := s.selectBatchID(ctx, req.SessionID)

	activity := &domain.Activity{
		SessionID:         req.SessionID,
		ToolName:          req.ToolName,
		ToolInputJSON:     sanitizeToolInput(req.ToolInputJSON),
		ToolOutputSummary: domain.Truncate(req.ToolOutput, domain.MaxToolOutputLen),
		FilePath:          req.FilePath,
		Success:           success,
		ErrorMessage:      domain.Truncate(errMsg, domain.MaxErrorMessageLen),
		Timestamp:         time.Now().UTC(),
		SourceMachineID:   s.deps.MachineID,
	}
	if batchID != 0 {
		activity.PromptBatchID = &batchID
	}
	if s.deps.Buffer != nil {
		if err := s.deps.Buffer.Add(ctx, activity); err != nil {
			s.log.Warn().Err(err).Msg("buffer activity failed")
		}
	} else if err := s.deps.Store.InsertActivity(ctx, activity); err != nil {
		s.log.Warn().Err(err).Msg("insert activity failed")
	}

	if !forcedFailure {
		s.detectPlan(ctx, req, batchID)
	}

	injected := ""
	if !forcedFailure && s.deps.Retrieval != nil && isFileTool(req.ToolName) {
		query := strings.TrimSpace(req.FilePath + " " + excerpt(req.ToolOutput, 400))
		result, err := s.deps.Retrieval.Search(ctx, query, retrieval.SearchMemory, 10)
		if err == nil {
			injected = retrieval.RenderPostToolUseContext(result.Memory)
		}
	}

	captured := 0
	resp := hookResponse{Status: "ok", ObservationsCaptured: &captured}
	payload := map[string]any{}
	if injected != "" {
		resp.Context = map[string]any{"injected_context": injected}
		resp.InjectedContext = injected
		payload["injected_context"] = injected
	}
	resp.HookOutput = buildHookOutput(m, payload)
	writeHookResponse(w, resp)
}

func isFileTool(toolName string) bool {
	switch toolName {
	case "Read", "Edit", "Write":
		return true
	default:
		return false
	}
}

func excerpt(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// selectBatchID implements spec.md §4.2.3 step 4: use the active batch,
// reactivate the last one if it ended within the reactivation window,
// or synthesize a continuation batch.
func (s *Server) selectBatchID(ctx context.Context, sessionID string) int64 {
	if active, err := s.deps.Store.ActiveBatch(ctx, sessionID); err == nil {
		return active.ID
	}

	window := time.Duration(s.deps.Cfg.Hooks.ReactivationWindowSeconds) * time.Second
	if window <= 0 {
		window = domain.ReactivationWindowSeconds * time.Second
	}

	if last, err := s.deps.Store.LastBatch(ctx, sessionID); err == nil && last.EndedAt != nil {
		if time.Since(*last.EndedAt) <= window {
			if err := s.deps.Store.ReactivateBatch(ctx, last.ID); err == nil {
				return last.ID
			}
		}
	}

	batch, err := s.deps.Store.CreateBatch(ctx, sessionID, "[session continuation]", domain.SourceSystem)
	if err != nil {
		return 0
	}
	return batch.ID
}

// detectPlan implements the three plan-detection triggers of spec.md
// §4.2.3 step 6, consolidated per file.
func (s *Server) detectPlan(ctx context.Context, req postToolUseRequest, batchID int64) {
	if s.deps.PlanDet == nil || batchID == 0 {
		return
	}

	m := s.deps.Manifests.Get(req.Agent)
	if m.CI != nil && m.CI.ExitPlanModeTool != "" && req.ToolName == m.CI.ExitPlanModeTool {
		if batch, err := s.deps.Store.LastBatch(ctx, req.SessionID); err == nil && batch.PlanFilePath != "" {
			if content, ok := readDiskFile(s.deps.ProjectRoot, batch.PlanFilePath); ok {
				s.deps.Store.TagBatchAsPlan(ctx, batch.ID, batch.PlanFilePath, content)
			}
		}
		return
	}

	if req.FilePath == "" || !s.deps.PlanDet.IsPlanFile(req.FilePath) {
		return
	}
	switch req.ToolName {
	case "Write", "Read", "Edit":
	default:
		return
	}

	content, ok := readDiskFile(s.deps.ProjectRoot, req.FilePath)
	if !ok {
		return
	}

	if existing, err := s.deps.Store.FindPlanBatchByPath(ctx, req.SessionID, req.FilePath); err == nil && existing != nil {
		s.deps.Store.TagBatchAsPlan(ctx, existing.ID, req.FilePath, content)
		return
	}
	s.deps.Store.TagBatchAsPlan(ctx, batchID, req.FilePath, content)
}

// handleSessionStart implements spec.md §4.2.5.
func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	raw, err := decodeHookBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		return
	}
	req := newSessionLifecycleRequest(raw)
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "session_id is required")
		return
	}
	if _, _, err := s.deps.Store.EnsureSession(ctx, req.SessionID, req.Agent, s.deps.ProjectRoot, req.TranscriptPath); err != nil {
		s.log.Warn().Err(err).Msg("session-start ensure session failed")
	}
	writeHookResponse(w, okEmpty())
}

// handleSessionEnd implements spec.md §4.2.5.
func (s *Server) handleSessionEnd(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	raw, err := decodeHookBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		return
	}
	req := newSessionLifecycleRequest(raw)
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "session_id is required")
		return
	}

	if active, err := s.deps.Store.ActiveBatch(ctx, req.SessionID); err == nil {
		s.closeActiveBatch(ctx, active, req.TranscriptPath)
	}
	if err := s.deps.Store.CloseSession(ctx, req.SessionID); err != nil {
		s.log.Warn().Err(err).Msg("close session failed")
	}

	if session, err := s.deps.Store.GetSession(ctx, req.SessionID); err == nil && s.deps.Proc != nil {
		go func() {
			bgCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := s.deps.Proc.SummarizeSession(bgCtx, session.ID, session.ToolCount); err != nil {
				s.log.Warn().Err(err).Msg("background session summarization failed")
			}
		}()
	}
	writeHookResponse(w, okEmpty())
}

// handleBeforePrompt implements the lightweight read-only search some
// agents use for notify-context (spec.md §4.2.5).
func (s *Server) handleBeforePrompt(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	raw, err := decodeHookBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		return
	}
	req := newSessionLifecycleRequest(raw)

	injected := ""
	if s.deps.Retrieval != nil && req.Prompt != "" {
		result, err := s.deps.Retrieval.Search(ctx, req.Prompt, retrieval.SearchMemory, 10)
		if err == nil {
			injected = retrieval.RenderNotifyContext(result.Memory)
		}
	}

	resp := okEmpty()
	if injected != "" {
		resp.Context = map[string]any{"injected_context": injected}
		resp.InjectedContext = injected
	}
	writeHookResponse(w, resp)
}

// readDiskFile reads a plan file's current contents from disk, resolving
// relPath against projectRoot when it is not already absolute.
func readDiskFile(projectRoot, relPath string) (string, bool) {
	if relPath == "" {
		return "", false
	}
	path := relPath
	if !filepath.IsAbs(path) {
		path = filepath.Join(projectRoot, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	return string(data), true
}
