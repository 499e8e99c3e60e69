package server

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/oak-dev/ci-daemon/internal/domain"
)

// rawHookBody is the open object accepted at the HTTP boundary (spec.md
// §9 "Dynamic JSON bodies": "Accept an open object at the HTTP
// boundary, then promote into a sum-typed request variant per hook
// event before dispatch"). tool_input may arrive as a JSON object or as
// a string that itself needs parsing as JSON; tool_output may arrive
// raw or base64-encoded.
type rawHookBody struct {
	SessionID      string          `json:"session_id"`
	ConversationID string          `json:"conversation_id"`
	Agent          string          `json:"agent"`
	Prompt         string          `json:"prompt"`
	ToolName       string          `json:"tool_name"`
	ToolInput      json.RawMessage `json:"tool_input"`
	ToolOutput     json.RawMessage `json:"tool_output"`
	ToolOutputB64  string          `json:"tool_output_b64"`
	ToolUseID      string          `json:"tool_use_id"`
	HookOrigin     string          `json:"hook_origin"`
	GenerationID   string          `json:"generation_id"`
	TranscriptPath string          `json:"transcript_path"`
	HookEventName  string          `json:"hook_event_name"`
}

func (b rawHookBody) sessionID() string {
	if b.SessionID != "" {
		return b.SessionID
	}
	return b.ConversationID
}

func (b rawHookBody) agent() domain.Agent {
	return domain.ParseAgent(b.Agent)
}

// canonicalToolInput normalizes tool_input into a canonical JSON string,
// whether it arrived as a JSON object or as a pre-serialized JSON
// string.
func (b rawHookBody) canonicalToolInput() string {
	if len(b.ToolInput) == 0 {
		return "{}"
	}
	trimmed := strings.TrimSpace(string(b.ToolInput))
	if len(trimmed) >= 2 && trimmed[0] == '"' {
		var inner string
		if err := json.Unmarshal(b.ToolInput, &inner); err == nil {
			inner = strings.TrimSpace(inner)
			if inner == "" {
				return "{}"
			}
			var v any
			if json.Unmarshal([]byte(inner), &v) == nil {
				if canon, err := json.Marshal(v); err == nil {
					return string(canon)
				}
			}
			return inner
		}
	}
	var v any
	if err := json.Unmarshal(b.ToolInput, &v); err != nil {
		return trimmed
	}
	canon, err := json.Marshal(v)
	if err != nil {
		return trimmed
	}
	return string(canon)
}

// toolInputFields parses canonicalToolInput into a flat string map for
// sanitization and governance matching; non-string/number/bool values
// are dropped (representative-string matching does not need them).
func (b rawHookBody) toolInputFields() map[string]string {
	out := make(map[string]string)
	var v map[string]any
	if err := json.Unmarshal([]byte(b.canonicalToolInput()), &v); err != nil {
		return out
	}
	for k, val := range v {
		switch t := val.(type) {
		case string:
			out[k] = t
		case float64, bool:
			out[k] = fmtAny(t)
		}
	}
	return out
}

func fmtAny(v any) string {
	data, _ := json.Marshal(v)
	return string(data)
}

// toolOutputString decodes tool_output (raw JSON string/object) or
// tool_output_b64 into the canonical text form stored/analyzed
// downstream.
func (b rawHookBody) toolOutputString() string {
	if b.ToolOutputB64 != "" {
		if data, err := base64.StdEncoding.DecodeString(b.ToolOutputB64); err == nil {
			return string(data)
		}
	}
	if len(b.ToolOutput) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(b.ToolOutput, &s); err == nil {
		return s
	}
	return string(b.ToolOutput)
}

// filePathFromToolInput extracts the conventional file_path/path field
// tool calls that touch the filesystem carry.
func (b rawHookBody) filePathFromToolInput() string {
	fields := b.toolInputFields()
	if p, ok := fields["file_path"]; ok {
		return p
	}
	if p, ok := fields["path"]; ok {
		return p
	}
	return ""
}

// promptSubmitRequest is the sum-typed variant for /hooks/ci/prompt-submit.
type promptSubmitRequest struct {
	SessionID      string
	Agent          domain.Agent
	Prompt         string
	GenerationID   string
	TranscriptPath string
}

func newPromptSubmitRequest(b rawHookBody) promptSubmitRequest {
	return promptSubmitRequest{
		SessionID:      b.sessionID(),
		Agent:          b.agent(),
		Prompt:         b.Prompt,
		GenerationID:   b.GenerationID,
		TranscriptPath: b.TranscriptPath,
	}
}

// preToolUseRequest is the sum-typed variant for /hooks/ci/pre-tool-use.
type preToolUseRequest struct {
	SessionID      string
	Agent          domain.Agent
	ToolName       string
	ToolUseID      string
	ToolInputJSON  string
	RepresentativeInput string
}

func newPreToolUseRequest(b rawHookBody) preToolUseRequest {
	fields := b.toolInputFields()
	rep := fields["command"]
	if rep == "" {
		rep = b.filePathFromToolInput()
	}
	return preToolUseRequest{
		SessionID:           b.sessionID(),
		Agent:               b.agent(),
		ToolName:            b.ToolName,
		ToolUseID:           b.ToolUseID,
		ToolInputJSON:       b.canonicalToolInput(),
		RepresentativeInput: rep,
	}
}

// postToolUseRequest is the sum-typed variant for
// /hooks/ci/post-tool-use and /hooks/ci/post-tool-use-failure.
type postToolUseRequest struct {
	SessionID      string
	Agent          domain.Agent
	ToolName       string
	ToolUseID      string
	ToolInputJSON  string
	FilePath       string
	ToolOutput     string
	TranscriptPath string
	Failed         bool
}

func newPostToolUseRequest(b rawHookBody, forcedFailure bool) postToolUseRequest {
	return postToolUseRequest{
		SessionID:      b.sessionID(),
		Agent:          b.agent(),
		ToolName:       b.ToolName,
		ToolUseID:      b.ToolUseID,
		ToolInputJSON:  b.canonicalToolInput(),
		FilePath:       b.filePathFromToolInput(),
		ToolOutput:     b.toolOutputString(),
		TranscriptPath: b.TranscriptPath,
		Failed:         forcedFailure,
	}
}

// sessionLifecycleRequest is the sum-typed variant for
// /hooks/ci/session-start, /hooks/ci/session-end and
// /hooks/ci/before-prompt.
type sessionLifecycleRequest struct {
	SessionID      string
	Agent          domain.Agent
	TranscriptPath string
	Prompt         string
}

func newSessionLifecycleRequest(b rawHookBody) sessionLifecycleRequest {
	return sessionLifecycleRequest{
		SessionID:      b.sessionID(),
		Agent:          b.agent(),
		TranscriptPath: b.TranscriptPath,
		Prompt:         b.Prompt,
	}
}
