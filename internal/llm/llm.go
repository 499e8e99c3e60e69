// Package llm wraps the chat-completion calls the processor uses to
// classify a prompt batch and extract long-term observations from it
// (spec.md §4.4, §4.5). It is grounded on the source system's
// summarization/providers.py (the SUMMARIZATION_PROMPT shape, the
// multi-strategy JSON extraction in _parse_llm_response, and the
// warmup-timeout handling) and on haasonsaas-nexus's
// internal/agent/providers (openai.go and anthropic.go) for the Go
// client wiring.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	openai "github.com/sashabaranov/go-openai"
)

// Observation is one extracted long-term memory candidate, before it is
// hashed and persisted by activitystore.
type Observation struct {
	Type        string `json:"type"`
	Observation string `json:"observation"`
	Context     string `json:"context"`
}

// ExtractionResult is the outcome of summarizing one session or prompt
// batch: zero or more observations plus a one-sentence summary.
type ExtractionResult struct {
	Observations []Observation
	Summary      string
}

// Classification is the processor's bucket for a prompt batch's intent.
type Classification string

const (
	ClassExploration    Classification = "exploration"
	ClassImplementation Classification = "implementation"
	ClassDebugging      Classification = "debugging"
	ClassRefactoring    Classification = "refactoring"
)

// Client is the contract the processor depends on. A Client must be
// safe for concurrent use.
type Client interface {
	Classify(ctx context.Context, userPrompt, responseSummary string) (Classification, error)
	Extract(ctx context.Context, sessionSummaryInput SessionActivity) (*ExtractionResult, error)
	Summarize(ctx context.Context, text string) (string, error)
	IsAvailable() bool
}

// SessionActivity is the subset of a session's activity fed into the
// extraction prompt, mirroring the source system's summarize_session
// arguments.
type SessionActivity struct {
	FilesCreated    []string
	FilesModified   []string
	FilesRead       []string
	CommandsRun     []string
	DurationMinutes float64
}

const (
	defaultTimeout      = 20 * time.Second
	defaultWarmupFactor = 4
	maxListItems        = 10
)

var thinkTagPattern = regexp.MustCompile(`(?s)<think>.*?</think>`)

// stripReasoningTokens removes <think>...</think> blocks some local
// reasoning models prepend to their answer, per the source system's
// strip_reasoning_tokens helper.
func stripReasoningTokens(s string) string {
	return strings.TrimSpace(thinkTagPattern.ReplaceAllString(s, ""))
}

// Chain calls an OpenAI-compatible chat completions endpoint as the
// primary provider and falls back to Anthropic when configured and the
// primary returns an error. Either provider alone is a valid
// configuration.
type Chain struct {
	openaiClient    *openai.Client
	openaiModel     string
	anthropicClient *anthropic.Client
	anthropicModel  string

	timeout       time.Duration
	warmupTimeout time.Duration

	mu       sync.Mutex
	warmedUp bool
}

var _ Client = (*Chain)(nil)

// Config configures both legs of the chain. The OpenAI-compatible leg is
// enabled whenever OpenAIModel is set (OpenAIAPIKey may be empty); the
// Anthropic leg only when both AnthropicAPIKey and AnthropicModel are set.
type Config struct {
	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIModel   string

	AnthropicAPIKey string
	AnthropicModel  string

	Timeout time.Duration
}

// New builds a Chain from cfg. At least one of the two providers must
// be configured or every call returns an error.
func New(cfg Config) *Chain {
	c := &Chain{timeout: cfg.Timeout}
	if c.timeout <= 0 {
		c.timeout = defaultTimeout
	}
	c.warmupTimeout = c.timeout * defaultWarmupFactor

	if cfg.OpenAIModel != "" {
		apiCfg := openai.DefaultConfig(cfg.OpenAIAPIKey)
		if cfg.OpenAIBaseURL != "" {
			apiCfg.BaseURL = cfg.OpenAIBaseURL
		}
		client := openai.NewClientWithConfig(apiCfg)
		c.openaiClient = client
		c.openaiModel = cfg.OpenAIModel
	}

	if cfg.AnthropicModel != "" && cfg.AnthropicAPIKey != "" {
		client := anthropic.NewClient(option.WithAPIKey(cfg.AnthropicAPIKey))
		c.anthropicClient = &client
		c.anthropicModel = cfg.AnthropicModel
	}

	return c
}

func (c *Chain) IsAvailable() bool {
	return c.openaiClient != nil || c.anthropicClient != nil
}

func (c *Chain) callTimeout() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.warmedUp {
		return c.warmupTimeout
	}
	return c.timeout
}

func (c *Chain) markWarmedUp() {
	c.mu.Lock()
	c.warmedUp = true
	c.mu.Unlock()
}

// complete sends a single-turn prompt through the primary (OpenAI-
// compatible) provider, falling back to Anthropic on error, and returns
// the raw response text with any <think> block stripped.
func (c *Chain) complete(ctx context.Context, prompt string) (string, error) {
	if c.openaiClient == nil && c.anthropicClient == nil {
		return "", fmt.Errorf("llm: no provider configured")
	}

	ctx, cancel := context.WithTimeout(ctx, c.callTimeout())
	defer cancel()

	var lastErr error
	if c.openaiClient != nil {
		resp, err := c.openaiClient.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:       c.openaiModel,
			Messages:    []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: prompt}},
			Temperature: 0.3,
			MaxTokens:   500,
		})
		c.markWarmedUp()
		if err == nil && len(resp.Choices) > 0 {
			return stripReasoningTokens(resp.Choices[0].Message.Content), nil
		}
		lastErr = err
	}

	if c.anthropicClient != nil {
		resp, err := c.anthropicClient.Messages.New(ctx, anthropic.MessageNewParams{
			Model:     anthropic.Model(c.anthropicModel),
			MaxTokens: 500,
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
			},
		})
		c.markWarmedUp()
		if err == nil && len(resp.Content) > 0 {
			var sb strings.Builder
			for _, block := range resp.Content {
				sb.WriteString(block.Text)
			}
			return stripReasoningTokens(sb.String()), nil
		}
		lastErr = err
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("llm: empty response")
	}
	return "", fmt.Errorf("llm: completion failed: %w", lastErr)
}

const classificationPrompt = `Classify this coding session turn into exactly one category: exploration, implementation, debugging, or refactoring.

User request: %s
Assistant response summary: %s

Respond with only the single category word, nothing else.`

// Classify buckets one prompt batch's intent. On any failure it
// defaults to ClassExploration rather than blocking the pipeline.
func (c *Chain) Classify(ctx context.Context, userPrompt, responseSummary string) (Classification, error) {
	prompt := fmt.Sprintf(classificationPrompt, truncate(userPrompt, 500), truncate(responseSummary, 500))
	raw, err := c.complete(ctx, prompt)
	if err != nil {
		return ClassExploration, err
	}
	word := strings.ToLower(strings.TrimSpace(raw))
	switch {
	case strings.Contains(word, "implement"):
		return ClassImplementation, nil
	case strings.Contains(word, "debug"):
		return ClassDebugging, nil
	case strings.Contains(word, "refactor"):
		return ClassRefactoring, nil
	default:
		return ClassExploration, nil
	}
}

const extractionPrompt = `You are analyzing a coding session to extract important observations that should be remembered for future sessions.

Session Activity:
- Duration: %.1f minutes
- Files created: %s
- Files modified: %s
- Files explored: %s
- Commands run: %s

Extract meaningful observations from this session. Focus on:
1. Gotchas: non-obvious behaviors, edge cases, or things that could trip someone up
2. Decisions: design choices, architecture decisions, or approach selections
3. Bug fixes: what was broken and how it was fixed
4. Discoveries: important facts learned about the codebase

Respond with a JSON object containing:
{
  "observations": [
    {"type": "gotcha|decision|bug_fix|discovery", "observation": "concise description", "context": "relevant file or feature name"}
  ],
  "summary": "one sentence describing what the session accomplished"
}

Only include genuinely useful observations. If the session was just exploration, return empty observations.
Respond ONLY with valid JSON, no markdown or explanation.`

// Extract summarizes a session's activity into observations and a
// one-sentence summary, skipping the LLM call entirely for trivial
// sessions, mirroring the source system's early-return for sessions
// with no file changes and under two commands.
func (c *Chain) Extract(ctx context.Context, a SessionActivity) (*ExtractionResult, error) {
	if len(a.FilesCreated) == 0 && len(a.FilesModified) == 0 && len(a.CommandsRun) < 2 {
		return &ExtractionResult{Summary: "Brief exploration session"}, nil
	}

	prompt := fmt.Sprintf(extractionPrompt,
		a.DurationMinutes,
		joinOrNone(a.FilesCreated),
		joinOrNone(a.FilesModified),
		joinOrNone(a.FilesRead),
		joinOrNone(a.CommandsRun),
	)

	raw, err := c.complete(ctx, prompt)
	if err != nil {
		return nil, err
	}
	return parseExtractionResponse(raw), nil
}

// Summarize produces a short free-text summary of text, used for
// backfilling a batch's response_summary and for session-level roll-ups.
func (c *Chain) Summarize(ctx context.Context, text string) (string, error) {
	prompt := "Summarize the following in one sentence:\n\n" + truncate(text, 4000)
	raw, err := c.complete(ctx, prompt)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(raw), nil
}

func joinOrNone(items []string) string {
	if len(items) == 0 {
		return "none"
	}
	if len(items) > maxListItems {
		items = items[:maxListItems]
	}
	return strings.Join(items, ", ")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

var jsonObjectPattern = regexp.MustCompile(`(?s)\{.*\}`)
var codeBlockPattern = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(.*?)\\n?```")

type extractionPayload struct {
	Observations []Observation `json:"observations"`
	Summary      any           `json:"summary"`
}

// parseExtractionResponse applies the three extraction strategies the
// source system uses in order of preference: a fenced ```json block,
// the first bare {...} object in the text, then the whole trimmed
// response. A response a model returns as a list-of-strings summary is
// normalized to a single joined string. Any parse failure degrades to
// a result with no observations whose summary is the first 200
// characters of the raw response, rather than propagating an error, since a
// malformed LLM response should not fail the processor's batch loop.
func parseExtractionResponse(raw string) *ExtractionResult {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return &ExtractionResult{}
	}

	var jsonStr string
	if m := codeBlockPattern.FindStringSubmatch(raw); m != nil {
		jsonStr = strings.TrimSpace(m[1])
	} else if m := jsonObjectPattern.FindString(raw); m != "" {
		jsonStr = m
	} else {
		jsonStr = raw
	}

	var payload extractionPayload
	if err := json.Unmarshal([]byte(jsonStr), &payload); err != nil {
		return &ExtractionResult{Summary: truncate(raw, 200)}
	}

	observations := make([]Observation, 0, len(payload.Observations))
	for _, o := range payload.Observations {
		if strings.TrimSpace(o.Observation) == "" {
			continue
		}
		if o.Type == "" {
			o.Type = "discovery"
		}
		observations = append(observations, o)
	}

	return &ExtractionResult{Observations: observations, Summary: normalizeSummary(payload.Summary)}
}

// normalizeSummary handles the summary field coming back as either a
// string or (some models) a list of strings.
func normalizeSummary(v any) string {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case []any:
		parts := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := item.(string); ok && s != "" {
				parts = append(parts, s)
			}
		}
		return strings.TrimSpace(strings.Join(parts, " "))
	default:
		return ""
	}
}
