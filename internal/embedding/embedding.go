// Package embedding provides the pluggable embedding-provider chain used
// by the processor and retrieval engine (spec.md §4.4). It is grounded on
// haasonsaas-nexus's internal/memory/embeddings (Provider interface) and
// internal/memory/embeddings/openai (the sashabaranov/go-openai-backed
// implementation), generalized to talk to any OpenAI-compatible endpoint
// (Ollama, LM Studio, or a hosted provider) as spec.md requires.
package embedding

import (
	"context"
	"fmt"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// Provider is the pluggable embedding backend contract. Implementations
// must be safe for concurrent use.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Name() string
	Dimension() int
	MaxBatchSize() int
	IsAvailable() bool
	CheckAvailability(ctx context.Context) error
}

// Config configures the OpenAI-compatible chain.
type Config struct {
	APIKey        string
	BaseURL       string
	Model         string
	Dimension     int
	Timeout       time.Duration
	WarmupTimeout time.Duration // applied only to the first call, spec.md §4.4
}

const (
	defaultTimeout       = 10 * time.Second
	defaultWarmupFactor  = 4 // "first LLM/embedding call uses a longer warmup timeout (4x normal)"
	defaultMaxBatch      = 100
)

// Chain is an OpenAI-compatible embedding provider. It tracks whether it
// has completed its first call so later calls use the normal timeout
// instead of the warmup one.
type Chain struct {
	client    *openai.Client
	cfg       Config
	mu        sync.Mutex
	warmedUp  bool
	available bool
	dimension int
}

var _ Provider = (*Chain)(nil)

// New constructs an OpenAI-compatible embedding chain pointed at cfg.BaseURL
// (Ollama/LM Studio expose this shape locally; a hosted provider works the
// same way with a real API key).
func New(cfg Config) *Chain {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.WarmupTimeout <= 0 {
		cfg.WarmupTimeout = cfg.Timeout * defaultWarmupFactor
	}
	if cfg.Dimension <= 0 {
		cfg.Dimension = 1536
	}

	apiCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		apiCfg.BaseURL = cfg.BaseURL
	}

	return &Chain{
		client:    openai.NewClientWithConfig(apiCfg),
		cfg:       cfg,
		dimension: cfg.Dimension,
	}
}

func (c *Chain) Name() string { return "openai-compatible:" + c.cfg.Model }

func (c *Chain) Dimension() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dimension
}

func (c *Chain) MaxBatchSize() int {
	if c.cfg.Dimension == 0 {
		return defaultMaxBatch
	}
	return defaultMaxBatch
}

func (c *Chain) IsAvailable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.available
}

// CheckAvailability sends one test embedding on startup; if the returned
// vector's dimension differs from the configured one, the chain updates
// its own dimension so callers (the vector store adapter) can detect the
// mismatch and recreate collections accordingly.
func (c *Chain) CheckAvailability(ctx context.Context) error {
	vecs, err := c.EmbedBatch(ctx, []string{"availability check"})
	if err != nil {
		c.mu.Lock()
		c.available = false
		c.mu.Unlock()
		return fmt.Errorf("embedding provider unavailable: %w", err)
	}
	c.mu.Lock()
	c.available = true
	if len(vecs) > 0 {
		c.dimension = len(vecs[0])
	}
	c.mu.Unlock()
	return nil
}

func (c *Chain) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, fmt.Errorf("embedding: no vector returned")
	}
	return vecs[0], nil
}

func (c *Chain) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	timeout := c.callTimeout()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(c.cfg.Model),
	})
	c.markWarmedUp()
	if err != nil {
		return nil, fmt.Errorf("create embeddings: %w", err)
	}

	out := make([][]float32, len(resp.Data))
	for _, d := range resp.Data {
		out[d.Index] = d.Embedding
	}
	return out, nil
}

func (c *Chain) callTimeout() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.warmedUp {
		return c.cfg.WarmupTimeout
	}
	return c.cfg.Timeout
}

func (c *Chain) markWarmedUp() {
	c.mu.Lock()
	c.warmedUp = true
	c.mu.Unlock()
}

// ListModels queries an OpenAI-compatible endpoint's /v1/models route
// for the model IDs it serves (spec.md §6 "GET /api/providers/models").
// Callers must have already verified baseURL resolves to loopback.
func ListModels(ctx context.Context, baseURL, apiKey string) ([]string, error) {
	apiCfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		apiCfg.BaseURL = baseURL
	}
	client := openai.NewClientWithConfig(apiCfg)

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	resp, err := client.ListModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	ids := make([]string, 0, len(resp.Models))
	for _, m := range resp.Models {
		ids = append(ids, m.ID)
	}
	return ids, nil
}
