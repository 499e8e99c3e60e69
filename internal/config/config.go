// Package config loads and saves the daemon's runtime configuration:
// embedding/summarization provider settings, vector-store connection,
// governance policy, plan-directory overrides, and log rotation
// (spec.md §4.1, §6, §7). It keeps the teacher's JSONC-tolerant,
// multi-source merge strategy (global config, then project config, then
// environment overrides) but merges into the daemon's own Config shape
// instead of opencode's provider/agent types.
package config

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/oak-dev/ci-daemon/internal/governance"
)

// EmbeddingConfig configures the OpenAI-compatible embedding chain
// (internal/embedding).
type EmbeddingConfig struct {
	Provider      string        `json:"provider"` // "ollama" | "lmstudio" | "openai-compatible"
	BaseURL       string        `json:"base_url"`
	APIKey        string        `json:"api_key,omitempty"`
	Model         string        `json:"model"`
	Dimension     int           `json:"dimension"`
	TimeoutSeconds int          `json:"timeout_seconds"`
}

// SummarizationConfig configures the LLM client (internal/llm) used for
// batch classification, observation extraction and session summaries.
type SummarizationConfig struct {
	Provider       string `json:"provider"` // "anthropic", or any other value (e.g. "ollama") for an OpenAI-compatible server
	BaseURL        string `json:"base_url"`
	APIKey         string `json:"api_key,omitempty"`
	Model          string `json:"model"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// VectorStoreConfig configures the Qdrant-backed code and memory
// collections (internal/vectorstore).
type VectorStoreConfig struct {
	DSN              string `json:"dsn"`
	CodeCollection   string `json:"code_collection"`
	MemoryCollection string `json:"memory_collection"`
	Metric           string `json:"metric"` // "cosine" | "euclidean" | "dot" | "manhattan"
}

// ProcessorConfig tunes the background extraction ticker
// (internal/processor).
type ProcessorConfig struct {
	TickIntervalSeconds int `json:"tick_interval_seconds"`
	BatchesPerTick      int `json:"batches_per_tick"`
}

// IndexerConfig tunes code discovery and chunking (internal/indexer).
type IndexerConfig struct {
	IgnorePatterns []string `json:"ignore_patterns"`
	LineWindow     int      `json:"line_window"`
	LineOverlap    int      `json:"line_overlap"`
}

// HookConfig tunes hook-ingest behavior (spec.md §4.2, §4.3, §5).
type HookConfig struct {
	DedupCacheMax             int `json:"dedup_cache_max"`
	ReactivationWindowSeconds int `json:"reactivation_window_seconds"`
	PlanScanMaxAgeSeconds     int `json:"plan_scan_max_age_seconds"`
}

// LoggingConfig tunes zerolog output and log rotation
// (gopkg.in/natefinch/lumberjack.v2, spec.md §6 "Log rotation").
type LoggingConfig struct {
	Level      string `json:"level"`
	Pretty     bool   `json:"pretty"`
	LogToFile  bool   `json:"log_to_file"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// TunnelConfig configures the optional dynamic-origin tunnel provider
// (spec.md §4.1 "CORS", §6 "/api/tunnel/*").
type TunnelConfig struct {
	Enabled bool   `json:"enabled"`
	Command string `json:"command,omitempty"`
}

// Config is the full daemon configuration, loaded once at startup and
// reloadable via PUT /api/config + POST /api/restart.
type Config struct {
	Schema string `json:"$schema,omitempty"`

	Embedding     EmbeddingConfig     `json:"embedding"`
	Summarization SummarizationConfig `json:"summarization"`
	VectorStore   VectorStoreConfig   `json:"vector_store"`
	Processor     ProcessorConfig     `json:"processor"`
	Indexer       IndexerConfig       `json:"indexer"`
	Hooks         HookConfig          `json:"hooks"`
	Logging       LoggingConfig       `json:"logging"`
	Governance    governance.Policy   `json:"governance"`
	Tunnel        TunnelConfig        `json:"tunnel"`

	// ManifestsDir, if set, is scanned for additional/overriding agent
	// manifests beyond the built-ins (internal/manifest).
	ManifestsDir string `json:"manifests_dir,omitempty"`
}

// Default returns the configuration used when no config file exists.
func Default() *Config {
	return &Config{
		Embedding: EmbeddingConfig{
			Provider:       "ollama",
			BaseURL:        "http://localhost:11434/v1",
			Model:          "nomic-embed-text",
			Dimension:      768,
			TimeoutSeconds: 10,
		},
		Summarization: SummarizationConfig{
			Provider:       "ollama",
			BaseURL:        "http://localhost:11434/v1",
			Model:          "llama3.1",
			TimeoutSeconds: 20,
		},
		VectorStore: VectorStoreConfig{
			DSN:              "http://localhost:6334",
			CodeCollection:   "ci_code_chunks",
			MemoryCollection: "ci_observations",
			Metric:           "cosine",
		},
		Processor: ProcessorConfig{
			TickIntervalSeconds: 60,
			BatchesPerTick:      10,
		},
		Indexer: IndexerConfig{
			LineWindow:  100,
			LineOverlap: 10,
		},
		Hooks: HookConfig{
			DedupCacheMax:             4096,
			ReactivationWindowSeconds: 30,
			PlanScanMaxAgeSeconds:     300,
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
	}
}

// Load reads global config (~/.config/oak-ci/config.json[c]), then
// project-local config (<project>/.oak/ci/config.json[c]), merging onto
// Default() in that priority order, and finally applies environment
// overrides. Missing files are skipped, not errors.
func Load(projectRoot string) (*Config, error) {
	cfg := Default()

	paths := GetPaths()
	loadConfigFile(filepath.Join(paths.Config, "config.json"), cfg)
	loadConfigFile(filepath.Join(paths.Config, "config.jsonc"), cfg)

	if projectRoot != "" {
		projDir := ProjectStateDir(projectRoot)
		loadConfigFile(filepath.Join(projDir, "config.json"), cfg)
		loadConfigFile(filepath.Join(projDir, "config.jsonc"), cfg)
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// loadConfigFile merges one config file (if present) onto cfg.
func loadConfigFile(path string, cfg *Config) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	data = stripJSONComments(data)

	var file Config
	if err := json.Unmarshal(data, &file); err != nil {
		return
	}
	mergeConfig(cfg, &file)
}

// stripJSONComments removes // and /* */ comments from JSONC, matching
// the teacher's config-loading idiom for opencode.jsonc.
func stripJSONComments(data []byte) []byte {
	singleLine := regexp.MustCompile(`(^|\s)//.*$`)
	lines := bytes.Split(data, []byte("\n"))
	for i, line := range lines {
		lines[i] = singleLine.ReplaceAll(line, []byte("${1}"))
	}
	data = bytes.Join(lines, []byte("\n"))

	multiLine := regexp.MustCompile(`/\*[\s\S]*?\*/`)
	return multiLine.ReplaceAll(data, nil)
}

// mergeConfig overlays source onto target section by section: when
// source sets a section's key field (embedding.provider,
// vector_store.dsn, processor.tick_interval_seconds, and so on), that
// whole section replaces target's, including any fields source leaves
// zero. Fields within a section are not merged individually, and the
// governance rule list and indexer ignore patterns replace wholesale
// rather than append.
func mergeConfig(target, source *Config) {
	if source.Schema != "" {
		target.Schema = source.Schema
	}
	if source.Embedding.Provider != "" {
		target.Embedding = source.Embedding
	}
	if source.Summarization.Provider != "" {
		target.Summarization = source.Summarization
	}
	if source.VectorStore.DSN != "" {
		target.VectorStore = source.VectorStore
	}
	if source.Processor.TickIntervalSeconds != 0 {
		target.Processor = source.Processor
	}
	if len(source.Indexer.IgnorePatterns) > 0 || source.Indexer.LineWindow != 0 {
		target.Indexer = source.Indexer
	}
	if source.Hooks.DedupCacheMax != 0 {
		target.Hooks = source.Hooks
	}
	if source.Logging.Level != "" {
		target.Logging = source.Logging
	}
	if len(source.Governance.Rules) > 0 {
		target.Governance = source.Governance
	}
	if source.Tunnel.Command != "" || source.Tunnel.Enabled {
		target.Tunnel = source.Tunnel
	}
	if source.ManifestsDir != "" {
		target.ManifestsDir = source.ManifestsDir
	}
}

// applyEnvOverrides applies provider API keys from the environment:
// OAK_CI_EMBEDDING_API_KEY, OAK_CI_SUMMARIZATION_API_KEY, and
// ANTHROPIC_API_KEY as a fallback when no summarization key is set.
func applyEnvOverrides(cfg *Config) {
	if key := os.Getenv("OAK_CI_EMBEDDING_API_KEY"); key != "" {
		cfg.Embedding.APIKey = key
	}
	if key := os.Getenv("OAK_CI_SUMMARIZATION_API_KEY"); key != "" {
		cfg.Summarization.APIKey = key
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" && cfg.Summarization.APIKey == "" {
		cfg.Summarization.APIKey = key
	}
}

// Save writes cfg as indented JSON to path, creating parent directories
// as needed.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// EmbeddingTimeout and SummarizationTimeout convert the configured
// integer seconds into time.Duration, defaulting when unset.
func (c *Config) EmbeddingTimeout() time.Duration {
	if c.Embedding.TimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.Embedding.TimeoutSeconds) * time.Second
}

func (c *Config) SummarizationTimeout() time.Duration {
	if c.Summarization.TimeoutSeconds <= 0 {
		return 20 * time.Second
	}
	return time.Duration(c.Summarization.TimeoutSeconds) * time.Second
}
