package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsWhenNoFiles(t *testing.T) {
	tmpDir := t.TempDir()
	oldHome := os.Getenv("HOME")
	os.Setenv("HOME", tmpDir)
	defer os.Setenv("HOME", oldHome)

	cfg, err := Load(filepath.Join(tmpDir, "proj"))
	require.NoError(t, err)
	assert.Equal(t, "ci_code_chunks", cfg.VectorStore.CodeCollection)
	assert.Equal(t, 60, cfg.Processor.TickIntervalSeconds)
	assert.Equal(t, 4096, cfg.Hooks.DedupCacheMax)
}

func TestLoad_ProjectOverridesGlobal(t *testing.T) {
	tmpDir := t.TempDir()
	oldHome := os.Getenv("HOME")
	os.Setenv("HOME", tmpDir)
	defer os.Setenv("HOME", oldHome)

	globalDir := filepath.Join(tmpDir, ".config", "oak-ci")
	require.NoError(t, os.MkdirAll(globalDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(globalDir, "config.json"), []byte(`{
		"embedding": {"provider": "ollama", "model": "global-model"}
	}`), 0o644))

	projectRoot := filepath.Join(tmpDir, "proj")
	projDir := ProjectStateDir(projectRoot)
	require.NoError(t, os.MkdirAll(projDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(projDir, "config.json"), []byte(`{
		"embedding": {"provider": "ollama", "model": "project-model"}
	}`), 0o644))

	cfg, err := Load(projectRoot)
	require.NoError(t, err)
	assert.Equal(t, "project-model", cfg.Embedding.Model)
}

func TestJSONCComments(t *testing.T) {
	tmpDir := t.TempDir()
	oldHome := os.Getenv("HOME")
	os.Setenv("HOME", tmpDir)
	defer os.Setenv("HOME", oldHome)

	globalDir := filepath.Join(tmpDir, ".config", "oak-ci")
	require.NoError(t, os.MkdirAll(globalDir, 0o755))
	jsonc := `{
		// a comment
		"vector_store": {
			"dsn": "http://localhost:6334", // inline
			"code_collection": "custom_code",
			"memory_collection": "custom_mem",
			"metric": "cosine"
		}
		/* trailing
		   block comment */
	}`
	require.NoError(t, os.WriteFile(filepath.Join(globalDir, "config.jsonc"), []byte(jsonc), 0o644))

	cfg, err := Load(filepath.Join(tmpDir, "proj"))
	require.NoError(t, err)
	assert.Equal(t, "custom_code", cfg.VectorStore.CodeCollection)
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.json")

	cfg := Default()
	cfg.Embedding.Model = "roundtrip-model"
	require.NoError(t, Save(cfg, path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "roundtrip-model")
}

func TestApplyEnvOverrides_AnthropicKeyFillsSummarizer(t *testing.T) {
	oldKey := os.Getenv("ANTHROPIC_API_KEY")
	os.Setenv("ANTHROPIC_API_KEY", "sk-ant-test-key-0123456789")
	defer os.Setenv("ANTHROPIC_API_KEY", oldKey)

	cfg := Default()
	applyEnvOverrides(cfg)
	assert.Equal(t, "sk-ant-test-key-0123456789", cfg.Summarization.APIKey)
}

func TestEmbeddingTimeout_DefaultsWhenUnset(t *testing.T) {
	cfg := &Config{}
	assert.Equal(t, 10_000_000_000, int(cfg.EmbeddingTimeout()))
	assert.Equal(t, 20_000_000_000, int(cfg.SummarizationTimeout()))
}
