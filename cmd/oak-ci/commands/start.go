package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/oak-dev/ci-daemon/internal/activitystore"
	"github.com/oak-dev/ci-daemon/internal/config"
	"github.com/oak-dev/ci-daemon/internal/daemonlife"
	"github.com/oak-dev/ci-daemon/internal/embedding"
	"github.com/oak-dev/ci-daemon/internal/hookdedup"
	"github.com/oak-dev/ci-daemon/internal/indexer"
	"github.com/oak-dev/ci-daemon/internal/llm"
	"github.com/oak-dev/ci-daemon/internal/logging"
	"github.com/oak-dev/ci-daemon/internal/machineid"
	"github.com/oak-dev/ci-daemon/internal/manifest"
	"github.com/oak-dev/ci-daemon/internal/plandetector"
	"github.com/oak-dev/ci-daemon/internal/processor"
	"github.com/oak-dev/ci-daemon/internal/project"
	"github.com/oak-dev/ci-daemon/internal/retrieval"
	"github.com/oak-dev/ci-daemon/internal/server"
	"github.com/oak-dev/ci-daemon/internal/tunnel"
	"github.com/oak-dev/ci-daemon/internal/vectorstore"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the codebase intelligence daemon in the foreground",
	RunE:  runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	projectRoot, err := resolveWorkDir()
	if err != nil {
		return err
	}

	// 1. logging
	globalPaths := config.GetPaths()
	if err := globalPaths.EnsurePaths(); err != nil {
		return fmt.Errorf("ensure global paths: %w", err)
	}
	projStateDir := config.ProjectStateDir(projectRoot)
	if err := os.MkdirAll(projStateDir, 0o755); err != nil {
		return fmt.Errorf("ensure project state dir: %w", err)
	}

	cfg, err := config.Load(projectRoot)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = logging.ParseLevel(logLevel)
	logCfg.MaxSizeMB = cfg.Logging.MaxSizeMB
	logCfg.MaxBackups = cfg.Logging.MaxBackups
	logCfg.MaxAgeDays = cfg.Logging.MaxAgeDays
	if !printLogs {
		logCfg.LogToFile = true
		logCfg.LogPath = config.DaemonLogPath(projectRoot)
	} else {
		logCfg.Output = os.Stderr
		logCfg.Pretty = true
	}
	logging.Init(logCfg)
	defer logging.Close()

	projectID := ""
	if projectInfo, err := project.FromDirectory(projectRoot); err != nil {
		logging.Warn().Err(err).Msg("project identity detection failed, continuing without it")
	} else {
		projectID = projectInfo.ID
	}
	logging.Info().Str("project_id", projectID).Str("project_root", projectRoot).
		Msg("starting codebase intelligence daemon")

	// Single-writer start: acquire the lock before touching pid/port files.
	release, err := daemonlife.AcquireStartLock(config.LockFilePath(projectRoot))
	if err != nil {
		return fmt.Errorf("another daemon instance is starting for this project: %w", err)
	}
	defer release()

	pidPath := config.PIDFilePath(projectRoot)
	if pid, ok := daemonlife.ReadPIDFile(pidPath); ok && daemonlife.ProcessAlive(pid) {
		return fmt.Errorf("daemon already running for this project (pid %d)", pid)
	}
	if err := daemonlife.WritePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	port := project.DerivePort(projectRoot, config.LocalPortFile(projectRoot), config.TeamSharedPortFile(projectRoot))
	if err := os.WriteFile(config.LocalPortFile(projectRoot), []byte(fmt.Sprintf("%d", port)), 0o644); err != nil {
		logging.Warn().Err(err).Msg("failed to persist bound port")
	}

	machineID, err := machineid.Get(globalPaths.State)
	if err != nil {
		logging.Warn().Err(err).Msg("machine id derivation failed, continuing without stable id")
	}

	// 2. redaction - internal/redact is stateless, always active; no
	// initialization step is required.

	// 3. tunnel
	var tunnelProvider *tunnel.Provider
	if cfg.Tunnel.Enabled && cfg.Tunnel.Command != "" {
		tunnelProvider = tunnel.New(cfg.Tunnel.Command, port, logging.Logger)
	}

	// 4. embedding provider
	embedder := embedding.New(embedding.Config{
		APIKey:        cfg.Embedding.APIKey,
		BaseURL:       cfg.Embedding.BaseURL,
		Model:         cfg.Embedding.Model,
		Dimension:     cfg.Embedding.Dimension,
		Timeout:       cfg.EmbeddingTimeout(),
		WarmupTimeout: cfg.EmbeddingTimeout() * 4,
	})
	if err := embedder.CheckAvailability(context.Background()); err != nil {
		logging.Warn().Err(err).Msg("embedding provider unavailable at startup")
	}

	// 5. vector store + indexer
	metric := vectorstore.Metric(cfg.VectorStore.Metric)
	codeStore, err := vectorstore.Open(cfg.VectorStore.DSN, cfg.VectorStore.CodeCollection, embedder.Dimension(), metric)
	if err != nil {
		return fmt.Errorf("open code vector store: %w", err)
	}
	defer codeStore.Close()

	memStore, err := vectorstore.Open(cfg.VectorStore.DSN, cfg.VectorStore.MemoryCollection, embedder.Dimension(), metric)
	if err != nil {
		return fmt.Errorf("open memory vector store: %w", err)
	}
	defer memStore.Close()

	ignore := indexer.NewIgnoreSet(projectRoot, cfg.Indexer.IgnorePatterns)
	idx := indexer.New(projectRoot, ignore, codeStore, embedder, logging.Logger)

	indexCtx, indexCancel := context.WithCancel(context.Background())
	go func() {
		if err := idx.FullIndex(indexCtx); err != nil {
			logging.Warn().Err(err).Msg("initial full index failed")
		}
		if err := idx.StartWatching(indexCtx); err != nil {
			logging.Warn().Err(err).Msg("file watcher failed to start")
		}
	}()

	// 6. activity store
	store, err := activitystore.Open(config.ActivitiesDBPath(projectRoot), machineID)
	if err != nil {
		indexCancel()
		return fmt.Errorf("open activity store: %w", err)
	}
	defer store.Close()

	// 7. processor
	var llmClient llm.Client
	if cfg.Summarization.Provider == "anthropic" {
		llmClient = llm.New(llm.Config{
			AnthropicAPIKey: cfg.Summarization.APIKey,
			AnthropicModel:  cfg.Summarization.Model,
			Timeout:         cfg.SummarizationTimeout(),
		})
	} else {
		llmClient = llm.New(llm.Config{
			OpenAIAPIKey:  cfg.Summarization.APIKey,
			OpenAIBaseURL: cfg.Summarization.BaseURL,
			OpenAIModel:   cfg.Summarization.Model,
			Timeout:       cfg.SummarizationTimeout(),
		})
	}

	proc := processor.New(store, llmClient, embedder, memStore, logging.Logger)
	proc.RunRecovery(context.Background())
	procCtx, procCancel := context.WithCancel(context.Background())
	proc.Start(procCtx)

	activityBuffer := activitystore.NewActivityBuffer(store, func(err error) {
		logging.Warn().Err(err).Msg("activity buffer flush failed")
	})

	// 8. agents / hook server
	manifestsDir := cfg.ManifestsDir
	if manifestsDir == "" {
		manifestsDir = config.ManifestsDirPath(projectRoot)
	}
	registry, err := manifest.Load(manifestsDir)
	if err != nil {
		logging.Warn().Err(err).Msg("loading agent manifests failed, using built-ins only")
		registry, _ = manifest.Load("")
	}
	planDet := plandetector.New(projectRoot, registry)
	retrievalEngine := retrieval.New(embedder, codeStore, memStore)
	dedup, err := hookdedup.New(cfg.Hooks.DedupCacheMax)
	if err != nil {
		return fmt.Errorf("build hook dedup cache: %w", err)
	}

	deps := server.Deps{
		Cfg:         cfg,
		ProjectRoot: projectRoot,
		MachineID:   machineID,
		Store:       store,
		Buffer:      activityBuffer,
		Proc:        proc,
		Retrieval:   retrievalEngine,
		Indexer:     idx,
		Manifests:   registry,
		PlanDet:     planDet,
		LLMClient:   llmClient,
		Embedder:    embedder,
		CodeStore:   codeStore,
		MemStore:    memStore,
		Dedup:       dedup,
		Tunnel:      tunnelProvider,
		StartedAt:   time.Now(),
	}
	srv := server.New(deps, port, logging.Logger)

	if tunnelProvider != nil {
		go func() {
			publicURL, err := tunnelProvider.Start(context.Background())
			if err != nil {
				logging.Warn().Err(err).Msg("tunnel failed to start")
				return
			}
			srv.AddTunnelOrigin(publicURL)
			logging.Info().Str("public_url", publicURL).Msg("tunnel started")
		}()
	}

	addr := fmt.Sprintf("127.0.0.1:%d", port)
	go func() {
		logging.Info().Str("addr", addr).Msg("listening")
		if err := srv.Start(addr); err != nil && err != http.ErrServerClosed {
			logging.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info().Msg("shutting down")

	daemonlife.ShutdownAll([]daemonlife.ShutdownTask{
		{Name: "http_server", Stop: func(ctx context.Context) { srv.Shutdown(ctx) }},
		{Name: "tunnel", Stop: func(ctx context.Context) {
			if tunnelProvider != nil {
				tunnelProvider.Stop()
			}
		}},
		{Name: "indexer_watch", Stop: func(ctx context.Context) { idx.StopWatching(); indexCancel() }},
		{Name: "activity_buffer", Stop: func(ctx context.Context) {
			if err := activityBuffer.Flush(ctx); err != nil {
				logging.Warn().Err(err).Msg("activity buffer final flush failed")
			}
		}},
		{Name: "processor", Stop: func(ctx context.Context) { proc.Stop(); procCancel() }},
	}, func(name string) {
		logging.Warn().Str("task", name).Msg("shutdown task did not finish within its bound")
	})

	logging.Info().Msg("daemon stopped")
	return nil
}
