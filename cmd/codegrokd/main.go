// Package main provides the entry point for codegrokd.
//
// codegrokd is a standalone service providing:
// - a REST/SSE API for codebase ingestion and grounded code Q&A
// - a durable ingestion-workflow runtime with a daily session-sweep cron
//
// Usage:
//
//	codegrokd                    Start the service (default)
//	codegrokd serve               Start the service
//	codegrokd version             Show version
//	codegrokd status               Show service status
//	codegrokd stop                 Stop the running service
//	codegrokd init-config           Create example configuration file
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/codegrok/codegrok/internal/api"
	"github.com/codegrok/codegrok/internal/config"
	"github.com/codegrok/codegrok/internal/logger"
	"github.com/codegrok/codegrok/internal/service"
	"github.com/codegrok/codegrok/internal/store"
	"github.com/codegrok/codegrok/pkg/agentpipe"
	"github.com/codegrok/codegrok/pkg/embedding"
	"github.com/codegrok/codegrok/pkg/ingest"
	"github.com/codegrok/codegrok/pkg/kv"
	"github.com/codegrok/codegrok/pkg/llm"
	"github.com/codegrok/codegrok/pkg/ratelimit"
	"github.com/codegrok/codegrok/pkg/session"
	"github.com/codegrok/codegrok/pkg/vectorstore"
	"github.com/codegrok/codegrok/pkg/workflow"
)

// version is set via -ldflags at build time.
var version = "dev"

var configPath string

func main() {
	api.SetVersion(version)

	args := os.Args[1:]
	command := ""
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case strings.HasPrefix(arg, "--config="):
			configPath = strings.TrimPrefix(arg, "--config=")
		case arg == "--config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(arg, "-"):
			// unknown flag, ignored
		case command == "":
			command = arg
		default:
			cmdArgs = append(cmdArgs, arg)
		}
	}

	if command == "" {
		command = "serve"
	}

	var err error
	switch command {
	case "serve", "start":
		err = cmdServe(cmdArgs)
	case "version", "-v", "--version":
		cmdVersion()
	case "status":
		err = cmdStatus()
	case "stop":
		err = cmdStop()
	case "init-config":
		err = cmdInitConfig()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`codegrokd - retrieval-augmented code understanding service

Usage:
  codegrokd [flags] [command] [args]

Commands:
  serve         Start the service (default)
  version       Show version information
  status        Show service status
  stop          Stop the running service
  init-config   Create example configuration file
  help          Show this help

Flags:
  --config PATH   Path to configuration file (default: ~/.codegrokd/config.toml)

Environment:
  LLM_API_KEY        API key for the LLM provider (required unless provider=mock)
  EMBEDDING_API_KEY   API key for the embedding provider (required unless provider=mock)
  CODEGROK_CONFIG     Path to configuration file (alternative to --config)
  CODEGROK_DATA_DIR   Override data directory

Examples:
  codegrokd                             Start the service with defaults
  codegrokd --config /path/to.toml      Start with custom config
  codegrokd init-config                 Create example config file
  curl localhost:8420/health            Check service health
  curl localhost:8420/api/v1/codebase   List codebases`)
}

func cmdVersion() {
	fmt.Printf("codegrokd version %s\n", version)
}

func getConfigPath() string {
	if configPath != "" {
		return configPath
	}
	if envPath := os.Getenv("CODEGROK_CONFIG"); envPath != "" {
		return envPath
	}
	return config.DefaultConfigPath()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if envDataDir := os.Getenv("CODEGROK_DATA_DIR"); envDataDir != "" {
		cfg.Service.DataDir = envDataDir
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func cmdServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if running, pid := service.IsRunning(cfg); running {
		return fmt.Errorf("service already running (PID %d)", pid)
	}

	if err := cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("ensure directories: %w", err)
	}

	log := logger.SetupLogger(cfg)
	defer logger.Stop()
	log.Info().Str("address", cfg.Address()).Msg("starting codegrokd")

	apiServer, cleanup, err := buildServer(cfg)
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}
	defer cleanup()

	daemon := service.NewDaemon(cfg)
	daemon.SetShutdownHook(func(ctx context.Context) {
		apiServer.Runtime.CancelAll()
	})
	if err := daemon.Start(apiServer.Handler()); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}

	fmt.Printf("codegrokd v%s started on %s\n", version, cfg.Address())
	fmt.Printf("API: http://%s/api/v1/codebase\n", cfg.Address())

	daemon.Wait()
	return nil
}

// wiredServer is the constructed dependency graph; cleanup closes every
// embedded store the build opened.
func buildServer(cfg *config.Config) (*api.Server, func(), error) {
	codebaseStore, err := store.Open(storeDBPath(cfg))
	if err != nil {
		return nil, nil, fmt.Errorf("open codebase store: %w", err)
	}

	sessionStore, err := session.NewStore(cfg.Session.DBPath, cfg.Session.RetentionDays, 20)
	if err != nil {
		codebaseStore.Close()
		return nil, nil, fmt.Errorf("open session store: %w", err)
	}

	kvStore, err := kv.Open(rateLimitDBPath(cfg))
	if err != nil {
		codebaseStore.Close()
		sessionStore.Close()
		return nil, nil, fmt.Errorf("open rate-limit store: %w", err)
	}

	vectors, err := vectorstore.Open(vectorDBPath(cfg), cfg.Session.MaxTopK)
	if err != nil {
		codebaseStore.Close()
		sessionStore.Close()
		kvStore.Close()
		return nil, nil, fmt.Errorf("open vector store: %w", err)
	}

	runtime, err := workflow.Open(workflowDBPath(cfg))
	if err != nil {
		codebaseStore.Close()
		sessionStore.Close()
		kvStore.Close()
		return nil, nil, fmt.Errorf("open workflow journal: %w", err)
	}

	// A prior process may have been killed mid-ingestion; fail any
	// workflow records it left StatusRunning instead of leaving them
	// orphaned forever, and mirror the failure onto the Codebase row so
	// GET /codebase/{id}/status reflects it, per spec.md §4.5.
	if orphaned, err := runtime.FailOrphaned(); err == nil {
		for _, rec := range orphaned {
			failOrphanedCodebase(codebaseStore, rec)
		}
	}

	embedProvider, err := embedding.NewProvider(
		cfg.Embedding.Provider, cfg.Embedding.APIKey, cfg.Embedding.BaseURL,
		cfg.Embedding.Model, cfg.Embedding.Dimensions, time.Duration(cfg.Embedding.TimeoutSecs)*time.Second,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("build embedding provider: %w", err)
	}

	llmProvider, err := llm.NewProvider(cfg.LLM.Provider, cfg.LLM.BaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("build llm provider: %w", err)
	}

	acquirer, err := ingest.NewAcquirer(cfg.Ingest.MaxArchiveSizeBytes, cfg.Ingest.MaxFileSizeBytes, cfg.Ingest.URLAllowPattern)
	if err != nil {
		return nil, nil, fmt.Errorf("build acquirer: %w", err)
	}
	parser := ingest.NewParser(cfg.Ingest.ChunkMaxTokens, cfg.Ingest.ChunkMinTokens)
	scanner := ingest.NewScanner()
	generator := embedding.NewGenerator(embedProvider, cfg.Ingest.EmbedBatchSize, time.Duration(cfg.Ingest.EmbedBatchDelayMs)*time.Millisecond)

	orchestrator := ingest.NewOrchestrator(acquirer, parser, scanner, generator, vectors)

	pipeline := agentpipe.NewPipeline(embedProvider, vectors, llmProvider, sessionStore, cfg.LLM.Model, cfg.Session.DefaultTopK)

	limiter := ratelimit.NewLimiter(kvStore, cfg.RateLimit.PerHour)

	runtime.RegisterCron(24*time.Hour, "session-sweep", func(ctx context.Context) error {
		_ = ctx
		_, err := sessionStore.SweepExpired()
		return err
	})

	apiServer := api.NewServer(api.Deps{
		Cfg:               cfg,
		Store:             codebaseStore,
		Vectors:           vectors,
		Sessions:          sessionStore,
		Runtime:           runtime,
		Orchestrator:      orchestrator,
		Pipeline:          pipeline,
		Limiter:           limiter,
		ConcurrentQueries: cfg.RateLimit.ConcurrentQueries,
	})

	cleanup := func() {
		runtime.Close()
		vectors.Close()
		kvStore.Close()
		sessionStore.Close()
		codebaseStore.Close()
	}

	return apiServer, cleanup, nil
}

func storeDBPath(cfg *config.Config) string {
	return cfg.Service.DataDir + "/codebases.db"
}

func rateLimitDBPath(cfg *config.Config) string {
	return cfg.Service.DataDir + "/ratelimit.db"
}

func vectorDBPath(cfg *config.Config) string {
	return cfg.Service.DataDir + "/vectors.db"
}

func workflowDBPath(cfg *config.Config) string {
	return cfg.Service.DataDir + "/workflows.db"
}

// failOrphanedCodebase mirrors an orphaned-and-failed workflow Record
// onto the Codebase row whose workflow_id matches it, so a restart's
// cleanup is visible through GET /codebase/{id}/status and not just the
// workflow journal.
func failOrphanedCodebase(codebaseStore *store.Store, rec workflow.Record) {
	all, err := codebaseStore.List()
	if err != nil {
		return
	}
	for _, cb := range all {
		if cb.WorkflowID != rec.ID {
			continue
		}
		errMsg := rec.Error
		_ = codebaseStore.UpdateStatus(cb.ID, store.StatusUpdate{
			Status:       store.StatusFailed,
			ErrorMessage: &errMsg,
		})
		return
	}
}

func cmdStatus() error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if envDataDir := os.Getenv("CODEGROK_DATA_DIR"); envDataDir != "" {
		cfg.Service.DataDir = envDataDir
	}

	running, pid := service.IsRunning(cfg)
	if running {
		fmt.Printf("codegrokd: running (PID %d)\n", pid)
		fmt.Printf("Address: %s\n", cfg.Address())
		fmt.Printf("Config: %s\n", getConfigPath())
		fmt.Printf("Data: %s\n", cfg.Service.DataDir)
	} else {
		fmt.Println("codegrokd: stopped")
	}
	return nil
}

func cmdStop() error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if envDataDir := os.Getenv("CODEGROK_DATA_DIR"); envDataDir != "" {
		cfg.Service.DataDir = envDataDir
	}

	running, _ := service.IsRunning(cfg)
	if !running {
		fmt.Println("codegrokd is not running")
		return nil
	}

	if err := service.StopRunning(cfg); err != nil {
		return err
	}
	fmt.Println("codegrokd stopped")
	return nil
}

func cmdInitConfig() error {
	path := getConfigPath()
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists: %s", path)
	}
	if err := config.WriteExampleConfig(path); err != nil {
		return err
	}
	fmt.Printf("Created example configuration: %s\n", path)
	return nil
}
