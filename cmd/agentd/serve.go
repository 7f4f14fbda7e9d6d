package main

import (
	"context"
	"fmt"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/hoonlabs/agentd/internal/agent"
	"github.com/hoonlabs/agentd/internal/compact"
	"github.com/hoonlabs/agentd/internal/config"
	"github.com/hoonlabs/agentd/internal/gateway"
	"github.com/hoonlabs/agentd/internal/inference"
	"github.com/hoonlabs/agentd/internal/jobs"
	"github.com/hoonlabs/agentd/internal/notes"
	"github.com/hoonlabs/agentd/internal/observability"
	"github.com/hoonlabs/agentd/internal/sessions"
	"github.com/hoonlabs/agentd/internal/store"
	"github.com/hoonlabs/agentd/internal/tools/memo"
	"github.com/hoonlabs/agentd/internal/tools/websearch"
)

func buildServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the agentd server",
		Long: `Start the agentd HTTP server.

The server loads configuration, opens the session store, connects the
configured inference backend, registers the built-in tools, and serves
chat, job and session endpoints until SIGINT or SIGTERM.`,
		Example: `  # Start with defaults (in-memory store, local llama.cpp backend)
  agentd serve

  # Start with a config file
  agentd serve --config /etc/agentd/agentd.yaml`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	return cmd
}

// backingStore is the full persistence surface one backend provides.
type backingStore interface {
	store.SessionStore
	store.OverflowStore
	store.NoteStore
	store.JobStore
	Close() error
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info(ctx, "starting agentd",
		"version", version,
		"config", configPath,
		"provider", cfg.Inference.Provider,
		"model", cfg.Inference.Model,
	)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(registry)

	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "agentd",
		ServiceVersion: version,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		EnableInsecure: cfg.Tracing.Insecure,
	})
	defer func() {
		shutdownCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Warn(shutdownCtx, "tracer shutdown", "error", err)
		}
	}()

	st, err := openStore(cfg.Storage)
	if err != nil {
		return err
	}
	defer st.Close()

	provider, err := buildProvider(cfg.Inference)
	if err != nil {
		return err
	}

	sessionSvc := sessions.NewService(st, nil, "agentd")
	noteSvc := notes.NewService(st)

	toolRegistry := agent.NewRegistry()
	registerTools(toolRegistry, cfg.Tools, noteSvc, logger)

	dispatcher := agent.NewDispatcher(toolRegistry)
	executor := agent.NewExecutor(dispatcher, agent.ExecutorConfig{
		MaxConcurrency: cfg.Agent.MaxConcurrency,
		Timeout:        cfg.Agent.ToolTimeout,
	}, metrics, tracer)

	prompt, err := agent.NewPromptCache(cfg.Agent.PromptFile, toolRegistry, dispatcher, logger)
	if err != nil {
		return fmt.Errorf("prompt cache: %w", err)
	}
	if cfg.Agent.PromptFile != "" {
		if err := prompt.Watch(ctx); err != nil {
			logger.Warn(ctx, "prompt file watch unavailable", "error", err)
		}
		defer prompt.Close()
	}

	stop := agent.NewStopSignal()
	compactor := compact.New(compact.Config{
		DefaultBudget:     cfg.Compact.DefaultBudget,
		Budgets:           cfg.Compact.Budgets,
		HotTailIterations: cfg.Compact.HotTailIterations,
	}, st)

	loop := agent.NewLoop(
		provider, executor, prompt, sessionSvc, compactor, st,
		agent.LoopConfig{
			MaxIterations:         cfg.Agent.MaxIterations,
			MaxWallTime:           cfg.Agent.MaxWallTime,
			CountFailedIterations: cfg.Agent.CountFailed(),
			Model:                 cfg.Inference.Model,
			Temperature:           cfg.Inference.Temperature,
			MaxTokens:             cfg.Inference.MaxTokens,
		},
		stop.Check(), logger, metrics, tracer,
	)

	jobMgr := jobs.NewManager(st, cfg.Jobs, logger, metrics)
	if err := jobMgr.Start(); err != nil {
		return fmt.Errorf("job manager: %w", err)
	}

	server := gateway.NewServer(cfg.Server, loop, jobMgr, sessionSvc, stop, prompt, logger, registry)
	if err := server.Start(); err != nil {
		jobMgr.Stop()
		return err
	}

	<-ctx.Done()
	logger.Info(context.Background(), "shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, "http shutdown", "error", err)
	}
	jobMgr.Stop()
	return nil
}

func openStore(cfg config.StorageConfig) (backingStore, error) {
	if cfg.Path == "" {
		return store.NewMemory(), nil
	}
	return store.OpenSQLite(cfg.Path)
}

func buildProvider(cfg config.InferenceConfig) (inference.Provider, error) {
	switch cfg.Provider {
	case "anthropic":
		return inference.NewAnthropicProvider(inference.AnthropicConfig{
			APIKey:       cfg.APIKey,
			BaseURL:      cfg.BaseURL,
			DefaultModel: cfg.Model,
		})
	case "openai":
		return inference.NewOpenAIProvider(inference.OpenAIConfig{
			APIKey:       cfg.APIKey,
			BaseURL:      cfg.BaseURL,
			DefaultModel: cfg.Model,
			MaxRetries:   cfg.MaxRetries,
		}), nil
	default:
		return nil, fmt.Errorf("unknown inference provider %q", cfg.Provider)
	}
}

// registerTools installs the built-in toolset, honoring the enabled
// list when one is configured. The retrieval tool is registered by
// deployments that bind a search backend; the core binary ships
// without one.
func registerTools(registry *agent.Registry, cfg config.ToolsConfig, noteSvc *notes.Service, logger *observability.Logger) {
	enabled := func(name string) bool {
		return len(cfg.Enabled) == 0 || slices.Contains(cfg.Enabled, name)
	}

	if enabled("websearch") {
		registry.Register(websearch.New(cfg.Websearch))
	}
	if enabled("memo") {
		registry.Register(memo.New(noteSvc))
	}

	ctx := context.Background()
	for _, t := range registry.List() {
		logger.Info(ctx, "tool registered", "tool", t.Name())
	}
}
