package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/semaphore"

	"github.com/devforgehq/forged/internal/agent"
	"github.com/devforgehq/forged/internal/audit"
	"github.com/devforgehq/forged/internal/config"
	"github.com/devforgehq/forged/internal/cron"
	"github.com/devforgehq/forged/internal/embedder"
	"github.com/devforgehq/forged/internal/gateway"
	"github.com/devforgehq/forged/internal/llm"
	"github.com/devforgehq/forged/internal/memory"
	"github.com/devforgehq/forged/internal/metrics"
	"github.com/devforgehq/forged/internal/orchestrator"
	"github.com/devforgehq/forged/internal/rag"
	"github.com/devforgehq/forged/internal/sessions"
	"github.com/devforgehq/forged/internal/store"
	"github.com/devforgehq/forged/internal/telemetry"
	"github.com/devforgehq/forged/internal/tools"
	"github.com/devforgehq/forged/internal/vector"
	"github.com/devforgehq/forged/internal/webhook"
)

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the gateway daemon",
		Run: func(cmd *cobra.Command, args []string) {
			runGateway()
		},
	}
}

func runGateway() {
	setupLogging()

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("gateway exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	dataDir := cfg.Workspace.DataDir
	for _, sub := range []string{"", "memory", "codebase", "jobs", "work"} {
		if err := os.MkdirAll(filepath.Join(dataDir, sub), 0o755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
	}

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return err
	}
	defer shutdownTelemetry(context.Background())

	auditLog, err := audit.Open(filepath.Join(dataDir, "audit.log"))
	if err != nil {
		return err
	}
	defer auditLog.Close()

	m := metrics.New()

	// Embedding + the two vector indexes.
	embed, err := embedder.New(cfg.Embedding)
	if err != nil {
		return err
	}
	memStore, err := vector.Open(filepath.Join(dataDir, "memory"), "memory", embed.Dimension(), embed.Provenance())
	if err != nil {
		return err
	}
	codeStore, err := vector.Open(filepath.Join(dataDir, "codebase"), "codebase", embed.Dimension(), embed.Provenance())
	if err != nil {
		return err
	}
	memBank := memory.NewBank(memStore, embed, cfg.Retrieval.MemoryK, cfg.Retrieval.MemoryLimit)

	indexer := rag.NewIndexer(cfg.Workspace.Root, filepath.Join(dataDir, "codebase"), codeStore, embed, cfg.Retrieval)
	if err := indexer.Index(ctx, false); err != nil {
		slog.Warn("initial codebase index failed, retrieval degraded", "error", err)
	}
	if cfg.Retrieval.Watch {
		watcher, err := rag.NewWatcher(indexer)
		if err != nil {
			slog.Warn("workspace watcher unavailable", "error", err)
		} else {
			go watcher.Run(ctx)
		}
	}

	// Tool registry over the workspace.
	registry, err := buildRegistry(cfg, auditLog, m, dataDir)
	if err != nil {
		return err
	}

	// Provider chain.
	chain, err := buildChain(cfg.Providers)
	if err != nil {
		return err
	}

	llmSem := semaphore.NewWeighted(cfg.Gateway.MaxLLMInflight)
	loop := agent.New(agent.Config{
		Provider:     chain,
		Registry:     registry,
		Memory:       memBank,
		Indexer:      indexer,
		LLMSem:       llmSem,
		MaxToolCalls: cfg.Roles.MaxToolCalls,
		CodebaseK:    cfg.Retrieval.CodebaseK,
		RecentTurns:  cfg.Roles.RecentTurns,
	})
	orch := orchestrator.New(loop, registry, m, cfg.Pipeline, cfg.Roles)

	turns, err := buildTurnStore(cfg, dataDir)
	if err != nil {
		return err
	}
	defer turns.Close()

	sessionMgr := sessions.NewManager()

	// Webhook ingress + autonomous pipeline, only with a secret configured.
	var ingress *webhook.Ingress
	jobStore, err := webhook.NewJobStore(filepath.Join(dataDir, "jobs"))
	if err != nil {
		return err
	}
	if cfg.Webhook.Secret != "" {
		var creator webhook.PRCreator
		if token := os.Getenv("FORGED_GITHUB_TOKEN"); token != "" {
			creator = webhook.NewGitHubPRCreator(token, "")
		}
		pipeline := webhook.NewPipeline(cfg, chain, embed, jobStore, auditLog, m, creator)
		ingress = webhook.NewIngress(webhook.IngressConfig{
			Secret:            cfg.Webhook.Secret,
			IdempotencyWindow: cfg.Webhook.IdempotencyWindow.Std(),
			Jobs:              jobStore,
			Audit:             auditLog,
			Metrics:           m,
			Runner:            pipeline,
		})
	} else {
		slog.Warn("no webhook secret configured, /webhooks disabled")
	}

	if cfg.Cron.Enabled {
		startCron(ctx, cfg, jobStore, memStore, codeStore, dataDir)
	}

	server := gateway.NewServer(gateway.Deps{
		Config:   cfg,
		Orch:     orch,
		Sessions: sessionMgr,
		Turns:    turns,
		Memory:   memBank,
		Registry: registry,
		Chain:    chain,
		Metrics:  m,
		Ingress:  ingress,
	})
	return server.Start(ctx)
}

func buildRegistry(cfg *config.Config, auditLog *audit.Log, m *metrics.Metrics, dataDir string) (*tools.Registry, error) {
	registry := tools.NewRegistry(tools.RegistryConfig{
		Audit:          auditLog,
		MaxInflight:    cfg.Gateway.MaxToolInflight,
		DefaultTimeout: cfg.Tools.Timeout.Std(),
		MaxTimeout:     cfg.Tools.MaxTimeout.Std(),
		Observe: func(tool, outcome string) {
			m.ToolOutcome.WithLabelValues(tool, outcome).Inc()
		},
	})

	policy := tools.NewPathPolicy(cfg.Workspace.Root, cfg.Tools.SensitivePaths)
	runner := tools.NewShellRunner(policy.Root, cfg.Tools.ShellWhitelist)

	all := []tools.Tool{
		tools.NewReadFileTool(policy),
		tools.NewWriteFileTool(policy),
		tools.NewListFilesTool(policy),
		tools.NewRunShellTool(runner),
		tools.NewRunPythonTool(filepath.Join(dataDir, "work"), cfg.Tools.PythonTimeout.Std(), cfg.Tools.PythonMemoryMB),
		tools.NewHTTPRequestTool(cfg.Tools.HTTPDenyHosts, cfg.Tools.HTTPMaxBytes),
		tools.NewGitCommitTool(runner),
		tools.NewGitCreateBranchTool(runner),
		tools.NewGitStatusTool(runner),
		tools.NewGitDiffTool(runner),
		tools.NewGitLogTool(runner),
		tools.NewGitBranchesTool(runner),
	}
	for _, t := range all {
		if err := registry.Register(t); err != nil {
			return nil, err
		}
	}
	registry.SetTimeout("run_python", cfg.Tools.PythonTimeout.Std())
	registry.SetTimeout("run_shell", cfg.Tools.MaxTimeout.Std())
	registry.Freeze()
	return registry, nil
}

func buildChain(cfg config.ProvidersConfig) (*llm.Chain, error) {
	if len(cfg.Chain) == 0 {
		return nil, fmt.Errorf("no LLM providers configured")
	}
	providers := make([]llm.Provider, 0, len(cfg.Chain))
	for _, pc := range cfg.Chain {
		switch pc.Name {
		case "anthropic":
			providers = append(providers, llm.NewAnthropicProvider(pc.APIKey,
				llm.WithAnthropicModel(pc.Model),
				llm.WithAnthropicBaseURL(pc.APIBase),
				llm.WithAnthropicStreamIdle(cfg.StreamIdle.Std()),
			))
		case "openai":
			providers = append(providers, llm.NewOpenAIProvider(pc.APIKey,
				llm.WithOpenAIModel(pc.Model),
				llm.WithOpenAIBaseURL(pc.APIBase),
				llm.WithOpenAIStreamIdle(cfg.StreamIdle.Std()),
			))
		default:
			return nil, fmt.Errorf("unknown provider %q", pc.Name)
		}
	}
	return llm.NewChain(providers...), nil
}

func buildTurnStore(cfg *config.Config, dataDir string) (store.TurnStore, error) {
	switch cfg.Sessions.Backend {
	case "", "file":
		return store.NewFileStore(filepath.Join(dataDir, "sessions"))
	case "sqlite":
		path := cfg.Sessions.DSN
		if path == "" {
			path = filepath.Join(dataDir, "sessions.db")
		}
		return store.NewSQLiteStore(path)
	default:
		return nil, fmt.Errorf("unknown sessions backend %q", cfg.Sessions.Backend)
	}
}

func startCron(ctx context.Context, cfg *config.Config, jobs *webhook.JobStore, memStore, codeStore *vector.Store, dataDir string) {
	sched := cron.NewScheduler()

	add := func(t cron.Task) {
		if t.Spec == "" {
			return
		}
		if err := sched.Add(t); err != nil {
			slog.Warn("cron task rejected", "task", t.Name, "error", err)
		}
	}

	add(cron.Task{Name: "prune-jobs", Spec: cfg.Cron.PruneSpec, Run: func(ctx context.Context) error {
		n, err := jobs.Prune(cfg.Webhook.IdempotencyWindow.Std())
		if n > 0 {
			slog.Info("pruned webhook job snapshots", "count", n)
		}
		return err
	}})
	add(cron.Task{Name: "persist-indexes", Spec: cfg.Cron.PersistSpec, Run: func(ctx context.Context) error {
		if err := memStore.Persist(); err != nil {
			return err
		}
		return codeStore.Persist()
	}})
	add(cron.Task{Name: "sweep-scratch", Spec: cfg.Cron.SweepSpec, Run: func(ctx context.Context) error {
		return sweepScratch(filepath.Join(dataDir, "work"))
	}})

	go sched.Run(ctx)
}

// sweepScratch removes leftover scratch directories from jobs that died
// without cleanup (crash, kill -9).
func sweepScratch(workDir string) error {
	entries, err := os.ReadDir(workDir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(timeDayAgo()) {
			os.RemoveAll(filepath.Join(workDir, e.Name()))
		}
	}
	return nil
}
