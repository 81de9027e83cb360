package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/relay/internal/advisor"
	"github.com/haasonsaas/relay/internal/agent"
	"github.com/haasonsaas/relay/internal/approval"
	"github.com/haasonsaas/relay/internal/bus"
	"github.com/haasonsaas/relay/internal/config"
	ctxguard "github.com/haasonsaas/relay/internal/context"
	"github.com/haasonsaas/relay/internal/cron"
	"github.com/haasonsaas/relay/internal/exec"
	"github.com/haasonsaas/relay/internal/memory"
	"github.com/haasonsaas/relay/internal/nodes"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/profiler"
	"github.com/haasonsaas/relay/internal/providers"
	"github.com/haasonsaas/relay/internal/routing"
	"github.com/haasonsaas/relay/internal/sessions"
	"github.com/haasonsaas/relay/internal/swarm"
	"github.com/haasonsaas/relay/internal/tools"
	"github.com/haasonsaas/relay/internal/tools/policy"
)

func loadConfig(path string) (config.Config, error) {
	cfg := config.Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// No file is fine; defaults apply.
			return cfg, cfg.Validate()
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

func runServe(configPath, stateDir, listen string, debug bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	stateDir, err = resolveStateDir(stateDir)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := observability.NewMetrics()
	messageBus := bus.New(bus.DefaultConfig(), bus.WithLogger(logger), bus.WithMetrics(metrics))

	sessionStore, err := sessions.NewFileStore(filepath.Join(stateDir, "sessions"))
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}

	registry, err := buildProviders(cfg, logger, metrics)
	if err != nil {
		return err
	}

	approvals := approval.NewManager(approval.WithLogger(logger))
	approvals.Start(ctx)
	gate := approval.NewGate(approvals, 0)

	var nodeMgr *nodes.Manager
	if cfg.Nodes.Enabled {
		registryPath := cfg.Nodes.RegistryPath
		if registryPath == "" {
			registryPath = filepath.Join(stateDir, "nodes.json")
		}
		nodeMgr, err = nodes.NewManager(cfg.Nodes.AuthToken, registryPath,
			nodes.WithManagerLogger(logger),
			nodes.WithAutoApprove(cfg.Nodes.AutoApprove),
			nodes.WithPingInterval(cfg.Nodes.PingInterval))
		if err != nil {
			return fmt.Errorf("open node registry: %w", err)
		}
	}

	executor, toolRegistry, err := buildExecutor(cfg, nodeMgr, gate, logger, metrics)
	if err != nil {
		return err
	}

	advCfg := advisor.DefaultConfig()
	if tr := cfg.Agents.ToolReinforcement; tr.Enabled {
		advCfg.MinCallsForConfidence = tr.MinCallsForConfidence
		advCfg.DefaultConfidence = tr.DefaultConfidence
		advCfg.ErrorWarningThreshold = tr.ErrorWarningThreshold
		advCfg.SuggestAlternativeThreshold = tr.SuggestAlternativeThreshold
	}
	adv, err := advisor.New(filepath.Join(stateDir, "tool_stats.json"), advCfg, advisor.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("open tool advisor: %w", err)
	}

	profiles, err := profiler.NewRegistry(filepath.Join(stateDir, "profiles.json"),
		profiler.WithRegistryLogger(logger))
	if err != nil {
		return fmt.Errorf("open profile registry: %w", err)
	}

	loopOpts := []agent.Option{
		agent.WithLogger(logger),
		agent.WithAdvisor(adv),
		agent.WithProfiles(profiles),
		agent.WithResponseCache(5*time.Minute, 256),
	}

	var memoryStore *memory.Store
	if cfg.Agents.Memory.Enabled {
		searcher, store, err := buildMemory(ctx, cfg, stateDir, logger)
		if err != nil {
			return err
		}
		memoryStore = store
		loopOpts = append(loopOpts, agent.WithRecall(searcher))
	}

	guardModel := cfg.Agents.Defaults.Model
	guardOpts := []ctxguard.GuardOption{ctxguard.WithGuardLogger(logger)}
	if memoryStore != nil && cfg.Agents.Memory.SaveCompactionSummaries {
		guardOpts = append(guardOpts, ctxguard.WithSummaryCallback(memoryStore.SaveSummary))
	}
	guard := ctxguard.NewGuard(ctxguard.WindowFor(guardModel), 0.8, registry.Chat, guardModel, guardOpts...)
	loopOpts = append(loopOpts, agent.WithGuard(guard))

	if cfg.Agents.TieredRouting.Enabled {
		router, err := routing.New(cfg.Agents.TieredRouting.Routing, registry,
			routing.WithLogger(logger),
			routing.WithClassifierClient(registry))
		if err != nil {
			return fmt.Errorf("build router: %w", err)
		}
		loopOpts = append(loopOpts, agent.WithRouter(router))
	}

	if p := cfg.Agents.Profiler; p.Enabled && p.AutoInterview {
		interviewerModel := p.InterviewerModel
		if interviewerModel == "" {
			interviewerModel = cfg.Agents.Defaults.Model
		}
		assessor := profiler.NewInterviewer(registry, interviewerModel,
			profiler.WithInterviewerLogger(logger),
			profiler.WithCaseTimeout(p.TestTimeout))
		loopOpts = append(loopOpts, agent.WithAssessor(assessor))
	}

	if cfg.Agents.Swarm.Enabled {
		swarmCfg := swarm.DefaultConfig()
		if cfg.Agents.Swarm.MaxWorkers > 0 {
			swarmCfg.MaxWorkers = cfg.Agents.Swarm.MaxWorkers
		}
		swarmCfg.OrchestratorModel = cfg.Agents.Swarm.OrchestratorModel
		if swarmCfg.OrchestratorModel == "" {
			swarmCfg.OrchestratorModel = cfg.Agents.Defaults.Model
		}
		swarmCfg.WorkerModel = cfg.Agents.Swarm.WorkerModel
		if cfg.Agents.SelfHeal.SwarmMaxRetries > 0 {
			swarmCfg.MaxRetries = cfg.Agents.SelfHeal.SwarmMaxRetries
		}
		orchestrator := swarm.New(registry, swarmCfg, swarm.WithLogger(logger))
		loopOpts = append(loopOpts, agent.WithSwarm(orchestrator))
	}

	agentCfg := agent.DefaultConfig()
	agentCfg.DefaultModel = cfg.Agents.Defaults.Model
	if cfg.Agents.Defaults.MaxToolIterations > 0 {
		agentCfg.MaxIterations = cfg.Agents.Defaults.MaxToolIterations
	}
	if cfg.Agents.Defaults.MaxTokens > 0 {
		agentCfg.MaxTokens = cfg.Agents.Defaults.MaxTokens
	}
	agentCfg.Swarm = agent.SwarmConfig{
		Enabled:             cfg.Agents.Swarm.Enabled,
		AutoTrigger:         cfg.Agents.Swarm.AutoTrigger,
		ComplexityThreshold: cfg.Agents.Swarm.ComplexityThreshold,
	}
	if tr := cfg.Agents.ToolReinforcement; tr.Enabled {
		agentCfg.Advisor = agent.AdvisorConfig{
			PreValidation:     tr.PreValidation,
			AdaptiveSelection: tr.AdaptiveSelection,
		}
	}

	loop, err := agent.New(agentCfg, messageBus, messageBus, sessionStore, registry, toolRegistry, executor, loopOpts...)
	if err != nil {
		return err
	}

	scheduler := cron.NewScheduler(messageBus, cron.WithLogger(logger))
	scheduler.Start(ctx)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if nodeMgr != nil {
		mux.HandleFunc("/ws/node", nodeMgr.HandleWS)
	}
	srv := &http.Server{Addr: listen, Handler: mux}
	go func() {
		logger.Info("http server listening", "addr", listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			stop()
		}
	}()

	logger.Info("relay gateway started",
		"model", cfg.Agents.Defaults.Model,
		"routing", cfg.Agents.TieredRouting.Enabled,
		"nodes", cfg.Nodes.Enabled)

	runErr := loop.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	logger.Info("relay gateway stopped")
	return nil
}

func resolveStateDir(stateDir string) (string, error) {
	if stateDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve state dir: %w", err)
		}
		stateDir = filepath.Join(home, ".relay")
	}
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return "", fmt.Errorf("create state dir: %w", err)
	}
	return stateDir, nil
}

// buildProviders registers every backend the environment has
// credentials for. Ollama is always present as the catch-all.
func buildProviders(cfg config.Config, logger *slog.Logger, metrics *observability.Metrics) (*providers.Registry, error) {
	registry := providers.NewRegistry(
		providers.WithLogger(logger),
		providers.WithMetrics(metrics))

	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		backend, err := providers.NewAnthropicBackend(key, logger)
		if err != nil {
			return nil, fmt.Errorf("anthropic backend: %w", err)
		}
		registry.Register(backend, "claude")
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		backend, err := providers.NewOpenAIBackend(key, os.Getenv("OPENAI_BASE_URL"), logger)
		if err != nil {
			return nil, fmt.Errorf("openai backend: %w", err)
		}
		registry.Register(backend, "gpt", "o1", "o3", "o4", "chatgpt")
	}
	registry.Register(providers.NewOllamaBackend(ollamaBaseURL(), 0, logger))
	return registry, nil
}

func ollamaBaseURL() string {
	if url := os.Getenv("OLLAMA_HOST"); url != "" {
		return url
	}
	return "http://localhost:11434"
}

// buildExecutor wires the tool registry, the exec tool, and the
// self-healing execution pipeline.
func buildExecutor(cfg config.Config, nodeMgr *nodes.Manager, gate *approval.Gate, logger *slog.Logger, metrics *observability.Metrics) (*tools.Executor, *tools.Registry, error) {
	var invoker exec.NodeInvoker
	if nodeMgr != nil {
		invoker = nodeMgr
	}
	execRouter := exec.NewRouter(invoker,
		exec.WithFallbackToLocal(cfg.Exec.FallbackToLocal),
		exec.WithRouterLogger(logger))
	execTool, err := exec.NewTool(execRouter)
	if err != nil {
		return nil, nil, fmt.Errorf("build exec tool: %w", err)
	}

	toolRegistry := tools.NewRegistry()
	toolRegistry.Register(execTool)

	toolPolicy := &policy.Policy{
		Allow:           cfg.Security.ToolPolicy.Allow,
		Deny:            cfg.Security.ToolPolicy.Deny,
		RequireApproval: cfg.Security.ToolPolicy.RequireApproval,
		RequireElevated: cfg.Security.ToolPolicy.RequireElevated,
	}

	retry := tools.DefaultRetryConfig()
	if sh := cfg.Agents.SelfHeal; sh.Enabled {
		retry.MaxRetries = sh.MaxToolRetries
		retry.BaseDelay = sh.RetryBaseDelay
		retry.MaxDelay = sh.RetryMaxDelay
		if sh.RetryExponentialBase >= 1 {
			retry.ExponentialBase = sh.RetryExponentialBase
		}
	} else {
		retry.MaxRetries = 0
	}

	executor := tools.NewExecutor(toolRegistry,
		tools.WithPolicy(toolPolicy),
		tools.WithApprover(gate),
		tools.WithRetryConfig(retry),
		tools.WithBreaker(cfg.Agents.SelfHeal.CircuitBreakerThreshold, cfg.Agents.SelfHeal.CircuitBreakerCooldown),
		tools.WithToolTimeout(cfg.Exec.Timeout),
		tools.WithExecutorLogger(logger),
		tools.WithExecutorMetrics(metrics))
	return executor, toolRegistry, nil
}

// buildMemory opens the store, the vector index, and the embedder
// chain, and starts the daily evolution cycle.
func buildMemory(ctx context.Context, cfg config.Config, stateDir string, logger *slog.Logger) (*memory.Searcher, *memory.Store, error) {
	root := filepath.Join(stateDir, "memory")
	store, err := memory.NewStore(root, memory.WithStoreLogger(logger))
	if err != nil {
		return nil, nil, fmt.Errorf("open memory store: %w", err)
	}
	vectors, err := memory.LoadVectorIndex(filepath.Join(root, "vectors.json"))
	if err != nil {
		return nil, nil, fmt.Errorf("open vector index: %w", err)
	}

	var chain []memory.Embedder
	if cfg.Agents.Memory.VectorSearch {
		if key := os.Getenv("OPENAI_API_KEY"); key != "" {
			if emb, err := memory.NewOpenAIEmbedder(key, os.Getenv("OPENAI_BASE_URL"), ""); err == nil {
				chain = append(chain, emb)
			}
		}
		chain = append(chain, memory.NewOllamaEmbedder(ollamaBaseURL(), ""))
	}
	chain = append(chain, memory.NewHashEmbedder(0))
	embedder := memory.NewChainEmbedder(logger, chain...)

	searchCfg := memory.DefaultSearchConfig()
	if m := cfg.Agents.Memory; m.VectorWeight+m.KeywordWeight+m.RecencyWeight > 0 {
		searchCfg.VectorWeight = m.VectorWeight
		searchCfg.KeywordWeight = m.KeywordWeight
		searchCfg.RecencyWeight = m.RecencyWeight
	}
	if cfg.Agents.Memory.RecencyDays > 0 {
		searchCfg.RecencyDays = cfg.Agents.Memory.RecencyDays
	}
	searcher := memory.NewSearcher(store, vectors, embedder, searchCfg,
		memory.WithSearcherLogger(logger))

	evolution := memory.NewEvolution(store, vectors, memory.DefaultEvolutionConfig(),
		memory.WithEvolutionLogger(logger))
	go runEvolution(ctx, evolution, logger)

	return searcher, store, nil
}

func runEvolution(ctx context.Context, evolution *memory.Evolution, logger *slog.Logger) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := evolution.Cycle(false)
			if err != nil {
				logger.Error("memory evolution failed", "error", err)
				continue
			}
			if report.Changed() {
				logger.Info("memory evolution cycle",
					"promoted", len(report.Promoted),
					"decayed", len(report.Decayed),
					"archived", len(report.Archived),
					"consolidated", len(report.Consolidated))
			}
		}
	}
}
