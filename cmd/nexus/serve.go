package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/loomagent/loom/internal/agent"
	"github.com/loomagent/loom/internal/agent/providers"
	agentsevents "github.com/loomagent/loom/internal/agents/events"
	"github.com/loomagent/loom/internal/agents/heartbeat"
	"github.com/loomagent/loom/internal/audit"
	"github.com/loomagent/loom/internal/config"
	croncore "github.com/loomagent/loom/internal/cron"
	"github.com/loomagent/loom/internal/infra"
	"github.com/loomagent/loom/internal/jobs"
	"github.com/loomagent/loom/internal/mcp"
	modelcatalog "github.com/loomagent/loom/internal/models"
	"github.com/loomagent/loom/internal/observability"
	"github.com/loomagent/loom/internal/sessions"
	"github.com/loomagent/loom/internal/tools/cron"
	"github.com/loomagent/loom/internal/tools/exec"
	"github.com/loomagent/loom/internal/tools/files"
	jobtools "github.com/loomagent/loom/internal/tools/jobs"
	"github.com/loomagent/loom/internal/tools/memorysearch"
	modelstool "github.com/loomagent/loom/internal/tools/models"
	sessiontools "github.com/loomagent/loom/internal/tools/sessions"
	"github.com/loomagent/loom/internal/tools/subagent"
	"github.com/loomagent/loom/internal/tools/websearch"
	"github.com/loomagent/loom/pkg/models"
)

func buildServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the Nexus agent runtime",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath))
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	return cmd
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	structuredLogger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	logger := structuredLogger.Slog().With("component", "serve")

	auditLogger, err := audit.NewLogger(audit.Config{
		Enabled:               cfg.Logging.Level != "",
		Level:                 audit.LevelInfo,
		Format:                audit.FormatJSON,
		Output:                "stderr",
		IncludeToolInput:      true,
		IncludeToolOutput:     false,
		IncludeMessageContent: false,
		MaxFieldSize:          4096,
	})
	if err != nil {
		return fmt.Errorf("init audit logger: %w", err)
	}
	defer auditLogger.Close()

	var shutdownTracer func(context.Context) error
	if cfg.Observability.Tracing.Enabled {
		_, shutdownTracer = observability.NewTracer(observability.TraceConfig{
			ServiceName:    "nexus",
			ServiceVersion: version,
			Environment:    cfg.Observability.Tracing.Environment,
			Endpoint:       cfg.Observability.Tracing.Endpoint,
			SamplingRate:   cfg.Observability.Tracing.SamplingRate,
		})
	}

	metrics := observability.NewMetrics()

	provider, err := buildProvider(cfg)
	if err != nil {
		return fmt.Errorf("build provider: %w", err)
	}

	store := sessions.NewMemoryStore()

	jobStore := jobs.NewMemoryStore()

	approvalChecker := agent.NewApprovalChecker(buildApprovalPolicy(cfg))
	approvalChecker.SetAuditLogger(auditLogger)

	runtime := agent.NewRuntimeWithOptions(provider, store, agent.RuntimeOptions{
		MaxIterations:   cfg.Tools.Execution.MaxIterations,
		ToolParallelism: cfg.Tools.Execution.Parallelism,
		ToolTimeout:     cfg.Tools.Execution.Timeout,
		ApprovalChecker: approvalChecker,
		AsyncTools:      cfg.Tools.Execution.Async,
		JobStore:        jobStore,
		Logger:          logger,
		Metrics:         metrics,
	})
	runtime.SetDefaultModel(defaultModel(cfg))
	if prompt, err := buildDefaultSystemPrompt(cfg); err != nil {
		logger.Warn("failed to load agent identity", "error", err)
	} else if prompt != "" {
		runtime.SetSystemPrompt(prompt)
	}

	var cronScheduler *croncore.Scheduler
	if cfg.Cron.Enabled {
		cronScheduler, err = croncore.NewScheduler(cfg.Cron)
		if err != nil {
			return fmt.Errorf("init cron scheduler: %w", err)
		}
	}

	registerCoreTools(runtime, cfg, jobStore, store, cronScheduler)

	mcpManager := mcp.NewManager(&cfg.MCP, logger)
	if err := mcpManager.Start(ctx); err != nil {
		return fmt.Errorf("start mcp manager: %w", err)
	}
	registered := mcp.RegisterTools(runtime, mcpManager)
	if len(registered) > 0 {
		logger.Info("registered mcp tools", "count", len(registered))
	}

	eventQueue := infra.NewSystemEventsQueue()

	heartbeatRunner := buildHeartbeatRunner(cfg, runtime, eventQueue)

	var watcher *agentsevents.Watcher
	if cfg.Events.Enabled {
		watcher = agentsevents.NewWatcher(cfg.Events, eventQueue, func(channelID string) {
			if _, err := heartbeatRunner.TriggerNow(ctx, "file-event:"+channelID); err != nil {
				logger.Warn("event-triggered heartbeat failed", "error", err)
			}
		}, logger)
	}

	runCtx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	shutdown := infra.NewShutdownCoordinator(10*time.Second, logger)

	if metricsServer, metricsListener, err := startMetricsServer(cfg, logger); err != nil {
		return fmt.Errorf("start metrics server: %w", err)
	} else if metricsServer != nil {
		go func() {
			if err := metricsServer.Serve(metricsListener); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server error", "error", err)
			}
		}()
		shutdown.Register(infra.ShutdownHandler{
			Name:  "metrics",
			Phase: infra.PhaseConnections,
			Func:  metricsServer.Shutdown,
		})
	}

	heartbeatRunner.Start()
	shutdown.Register(infra.ShutdownHandler{
		Name:  "heartbeat",
		Phase: infra.PhaseServices,
		Func: func(context.Context) error {
			heartbeatRunner.Stop()
			return nil
		},
	})

	shutdown.Register(infra.ShutdownHandler{
		Name:  "mcp",
		Phase: infra.PhaseConnections,
		Func: func(context.Context) error {
			return mcpManager.Stop()
		},
	})

	if cronScheduler != nil {
		if err := cronScheduler.Start(runCtx); err != nil {
			return fmt.Errorf("start cron scheduler: %w", err)
		}
		shutdown.Register(infra.ShutdownHandler{
			Name:  "cron",
			Phase: infra.PhaseServices,
			Func:  cronScheduler.Stop,
		})
	}

	if watcher != nil {
		if err := watcher.Start(runCtx); err != nil {
			return fmt.Errorf("start event watcher: %w", err)
		}
		shutdown.Register(infra.ShutdownHandler{
			Name:  "events",
			Phase: infra.PhaseServices,
			Func: func(context.Context) error {
				watcher.Stop()
				return nil
			},
		})
	}

	if shutdownTracer != nil {
		shutdown.Register(infra.ShutdownHandler{
			Name:  "tracer",
			Phase: infra.PhaseConnections,
			Func:  shutdownTracer,
		})
	}

	logger.Info("nexus serving", "default_provider", cfg.LLM.DefaultProvider, "workspace", cfg.Workspace.Path)

	<-runCtx.Done()
	logger.Info("shutdown signal received, draining")
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	for _, result := range shutdown.Shutdown(stopCtx) {
		if result.Error != nil {
			logger.Error("shutdown handler failed", "name", result.Name, "error", result.Error)
		}
	}
	return nil
}

// startMetricsServer starts a background HTTP server exposing Prometheus
// metrics and a health check, if cfg.Server.MetricsPort is set. Returns a
// nil server when metrics are disabled.
func startMetricsServer(cfg *config.Config, logger *slog.Logger) (*http.Server, net.Listener, error) {
	if cfg.Server.MetricsPort == 0 {
		return nil, nil, nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		data, err := json.Marshal(map[string]string{"status": "ok"})
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		_, _ = w.Write(data)
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.MetricsPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, err
	}

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	logger.Info("starting metrics server", "addr", addr)
	return server, listener, nil
}

// buildProvider constructs the configured LLM provider, wrapping it in a
// FailoverOrchestrator when a fallback chain is configured.
func buildProvider(cfg *config.Config) (agent.LLMProvider, error) {
	primaryName := cfg.LLM.DefaultProvider
	primary, err := constructProvider(primaryName, cfg)
	if err != nil {
		return nil, fmt.Errorf("primary provider %q: %w", primaryName, err)
	}

	if len(cfg.LLM.FallbackChain) == 0 {
		return primary, nil
	}

	orchestrator := agent.NewFailoverOrchestrator(primary, agent.DefaultFailoverConfig())
	for _, name := range cfg.LLM.FallbackChain {
		if name == primaryName {
			continue
		}
		fallback, err := constructProvider(name, cfg)
		if err != nil {
			return nil, fmt.Errorf("fallback provider %q: %w", name, err)
		}
		orchestrator.AddProvider(fallback)
	}
	return orchestrator, nil
}

func constructProvider(name string, cfg *config.Config) (agent.LLMProvider, error) {
	pcfg := cfg.LLM.Providers[name]
	switch name {
	case "anthropic":
		return providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:  pcfg.APIKey,
			BaseURL: pcfg.BaseURL,
		})
	case "openai":
		return providers.NewOpenAIProvider(pcfg.APIKey), nil
	case "azure-openai":
		return providers.NewAzureOpenAIProvider(providers.AzureOpenAIConfig{
			APIKey:     pcfg.APIKey,
			BaseURL:    pcfg.BaseURL,
			APIVersion: pcfg.APIVersion,
		})
	case "google":
		return providers.NewGoogleProvider(providers.GoogleConfig{
			APIKey: pcfg.APIKey,
		})
	case "bedrock":
		return providers.NewBedrockProvider(providers.BedrockConfig{
			Region: cfg.LLM.Bedrock.Region,
		})
	case "ollama":
		return providers.NewOllamaProvider(providers.OllamaConfig{
			BaseURL: pcfg.BaseURL,
		}), nil
	case "openrouter":
		return providers.NewOpenRouterProvider(providers.OpenRouterConfig{
			APIKey: pcfg.APIKey,
		})
	default:
		return nil, fmt.Errorf("unknown provider %q", name)
	}
}

func defaultModel(cfg *config.Config) string {
	if pcfg, ok := cfg.LLM.Providers[cfg.LLM.DefaultProvider]; ok && pcfg.DefaultModel != "" {
		return pcfg.DefaultModel
	}
	return ""
}

// buildDefaultSystemPrompt loads the workspace's IDENTITY.md, if present, and
// renders it as a persona preamble prepended to every session's system
// prompt. Returns "" (no error) when the workspace has no IDENTITY.md.
func buildDefaultSystemPrompt(cfg *config.Config) (string, error) {
	id, err := agent.LoadIdentityFromWorkspace(cfg.Workspace.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	if !id.HasValues() {
		return "", nil
	}

	var b strings.Builder
	b.WriteString("You are ")
	if id.Name != "" {
		b.WriteString(id.Name)
	} else {
		b.WriteString("an agent")
	}
	if id.Creature != "" {
		fmt.Fprintf(&b, ", a %s", id.Creature)
	}
	if id.Vibe != "" {
		fmt.Fprintf(&b, " with a %s personality", id.Vibe)
	}
	b.WriteString(".")
	if id.Theme != "" {
		fmt.Fprintf(&b, " Visual theme: %s.", id.Theme)
	}
	if id.Emoji != "" {
		fmt.Fprintf(&b, " Signature emoji: %s.", id.Emoji)
	}
	return b.String(), nil
}

func buildApprovalPolicy(cfg *config.Config) *agent.ApprovalPolicy {
	policy := agent.DefaultApprovalPolicy()
	if approval := cfg.Tools.Execution.Approval; approval.Profile != "" {
		policy.Allowlist = append(policy.Allowlist, approval.Allowlist...)
		policy.Denylist = append(policy.Denylist, approval.Denylist...)
	}
	return policy
}

// registerCoreTools wires the baseline tool surface: files, exec, web,
// memory, subagents, cron, jobs, and sessions.
func registerCoreTools(runtime *agent.Runtime, cfg *config.Config, jobStore jobs.Store, sessionStore sessions.Store, cronScheduler *croncore.Scheduler) {
	filesCfg := files.Config{
		Workspace:    cfg.Workspace.Path,
		MaxReadBytes: cfg.Workspace.MaxChars,
	}
	runtime.RegisterTool(files.NewReadTool(filesCfg))
	runtime.RegisterTool(files.NewWriteTool(filesCfg))
	runtime.RegisterTool(files.NewEditTool(filesCfg))
	runtime.RegisterTool(files.NewApplyPatchTool(filesCfg))

	execManager := exec.NewManager(cfg.Workspace.Path)
	runtime.RegisterTool(exec.NewExecTool("exec", execManager))
	runtime.RegisterTool(exec.NewProcessTool(execManager))

	runtime.RegisterTool(websearch.NewWebSearchTool(&websearch.Config{
		SearXNGURL:     cfg.Tools.WebSearch.URL,
		BraveAPIKey:    cfg.Tools.WebSearch.BraveAPIKey,
		DefaultBackend: websearch.SearchBackend(cfg.Tools.WebSearch.Provider),
	}))
	runtime.RegisterTool(websearch.NewWebFetchTool(&websearch.FetchConfig{
		MaxChars: cfg.Tools.WebFetch.MaxChars,
	}))

	runtime.RegisterTool(memorysearch.NewMemorySearchTool(&memorysearch.Config{
		Directory:     cfg.Tools.MemorySearch.Directory,
		MemoryFile:    cfg.Tools.MemorySearch.MemoryFile,
		WorkspacePath: cfg.Workspace.Path,
		MaxResults:    cfg.Tools.MemorySearch.MaxResults,
		MaxSnippetLen: cfg.Tools.MemorySearch.MaxSnippetLen,
	}))
	runtime.RegisterTool(memorysearch.NewMemoryGetTool(&memorysearch.Config{
		WorkspacePath: cfg.Workspace.Path,
	}))

	subagentManager := subagent.NewManager(runtime, cfg.Tools.Execution.Parallelism)
	runtime.RegisterTool(subagent.NewSpawnTool(subagentManager))
	runtime.RegisterTool(subagent.NewStatusTool(subagentManager))
	runtime.RegisterTool(subagent.NewCancelTool(subagentManager))

	runtime.RegisterTool(jobtools.NewListTool(jobStore))
	runtime.RegisterTool(jobtools.NewStatusTool(jobStore))
	runtime.RegisterTool(jobtools.NewCancelTool(jobStore))

	if cronScheduler != nil {
		runtime.RegisterTool(cron.NewTool(cronScheduler))
	}

	runtime.RegisterTool(sessiontools.NewListTool(sessionStore, cfg.Session.DefaultAgentID))
	runtime.RegisterTool(sessiontools.NewHistoryTool(sessionStore))
	runtime.RegisterTool(sessiontools.NewStatusTool(sessionStore))
	runtime.RegisterTool(sessiontools.NewSendTool(sessionStore, runtime))

	catalog := modelcatalog.NewCatalog()
	var bedrock *modelcatalog.BedrockDiscovery
	if cfg.LLM.Bedrock.Enabled {
		refresh := modelcatalog.DefaultBedrockRefreshInterval
		if cfg.LLM.Bedrock.RefreshInterval != "" {
			if d, err := time.ParseDuration(cfg.LLM.Bedrock.RefreshInterval); err == nil {
				refresh = d
			}
		}
		bedrock = modelcatalog.NewBedrockDiscovery(modelcatalog.BedrockDiscoveryConfig{
			Enabled:              true,
			Region:               cfg.LLM.Bedrock.Region,
			RefreshInterval:      refresh,
			ProviderFilter:       cfg.LLM.Bedrock.ProviderFilter,
			DefaultContextWindow: cfg.LLM.Bedrock.DefaultContextWindow,
			DefaultMaxTokens:     cfg.LLM.Bedrock.DefaultMaxTokens,
		}, nil)
	}
	runtime.RegisterTool(modelstool.NewTool(catalog, bedrock))
}

// buildHeartbeatRunner wires the circuits scheduler from CircuitsRootConfig,
// converting its seconds-granularity fields into heartbeat.RunnerConfig's
// milliseconds-based shape, and drives polls through the Runtime.Process
// pattern used by subagent dispatch.
func buildHeartbeatRunner(cfg *config.Config, runtime *agent.Runtime, eventQueue *infra.SystemEventsQueue) *heartbeat.Runner {
	intervalMs := int64(cfg.Circuits.DefaultIntervalS) * 1000
	if intervalMs <= 0 {
		intervalMs = 5 * 60 * 1000
	}

	runnerCfg := &heartbeat.RunnerConfig{
		Enabled:     cfg.Circuits.Enabled,
		IntervalMs:  intervalMs,
		ActiveHours: heartbeat.DefaultActiveHoursConfig(),
		Visibility:  &heartbeat.Visibility{ShowOk: false, ShowAlerts: true, UseIndicator: true},
		Target:      "last",
		AckMaxChars: 200,
	}

	runner := heartbeat.NewRunner(runnerCfg,
		heartbeat.WithOnRun(func(ctx context.Context, agentID string, rcfg *heartbeat.RunnerConfig) (*heartbeat.RunResult, error) {
			texts := eventQueue.DrainText(agentID)
			if len(texts) == 0 {
				return &heartbeat.RunResult{Status: heartbeat.RunStatusSkipped, Reason: "no pending events"}, nil
			}

			session := &models.Session{AgentID: agentID, Channel: models.ChannelType("cli"), ChannelID: agentID}
			msg := &models.Message{Role: models.RoleSystem, Content: joinLines(texts)}

			start := time.Now()
			chunks, err := runtime.Process(ctx, session, msg)
			if err != nil {
				return &heartbeat.RunResult{Status: heartbeat.RunStatusFailed, Reason: err.Error()}, err
			}

			var preview string
			for chunk := range chunks {
				if chunk.Error != nil {
					return &heartbeat.RunResult{Status: heartbeat.RunStatusFailed, Reason: chunk.Error.Error()}, chunk.Error
				}
				preview += chunk.Text
			}

			return &heartbeat.RunResult{
				Status:     heartbeat.RunStatusRan,
				Preview:    truncate(preview, rcfg.AckMaxChars),
				DurationMs: time.Since(start).Milliseconds(),
			}, nil
		}),
		heartbeat.WithIsBusy(func(agentID string) bool {
			return runtime.IsAgentBusy(agentID)
		}),
	)

	if cfg.Circuits.Enabled {
		runner.RegisterAgent(cfg.Session.DefaultAgentID, runnerCfg)
	}

	return runner
}

func joinLines(lines []string) string {
	out := ""
	for i, l := range lines {
		if i > 0 {
			out += "\n"
		}
		out += l
	}
	return out
}

func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max]
}
