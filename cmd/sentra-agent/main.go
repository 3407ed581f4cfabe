// Command sentra-agent runs the message-orchestration and reply-scheduler
// core: one persistent duplex connection to an adapter process, feeding a
// bundler -> reply gate -> turn pipeline chain, with background workers
// for delayed follow-ups and crash recovery.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/sentra/agent/internal/collabstore"
	"github.com/sentra/agent/internal/config"
	"github.com/sentra/agent/internal/delayqueue"
	"github.com/sentra/agent/internal/emotion"
	"github.com/sentra/agent/internal/llm"
	"github.com/sentra/agent/internal/mcp"
	"github.com/sentra/agent/internal/mcpexec"
	"github.com/sentra/agent/internal/observability"
	"github.com/sentra/agent/internal/orchestrator"
	"github.com/sentra/agent/internal/recovery"
	"github.com/sentra/agent/internal/socket"
	"github.com/sentra/agent/internal/templates"
	"github.com/sentra/agent/internal/transport"
)

// version/commit/date are set via -ldflags at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("sentra-agent exited with error", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "sentra-agent",
		Short:   "Sentra Agent message-orchestration runtime",
		Version: fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),
	}
	root.AddCommand(buildServeCmd())
	return root
}

func buildServeCmd() *cobra.Command {
	var debug bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration core until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), debug)
		},
	}
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "enable debug-level logging")
	return cmd
}

func runServe(ctx context.Context, debug bool) error {
	if debug {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}

	configStore := config.NewSentraConfigStore(slog.Default())
	if err := configStore.Watch(); err != nil {
		slog.Warn("config overlay watch failed, continuing on env-derived config", "error", err)
	}
	defer configStore.Close()
	cfg := configStore.Get()

	slog.Info("starting sentra-agent", "version", version, "commit", commit, "model", cfg.MainAIModel)

	metrics := observability.NewMetrics()
	_, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "sentra-agent",
		ServiceVersion: version,
		Endpoint:       os.Getenv("OTEL_ENDPOINT"),
	})
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			slog.Warn("tracer shutdown failed", "error", err)
		}
	}()

	stopMetricsServer := startMetricsServer(cfg.WSHost)
	defer stopMetricsServer()

	deps, err := buildDependencies(ctx, cfg, metrics)
	if err != nil {
		return fmt.Errorf("build dependencies: %w", err)
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 3)
	go func() { errCh <- deps.transport.Run(ctx) }()
	go func() { deps.recoveryScanner.Run(ctx); errCh <- nil }()
	go func() { deps.delayWorker.Run(ctx); errCh <- nil }()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			slog.Error("component exited with error", "error", err)
		}
	}

	slog.Info("shutting down, waiting for transport to drain")
	select {
	case <-deps.transport.Closed():
	case <-time.After(10 * time.Second):
		slog.Warn("transport did not close within grace period")
	}
	return nil
}

// dependencies holds every long-running component runServe starts.
type dependencies struct {
	transport       *transport.Transport
	recoveryScanner *recovery.Scanner
	delayWorker     *delayqueue.Worker
}

func buildDependencies(ctx context.Context, cfg *config.SentraConfig, metrics *observability.Metrics) (*dependencies, error) {
	dataDir := cfg.DataDir
	for _, dir := range []string{
		dataDir + "/history", dataDir + "/persona", dataDir + "/worldbook",
		dataDir + "/contextmemory", dataDir + "/socialgraph", dataDir + "/taskdata", dataDir + "/templates",
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir %s: %w", dir, err)
		}
	}

	// Collaborator stores: history/persona/worldbook/preset/social-graph/
	// context-memory are out of core scope, so these file-backed
	// implementations are one concrete choice among many.
	historyStore := collabstore.NewHistoryStore(dataDir + "/history")
	personaStore := collabstore.NewPersonaStore(dataDir + "/persona")
	worldbookStore := collabstore.NewWorldbookStore(dataDir + "/worldbook")
	contextMemoryStore := collabstore.NewContextMemoryStore(dataDir + "/contextmemory")
	socialGraphStore := collabstore.NewSocialGraphStore(dataDir + "/socialgraph")
	presetStore := collabstore.NewPresetStore(dataDir + "/preset.json")

	templateRegistry, err := templates.NewRegistryWithBuiltins(&templates.TemplatesConfig{}, dataDir+"/templates")
	if err != nil {
		return nil, fmt.Errorf("build template registry: %w", err)
	}
	promptEngine := collabstore.NewRegistryPromptEngine(templateRegistry)

	emotionClient := emotion.New(emotion.Config{URL: cfg.SentraEmoURL, Timeout: cfg.SentraEmoTimeout})

	llmClient, err := llm.NewClient(ctx, llm.Config{
		DefaultModel:           cfg.MainAIModel,
		APIKey:                 cfg.APIKey,
		APIBaseURL:             cfg.APIBaseURL,
		AnthropicAPIKey:        os.Getenv("ANTHROPIC_API_KEY"),
		OpenAIAPIKey:           os.Getenv("OPENAI_API_KEY"),
		BedrockRegion:          os.Getenv("BEDROCK_REGION"),
		BedrockAccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
		BedrockSecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
		DefaultTemperature:     cfg.Temperature,
		DefaultMaxTokens:       cfg.MaxTokens,
		DefaultTimeout:         time.Duration(cfg.TimeoutMs) * time.Millisecond,
	})
	if err != nil {
		return nil, fmt.Errorf("build llm client: %w", err)
	}

	// The MCP manager starts with no servers configured unless an overlay
	// wires them in; a nil Planner keeps the executor on the no-tools path,
	// a valid degraded mode for a deployment that runs the pipeline
	// without any MCP tool servers.
	mcpManager := mcp.NewManager(&mcp.Config{Enabled: false}, slog.Default())
	if err := mcpManager.Start(ctx); err != nil {
		slog.Warn("mcp manager start failed, continuing without tool servers", "error", err)
	}
	planner := mcpexec.NewLLMPlanner(llmClient, mcpManager, cfg.MainAIModel)
	executor := mcpexec.NewExecutor(mcpManager, planner, slog.Default())

	assembler := orchestrator.NewContextAssembler(orchestrator.AssemblerConfig{
		Persona:              personaStore,
		Emotion:              emotionClient,
		Worldbook:            worldbookStore,
		Preset:               presetStore,
		ContextMemory:        contextMemoryStore,
		History:              historyStore,
		PromptEngine:         promptEngine,
		ContextMemoryEnabled: cfg.ContextMemoryEnabled,
		MaxContextPairs:      cfg.MCPMaxContextPairs,
	}, slog.Default())

	desireFromSocialGraph := func(convKey orchestrator.ConversationKey) float64 {
		// Social standing is a per-sender signal, not per-conversation; the
		// gate's bias hook only has the conversation key to work with, so
		// this degrades to "no bias" until a sender-aware variant is
		// needed.
		_ = socialGraphStore
		return 0
	}
	gate := orchestrator.NewGate(orchestrator.DefaultGateConfig(), desireFromSocialGraph)

	tasks := orchestrator.NewActiveTaskRegistry(gate)
	tasks.SetMetrics(metrics)

	runs := orchestrator.NewRunRegistry(executor, slog.Default())

	interventionLogic := orchestrator.NewInterventionLogic(llmClient, tasks, runs, slog.Default())
	interventionLogic.SetMetrics(metrics)

	dispatcher := socket.NewDispatcher(orchestrator.BundlerConfig{
		WindowMs: time.Duration(cfg.BundleWindowMs) * time.Millisecond,
		MaxMs:    time.Duration(cfg.BundleMaxMs) * time.Millisecond,
	}, tasks, slog.Default())
	dispatcher.SetMetrics(metrics)
	dispatcher.SetIntervention(interventionLogic)
	dispatcher.SetHistoryObserver(historyStore)
	dispatcher.SetPersonaObserver(personaStore)
	// No EmotionObserver implementation exists yet: the sidecar client only
	// exposes EmotionXML (a per-turn read), not a running-signal feed, so
	// SetEmotionObserver is left nil — a valid, best-effort-degraded state.
	dispatcher.Bundler().SetMetrics(metrics)

	wsURL := fmt.Sprintf("ws://%s:%d", cfg.WSHost, cfg.WSPort)
	transportCfg := transport.DefaultConfig(wsURL)
	transportCfg.SendTimeout = time.Duration(cfg.SendRPCTimeoutMs) * time.Millisecond
	transportCfg.SendMaxRetry = cfg.SendRPCMaxRetries
	transportCfg.Logger = slog.Default()
	adapterTransport := transport.New(transportCfg, dispatcher.HandleMessage)

	pipeline := orchestrator.NewTurnPipeline(orchestrator.PipelineConfig{
		Assembler:          assembler,
		MCP:                executor,
		LLM:                llmClient,
		Sender:             adapterTransport,
		History:            historyStore,
		Runs:               runs,
		Tasks:              tasks,
		Bundler:            dispatcher.Bundler(),
		TokenCounter:       llmClient,
		MaxResponseTokens:  cfg.MaxResponseTokens,
		MaxResponseRetries: cfg.MaxResponseRetries,
		Logger:             slog.Default(),
		OnTurnDuration: func(d time.Duration) {
			slog.Debug("turn completed", "duration_ms", d.Milliseconds())
		},
	})
	dispatcher.SetPipeline(pipeline)

	recoveryScanner := recovery.NewScanner(recovery.Config{
		Root:               dataDir + "/taskdata",
		MaxFailureAttempts: cfg.TaskRecoveryMaxFailureAttempts,
		FileTTL:            time.Duration(cfg.TaskRecoveryFileTTLHours) * time.Hour,
		Logger:             slog.Default(),
	}, tasks, func(ctx context.Context, msg *orchestrator.IncomingMessage) error {
		convKey := orchestrator.BuildConversationKey(msg)
		decision := tasks.ShouldReply(msg, convKey)
		if !decision.NeedReply {
			return nil
		}
		pipeline.Run(ctx, msg.SenderID, convKey, msg, decision.TaskID)
		return nil
	})
	recoveryScanner.SetMetrics(metrics)

	rdb := redis.NewClient(parseRedisOptions(cfg.RedisURL))
	delayWorker := delayqueue.NewWorker(rdb, delayqueue.Config{
		PollInterval: time.Duration(cfg.DelayQueuePollIntervalMs) * time.Millisecond,
		MaxLag:       time.Duration(cfg.DelayQueueMaxLagMs) * time.Millisecond,
		Logger:       slog.Default(),
	}, func(ctx context.Context, job delayqueue.Job) error {
		var msg orchestrator.IncomingMessage
		if err := decodeJobPayload(job, &msg); err != nil {
			return err
		}
		convKey := orchestrator.BuildConversationKey(&msg)
		decision := tasks.ShouldReply(&msg, convKey)
		if !decision.NeedReply {
			return nil
		}
		pipeline.Run(ctx, msg.SenderID, convKey, &msg, decision.TaskID)
		return nil
	}, func(convID orchestrator.ConversationID) bool {
		return tasks.GetActiveTaskCount(convID) > 0
	}, func(job delayqueue.Job) orchestrator.ConversationID {
		var msg orchestrator.IncomingMessage
		_ = decodeJobPayload(job, &msg)
		return orchestrator.BuildConversationID(&msg)
	})

	return &dependencies{
		transport:       adapterTransport,
		recoveryScanner: recoveryScanner,
		delayWorker:     delayWorker,
	}, nil
}

func parseRedisOptions(url string) *redis.Options {
	opts, err := redis.ParseURL(url)
	if err != nil {
		slog.Warn("invalid REDIS_URL, falling back to localhost default", "url", url, "error", err)
		return &redis.Options{Addr: "localhost:6379"}
	}
	return opts
}

func decodeJobPayload(job delayqueue.Job, msg *orchestrator.IncomingMessage) error {
	if len(job.Payload) == 0 {
		return fmt.Errorf("delay queue job %s has no payload", job.JobID)
	}
	return json.Unmarshal(job.Payload, msg)
}

func startMetricsServer(host string) func() {
	addr := fmt.Sprintf("%s:9090", firstNonEmpty(host, "0.0.0.0"))
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	server := &http.Server{Addr: addr, Handler: mux}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server failed", "error", err)
		}
	}()

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
