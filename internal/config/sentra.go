package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
)

// SentraConfig is the hot-reloadable settings surface the env var list
// documents: transport, LLM defaults, bundling/gate tuning, response
// formatting, the delayed-job worker, and task recovery. A SentraConfig
// value is immutable once built; reload produces a new value and swaps the
// pointer atomically rather than mutating fields in place, so a reader that
// already holds a pointer never observes a half-updated config.
type SentraConfig struct {
	WSHost                 string
	WSPort                 int
	WSReconnectIntervalMs  int
	WSMaxReconnectAttempts int

	APIKey     string
	APIBaseURL string

	MainAIModel string
	Temperature float64
	MaxTokens   int
	TimeoutMs   int

	MaxConversationPairs int
	MCPMaxContextPairs   int

	ContextMemoryEnabled               bool
	ContextMemoryModel                 string
	ContextMemoryTriggerDiscardedPairs int

	BundleWindowMs int
	BundleMaxMs    int

	MaxResponseRetries      int
	MaxResponseTokens       int
	EnableStrictFormatCheck bool

	SendRPCMaxRetries int
	SendRPCTimeoutMs  int

	DelayQueuePollIntervalMs int
	DelayQueueMaxLagMs       int

	TaskRecoveryMaxFailureAttempts int
	TaskRecoveryFileTTLHours       int

	SentraEmoURL     string
	SentraEmoTimeout time.Duration

	RedisURL string // REDIS_URL, backs the delayed-job queue
	DataDir  string // SENTRA_DATA_DIR, root for the file-backed collaborator stores
}

// DefaultSentraConfig mirrors the deployment defaults (bundle window
// ~1.2s, delay queue poll ~1s, 180s default timeout capped at a 900s hard
// ceiling).
func DefaultSentraConfig() SentraConfig {
	return SentraConfig{
		WSHost:                 "0.0.0.0",
		WSPort:                 8787,
		WSReconnectIntervalMs:  1000,
		WSMaxReconnectAttempts: 10,

		MainAIModel: "claude-3-5-sonnet-20241022",
		Temperature: 0.7,
		MaxTokens:   4096,
		TimeoutMs:   180_000,

		MaxConversationPairs: 20,
		MCPMaxContextPairs:   20,

		ContextMemoryEnabled:                false,
		ContextMemoryTriggerDiscardedPairs: 10,

		BundleWindowMs: 1200,
		BundleMaxMs:    6000,

		MaxResponseRetries:      2,
		MaxResponseTokens:       2048,
		EnableStrictFormatCheck: true,

		SendRPCMaxRetries: 3,
		SendRPCTimeoutMs:  10_000,

		DelayQueuePollIntervalMs: 1000,
		DelayQueueMaxLagMs:       60_000,

		TaskRecoveryMaxFailureAttempts: 3,
		TaskRecoveryFileTTLHours:       72,

		SentraEmoTimeout: 5 * time.Second,

		RedisURL: "redis://localhost:6379/0",
		DataDir:  "./sentra-data",
	}
}

// LoadSentraConfigFromEnv builds a SentraConfig from the process
// environment, falling back to DefaultSentraConfig for anything unset.
func LoadSentraConfigFromEnv() SentraConfig {
	cfg := DefaultSentraConfig()

	cfg.WSHost = envString("WS_HOST", cfg.WSHost)
	cfg.WSPort = envInt("WS_PORT", cfg.WSPort)
	cfg.WSReconnectIntervalMs = envInt("WS_RECONNECT_INTERVAL_MS", cfg.WSReconnectIntervalMs)
	cfg.WSMaxReconnectAttempts = envInt("WS_MAX_RECONNECT_ATTEMPTS", cfg.WSMaxReconnectAttempts)

	cfg.APIKey = envString("API_KEY", cfg.APIKey)
	cfg.APIBaseURL = envString("API_BASE_URL", cfg.APIBaseURL)

	cfg.MainAIModel = envString("MAIN_AI_MODEL", cfg.MainAIModel)
	cfg.Temperature = envFloat("TEMPERATURE", cfg.Temperature)
	cfg.MaxTokens = envInt("MAX_TOKENS", cfg.MaxTokens)
	cfg.TimeoutMs = clampTimeoutMs(envInt("TIMEOUT", cfg.TimeoutMs))

	cfg.MaxConversationPairs = envInt("MAX_CONVERSATION_PAIRS", cfg.MaxConversationPairs)
	cfg.MCPMaxContextPairs = envInt("MCP_MAX_CONTEXT_PAIRS", cfg.MCPMaxContextPairs)

	cfg.ContextMemoryEnabled = envBool("CONTEXT_MEMORY_ENABLED", cfg.ContextMemoryEnabled)
	cfg.ContextMemoryModel = envString("CONTEXT_MEMORY_MODEL", cfg.ContextMemoryModel)
	cfg.ContextMemoryTriggerDiscardedPairs = envInt("CONTEXT_MEMORY_TRIGGER_DISCARDED_PAIRS", cfg.ContextMemoryTriggerDiscardedPairs)

	cfg.BundleWindowMs = envInt("BUNDLE_WINDOW_MS", cfg.BundleWindowMs)
	cfg.BundleMaxMs = envInt("BUNDLE_MAX_MS", cfg.BundleMaxMs)

	cfg.MaxResponseRetries = envInt("MAX_RESPONSE_RETRIES", cfg.MaxResponseRetries)
	cfg.MaxResponseTokens = envInt("MAX_RESPONSE_TOKENS", cfg.MaxResponseTokens)
	cfg.EnableStrictFormatCheck = envBool("ENABLE_STRICT_FORMAT_CHECK", cfg.EnableStrictFormatCheck)

	cfg.SendRPCMaxRetries = envInt("SEND_RPC_MAX_RETRIES", cfg.SendRPCMaxRetries)
	cfg.SendRPCTimeoutMs = envInt("SEND_RPC_TIMEOUT_MS", cfg.SendRPCTimeoutMs)

	cfg.DelayQueuePollIntervalMs = envInt("DELAY_QUEUE_POLL_INTERVAL_MS", cfg.DelayQueuePollIntervalMs)
	cfg.DelayQueueMaxLagMs = envInt("DELAY_QUEUE_MAX_LAG_MS", cfg.DelayQueueMaxLagMs)

	cfg.TaskRecoveryMaxFailureAttempts = envInt("TASK_RECOVERY_MAX_FAILURE_ATTEMPTS", cfg.TaskRecoveryMaxFailureAttempts)
	cfg.TaskRecoveryFileTTLHours = envInt("TASK_RECOVERY_FILE_TTL_HOURS", cfg.TaskRecoveryFileTTLHours)

	cfg.SentraEmoURL = envString("SENTRA_EMO_URL", cfg.SentraEmoURL)
	if ms := envInt("SENTRA_EMO_TIMEOUT", -1); ms >= 0 {
		cfg.SentraEmoTimeout = time.Duration(ms) * time.Millisecond
	}

	cfg.RedisURL = envString("REDIS_URL", cfg.RedisURL)
	cfg.DataDir = envString("SENTRA_DATA_DIR", cfg.DataDir)

	// A sidecar overlay file (JSON/JSON5) lets a deployment override env
	// values without restarting the process; see SentraConfigStore.
	if overlay := os.Getenv("SENTRA_CONFIG_FILE"); overlay != "" {
		if err := applyOverlayFile(&cfg, overlay); err != nil {
			slog.Default().Warn("sentra config overlay failed", "path", overlay, "error", err)
		}
	}

	return cfg
}

func applyOverlayFile(cfg *SentraConfig, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var overlay map[string]any
	if err := json5.Unmarshal(data, &overlay); err != nil {
		return err
	}
	applyOverlayMap(cfg, overlay)
	return nil
}

// applyOverlayMap assigns the subset of overlay fields present, leaving
// env-derived defaults for everything the overlay omits.
func applyOverlayMap(cfg *SentraConfig, overlay map[string]any) {
	if v, ok := overlay["mainAiModel"].(string); ok {
		cfg.MainAIModel = v
	}
	if v, ok := overlay["temperature"].(float64); ok {
		cfg.Temperature = v
	}
	if v, ok := overlay["maxTokens"].(float64); ok {
		cfg.MaxTokens = int(v)
	}
	if v, ok := overlay["timeout"].(float64); ok {
		cfg.TimeoutMs = clampTimeoutMs(int(v))
	}
	if v, ok := overlay["maxResponseRetries"].(float64); ok {
		cfg.MaxResponseRetries = int(v)
	}
	if v, ok := overlay["maxResponseTokens"].(float64); ok {
		cfg.MaxResponseTokens = int(v)
	}
	if v, ok := overlay["bundleWindowMs"].(float64); ok {
		cfg.BundleWindowMs = int(v)
	}
	if v, ok := overlay["bundleMaxMs"].(float64); ok {
		cfg.BundleMaxMs = int(v)
	}
	if v, ok := overlay["apiKey"].(string); ok {
		cfg.APIKey = v
	}
	if v, ok := overlay["apiBaseUrl"].(string); ok {
		cfg.APIBaseURL = v
	}
}

const (
	minTimeoutMs     = 1
	defaultMaxTimeout = 180_000
	hardMaxTimeoutMs = 900_000
)

// clampTimeoutMs enforces that all timeouts are capped: default 180s, hard
// cap 900s.
func clampTimeoutMs(ms int) int {
	if ms <= 0 {
		return defaultMaxTimeout
	}
	if ms > hardMaxTimeoutMs {
		return hardMaxTimeoutMs
	}
	return ms
}

func envString(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// SentraConfigStore holds the live SentraConfig behind an atomic pointer
// and, when SENTRA_CONFIG_FILE is set, watches that overlay file for
// changes and swaps in a freshly built snapshot on write — the same
// fsnotify-plus-debounce shape internal/templates.Registry uses for
// template hot reload, but applied to a single immutable value instead of
// a map that readers lock around.
type SentraConfigStore struct {
	current atomic.Pointer[SentraConfig]

	overlayPath string
	logger      *slog.Logger

	watcher     *fsnotify.Watcher
	watchCancel func()
	watchWg     sync.WaitGroup
}

// NewSentraConfigStore builds a store seeded from the environment.
func NewSentraConfigStore(logger *slog.Logger) *SentraConfigStore {
	if logger == nil {
		logger = slog.Default()
	}
	s := &SentraConfigStore{
		overlayPath: os.Getenv("SENTRA_CONFIG_FILE"),
		logger:      logger.With("component", "sentra-config"),
	}
	cfg := LoadSentraConfigFromEnv()
	s.current.Store(&cfg)
	return s
}

// Get returns the current snapshot. Callers should take the pointer once
// per use (e.g. once per Turn) rather than re-reading mid-operation, so a
// concurrent reload doesn't tear one logical read across two snapshots.
func (s *SentraConfigStore) Get() *SentraConfig {
	return s.current.Load()
}

// Watch starts watching the overlay file (if SENTRA_CONFIG_FILE is set)
// and reloads the snapshot, debounced by 250ms, on every write/create/
// rename event. It is a no-op if no overlay path is configured.
func (s *SentraConfigStore) Watch() error {
	if s.overlayPath == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.overlayPath)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return err
	}
	s.watcher = watcher

	cancelCh := make(chan struct{})
	s.watchCancel = func() { close(cancelCh) }

	s.watchWg.Add(1)
	go s.watchLoop(cancelCh)
	return nil
}

func (s *SentraConfigStore) watchLoop(cancel <-chan struct{}) {
	defer s.watchWg.Done()

	var mu sync.Mutex
	var timer *time.Timer
	reload := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(250*time.Millisecond, func() {
			cfg := LoadSentraConfigFromEnv()
			s.current.Store(&cfg)
			s.logger.Info("reloaded config", "path", s.overlayPath)
		})
	}

	for {
		select {
		case <-cancel:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(s.overlayPath) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				reload()
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("config watch error", "error", err)
		}
	}
}

// Close stops the watcher, if running.
func (s *SentraConfigStore) Close() error {
	if s.watchCancel != nil {
		s.watchCancel()
	}
	var err error
	if s.watcher != nil {
		err = s.watcher.Close()
	}
	s.watchWg.Wait()
	return err
}
