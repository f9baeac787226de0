// Package config loads and validates the dotclaw runtime configuration: a
// single JSON file deep-merged over compiled defaults, with environment
// overrides and computed keys applied after the merge.
package config

import (
	"time"
)

// Config is the root runtime configuration.
type Config struct {
	// PrimaryGroup is the tenant allowed to write global-scope memories.
	PrimaryGroup string `yaml:"primaryGroup"`

	Host     HostConfig     `yaml:"host"`
	Telegram TelegramConfig `yaml:"telegram"`
	Models   ModelsConfig   `yaml:"models"`
	Tools    ToolsConfig    `yaml:"tools"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

// HostConfig groups the execution-substrate settings.
type HostConfig struct {
	// DefaultModel is the model used when routing resolves nothing else.
	DefaultModel string `yaml:"defaultModel"`

	Scheduler      SchedulerConfig   `yaml:"scheduler"`
	Container      ContainerConfig   `yaml:"container"`
	Concurrency    ConcurrencyConfig `yaml:"concurrency"`
	Memory         MemoryConfig      `yaml:"memory"`
	BackgroundJobs JobsConfig        `yaml:"backgroundJobs"`
	Failover       FailoverConfig    `yaml:"failover"`
	Streaming      StreamingConfig   `yaml:"streaming"`
	Progress       ProgressConfig    `yaml:"progress"`
	Maintenance    MaintenanceConfig `yaml:"maintenance"`
}

// SchedulerConfig bounds due-task dispatch and retry backoff.
type SchedulerConfig struct {
	PollIntervalMs  int64 `yaml:"pollIntervalMs"`
	TaskMaxRetries  int   `yaml:"taskMaxRetries"`
	TaskRetryBaseMs int64 `yaml:"taskRetryBaseMs"`
	TaskRetryMaxMs  int64 `yaml:"taskRetryMaxMs"`
}

// PollInterval returns the poll cadence as a duration.
func (c SchedulerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// ContainerConfig shapes the sandbox the container runtime launches.
type ContainerConfig struct {
	TimeoutMs    int64   `yaml:"timeoutMs"`
	PidsLimit    int     `yaml:"pidsLimit"`
	Memory       string  `yaml:"memory"`
	CPUs         float64 `yaml:"cpus"`
	ReadOnlyRoot bool    `yaml:"readOnlyRoot"`
	TmpfsSize    string  `yaml:"tmpfsSize"`
	RunUID       int     `yaml:"runUid"`
	RunGID       int     `yaml:"runGid"`

	// Driver is the external command that executes one agent turn. It
	// reads a JSON request document on stdin and writes the result
	// document on stdout. Unset leaves the host unable to dispatch runs.
	Driver     string   `yaml:"driver"`
	DriverArgs []string `yaml:"driverArgs"`
}

// ConcurrencyConfig bounds concurrent agent runs across lanes.
type ConcurrencyConfig struct {
	MaxAgents      int   `yaml:"maxAgents"`
	QueueTimeoutMs int64 `yaml:"queueTimeoutMs"`
	WarmStart      bool  `yaml:"warmStart"`

	// LaneStarvationMs is how long a non-interactive waiter may sit queued
	// before it preempts lane priority.
	LaneStarvationMs int64 `yaml:"laneStarvationMs"`

	// MaxConsecutiveInteractive caps back-to-back interactive dispatches
	// while other lanes wait.
	MaxConsecutiveInteractive int `yaml:"maxConsecutiveInteractive"`
}

// MemoryConfig tunes recall, embeddings and retention for the memory store.
type MemoryConfig struct {
	Recall             RecallConfig            `yaml:"recall"`
	Embeddings         EmbeddingsConfig        `yaml:"embeddings"`
	Maintenance        MemoryMaintenanceConfig `yaml:"maintenance"`
	BehaviorCacheTtlMs int64                   `yaml:"behaviorCacheTtlMs"`
}

// RecallConfig bounds hybrid memory recall.
type RecallConfig struct {
	MaxResults int     `yaml:"maxResults"`
	MaxTokens  int     `yaml:"maxTokens"`
	MinScore   float64 `yaml:"minScore"`
}

// EmbeddingsConfig controls the optional vector-recall blend.
type EmbeddingsConfig struct {
	Enabled         bool    `yaml:"enabled"`
	Model           string  `yaml:"model"`
	Weight          float64 `yaml:"weight"`
	QueryCacheTtlMs int64   `yaml:"queryCacheTtlMs"`
	MaxCandidates   int     `yaml:"maxCandidates"`
	MinItems        int     `yaml:"minItems"`
	MinQueryChars   int     `yaml:"minQueryChars"`
	IntervalMs      int64   `yaml:"intervalMs"`
	MaxBacklog      int     `yaml:"maxBacklog"`
}

// MemoryMaintenanceConfig bounds memory retention.
type MemoryMaintenanceConfig struct {
	MaxItems                 int     `yaml:"maxItems"`
	PruneImportanceThreshold float64 `yaml:"pruneImportanceThreshold"`
	VacuumEnabled            bool    `yaml:"vacuumEnabled"`
	VacuumIntervalDays       int     `yaml:"vacuumIntervalDays"`
}

// JobsConfig tunes the background-job engine.
type JobsConfig struct {
	Enabled            bool            `yaml:"enabled"`
	PollIntervalMs     int64           `yaml:"pollIntervalMs"`
	MaxConcurrent      int             `yaml:"maxConcurrent"`
	MaxRuntimeMs       int64           `yaml:"maxRuntimeMs"`
	LeaseMs            int64           `yaml:"leaseMs"`
	MaxToolSteps       int             `yaml:"maxToolSteps"`
	InlineMaxChars     int             `yaml:"inlineMaxChars"`
	ContextModeDefault string          `yaml:"contextModeDefault"`
	ToolAllow          []string        `yaml:"toolAllow"`
	ToolDeny           []string        `yaml:"toolDeny"`
	AutoSpawn          AutoSpawnConfig `yaml:"autoSpawn"`
}

// AutoSpawnConfig bounds agent-initiated job spawning.
type AutoSpawnConfig struct {
	Enabled    bool `yaml:"enabled"`
	MaxPerHour int  `yaml:"maxPerHour"`
}

// FailoverConfig tunes model failover and cooldowns.
type FailoverConfig struct {
	MaxRetries                int   `yaml:"maxRetries"`
	CooldownRateLimitMs       int64 `yaml:"cooldownRateLimitMs"`
	CooldownTransientMs       int64 `yaml:"cooldownTransientMs"`
	CooldownInvalidResponseMs int64 `yaml:"cooldownInvalidResponseMs"`
}

// StreamingConfig tunes chunk consumption and in-place edit delivery.
type StreamingConfig struct {
	ChunkFlushIntervalMs int64 `yaml:"chunkFlushIntervalMs"`
	EditIntervalMs       int64 `yaml:"editIntervalMs"`
	MaxEditLength        int   `yaml:"maxEditLength"`
}

// ProgressConfig tunes background-job progress pings.
type ProgressConfig struct {
	Enabled      bool     `yaml:"enabled"`
	StartDelayMs int64    `yaml:"startDelayMs"`
	IntervalMs   int64    `yaml:"intervalMs"`
	MaxUpdates   int      `yaml:"maxUpdates"`
	Messages     []string `yaml:"messages"`
}

// MaintenanceConfig tunes the periodic retention loop.
type MaintenanceConfig struct {
	IntervalMs         int64 `yaml:"intervalMs"`
	TraceRetentionDays int   `yaml:"traceRetentionDays"`
	JobRetentionMs     int64 `yaml:"jobRetentionMs"`
	TaskLogRetentionMs int64 `yaml:"taskLogRetentionMs"`
}

// TelegramConfig carries the chat-handler bound and outbound pacing.
// HandlerTimeoutMs is computed post-merge when the file leaves it unset:
// it must strictly exceed the container timeout.
type TelegramConfig struct {
	HandlerTimeoutMs int64 `yaml:"handlerTimeoutMs"`

	// SendsPerSecond and SendBurst pace outbound provider calls below
	// the chat API's global limit.
	SendsPerSecond float64 `yaml:"sendsPerSecond"`
	SendBurst      int     `yaml:"sendBurst"`

	// SendRetries bounds transient-error retries per outbound call.
	SendRetries int `yaml:"sendRetries"`

	// DebounceMs batches rapid-fire inbound messages per chat before the
	// turn pipeline sees them. DebounceByChat overrides the delay for
	// specific chat ids.
	DebounceMs     int64            `yaml:"debounceMs"`
	DebounceByChat map[string]int64 `yaml:"debounceByChat"`
}

// ModelsConfig resolves models and their capabilities.
type ModelsConfig struct {
	// Routing precedence: Users[u] over Groups[g] over Routing.Model over
	// host.defaultModel.
	Routing RoutingConfig `yaml:"routing"`

	// Allowlist enumerates models a request or job may pin via override.
	// Empty means any.
	Allowlist []string `yaml:"allowlist"`

	// Chain is the failover order walked when a model errors.
	Chain []string `yaml:"chain"`

	// Capabilities keys model ids to their limits.
	Capabilities map[string]ModelCapabilities `yaml:"capabilities"`
}

// RoutingConfig selects models per user and per group.
type RoutingConfig struct {
	Model  string            `yaml:"model"`
	Users  map[string]string `yaml:"users"`
	Groups map[string]string `yaml:"groups"`
}

// ModelCapabilities are the limits used for token budgeting.
type ModelCapabilities struct {
	ContextLength       int `yaml:"contextLength"`
	MaxCompletionTokens int `yaml:"maxCompletionTokens"`
}

// ToolsConfig layers tool policies and per-run budgets.
type ToolsConfig struct {
	Default PolicySpec            `yaml:"default"`
	Groups  map[string]PolicySpec `yaml:"groups"`
	Users   map[string]PolicySpec `yaml:"users"`

	// Budgets caps per-run invocations per tool name; 0 means unlimited.
	Budgets map[string]int `yaml:"budgets"`
}

// PolicySpec is one allow/deny layer.
type PolicySpec struct {
	Allow []string `yaml:"allow"`
	Deny  []string `yaml:"deny"`
}

// LoggingConfig controls the process logger.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is json, text, or auto (TTY probe).
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listenAddr"`
}

// TracingConfig controls the OTLP trace exporter. Empty endpoint disables
// tracing.
type TracingConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	SampleRatio float64 `yaml:"sampleRatio"`
	Insecure    bool    `yaml:"insecure"`
}

// Default returns the compiled defaults every load merges over.
func Default() *Config {
	return &Config{
		PrimaryGroup: "main",
		Host: HostConfig{
			DefaultModel: "claude-sonnet-4",
			Scheduler: SchedulerConfig{
				PollIntervalMs:  60_000,
				TaskMaxRetries:  3,
				TaskRetryBaseMs: 60_000,
				TaskRetryMaxMs:  3_600_000,
			},
			Container: ContainerConfig{
				TimeoutMs:    300_000,
				PidsLimit:    256,
				Memory:       "2g",
				CPUs:         2,
				ReadOnlyRoot: true,
				TmpfsSize:    "512m",
				RunUID:       1000,
				RunGID:       1000,
			},
			Concurrency: ConcurrencyConfig{
				MaxAgents:                 3,
				QueueTimeoutMs:            0,
				WarmStart:                 false,
				LaneStarvationMs:          30_000,
				MaxConsecutiveInteractive: 5,
			},
			Memory: MemoryConfig{
				Recall: RecallConfig{
					MaxResults: 12,
					MaxTokens:  2000,
					MinScore:   0.05,
				},
				Embeddings: EmbeddingsConfig{
					Enabled:         false,
					Weight:          0.6,
					QueryCacheTtlMs: 30_000,
					MaxCandidates:   200,
					MinItems:        5,
					MinQueryChars:   3,
					IntervalMs:      15_000,
					MaxBacklog:      256,
				},
				Maintenance: MemoryMaintenanceConfig{
					MaxItems:                 5000,
					PruneImportanceThreshold: 0.25,
					VacuumEnabled:            true,
					VacuumIntervalDays:       7,
				},
				BehaviorCacheTtlMs: 300_000,
			},
			BackgroundJobs: JobsConfig{
				Enabled:            true,
				PollIntervalMs:     1500,
				MaxConcurrent:      2,
				MaxRuntimeMs:       600_000,
				LeaseMs:            120_000,
				MaxToolSteps:       24,
				InlineMaxChars:     8000,
				ContextModeDefault: "isolated",
				AutoSpawn: AutoSpawnConfig{
					Enabled:    false,
					MaxPerHour: 6,
				},
			},
			Failover: FailoverConfig{
				MaxRetries:                3,
				CooldownRateLimitMs:       300_000,
				CooldownTransientMs:       60_000,
				CooldownInvalidResponseMs: 120_000,
			},
			Streaming: StreamingConfig{
				ChunkFlushIntervalMs: 120,
				EditIntervalMs:       1500,
				MaxEditLength:        3900,
			},
			Progress: ProgressConfig{
				Enabled:      true,
				StartDelayMs: 45_000,
				IntervalMs:   90_000,
				MaxUpdates:   3,
				Messages: []string{
					"Still working on it.",
					"Making progress.",
					"Almost there.",
				},
			},
			Maintenance: MaintenanceConfig{
				IntervalMs:         21_600_000,
				TraceRetentionDays: 14,
				JobRetentionMs:     7 * 24 * 3_600_000,
				TaskLogRetentionMs: 14 * 24 * 3_600_000,
			},
		},
		Telegram: TelegramConfig{
			SendsPerSecond: 25,
			SendBurst:      5,
			SendRetries:    3,
			DebounceMs:     800,
			DebounceByChat: map[string]int64{},
		},
		Models: ModelsConfig{
			Capabilities: map[string]ModelCapabilities{},
		},
		Tools: ToolsConfig{
			Groups:  map[string]PolicySpec{},
			Users:   map[string]PolicySpec{},
			Budgets: map[string]int{},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "auto",
		},
		Metrics: MetricsConfig{
			Enabled:    true,
			ListenAddr: "127.0.0.1:9327",
		},
		Tracing: TracingConfig{
			SampleRatio: 1.0,
		},
	}
}

// DefaultModelCapabilities are used when a model has no configured entry.
var DefaultModelCapabilities = ModelCapabilities{
	ContextLength:       131_072,
	MaxCompletionTokens: 8192,
}
