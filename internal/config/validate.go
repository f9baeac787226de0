package config

import (
	"fmt"
	"strings"
)

// Validate checks cross-field constraints the typed decode cannot express.
func (c *Config) Validate() error {
	var issues []string

	if c.Host.Concurrency.MaxAgents < 1 {
		issues = append(issues, "host.concurrency.maxAgents must be >= 1")
	}
	if c.Host.BackgroundJobs.MaxConcurrent < 1 {
		issues = append(issues, "host.backgroundJobs.maxConcurrent must be >= 1")
	}
	if c.Host.BackgroundJobs.PollIntervalMs < 1 {
		issues = append(issues, "host.backgroundJobs.pollIntervalMs must be >= 1")
	}
	if c.Host.Scheduler.PollIntervalMs < 1 {
		issues = append(issues, "host.scheduler.pollIntervalMs must be >= 1")
	}
	if w := c.Host.Memory.Embeddings.Weight; w < 0 || w > 1 {
		issues = append(issues, "host.memory.embeddings.weight must be in [0,1]")
	}
	if t := c.Host.Memory.Maintenance.PruneImportanceThreshold; t < 0 || t > 1 {
		issues = append(issues, "host.memory.maintenance.pruneImportanceThreshold must be in [0,1]")
	}
	if c.Host.Streaming.MaxEditLength < 1 {
		issues = append(issues, "host.streaming.maxEditLength must be >= 1")
	}
	if c.Telegram.HandlerTimeoutMs > 0 && c.Telegram.HandlerTimeoutMs <= c.Host.Container.TimeoutMs {
		issues = append(issues, "telegram.handlerTimeoutMs must exceed host.container.timeoutMs")
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		issues = append(issues, fmt.Sprintf("logging.level %q is not one of debug|info|warn|error", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "", "auto", "json", "text":
	default:
		issues = append(issues, fmt.Sprintf("logging.format %q is not one of auto|json|text", c.Logging.Format))
	}
	if r := c.Tracing.SampleRatio; r < 0 || r > 1 {
		issues = append(issues, "tracing.sampleRatio must be in [0,1]")
	}

	if len(issues) > 0 {
		return fmt.Errorf("invalid config:\n  - %s", strings.Join(issues, "\n  - "))
	}
	return nil
}

// CapabilitiesFor returns the configured capabilities for a model, falling
// back to DefaultModelCapabilities.
func (c *Config) CapabilitiesFor(model string) ModelCapabilities {
	if caps, ok := c.Models.Capabilities[model]; ok {
		if caps.ContextLength <= 0 {
			caps.ContextLength = DefaultModelCapabilities.ContextLength
		}
		if caps.MaxCompletionTokens <= 0 {
			caps.MaxCompletionTokens = DefaultModelCapabilities.MaxCompletionTokens
		}
		return caps
	}
	return DefaultModelCapabilities
}

// ResolveModel applies routing precedence: per-user, then per-group, then
// routing.model, then host.defaultModel.
func (c *Config) ResolveModel(group, userID string) string {
	if userID != "" {
		if m, ok := c.Models.Routing.Users[userID]; ok && m != "" {
			return m
		}
	}
	if group != "" {
		if m, ok := c.Models.Routing.Groups[group]; ok && m != "" {
			return m
		}
	}
	if c.Models.Routing.Model != "" {
		return c.Models.Routing.Model
	}
	return c.Host.DefaultModel
}

// ModelAllowed reports whether a model override may be used. An empty
// allowlist permits any model.
func (c *Config) ModelAllowed(model string) bool {
	if model == "" {
		return true
	}
	if len(c.Models.Allowlist) == 0 {
		return true
	}
	for _, allowed := range c.Models.Allowlist {
		if allowed == model {
			return true
		}
	}
	return false
}
