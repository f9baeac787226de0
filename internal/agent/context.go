package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/dotclaw/dotclaw/internal/config"
	"github.com/dotclaw/dotclaw/internal/memory"
	"github.com/dotclaw/dotclaw/internal/store"
	"github.com/dotclaw/dotclaw/internal/tools/policy"
	"github.com/dotclaw/dotclaw/pkg/models"
)

const (
	memoryBudgetShare = 0.15
	memoryBudgetFloor = 800
	memoryBudgetCeil  = 4000
)

// ContextRequest scopes one context assembly.
type ContextRequest struct {
	Group  string
	UserID string

	RecallQuery      string
	RecallMaxResults int
	RecallMaxTokens  int
	// DisableRecall skips memory recall; profile, stats and behavior are
	// still assembled.
	DisableRecall bool

	// ToolAllow/ToolDeny are the request overlay on the configured
	// policy layers.
	ToolAllow []string
	ToolDeny  []string

	// MessageText feeds behavior inference upstream; the builder itself
	// only carries it through for prompt assembly.
	MessageText string
}

// Timings instruments context assembly for trace records.
type Timings struct {
	ContextBuildMs int64 `json:"context_build_ms"`
	MemoryRecallMs int64 `json:"memory_recall_ms"`
}

// AgentContext is the per-request bundle the dispatcher hands to prompt
// assembly: resolved model, memory lines, profile, behavior, effective
// tool policy and reliability hints. It lives for a single request.
type AgentContext struct {
	Group  string
	UserID string

	Model        string
	Capabilities config.ModelCapabilities

	MemoryBudget int
	Recall       memory.RecallResult
	UserProfile  []string
	MemoryStats  memory.Stats
	Behavior     memory.BehaviorConfig

	ToolPolicy  policy.Policy
	ToolBudgets *policy.RunBudget
	Reliability []models.ToolReliability

	Timings Timings
}

// ContextBuilder assembles AgentContexts from config, memory and audit
// state.
type ContextBuilder struct {
	cfg    *config.Config
	memory *memory.Store
	store  *store.Store
	logger *slog.Logger
	now    func() time.Time
}

// BuilderOption configures a ContextBuilder.
type BuilderOption func(*ContextBuilder)

// WithBuilderLogger sets the logger.
func WithBuilderLogger(logger *slog.Logger) BuilderOption {
	return func(b *ContextBuilder) { b.logger = logger }
}

// WithBuilderNow injects the clock used for timings.
func WithBuilderNow(now func() time.Time) BuilderOption {
	return func(b *ContextBuilder) { b.now = now }
}

// NewContextBuilder wires the builder. The store may be nil in tests
// that skip reliability.
func NewContextBuilder(cfg *config.Config, mem *memory.Store, st *store.Store, opts ...BuilderOption) *ContextBuilder {
	b := &ContextBuilder{
		cfg:    cfg,
		memory: mem,
		store:  st,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "context")
	return b
}

// Build assembles the request context. Memory failures degrade to empty
// sections rather than failing the request; only a nil receiver state
// would error.
func (b *ContextBuilder) Build(ctx context.Context, req ContextRequest) (*AgentContext, error) {
	started := b.now()

	out := &AgentContext{Group: req.Group, UserID: req.UserID}

	out.Model = b.cfg.ResolveModel(req.Group, req.UserID)
	out.Capabilities = b.cfg.CapabilitiesFor(out.Model)
	out.MemoryBudget = memoryBudget(out.Capabilities, req.RecallMaxTokens)

	if !req.DisableRecall && out.MemoryBudget > 0 && req.RecallQuery != "" {
		recallStart := b.now()
		recall, err := b.memory.Recall(ctx, memory.RecallOptions{
			Group:      req.Group,
			UserID:     req.UserID,
			Query:      req.RecallQuery,
			MaxResults: req.RecallMaxResults,
			MaxTokens:  out.MemoryBudget,
		})
		if err != nil {
			b.logger.Warn("memory recall failed", "group", req.Group, "error", err)
		} else {
			out.Recall = recall
		}
		out.Timings.MemoryRecallMs = b.now().Sub(recallStart).Milliseconds()
	}

	profile, err := b.memory.UserProfile(ctx, req.Group, req.UserID, 0)
	if err != nil {
		b.logger.Warn("profile load failed", "group", req.Group, "error", err)
	} else {
		out.UserProfile = profile
	}

	stats, err := b.memory.StatsFor(ctx, req.Group)
	if err != nil {
		b.logger.Warn("memory stats failed", "group", req.Group, "error", err)
	} else {
		out.MemoryStats = stats
	}

	behavior, err := b.memory.BehaviorFor(ctx, req.Group, req.UserID)
	if err != nil {
		b.logger.Warn("behavior load failed", "group", req.Group, "error", err)
		behavior = memory.DefaultBehavior()
	}
	out.Behavior = behavior

	out.ToolPolicy = b.resolvePolicy(req)
	out.ToolBudgets = policy.NewRunBudget(b.cfg.Tools.Budgets)

	if b.store != nil {
		reliability, err := b.store.ToolReliability(ctx, req.Group)
		if err != nil {
			b.logger.Warn("tool reliability failed", "group", req.Group, "error", err)
		} else {
			out.Reliability = reliability
		}
	}

	out.Timings.ContextBuildMs = b.now().Sub(started).Milliseconds()
	return out, nil
}

// resolvePolicy layers the configured policies then the request overlay:
// denies union across layers, allows intersect once any layer sets one.
func (b *ContextBuilder) resolvePolicy(req ContextRequest) policy.Policy {
	layers := []policy.Policy{
		{Allow: b.cfg.Tools.Default.Allow, Deny: b.cfg.Tools.Default.Deny},
	}
	if spec, ok := b.cfg.Tools.Groups[req.Group]; ok {
		layers = append(layers, policy.Policy{Allow: spec.Allow, Deny: spec.Deny})
	}
	if req.UserID != "" {
		if spec, ok := b.cfg.Tools.Users[req.UserID]; ok {
			layers = append(layers, policy.Policy{Allow: spec.Allow, Deny: spec.Deny})
		}
	}
	layers = append(layers, policy.Policy{Allow: req.ToolAllow, Deny: req.ToolDeny})
	return policy.Resolve(layers...)
}

// memoryBudget derives the recall token budget from model capabilities:
// 15% of the window left after reserving output, clamped to [800, 4000],
// then capped by the caller's budget when one is set.
func memoryBudget(caps config.ModelCapabilities, callerMax int) int {
	usable := caps.ContextLength - caps.MaxCompletionTokens
	if usable < 0 {
		usable = 0
	}
	budget := int(float64(usable) * memoryBudgetShare)
	if budget < memoryBudgetFloor {
		budget = memoryBudgetFloor
	}
	if budget > memoryBudgetCeil {
		budget = memoryBudgetCeil
	}
	if callerMax > 0 && callerMax < budget {
		budget = callerMax
	}
	return budget
}
