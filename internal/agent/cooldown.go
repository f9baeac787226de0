package agent

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/dotclaw/dotclaw/internal/config"
	"github.com/dotclaw/dotclaw/internal/observability"
)

// EnvDisableCooldownPersistence skips the cooldown file entirely when
// set to "1", keeping cooldowns process-local.
const EnvDisableCooldownPersistence = "DOTCLAW_DISABLE_FAILOVER_COOLDOWN_PERSISTENCE"

const (
	cooldownFileVersion = 1
	cooldownMaxEntries  = 128

	// persistFloorMs gates persistence on a plausible wall clock so an
	// injected test clock never overwrites real on-disk state.
	persistFloorMs = int64(1_000_000_000_000)

	timeoutCooldownFloor = 15 * time.Minute
	timeoutCooldownCeil  = 6 * time.Hour
)

// CooldownRegistry tracks models that recently failed and when they may
// be tried again. The in-memory map is authoritative; the JSON mirror
// survives restarts.
type CooldownRegistry struct {
	mu      sync.Mutex
	path    string
	cfg     config.FailoverConfig
	logger  *slog.Logger
	now     func() time.Time
	metrics *observability.Metrics

	loaded  bool
	expires map[string]int64 // model -> unix ms
}

// CooldownOption configures a CooldownRegistry.
type CooldownOption func(*CooldownRegistry)

// WithCooldownLogger sets the logger.
func WithCooldownLogger(logger *slog.Logger) CooldownOption {
	return func(r *CooldownRegistry) { r.logger = logger }
}

// WithCooldownNow injects the clock. With a fake clock the registry
// still cools down in memory but never persists (see persistFloorMs).
func WithCooldownNow(now func() time.Time) CooldownOption {
	return func(r *CooldownRegistry) { r.now = now }
}

// WithCooldownMetrics wires the failover counter.
func WithCooldownMetrics(metrics *observability.Metrics) CooldownOption {
	return func(r *CooldownRegistry) { r.metrics = metrics }
}

// NewCooldownRegistry builds a registry persisting to path; an empty
// path keeps it memory-only.
func NewCooldownRegistry(path string, cfg config.FailoverConfig, opts ...CooldownOption) *CooldownRegistry {
	r := &CooldownRegistry{
		path:    path,
		cfg:     cfg,
		logger:  slog.Default(),
		now:     time.Now,
		expires: make(map[string]int64),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "failover")
	return r
}

// CooldownFor maps a failure category to how long the failed model
// should rest. Zero means the category does not cool models down.
func (r *CooldownRegistry) CooldownFor(category Category) time.Duration {
	switch category {
	case CategoryRateLimit:
		return time.Duration(r.cfg.CooldownRateLimitMs) * time.Millisecond
	case CategoryInvalidResponse:
		return time.Duration(r.cfg.CooldownInvalidResponseMs) * time.Millisecond
	case CategoryTimeout:
		d := 3 * time.Duration(r.cfg.CooldownTransientMs) * time.Millisecond
		if d < timeoutCooldownFloor {
			d = timeoutCooldownFloor
		}
		if d > timeoutCooldownCeil {
			d = timeoutCooldownCeil
		}
		return d
	case CategoryOverloaded, CategoryTransport:
		return time.Duration(r.cfg.CooldownTransientMs) * time.Millisecond
	default:
		return 0
	}
}

// Trip records a failure for model. It returns the applied cooldown,
// zero when the category carries none.
func (r *CooldownRegistry) Trip(model string, category Category) time.Duration {
	duration := r.CooldownFor(category)
	if model == "" || duration <= 0 {
		return duration
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.hydrateLocked()
	r.gcLocked()

	expiresAt := r.now().Add(duration).UnixMilli()
	if current, ok := r.expires[model]; !ok || expiresAt > current {
		r.expires[model] = expiresAt
	}
	r.persistLocked()

	if r.metrics != nil {
		r.metrics.FailoverEventsTotal.WithLabelValues(string(category)).Inc()
	}
	r.logger.Info("model cooled down",
		"model", model, "category", string(category), "duration", duration)
	return duration
}

// InCooldown reports whether model is resting right now.
func (r *CooldownRegistry) InCooldown(model string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hydrateLocked()
	r.gcLocked()
	_, ok := r.expires[model]
	return ok
}

// Clear removes a model's cooldown, for operator override.
func (r *CooldownRegistry) Clear(model string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hydrateLocked()
	delete(r.expires, model)
	r.persistLocked()
}

// Snapshot returns the active cooldowns as model -> expiry.
func (r *CooldownRegistry) Snapshot() map[string]time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hydrateLocked()
	r.gcLocked()

	out := make(map[string]time.Time, len(r.expires))
	for model, ms := range r.expires {
		out[model] = time.UnixMilli(ms).UTC()
	}
	return out
}

// Selection is the next model to try plus the remaining fallbacks.
type Selection struct {
	Model     string
	Fallbacks []string
}

// NextModel walks the chain in order, skipping duplicates, models in
// cooldown, and already-attempted ones. The second return is false when
// the chain is exhausted.
func (r *CooldownRegistry) NextModel(chain []string, attempted map[string]bool) (Selection, bool) {
	r.mu.Lock()
	r.hydrateLocked()
	r.gcLocked()
	cooled := make(map[string]bool, len(r.expires))
	for model := range r.expires {
		cooled[model] = true
	}
	r.mu.Unlock()

	seen := make(map[string]bool, len(chain))
	var eligible []string
	for _, model := range chain {
		if model == "" || seen[model] {
			continue
		}
		seen[model] = true
		if cooled[model] || (attempted != nil && attempted[model]) {
			continue
		}
		eligible = append(eligible, model)
	}
	if len(eligible) == 0 {
		return Selection{}, false
	}
	return Selection{Model: eligible[0], Fallbacks: eligible[1:]}, true
}

// hydrateLocked reads the JSON mirror once per process.
func (r *CooldownRegistry) hydrateLocked() {
	if r.loaded {
		return
	}
	r.loaded = true
	if r.path == "" || os.Getenv(EnvDisableCooldownPersistence) == "1" {
		return
	}

	raw, err := os.ReadFile(r.path)
	if err != nil {
		if !os.IsNotExist(err) {
			r.logger.Warn("cooldown file unreadable", "path", r.path, "error", err)
		}
		return
	}
	var file cooldownFile
	if err := json.Unmarshal(raw, &file); err != nil {
		r.logger.Warn("cooldown file corrupt, ignoring", "path", r.path, "error", err)
		return
	}
	nowMs := r.now().UnixMilli()
	for model, expiresAt := range file.ModelCooldowns {
		if expiresAt > nowMs {
			r.expires[model] = expiresAt
		}
	}
}

// gcLocked drops expired entries.
func (r *CooldownRegistry) gcLocked() {
	nowMs := r.now().UnixMilli()
	for model, expiresAt := range r.expires {
		if expiresAt <= nowMs {
			delete(r.expires, model)
		}
	}
}

type cooldownFile struct {
	Version        int              `json:"version"`
	UpdatedAt      string           `json:"updated_at"`
	ModelCooldowns map[string]int64 `json:"model_cooldowns"`
}

// persistLocked mirrors the map to disk, keeping the 128 furthest
// expiries. Skipped entirely under the env kill switch or when the
// clock is implausible for a wall clock.
func (r *CooldownRegistry) persistLocked() {
	if r.path == "" || os.Getenv(EnvDisableCooldownPersistence) == "1" {
		return
	}
	now := r.now()
	if now.UnixMilli() < persistFloorMs {
		return
	}

	entries := r.expires
	if len(entries) > cooldownMaxEntries {
		type pair struct {
			model string
			ms    int64
		}
		pairs := make([]pair, 0, len(entries))
		for model, ms := range entries {
			pairs = append(pairs, pair{model, ms})
		}
		sort.Slice(pairs, func(i, j int) bool { return pairs[i].ms > pairs[j].ms })
		entries = make(map[string]int64, cooldownMaxEntries)
		for _, p := range pairs[:cooldownMaxEntries] {
			entries[p.model] = p.ms
		}
	}

	file := cooldownFile{
		Version:        cooldownFileVersion,
		UpdatedAt:      now.UTC().Format(time.RFC3339),
		ModelCooldowns: entries,
	}
	raw, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		r.logger.Warn("cooldown encode failed", "error", err)
		return
	}
	if err := writeFileAtomic(r.path, raw, 0o600); err != nil {
		r.logger.Warn("cooldown persist failed", "path", r.path, "error", err)
	}
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Effort levels for reasoning downgrade, strongest first.
const (
	EffortHigh   = "high"
	EffortMedium = "medium"
	EffortLow    = "low"
	EffortOff    = "off"
)

// DowngradeEffort steps reasoning effort one level down per retry:
// high -> medium -> low -> off.
func DowngradeEffort(effort string) string {
	switch effort {
	case EffortHigh:
		return EffortMedium
	case EffortMedium:
		return EffortLow
	case EffortLow:
		return EffortOff
	default:
		return EffortOff
	}
}

// DowngradeToolSteps shrinks the tool-step budget for a retry, never
// below 8.
func DowngradeToolSteps(current int) int {
	next := current * 7 / 10
	if next < 8 {
		next = 8
	}
	return next
}

// retryDelay spaces chain attempts; failover retries are cheap compared
// to cooldowns so the pacing is short and linear.
func retryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(attempt) * 500 * time.Millisecond
	if d > 2*time.Second {
		d = 2 * time.Second
	}
	return d
}
