package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dotclaw/dotclaw/internal/config"
)

// fakeClock is a manually advanced clock. Its base date is recent, so
// cooldown persistence sees a plausible wall clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testFailoverConfig() config.FailoverConfig {
	return config.FailoverConfig{
		MaxRetries:                3,
		CooldownRateLimitMs:       300_000,
		CooldownTransientMs:       60_000,
		CooldownInvalidResponseMs: 120_000,
	}
}

func newTestRegistry(t *testing.T) (*CooldownRegistry, *fakeClock, string) {
	t.Helper()
	clock := newFakeClock()
	path := filepath.Join(t.TempDir(), "cooldowns.json")
	r := NewCooldownRegistry(path, testFailoverConfig(), WithCooldownNow(clock.Now))
	return r, clock, path
}

func TestCooldownFor(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	tests := []struct {
		category Category
		want     time.Duration
	}{
		{CategoryRateLimit, 5 * time.Minute},
		{CategoryInvalidResponse, 2 * time.Minute},
		// 3*60s clamps up to the 15 minute floor.
		{CategoryTimeout, 15 * time.Minute},
		{CategoryOverloaded, time.Minute},
		{CategoryTransport, time.Minute},
		{CategoryAuth, 0},
		{CategoryAborted, 0},
		{CategoryContextOverflow, 0},
		{CategoryNonRetryable, 0},
	}
	for _, tt := range tests {
		if got := r.CooldownFor(tt.category); got != tt.want {
			t.Errorf("CooldownFor(%s) = %v, want %v", tt.category, got, tt.want)
		}
	}
}

func TestCooldownFor_TimeoutClamp(t *testing.T) {
	cfg := testFailoverConfig()
	cfg.CooldownTransientMs = (10 * time.Hour).Milliseconds()
	r := NewCooldownRegistry("", cfg)
	if got := r.CooldownFor(CategoryTimeout); got != 6*time.Hour {
		t.Errorf("timeout cooldown = %v, want ceiling 6h", got)
	}
}

func TestTrip_Expiry(t *testing.T) {
	r, clock, _ := newTestRegistry(t)

	if d := r.Trip("m1", CategoryRateLimit); d != 5*time.Minute {
		t.Fatalf("trip returned %v", d)
	}
	if !r.InCooldown("m1") {
		t.Fatal("m1 should be cooling")
	}
	if r.InCooldown("m2") {
		t.Fatal("m2 should not be cooling")
	}

	clock.Advance(5*time.Minute + time.Second)
	if r.InCooldown("m1") {
		t.Error("cooldown did not expire")
	}
}

func TestTrip_NonCoolingCategory(t *testing.T) {
	r, _, path := newTestRegistry(t)
	if d := r.Trip("m1", CategoryAuth); d != 0 {
		t.Fatalf("auth trip returned %v", d)
	}
	if r.InCooldown("m1") {
		t.Error("auth must not cool a model down")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("no-op trip should not write the mirror")
	}
}

func TestNextModel(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	r.Trip("m2", CategoryRateLimit)

	chain := []string{"m1", "m2", "m1", "", "m3"}

	sel, ok := r.NextModel(chain, nil)
	if !ok || sel.Model != "m1" {
		t.Fatalf("selection = %+v ok=%v", sel, ok)
	}
	if len(sel.Fallbacks) != 1 || sel.Fallbacks[0] != "m3" {
		t.Errorf("fallbacks = %v, want [m3]", sel.Fallbacks)
	}

	sel, ok = r.NextModel(chain, map[string]bool{"m1": true})
	if !ok || sel.Model != "m3" {
		t.Fatalf("after m1 attempted: %+v ok=%v", sel, ok)
	}

	_, ok = r.NextModel(chain, map[string]bool{"m1": true, "m3": true})
	if ok {
		t.Error("chain should be exhausted")
	}
}

func TestPersistence_Roundtrip(t *testing.T) {
	r, clock, path := newTestRegistry(t)
	r.Trip("m1", CategoryRateLimit)

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("mirror not written: %v", err)
	}
	var file struct {
		Version        int              `json:"version"`
		UpdatedAt      string           `json:"updated_at"`
		ModelCooldowns map[string]int64 `json:"model_cooldowns"`
	}
	if err := json.Unmarshal(raw, &file); err != nil {
		t.Fatalf("mirror corrupt: %v", err)
	}
	if file.Version != 1 || file.UpdatedAt == "" {
		t.Errorf("header = %+v", file)
	}
	if _, ok := file.ModelCooldowns["m1"]; !ok {
		t.Errorf("m1 missing from mirror: %v", file.ModelCooldowns)
	}

	// A fresh registry hydrates from the same file.
	r2 := NewCooldownRegistry(path, testFailoverConfig(), WithCooldownNow(clock.Now))
	if !r2.InCooldown("m1") {
		t.Error("hydration lost the cooldown")
	}

	// Expired entries are dropped on hydrate.
	clock.Advance(time.Hour)
	r3 := NewCooldownRegistry(path, testFailoverConfig(), WithCooldownNow(clock.Now))
	if r3.InCooldown("m1") {
		t.Error("expired entry survived hydration")
	}
}

func TestPersistence_ImplausibleClockGate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cooldowns.json")
	old := &fakeClock{now: time.UnixMilli(500_000_000_000)} // 1985, below the floor
	r := NewCooldownRegistry(path, testFailoverConfig(), WithCooldownNow(old.Now))

	r.Trip("m1", CategoryRateLimit)
	if !r.InCooldown("m1") {
		t.Fatal("in-memory cooldown must still apply")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("implausible clock must not persist")
	}
}

func TestPersistence_EnvKillSwitch(t *testing.T) {
	t.Setenv(EnvDisableCooldownPersistence, "1")
	r, _, path := newTestRegistry(t)

	r.Trip("m1", CategoryRateLimit)
	if !r.InCooldown("m1") {
		t.Fatal("in-memory cooldown must still apply")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("kill switch must not persist")
	}
}

func TestPersistence_CapKeepsFurthestExpiries(t *testing.T) {
	r, clock, path := newTestRegistry(t)

	// Later trips expire later; the cap keeps the furthest 128.
	for i := 0; i < cooldownMaxEntries+2; i++ {
		r.Trip(fmt.Sprintf("model-%03d", i), CategoryRateLimit)
		clock.Advance(time.Second)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("mirror: %v", err)
	}
	var file struct {
		ModelCooldowns map[string]int64 `json:"model_cooldowns"`
	}
	if err := json.Unmarshal(raw, &file); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(file.ModelCooldowns) != cooldownMaxEntries {
		t.Fatalf("mirror holds %d entries, want %d", len(file.ModelCooldowns), cooldownMaxEntries)
	}
	for _, dropped := range []string{"model-000", "model-001"} {
		if _, ok := file.ModelCooldowns[dropped]; ok {
			t.Errorf("%s should have been dropped by the cap", dropped)
		}
	}
}

func TestDowngradeEffort(t *testing.T) {
	steps := []string{EffortHigh, EffortMedium, EffortLow, EffortOff, EffortOff}
	for i := 0; i < len(steps)-1; i++ {
		if got := DowngradeEffort(steps[i]); got != steps[i+1] {
			t.Errorf("DowngradeEffort(%s) = %s, want %s", steps[i], got, steps[i+1])
		}
	}
	if got := DowngradeEffort(""); got != EffortOff {
		t.Errorf("DowngradeEffort(\"\") = %s, want off", got)
	}
}

func TestDowngradeToolSteps(t *testing.T) {
	tests := []struct{ in, want int }{
		{40, 28},
		{20, 14},
		{12, 8},
		{8, 8},
		{0, 8},
	}
	for _, tt := range tests {
		if got := DowngradeToolSteps(tt.in); got != tt.want {
			t.Errorf("DowngradeToolSteps(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
