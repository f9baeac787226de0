package policy

import (
	"sync"
)

// RunBudget caps per-tool invocations within one agent run. Limits come
// from config; a tool without an entry (or with limit <= 0) is unlimited.
type RunBudget struct {
	mu     sync.Mutex
	limits map[string]int
	used   map[string]int
}

// NewRunBudget builds a budget from configured per-tool limits. The map
// is copied, so later config mutation cannot race a live run.
func NewRunBudget(limits map[string]int) *RunBudget {
	copied := make(map[string]int, len(limits))
	for name, limit := range limits {
		copied[NormalizeTool(name)] = limit
	}
	return &RunBudget{
		limits: copied,
		used:   make(map[string]int),
	}
}

// Take consumes one invocation for the tool. It returns false, without
// consuming, when the tool's budget is exhausted.
func (b *RunBudget) Take(tool string) bool {
	normalized := NormalizeTool(tool)
	b.mu.Lock()
	defer b.mu.Unlock()

	limit, bounded := b.limits[normalized]
	if bounded && limit > 0 && b.used[normalized] >= limit {
		return false
	}
	b.used[normalized]++
	return true
}

// Remaining reports invocations left for the tool; -1 means unlimited.
func (b *RunBudget) Remaining(tool string) int {
	normalized := NormalizeTool(tool)
	b.mu.Lock()
	defer b.mu.Unlock()

	limit, bounded := b.limits[normalized]
	if !bounded || limit <= 0 {
		return -1
	}
	remaining := limit - b.used[normalized]
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Used reports invocations consumed for the tool so far.
func (b *RunBudget) Used(tool string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used[NormalizeTool(tool)]
}
