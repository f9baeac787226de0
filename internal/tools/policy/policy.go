// Package policy resolves the effective tool policy for one agent run by
// layering allow/deny rules: compiled default, config default, group,
// user, then request overrides. Denies union across layers and always win;
// allows intersect once any layer constrains the set.
package policy

import (
	"strings"
)

// Policy is one allow/deny layer. An empty Allow means "everything not
// denied"; a non-empty Allow is a closed set.
type Policy struct {
	Allow []string `json:"allow,omitempty" yaml:"allow"`
	Deny  []string `json:"deny,omitempty" yaml:"deny"`
}

// IsZero reports whether the layer carries no rules.
func (p Policy) IsZero() bool {
	return len(p.Allow) == 0 && len(p.Deny) == 0
}

// NormalizeTool canonicalizes a tool name for comparison.
func NormalizeTool(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// NormalizeTools canonicalizes a list, dropping empties and duplicates
// while preserving first-seen order.
func NormalizeTools(names []string) []string {
	var result []string
	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		normalized := NormalizeTool(name)
		if normalized == "" {
			continue
		}
		if _, dup := seen[normalized]; dup {
			continue
		}
		seen[normalized] = struct{}{}
		result = append(result, normalized)
	}
	return result
}

// Layer applies overlay onto base. Deny is the union of both layers.
// Allow follows "intersect if both constrain, else whichever does":
// an overlay without an allow list leaves the base set; an overlay with
// one narrows it, or becomes the set when the base was open.
func Layer(base, overlay Policy) Policy {
	out := Policy{
		Allow: NormalizeTools(base.Allow),
		Deny:  NormalizeTools(append(append([]string{}, base.Deny...), overlay.Deny...)),
	}

	overlayAllow := NormalizeTools(overlay.Allow)
	switch {
	case len(overlayAllow) == 0:
		// Overlay leaves the allow set alone.
	case len(out.Allow) == 0:
		out.Allow = overlayAllow
	default:
		out.Allow = intersect(out.Allow, overlayAllow)
	}
	return out
}

// Resolve folds layers in precedence order, lowest first.
func Resolve(layers ...Policy) Policy {
	var out Policy
	for _, layer := range layers {
		out = Layer(out, layer)
	}
	return out
}

// Allowed reports whether the tool may run under p. Deny always wins; an
// empty allow list permits everything not denied.
func (p Policy) Allowed(tool string) bool {
	normalized := NormalizeTool(tool)
	for _, denied := range p.Deny {
		if denied == normalized {
			return false
		}
	}
	if len(p.Allow) == 0 {
		return true
	}
	for _, allowed := range p.Allow {
		if allowed == normalized {
			return true
		}
	}
	return false
}

// Filter keeps the tools p allows, preserving order.
func (p Policy) Filter(tools []string) []string {
	var result []string
	for _, tool := range tools {
		if p.Allowed(tool) {
			result = append(result, tool)
		}
	}
	return result
}

// intersect keeps a's entries also present in b, preserving a's order.
func intersect(a, b []string) []string {
	inB := make(map[string]struct{}, len(b))
	for _, v := range b {
		inB[v] = struct{}{}
	}
	var out []string
	for _, v := range a {
		if _, ok := inB[v]; ok {
			out = append(out, v)
		}
	}
	return out
}
