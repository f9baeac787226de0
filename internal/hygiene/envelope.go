package hygiene

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// envelopeSummaryMax caps the rendered tool-result summary.
const envelopeSummaryMax = 1200

// toolResultXMLPattern matches a body that is one <tool_result> element,
// optionally carrying a name attribute.
var toolResultXMLPattern = regexp.MustCompile(
	`(?s)^\s*<tool_result(?:\s+name="([^"]*)")?\s*>(.*)</tool_result>\s*$`)

// nameKeys and payloadKeys are the accepted JSON spellings, in match order.
var (
	nameKeys    = []string{"tool", "tool_name", "name"}
	payloadKeys = []string{"output", "result", "message", "data"}
)

// NormalizeToolEnvelope rewrites a raw tool-result body into the uniform
// "Tool result[ (<name>)]: <summary>" line. It returns false when the body
// is not a recognizable envelope, leaving it for the caller unchanged.
func NormalizeToolEnvelope(body string) (string, bool) {
	if m := toolResultXMLPattern.FindStringSubmatch(body); m != nil {
		return renderEnvelope(m[1], strings.TrimSpace(m[2])), true
	}

	trimmed := strings.TrimSpace(body)
	if !strings.HasPrefix(trimmed, "{") {
		return "", false
	}
	var parsed map[string]any
	if err := json.Unmarshal([]byte(trimmed), &parsed); err != nil {
		return "", false
	}

	// {"tool_result": {...}} wraps the flat shape one level down.
	if inner, ok := parsed["tool_result"].(map[string]any); ok {
		parsed = inner
	} else if _, present := parsed["tool_result"]; present {
		// tool_result with a non-object payload: summarize the payload.
		return renderEnvelope("", stringifyPayload(parsed["tool_result"])), true
	}

	name := firstString(parsed, nameKeys)
	payload, found := firstPayload(parsed, payloadKeys)
	if !found {
		return "", false
	}
	return renderEnvelope(name, payload), true
}

func renderEnvelope(name, summary string) string {
	if utf8.RuneCountInString(summary) > envelopeSummaryMax {
		runes := []rune(summary)
		summary = string(runes[:envelopeSummaryMax])
	}
	if name != "" {
		return fmt.Sprintf("Tool result (%s): %s", name, summary)
	}
	return "Tool result: " + summary
}

func firstString(m map[string]any, keys []string) string {
	for _, key := range keys {
		if v, ok := m[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func firstPayload(m map[string]any, keys []string) (string, bool) {
	for _, key := range keys {
		if v, ok := m[key]; ok {
			return stringifyPayload(v), true
		}
	}
	return "", false
}

// stringifyPayload renders a payload value: strings pass through, anything
// else is compact JSON.
func stringifyPayload(v any) string {
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	encoded, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(encoded)
}
