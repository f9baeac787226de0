package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

// EnvPrefix namespaces dotclaw environment overrides.
const EnvPrefix = "DOTCLAW_"

// Load reads the config file at path, deep-merges it over Default(),
// applies environment overrides and computed keys, and validates the
// result. A missing file yields the defaults (still env-overridable).
func Load(path string) (*Config, error) {
	raw, err := defaultRaw()
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(path) != "" {
		fileRaw, err := loadRawFile(path)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, err
			}
		} else {
			raw = mergeMaps(raw, fileRaw)
		}
	}

	applyEnvOverrides(raw, os.Environ())

	cfg, err := decodeRaw(raw)
	if err != nil {
		return nil, err
	}
	applyComputed(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadRawFile parses one JSON config file into a raw map. json5 syntax is
// accepted, so comments and trailing commas in hand-edited files survive.
func loadRawFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	expanded := os.ExpandEnv(string(data))
	var raw map[string]any
	if err := json5.Unmarshal([]byte(expanded), &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if raw == nil {
		raw = map[string]any{}
	}
	return raw, nil
}

// defaultRaw renders Default() as a raw map so the file merge can recurse
// over it key by key.
func defaultRaw() (map[string]any, error) {
	payload, err := yaml.Marshal(Default())
	if err != nil {
		return nil, fmt.Errorf("serialize defaults: %w", err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("reload defaults: %w", err)
	}
	return raw, nil
}

// mergeMaps deep-merges src over dst: plain objects recurse, arrays
// override, scalars override only when the value kinds match. A scalar of
// the wrong kind leaves the default in place rather than poisoning typed
// decode downstream.
func mergeMaps(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = map[string]any{}
	}
	for key, value := range src {
		existing, exists := dst[key]
		if valueMap, ok := value.(map[string]any); ok {
			if existingMap, ok := existing.(map[string]any); ok {
				dst[key] = mergeMaps(existingMap, valueMap)
				continue
			}
			dst[key] = valueMap
			continue
		}
		if exists && !scalarKindsMatch(existing, value) {
			continue
		}
		dst[key] = value
	}
	return dst
}

// scalarKindsMatch reports whether a file value may replace a default
// value. Arrays always override; numeric types match each other.
func scalarKindsMatch(dst, src any) bool {
	if dst == nil || src == nil {
		return true
	}
	switch src.(type) {
	case []any:
		return true
	case bool:
		_, ok := dst.(bool)
		return ok
	case string:
		_, ok := dst.(string)
		return ok
	case int, int64, uint64, float64:
		return isNumber(dst)
	default:
		return true
	}
}

func isNumber(v any) bool {
	switch v.(type) {
	case int, int64, uint64, float64:
		return true
	}
	return false
}

// decodeRaw decodes a merged raw map into the typed Config. Unknown keys
// are an error so typos in config files fail loudly.
func decodeRaw(raw map[string]any) (*Config, error) {
	payload, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("serialize config: %w", err)
	}
	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(payload))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("parse config: expected single document")
	}
	return &cfg, nil
}

// applyEnvOverrides writes DOTCLAW_* variables into the raw map before
// decode. The variable name after the prefix is a double-underscore key
// path matched case-insensitively against config keys, e.g.
// DOTCLAW_HOST__CONCURRENCY__MAXAGENTS=5. Values parse as json5 scalars;
// unparseable values are taken as strings. DOTCLAW_AGENT_QUEUE_TIMEOUT_MS
// is kept as a legacy alias for host.concurrency.queueTimeoutMs.
func applyEnvOverrides(raw map[string]any, environ []string) {
	for _, entry := range environ {
		name, value, ok := strings.Cut(entry, "=")
		if !ok || !strings.HasPrefix(name, EnvPrefix) {
			continue
		}
		keyPath := strings.TrimPrefix(name, EnvPrefix)
		if keyPath == "AGENT_QUEUE_TIMEOUT_MS" {
			setRawPath(raw, []string{"host", "concurrency", "queueTimeoutMs"}, parseEnvScalar(value))
			continue
		}
		if !strings.Contains(keyPath, "__") {
			continue
		}
		segments := strings.Split(keyPath, "__")
		setRawPath(raw, segments, parseEnvScalar(value))
	}
}

// setRawPath walks the raw map case-insensitively and sets the leaf. New
// intermediate maps are created for paths the defaults do not mention.
func setRawPath(raw map[string]any, segments []string, value any) {
	node := raw
	for i, segment := range segments {
		key := matchKey(node, segment)
		if i == len(segments)-1 {
			if existing, ok := node[key]; ok && !scalarKindsMatch(existing, value) {
				return
			}
			node[key] = value
			return
		}
		child, ok := node[key].(map[string]any)
		if !ok {
			child = map[string]any{}
			node[key] = child
		}
		node = child
	}
}

// matchKey finds the existing key that equals segment ignoring case and
// underscores; otherwise the lowercased segment is used as-is.
func matchKey(node map[string]any, segment string) string {
	want := canonKey(segment)
	for key := range node {
		if canonKey(key) == want {
			return key
		}
	}
	return strings.ToLower(segment)
}

func canonKey(key string) string {
	return strings.ToLower(strings.ReplaceAll(key, "_", ""))
}

func parseEnvScalar(value string) any {
	var parsed any
	if err := json5.Unmarshal([]byte(value), &parsed); err == nil {
		switch parsed.(type) {
		case bool, float64, string, nil:
			return parsed
		}
	}
	return value
}

// applyComputed fills keys derived from others after the merge. The chat
// handler timeout must strictly exceed the container timeout so the
// container always times out first.
func applyComputed(cfg *Config) {
	if cfg.Telegram.HandlerTimeoutMs <= 0 {
		computed := cfg.Host.Container.TimeoutMs + 30_000
		if computed < 120_000 {
			computed = 120_000
		}
		cfg.Telegram.HandlerTimeoutMs = computed
	}
}
