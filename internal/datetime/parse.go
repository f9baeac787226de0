// Package datetime parses the timestamp shapes dotclaw accepts from
// providers and task definitions, and resolves user timezones.
package datetime

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// offsetPattern recognizes ISO strings that carry their own zone (Z or
// ±HH:MM), which parse without a location.
var offsetPattern = regexp.MustCompile(`(?:Z|[+-]\d{2}:\d{2})$`)

// localLayouts are the wall-clock forms accepted for scheduled times, in
// match order.
var localLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
}

// ParseScheduledTimestamp parses a scheduled-time string. Inputs with an
// explicit offset or Z suffix parse natively; bare local forms
// (YYYY-MM-DD[ T]HH:MM[:SS]) are interpreted as wall-clock time in loc, so
// the instant round-trips back to the same local time.
func ParseScheduledTimestamp(value string, loc *time.Location) (time.Time, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	if loc == nil {
		loc = time.UTC
	}

	if offsetPattern.MatchString(trimmed) {
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04Z07:00"} {
			if t, err := time.Parse(layout, trimmed); err == nil {
				return t, nil
			}
		}
		return time.Time{}, fmt.Errorf("unparseable zoned timestamp %q", value)
	}

	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, trimmed, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", value)
}

// ResolveTimezone validates a configured IANA zone name, falling back to
// the provided default and finally to UTC. The load itself is the probe:
// a zone that does not resolve is treated as absent.
func ResolveTimezone(configured, fallback string) *time.Location {
	for _, name := range []string{strings.TrimSpace(configured), strings.TrimSpace(fallback)} {
		if name == "" {
			continue
		}
		if loc, err := time.LoadLocation(name); err == nil {
			return loc
		}
	}
	return time.UTC
}

// numericPattern matches plain numeric strings with optional decimals.
var numericPattern = regexp.MustCompile(`^\d+(\.\d+)?$`)

// NormalizeTimestamp coerces the timestamp shapes providers emit into
// UTC time. Numeric inputs below 1e12 are seconds, above are
// milliseconds; strings may be numeric or ISO 8601. Returns the zero time
// and false when the input cannot be interpreted.
func NormalizeTimestamp(raw any) (time.Time, bool) {
	switch v := raw.(type) {
	case time.Time:
		return v.UTC(), true
	case *time.Time:
		if v == nil {
			return time.Time{}, false
		}
		return v.UTC(), true
	case int:
		return numericToTime(float64(v)), true
	case int64:
		return numericToTime(float64(v)), true
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return time.Time{}, false
		}
		return numericToTime(v), true
	case string:
		return parseStringTimestamp(v)
	default:
		return time.Time{}, false
	}
}

func numericToTime(v float64) time.Time {
	// Values below 1e12 cannot be millisecond epochs for any modern date.
	if v < 1e12 {
		v *= 1000
	}
	return time.UnixMilli(int64(v)).UTC()
}

func parseStringTimestamp(s string) (time.Time, bool) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return time.Time{}, false
	}
	if numericPattern.MatchString(trimmed) {
		f, err := strconv.ParseFloat(trimmed, 64)
		if err != nil {
			return time.Time{}, false
		}
		return numericToTime(f), true
	}
	if t, err := ParseScheduledTimestamp(trimmed, time.UTC); err == nil {
		return t.UTC(), true
	}
	return time.Time{}, false
}
