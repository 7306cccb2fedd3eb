package report

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
)

// GetString returns e[key] when it is a string.
func GetString(e Event, key string) (string, bool) {
	if v, ok := e[key]; ok && v != nil {
		if s, ok := v.(string); ok {
			return s, true
		}
	}
	return "", false
}

// GetStringSlice returns e[key] as strings. It accepts []string for events
// built in code and []any for events decoded from JSON.
func GetStringSlice(e Event, key string) ([]string, bool) {
	v, ok := e[key]
	if !ok || v == nil {
		return nil, false
	}
	switch t := v.(type) {
	case []string:
		return t, true
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out, true
	}
	return nil, false
}

// GetDetail returns the detail payload of an audit entry.
func GetDetail(e Event) (Event, bool) {
	d, ok := e["detail"].(map[string]any)
	return d, ok && d != nil
}

// ParseTimestamp parses an entry timestamp. Audit entries carry RFC3339Nano;
// other layouts are accepted for hand-edited or imported logs.
func ParseTimestamp(v any) (time.Time, error) {
	switch t := v.(type) {
	case nil:
		return time.Time{}, fmt.Errorf("timestamp is nil")
	case time.Time:
		return t, nil
	case string:
		if parsed, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return parsed, nil
		}
		parsed, err := dateparse.ParseIn(t, time.UTC)
		if err != nil {
			return time.Time{}, fmt.Errorf("unable to parse timestamp: %s", t)
		}
		return parsed, nil
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp type: %T", v)
	}
}

// ParseSince parses the --since flag. Any layout dateparse understands is
// accepted; values without a zone are UTC.
func ParseSince(s string) (time.Time, error) {
	t, err := dateparse.ParseIn(strings.TrimSpace(s), time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --since value %q: %w", s, err)
	}
	return t.UTC(), nil
}

// ParseDuration extends time.ParseDuration with a day unit, e.g. "7d".
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration string")
	}
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, fmt.Errorf("invalid days value: %s", days)
		}
		if n < 0 {
			return 0, fmt.Errorf("days cannot be negative: %d", n)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("duration cannot be negative: %s", s)
	}
	return d, nil
}

// matchesAny reports whether target equals any candidate, ignoring case.
func matchesAny(target string, candidates []string) bool {
	for _, c := range candidates {
		if strings.EqualFold(target, c) {
			return true
		}
	}
	return false
}
