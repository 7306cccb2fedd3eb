package audit

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/vaibhaw-/govproxy/internal/govproxy/model"
)

// chainFields are excluded from the hashed form of an entry.
var chainFields = map[string]bool{
	"hash":             true,
	"hash_prev":        true,
	"hash_chain_index": true,
}

// Canonicalize returns the form of an entry that is hashed: chain fields
// dropped, RFC3339 timestamps rewritten in UTC, compact JSON with object
// keys sorted at every level.
func Canonicalize(entry map[string]any) (string, error) {
	clean := make(map[string]any, len(entry))
	for k, v := range entry {
		if chainFields[k] {
			continue
		}
		clean[k] = canonicalValue(v)
	}
	// encoding/json writes map keys in sorted order.
	b, err := json.Marshal(clean)
	if err != nil {
		return "", fmt.Errorf("canonicalize: %w", err)
	}
	return string(b), nil
}

// canonicalValue returns a normalized copy of v; the input is not modified.
func canonicalValue(v any) any {
	switch t := v.(type) {
	case string:
		if ts, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return ts.UTC().Format(time.RFC3339Nano)
		}
		return t
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, vv := range t {
			m[k] = canonicalValue(vv)
		}
		return m
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = canonicalValue(vv)
		}
		return out
	}
	return v
}

// entryMap converts an entry to its generic JSON form, the shape it has
// when read back from a log file.
func entryMap(e model.AuditEntry) (map[string]any, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode entry: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("decode entry: %w", err)
	}
	return m, nil
}
