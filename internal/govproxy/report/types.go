// Package report reads the NDJSON audit log for compliance review: it
// filters entries, replays a request's trail and summarizes decisions.
package report

import "time"

// Event is one audit entry as decoded from NDJSON. Field names are the
// audit log's: hash_chain_index, correlation_id, agent_id, database_name,
// timestamp, decision_stage, outcome, detail, ip_address, session_id,
// hash_prev and hash.
type Event = map[string]any

// QueryOptions selects and formats entries for the audit query command.
// Empty fields do not filter.
type QueryOptions struct {
	InputFiles []string // empty means stdin
	OutputFile string   // empty means stdout

	Agent         string
	CorrelationID string
	Database      string
	IP            string

	Stages     []string // Validation, Authorization, PIIDetection, Execution
	Outcomes   []string // Allowed, Denied, Masked
	PIITypes   []string // matched against detail.detected_types
	RiskLevels []string // matched against detail.risk_level

	Since        time.Time
	LastDuration time.Duration // takes precedence over Since

	Summary bool // print counts to stderr instead of entries
	Limit   int  // 0 = no limit
}

// EventFilter reports whether an event should be kept. Filters treat a
// missing field as a non-match.
type EventFilter func(Event) bool

// EventResult carries one decoded event or the error that replaced it.
type EventResult struct {
	Event Event
	Err   error
}
