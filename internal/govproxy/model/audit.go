package model

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
	"unicode/utf8"
)

// Stage is the pipeline step an audit entry records.
type Stage string

const (
	StageValidation    Stage = "Validation"
	StageAuthorization Stage = "Authorization"
	StagePIIDetection  Stage = "PIIDetection"
	StageExecution     Stage = "Execution"
)

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	switch s {
	case StageValidation, StageAuthorization, StagePIIDetection, StageExecution:
		return true
	}
	return false
}

// Outcome is the decision recorded for a stage.
type Outcome string

const (
	OutcomeAllowed Outcome = "Allowed"
	OutcomeDenied  Outcome = "Denied"
	OutcomeMasked  Outcome = "Masked"
)

// Valid reports whether o is a known outcome.
func (o Outcome) Valid() bool {
	return o == OutcomeAllowed || o == OutcomeDenied || o == OutcomeMasked
}

// AuditEntry is one append-only record of a stage decision. Sequence, Hash
// and HashPrev are assigned by the audit logger when the entry is appended.
type AuditEntry struct {
	Sequence      int            `json:"hash_chain_index"`
	CorrelationID string         `json:"correlation_id"`
	AgentID       string         `json:"agent_id"`
	DatabaseName  string         `json:"database_name,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	Stage         Stage          `json:"decision_stage"`
	Outcome       Outcome        `json:"outcome"`
	Detail        map[string]any `json:"detail,omitempty"`
	IPAddress     string         `json:"ip_address,omitempty"`
	SessionID     string         `json:"session_id,omitempty"`
	HashPrev      string         `json:"hash_prev"`
	Hash          string         `json:"hash"`
}

// Widths of the bounded audit columns.
const (
	MaxCorrelationIDLen = 128
	MaxAgentIDLen       = 255
	MaxDatabaseNameLen  = 255
	MaxIPAddressLen     = 64
	MaxSessionIDLen     = 128
)

// BoundField shortens s to at most limit bytes. An oversize value keeps a
// prefix cut at a rune boundary and ends in "~" and 16 hex digits of its
// SHA-256, so the same input always bounds to the same value.
func BoundField(s string, limit int) (string, bool) {
	if len(s) <= limit {
		return s, false
	}
	sum := sha256.Sum256([]byte(s))
	suffix := "~" + hex.EncodeToString(sum[:8])
	cut := max(limit-len(suffix), 0)
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + suffix, true
}
