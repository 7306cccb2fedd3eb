package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ClearanceLevel is the ordinal access tier of an agent.
// Restricted < Standard < Elevated < Administrator.
type ClearanceLevel int

const (
	Restricted ClearanceLevel = iota
	Standard
	Elevated
	Administrator
)

var clearanceNames = [...]string{"Restricted", "Standard", "Elevated", "Administrator"}

// ClearanceLevels lists every tier in ascending order.
func ClearanceLevels() []ClearanceLevel {
	return []ClearanceLevel{Restricted, Standard, Elevated, Administrator}
}

func (c ClearanceLevel) String() string {
	if c < Restricted || c > Administrator {
		return fmt.Sprintf("ClearanceLevel(%d)", int(c))
	}
	return clearanceNames[c]
}

// Valid reports whether c is one of the four known tiers.
func (c ClearanceLevel) Valid() bool {
	return c >= Restricted && c <= Administrator
}

// ParseClearanceLevel parses a tier name case-insensitively.
func ParseClearanceLevel(s string) (ClearanceLevel, error) {
	for i, name := range clearanceNames {
		if strings.EqualFold(strings.TrimSpace(s), name) {
			return ClearanceLevel(i), nil
		}
	}
	return Restricted, fmt.Errorf("unknown clearance level %q", s)
}

func (c ClearanceLevel) MarshalText() ([]byte, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("invalid clearance level %d", int(c))
	}
	return []byte(c.String()), nil
}

func (c *ClearanceLevel) UnmarshalText(b []byte) error {
	lvl, err := ParseClearanceLevel(string(b))
	if err != nil {
		return err
	}
	*c = lvl
	return nil
}

// AgentQuery is a single request to run SQL on behalf of an agent.
// It is created per call and never persisted.
type AgentQuery struct {
	AgentID          string              `json:"agentId"`
	AgentName        string              `json:"agentName"`
	AgentPurpose     string              `json:"agentPurpose"`
	DatabaseName     string              `json:"databaseName"`
	SQLQuery         string              `json:"sqlQuery"`
	Parameters       map[string]any      `json:"parameters,omitempty"`
	RequestedTables  []string            `json:"requestedTables"`
	RequestedColumns []string            `json:"requestedColumns"`
	ClearanceLevel   ClearanceLevel      `json:"clearanceLevel"`
	CorrelationID    string              `json:"correlationId"`
	RequestTimestamp time.Time           `json:"requestTimestamp"`
	MaxExecutionTime time.Duration       `json:"maxExecutionTime"`
	ApplyDataMasking bool                `json:"applyDataMasking"`
	SampleValues     map[string][]string `json:"sampleValues,omitempty"`
	IPAddress        string              `json:"ipAddress,omitempty"`
	SessionID        string              `json:"sessionId,omitempty"`
	// ClaimedIPAddress is a body-supplied address that differs from the
	// connection address. It is recorded for reference only.
	ClaimedIPAddress string `json:"-"`
}

// NewAgentQuery returns a query with the documented defaults applied
// (masking on, request timestamp now).
func NewAgentQuery(agentID, sql string, level ClearanceLevel) AgentQuery {
	return AgentQuery{
		AgentID:          agentID,
		SQLQuery:         sql,
		ClearanceLevel:   level,
		RequestTimestamp: time.Now().UTC(),
		ApplyDataMasking: true,
	}
}

// MarshalJSON writes maxExecutionTime as a duration string.
func (q AgentQuery) MarshalJSON() ([]byte, error) {
	type plain AgentQuery
	return json.Marshal(struct {
		plain
		MaxExecutionTime string `json:"maxExecutionTime"`
	}{plain: plain(q), MaxExecutionTime: q.MaxExecutionTime.String()})
}

// UnmarshalJSON defaults applyDataMasking to true when the field is absent
// and accepts maxExecutionTime either as a duration string ("30s") or as
// integer milliseconds.
func (q *AgentQuery) UnmarshalJSON(b []byte) error {
	type plain AgentQuery
	aux := struct {
		*plain
		ApplyDataMasking *bool          `json:"applyDataMasking"`
		MaxExecutionTime json.RawMessage `json:"maxExecutionTime"`
	}{plain: (*plain)(q)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	q.ApplyDataMasking = aux.ApplyDataMasking == nil || *aux.ApplyDataMasking
	d, err := parseDurationJSON(aux.MaxExecutionTime)
	if err != nil {
		return fmt.Errorf("maxExecutionTime: %w", err)
	}
	q.MaxExecutionTime = d
	return nil
}

func parseDurationJSON(raw json.RawMessage) (time.Duration, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return time.ParseDuration(s)
	}
	var ms int64
	if err := json.Unmarshal(raw, &ms); err != nil {
		return 0, err
	}
	return time.Duration(ms) * time.Millisecond, nil
}
