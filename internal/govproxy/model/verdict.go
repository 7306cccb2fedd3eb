package model

import "time"

// State is a step of the proxy pipeline. Pending, Validated and Authorized
// are transient; the rest are terminal.
type State string

const (
	StatePending             State = "Pending"
	StateValidated           State = "Validated"
	StateAuthorized          State = "Authorized"
	StateAllowed             State = "Allowed"
	StateValidationFailed    State = "ValidationFailed"
	StateAuthorizationFailed State = "AuthorizationFailed"
	StatePIIDenied           State = "PIIDenied"
	StateAuditFailed         State = "AuditFailed"
	StateTimedOut            State = "TimedOut"
)

// Terminal reports whether no further transition can happen from s.
func (s State) Terminal() bool {
	switch s {
	case StatePending, StateValidated, StateAuthorized:
		return false
	}
	return true
}

// Verdict is the proxy's final allow/deny/mask decision for one query.
// The caller runs the SQL itself and applies Masking to the result set.
type Verdict struct {
	CorrelationID    string               `json:"correlationId"`
	Allowed          bool                 `json:"allowed"`
	State            State                `json:"state"`
	Reason           string               `json:"reason,omitempty"`
	Validation       *ValidationResult    `json:"validation,omitempty"`
	Authorization    *AuthorizationResult `json:"authorization,omitempty"`
	PII              []PIIDetectionResult `json:"pii,omitempty"`
	Masking          map[string]Masking   `json:"masking,omitempty"`
	RiskLevel        string               `json:"riskLevel,omitempty"`
	ExpiresAt        time.Time            `json:"expiresAt,omitempty"`
	MaxExecutionTime time.Duration        `json:"maxExecutionTime,omitempty"`
	EvaluatedAt      time.Time            `json:"evaluatedAt"`
}
