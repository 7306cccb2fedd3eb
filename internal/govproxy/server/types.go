package server

import (
	"time"

	"github.com/vaibhaw-/govproxy/internal/govproxy/model"
)

// ValidationResponse is the validation result as returned over HTTP.
type ValidationResponse struct {
	model.ValidationResult
	CorrelationID string    `json:"correlationId"`
	Timestamp     time.Time `json:"timestamp"`
}

// AuthorizationResponse is the authorization result as returned over HTTP.
type AuthorizationResponse struct {
	model.AuthorizationResult
	Timestamp time.Time `json:"timestamp"`
}

// ExecuteResponse carries the verdict of POST /v1/governance/execute.
type ExecuteResponse struct {
	CorrelationID    string                     `json:"correlationId"`
	Allowed          bool                       `json:"allowed"`
	State            model.State                `json:"state"`
	Reason           string                     `json:"reason,omitempty"`
	Validation       *ValidationResponse        `json:"validation,omitempty"`
	Authorization    *AuthorizationResponse     `json:"authorization,omitempty"`
	PII              []model.PIIDetectionResult `json:"pii,omitempty"`
	Masking          map[string]model.Masking   `json:"masking,omitempty"`
	RiskLevel        string                     `json:"riskLevel,omitempty"`
	ExpiresAt        *time.Time                 `json:"expiresAt,omitempty"`
	MaxExecutionTime string                     `json:"maxExecutionTime,omitempty"`
	Timestamp        time.Time                  `json:"timestamp"`
}

// ExecutionReport is posted by the caller after running an approved query.
type ExecutionReport struct {
	Query     model.AgentQuery `json:"query"`
	Rows      int64            `json:"rows"`
	ElapsedMs int64            `json:"elapsedMs"`
	Error     string           `json:"error,omitempty"`
}

// ErrorResponse is the body of every non-verdict error.
type ErrorResponse struct {
	Error         string `json:"error"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// NewExecuteResponse converts a verdict into its HTTP shape.
func NewExecuteResponse(v model.Verdict) ExecuteResponse {
	resp := ExecuteResponse{
		CorrelationID: v.CorrelationID,
		Allowed:       v.Allowed,
		State:         v.State,
		Reason:        v.Reason,
		PII:           v.PII,
		Masking:       v.Masking,
		RiskLevel:     v.RiskLevel,
		Timestamp:     v.EvaluatedAt,
	}
	if v.Validation != nil {
		resp.Validation = &ValidationResponse{
			ValidationResult: *v.Validation,
			CorrelationID:    v.CorrelationID,
			Timestamp:        v.EvaluatedAt,
		}
	}
	if v.Authorization != nil {
		resp.Authorization = &AuthorizationResponse{
			AuthorizationResult: *v.Authorization,
			Timestamp:           v.EvaluatedAt,
		}
	}
	if !v.ExpiresAt.IsZero() {
		exp := v.ExpiresAt
		resp.ExpiresAt = &exp
	}
	if v.MaxExecutionTime > 0 {
		resp.MaxExecutionTime = v.MaxExecutionTime.String()
	}
	return resp
}
