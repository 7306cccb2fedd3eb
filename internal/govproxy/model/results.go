package model

import (
	"fmt"
	"strings"
	"time"
)

// Severity grades a validator finding.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = [...]string{"Low", "Medium", "High", "Critical"}

func (s Severity) String() string {
	if s < SeverityLow || s > SeverityCritical {
		return fmt.Sprintf("Severity(%d)", int(s))
	}
	return severityNames[s]
}

func (s Severity) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Severity) UnmarshalText(b []byte) error {
	for i, name := range severityNames {
		if strings.EqualFold(string(b), name) {
			*s = Severity(i)
			return nil
		}
	}
	return fmt.Errorf("unknown severity %q", string(b))
}

// Finding is one tagged security risk found in SQL text.
type Finding struct {
	Kind     string   `json:"kind"`
	Pattern  string   `json:"pattern"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message,omitempty"`
}

// ValidationResult is the outcome of static analysis of one query.
// Treat it as immutable; use Clone before modifying a shared value.
type ValidationResult struct {
	IsValid         bool      `json:"isValid"`
	FailureReason   string    `json:"failureReason,omitempty"`
	SecurityRisks   []Finding `json:"securityRisks"`
	Warnings        []string  `json:"warnings"`
	Recommendations []string  `json:"recommendations"`
}

// Clone returns a deep copy.
func (r ValidationResult) Clone() ValidationResult {
	out := r
	out.SecurityRisks = append([]Finding{}, r.SecurityRisks...)
	out.Warnings = append([]string{}, r.Warnings...)
	out.Recommendations = append([]string{}, r.Recommendations...)
	return out
}

// RateLimitInfo reports the rate budget of the caller's (agent, tier) key.
// RemainingRequests is -1 when Unlimited is set.
type RateLimitInfo struct {
	RequestsPerMinute int       `json:"requestsPerMinute"`
	RequestsPerHour   int       `json:"requestsPerHour"`
	RemainingRequests int       `json:"remainingRequests"`
	ResetAt           time.Time `json:"resetAt"`
	IsExceeded        bool      `json:"isExceeded"`
	Unlimited         bool      `json:"unlimited,omitempty"`
}

// Denial reasons set by the authorization engine.
const (
	DenialRateLimitExceeded  = "RateLimitExceeded"
	DenialNoAuthorizedTables = "NoAuthorizedTables"
	DenialTableDenied        = "TableDenied"
	DenialTableNotAllowed    = "TableNotAllowed"
	DenialInvalidClearance   = "InvalidClearance"
	DenialMissingAgent       = "MissingAgentId"
	DenialRateLimiterFailure = "RateLimiterUnavailable"
)

// AuthorizationResult is the access decision for one query.
type AuthorizationResult struct {
	IsAuthorized          bool           `json:"isAuthorized"`
	DenialReason          string         `json:"denialReason,omitempty"`
	GrantedClearanceLevel ClearanceLevel `json:"grantedClearanceLevel"`
	AuthorizedTables      []string       `json:"authorizedTables"`
	RateLimit             RateLimitInfo  `json:"rateLimit"`
	ExpiresAt             time.Time      `json:"expiresAt"`
}

// Valid reports whether the grant is authorized and not yet expired at now.
func (r AuthorizationResult) Valid(now time.Time) bool {
	return r.IsAuthorized && now.Before(r.ExpiresAt)
}

// PIIType names a category of personal data.
type PIIType string

const (
	PIIEmail       PIIType = "Email"
	PIISSN         PIIType = "SSN"
	PIICreditCard  PIIType = "CreditCard"
	PIIPhone       PIIType = "Phone"
	PIIAddress     PIIType = "Address"
	PIIDateOfBirth PIIType = "DateOfBirth"
	PIIPersonName  PIIType = "PersonName"
)

// PIITypes lists every type in canonical order.
func PIITypes() []PIIType {
	return []PIIType{PIIEmail, PIISSN, PIICreditCard, PIIPhone, PIIAddress, PIIDateOfBirth, PIIPersonName}
}

// Rank returns the canonical position of t, or -1 if unknown.
func (t PIIType) Rank() int {
	for i, known := range PIITypes() {
		if known == t {
			return i
		}
	}
	return -1
}

// ParsePIIType parses a type name case-insensitively.
func ParsePIIType(s string) (PIIType, error) {
	for _, t := range PIITypes() {
		if strings.EqualFold(string(t), strings.TrimSpace(s)) {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown PII type %q", s)
}

// Masking is the recommended treatment for a column's values.
type Masking string

const (
	MaskNone    Masking = "none"
	MaskPartial Masking = "partial"
	MaskFull    Masking = "full"
)

// PIIDetectionResult is the PII classification of a column/value pair, or of
// a column aggregated over its sample values.
type PIIDetectionResult struct {
	ColumnName            string    `json:"columnName"`
	PIIDetected           bool      `json:"piiDetected"`
	DetectedTypes         []PIIType `json:"detectedTypes"`
	Confidence            float64   `json:"confidence"`
	MaskingRecommendation Masking   `json:"maskingRecommendation"`
}
