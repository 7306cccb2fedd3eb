package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/vaibhaw-/govproxy/internal/govproxy/model"
)

// HintRule matches column names that suggest a PII type.
type HintRule struct {
	Regex string `json:"regex"`
}

// NegativeRule = exclusion rule
type NegativeRule struct {
	Regex  string `json:"regex"`
	Reason string `json:"reason"`
}

// HintDict = the column hint dictionary
// Categories are PII type names (Email, SSN, ...)
type HintDict struct {
	Categories map[model.PIIType][]HintRule
	Negative   []NegativeRule
}

// RiskScoring model
type RiskScoring struct {
	Base         map[string]string `json:"base"`
	Combinations map[string]string `json:"combinations"`
	Default      string            `json:"default"`
}

// Allowed risk levels
var allowedRisks = map[string]struct{}{
	"low": {}, "medium": {}, "high": {}, "critical": {},
}

//go:embed defaults/hints.json
var defaultHints []byte

//go:embed defaults/risk_scoring.json
var defaultRisk []byte

// DefaultHints returns the built-in column hint dictionary.
func DefaultHints() (*HintDict, []string, error) {
	return ValidateHints(bytes.NewReader(defaultHints))
}

// DefaultRiskScoring returns the built-in risk scoring for every PII type.
func DefaultRiskScoring() (*RiskScoring, error) {
	var cats []string
	for _, t := range model.PIITypes() {
		cats = append(cats, string(t))
	}
	return ValidateRiskScoring(bytes.NewReader(defaultRisk), cats)
}

// ValidateHints validates the hint dictionary JSON
func ValidateHints(r io.Reader) (*HintDict, []string, error) {
	var raw map[string]json.RawMessage
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, nil, fmt.Errorf("failed to decode hints JSON: %w", err)
	}

	dict := &HintDict{Categories: map[model.PIIType][]HintRule{}}
	var categories []string

	for category, msg := range raw {
		if category == "Negative" {
			var rules []NegativeRule
			if err := json.Unmarshal(msg, &rules); err != nil {
				return nil, nil, fmt.Errorf("decode Negative rules: %w", err)
			}
			for i, rule := range rules {
				if rule.Regex == "" {
					return nil, nil, fmt.Errorf("Negative rule %d missing regex", i)
				}
				if _, err := regexp.Compile(rule.Regex); err != nil {
					return nil, nil, fmt.Errorf("Negative rule %d invalid regex: %w", i, err)
				}
				if rule.Reason == "" {
					return nil, nil, fmt.Errorf("Negative rule %d missing reason", i)
				}
			}
			dict.Negative = rules
			continue
		}

		piiType, err := model.ParsePIIType(category)
		if err != nil {
			return nil, nil, fmt.Errorf("hint category: %w", err)
		}
		var rules []HintRule
		if err := json.Unmarshal(msg, &rules); err != nil {
			return nil, nil, fmt.Errorf("decode %s rules: %w", category, err)
		}
		if len(rules) == 0 {
			return nil, nil, fmt.Errorf("category %q must not be empty", category)
		}
		for i, rule := range rules {
			if rule.Regex == "" {
				return nil, nil, fmt.Errorf("rule %d in %q missing regex", i, category)
			}
			if _, err := regexp.Compile(rule.Regex); err != nil {
				return nil, nil, fmt.Errorf("rule %d in %q invalid regex: %w", i, category, err)
			}
		}
		dict.Categories[piiType] = rules
		categories = append(categories, string(piiType))
	}

	if len(dict.Categories) == 0 {
		return nil, nil, fmt.Errorf("no hint categories found")
	}

	return dict, categories, nil
}

// ValidateRiskScoring validates risk_scoring.json and cross-checks with hint categories
func ValidateRiskScoring(r io.Reader, categories []string) (*RiskScoring, error) {
	var rs RiskScoring
	if err := json.NewDecoder(r).Decode(&rs); err != nil {
		return nil, fmt.Errorf("failed to decode risk scoring JSON: %w", err)
	}

	if len(rs.Base) == 0 {
		return nil, fmt.Errorf("risk scoring 'base' must not be empty")
	}
	if rs.Default == "" {
		return nil, fmt.Errorf("risk scoring must define a default risk level")
	}

	checkRisk := func(level, context string) error {
		if _, ok := allowedRisks[level]; !ok {
			return fmt.Errorf("invalid risk level %q in %s", level, context)
		}
		return nil
	}
	for cat, risk := range rs.Base {
		if err := checkRisk(risk, fmt.Sprintf("base[%s]", cat)); err != nil {
			return nil, err
		}
	}
	for comb, risk := range rs.Combinations {
		if err := checkRisk(risk, fmt.Sprintf("combinations[%s]", comb)); err != nil {
			return nil, err
		}
		for _, part := range strings.Split(comb, "+") {
			if _, ok := rs.Base[part]; !ok {
				return nil, fmt.Errorf("combination %q references unknown category %q", comb, part)
			}
		}
	}
	if err := checkRisk(rs.Default, "default"); err != nil {
		return nil, err
	}

	for _, cat := range categories {
		if _, ok := rs.Base[cat]; !ok {
			return nil, fmt.Errorf("risk scoring missing category %q", cat)
		}
	}

	return &rs, nil
}
