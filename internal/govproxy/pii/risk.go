package pii

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/samber/lo"

	"github.com/vaibhaw-/govproxy/internal/govproxy/config"
	"github.com/vaibhaw-/govproxy/internal/govproxy/logger"
	"github.com/vaibhaw-/govproxy/internal/govproxy/model"
)

// Risk level hierarchy (lowest to highest): low < medium < high < critical
var riskHierarchy = map[string]int{
	"low":      1,
	"medium":   2,
	"high":     3,
	"critical": 4,
}

// LoadRisk loads risk scoring from path, or the built-in scoring when path
// is empty. Every PII type must have a base risk.
func LoadRisk(path string) (*config.RiskScoring, error) {
	if path == "" {
		return config.DefaultRiskScoring()
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open risk scoring file %s: %w", path, err)
	}
	defer file.Close()

	cats := lo.Map(model.PIITypes(), func(t model.PIIType, _ int) string { return string(t) })
	rs, err := config.ValidateRiskScoring(file, cats)
	if err != nil {
		return nil, fmt.Errorf("failed to validate risk scoring: %w", err)
	}
	return rs, nil
}

// ComputeRisk calculates the risk level of the PII types exposed by a query.
//
// Logic:
// - If no types: return default risk level
// - If single type: return base risk level for that type
// - If multiple types: look for combination in combinations map, otherwise return max base risk
func ComputeRisk(riskScoring *config.RiskScoring, types []model.PIIType) string {
	categories := lo.Uniq(lo.Map(types, func(t model.PIIType, _ int) string { return string(t) }))

	switch len(categories) {
	case 0:
		return riskScoring.Default
	case 1:
		if baseRisk, ok := riskScoring.Base[categories[0]]; ok {
			return baseRisk
		}
		logger.L().Warnw("PII type not found in base risk mapping, using default",
			"type", categories[0],
			"default_risk", riskScoring.Default)
		return riskScoring.Default
	}

	combinationKey := createCombinationKey(categories)
	if combinationRisk, ok := riskScoring.Combinations[combinationKey]; ok {
		logger.L().Debugw("Found combination risk mapping",
			"combination_key", combinationKey,
			"combination_risk", combinationRisk)
		return combinationRisk
	}

	maxRisk := getMaximumBaseRisk(riskScoring, categories)
	logger.L().Debugw("No combination found, using maximum base risk",
		"types", strings.Join(categories, ","),
		"max_risk", maxRisk)
	return maxRisk
}

// createCombinationKey creates a sorted, plus-separated key
// e.g., ["PersonName", "DateOfBirth"] -> "DateOfBirth+PersonName"
func createCombinationKey(categories []string) string {
	sorted := append([]string(nil), categories...)
	sort.Strings(sorted)
	return strings.Join(sorted, "+")
}

// getMaximumBaseRisk finds the highest risk level among the base risks for the given types
func getMaximumBaseRisk(riskScoring *config.RiskScoring, categories []string) string {
	maxRiskLevel := 0
	maxRiskName := riskScoring.Default

	for _, category := range categories {
		baseRisk, ok := riskScoring.Base[category]
		if !ok {
			logger.L().Warnw("PII type not found in base risk mapping", "type", category)
			continue
		}
		if level := riskHierarchy[baseRisk]; level > maxRiskLevel {
			maxRiskLevel = level
			maxRiskName = baseRisk
		}
	}
	return maxRiskName
}

// CompareRiskLevels compares two risk levels and returns:
// -1 if level1 < level2, 0 if equal, 1 if level1 > level2.
// Returns 0 for invalid risk levels
func CompareRiskLevels(level1, level2 string) int {
	val1, valid1 := riskHierarchy[level1]
	val2, valid2 := riskHierarchy[level2]
	if !valid1 || !valid2 {
		return 0
	}
	switch {
	case val1 < val2:
		return -1
	case val1 > val2:
		return 1
	}
	return 0
}
