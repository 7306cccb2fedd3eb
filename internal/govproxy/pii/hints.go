package pii

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/vaibhaw-/govproxy/internal/govproxy/config"
	"github.com/vaibhaw-/govproxy/internal/govproxy/logger"
	"github.com/vaibhaw-/govproxy/internal/govproxy/model"
)

// CompiledNegativeRule represents a negative (exclusion) rule with compiled regex
type CompiledNegativeRule struct {
	Regex  string
	Reason string

	CompiledRegex *regexp.Regexp
}

// Hints is the column hint dictionary with compiled regexes.
type Hints struct {
	// Categories maps PII types to the column-name patterns that hint at them
	Categories map[model.PIIType][]*regexp.Regexp

	// Negative rules for exclusions
	Negative []CompiledNegativeRule

	// Types lists the hinted types in canonical order for consistent processing
	Types []model.PIIType
}

// DefaultHints compiles the built-in hint dictionary.
func DefaultHints() (*Hints, error) {
	dict, _, err := config.DefaultHints()
	if err != nil {
		return nil, err
	}
	return compileHints(dict)
}

// LoadHints loads and validates a hint dictionary from a file path. An empty
// path yields the built-in dictionary.
func LoadHints(path string) (*Hints, error) {
	if path == "" {
		return DefaultHints()
	}
	logger.L().Debugw("Loading hint dictionary", "path", path)

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open hints file %s: %w", path, err)
	}
	defer file.Close()

	dict, names, err := config.ValidateHints(file)
	if err != nil {
		return nil, fmt.Errorf("failed to validate hints: %w", err)
	}
	logger.L().Debugw("Hint dictionary validation successful",
		"categories", len(names),
		"category_names", strings.Join(names, ","))

	return compileHints(dict)
}

func compileHints(dict *config.HintDict) (*Hints, error) {
	h := &Hints{Categories: make(map[model.PIIType][]*regexp.Regexp)}

	for piiType, rules := range dict.Categories {
		for i, rule := range rules {
			re, err := regexp.Compile(rule.Regex)
			if err != nil {
				return nil, fmt.Errorf("failed to compile hint regex for %s, rule %d (%s): %w", piiType, i, rule.Regex, err)
			}
			h.Categories[piiType] = append(h.Categories[piiType], re)
		}
		h.Types = append(h.Types, piiType)
	}
	sort.Slice(h.Types, func(i, j int) bool { return h.Types[i].Rank() < h.Types[j].Rank() })

	for i, neg := range dict.Negative {
		re, err := regexp.Compile(neg.Regex)
		if err != nil {
			return nil, fmt.Errorf("failed to compile negative rule regex %d (%s): %w", i, neg.Regex, err)
		}
		h.Negative = append(h.Negative, CompiledNegativeRule{Regex: neg.Regex, Reason: neg.Reason, CompiledRegex: re})
	}

	logger.L().Debugw("Hint dictionary compiled",
		"types", len(h.Types),
		"negative_rules", len(h.Negative))
	return h, nil
}

// IsNegativeMatch checks if a column name matches any negative (exclusion) rules.
// Returns true if the column should be excluded, along with the exclusion reason.
func (h *Hints) IsNegativeMatch(columnName string) (bool, string) {
	for _, neg := range h.Negative {
		if neg.CompiledRegex.MatchString(columnName) {
			return true, neg.Reason
		}
	}
	return false, ""
}

// Match returns the PII types hinted by a column name, in canonical order.
// Columns excluded by a negative rule hint at nothing.
func (h *Hints) Match(columnName string) []model.PIIType {
	if columnName == "" {
		return nil
	}
	if excluded, _ := h.IsNegativeMatch(columnName); excluded {
		return nil
	}
	var out []model.PIIType
	for _, t := range h.Types {
		for _, re := range h.Categories[t] {
			if re.MatchString(columnName) {
				out = append(out, t)
				break
			}
		}
	}
	return out
}

// Boost returns the confidence boost a column name gives to a value whose
// detected types are detected: hintMatchBoost when the column hints at one
// of them, hintOtherBoost when it only hints at some other type.
func (h *Hints) Boost(columnName string, detected []model.PIIType) float64 {
	hinted := h.Match(columnName)
	if len(hinted) == 0 {
		return 0
	}
	for _, ht := range hinted {
		for _, dt := range detected {
			if ht == dt {
				return hintMatchBoost
			}
		}
	}
	return hintOtherBoost
}
