package report

import (
	"fmt"
	"io"
	"sort"
	"time"
)

// Stats summarizes matched audit entries.
type Stats struct {
	InputEvents   int
	MatchedEvents int
	ErrorEvents   int
	ByStage       map[string]int
	ByOutcome     map[string]int
	ByRiskLevel   map[string]int // PII stage only
	ByPIIType     map[string]int // PII stage only
	ByAgent       map[string]int
	DenialReasons map[string]int // authorization denials
	Requests      int            // distinct correlation IDs

	FirstTimestamp *time.Time
	LastTimestamp  *time.Time

	correlations map[string]struct{}
}

func NewStats() *Stats {
	return &Stats{
		ByStage:       make(map[string]int),
		ByOutcome:     make(map[string]int),
		ByRiskLevel:   make(map[string]int),
		ByPIIType:     make(map[string]int),
		ByAgent:       make(map[string]int),
		DenialReasons: make(map[string]int),
		correlations:  make(map[string]struct{}),
	}
}

func (s *Stats) IncrementInput() { s.InputEvents++ }

func (s *Stats) IncrementError() { s.ErrorEvents++ }

// IncrementMatched counts e in every breakdown it has a value for.
func (s *Stats) IncrementMatched(e Event) {
	s.MatchedEvents++

	if v, ok := GetString(e, "decision_stage"); ok {
		s.ByStage[v]++
	}
	if v, ok := GetString(e, "outcome"); ok {
		s.ByOutcome[v]++
	}
	if v, ok := GetString(e, "agent_id"); ok {
		s.ByAgent[v]++
	}
	if v, ok := GetString(e, "correlation_id"); ok {
		if _, seen := s.correlations[v]; !seen {
			s.correlations[v] = struct{}{}
			s.Requests++
		}
	}
	if d, ok := GetDetail(e); ok {
		if v, ok := GetString(d, "risk_level"); ok && v != "" {
			s.ByRiskLevel[v]++
		}
		if types, ok := GetStringSlice(d, "detected_types"); ok {
			for _, t := range types {
				s.ByPIIType[t]++
			}
		}
		if v, ok := GetString(d, "denial_reason"); ok && v != "" {
			s.DenialReasons[v]++
		}
	}

	if ts, err := ParseTimestamp(e["timestamp"]); err == nil {
		if s.FirstTimestamp == nil || ts.Before(*s.FirstTimestamp) {
			s.FirstTimestamp = &ts
		}
		if s.LastTimestamp == nil || ts.After(*s.LastTimestamp) {
			s.LastTimestamp = &ts
		}
	}
}

// PrintSummary writes a human-readable summary. Breakdowns are sorted by
// count descending, then by name.
func (s *Stats) PrintSummary(w io.Writer) {
	fmt.Fprintf(w, "Summary:\n")
	fmt.Fprintf(w, "  Total entries processed: %d\n", s.InputEvents)
	if s.ErrorEvents > 0 {
		fmt.Fprintf(w, "  Unreadable entries: %d\n", s.ErrorEvents)
	}
	if s.FirstTimestamp != nil && s.LastTimestamp != nil {
		fmt.Fprintf(w, "  Time range: %s to %s\n",
			s.FirstTimestamp.Format(time.RFC3339),
			s.LastTimestamp.Format(time.RFC3339))
	}
	fmt.Fprintf(w, "  Matched: %d (%d requests)\n", s.MatchedEvents, s.Requests)
	fmt.Fprintf(w, "\n")

	for _, section := range []struct {
		title string
		m     map[string]int
	}{
		{"By stage", s.ByStage},
		{"By outcome", s.ByOutcome},
		{"By agent", s.ByAgent},
		{"By PII type", s.ByPIIType},
		{"By risk level", s.ByRiskLevel},
		{"Denial reasons", s.DenialReasons},
	} {
		if len(section.m) == 0 {
			continue
		}
		fmt.Fprintf(w, "  %s:\n", section.title)
		printSortedMap(w, section.m, "    ")
		fmt.Fprintf(w, "\n")
	}
}

func printSortedMap(w io.Writer, m map[string]int, indent string) {
	type kv struct {
		key   string
		value int
	}
	pairs := make([]kv, 0, len(m))
	for k, v := range m {
		pairs = append(pairs, kv{k, v})
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].value == pairs[j].value {
			return pairs[i].key < pairs[j].key
		}
		return pairs[i].value > pairs[j].value
	})
	for _, p := range pairs {
		fmt.Fprintf(w, "%s%s: %d\n", indent, p.key, p.value)
	}
}

// GetSummaryMap returns the statistics for JSON output.
func (s *Stats) GetSummaryMap() map[string]any {
	summary := map[string]any{
		"total_entries_processed": s.InputEvents,
		"matched_entries":         s.MatchedEvents,
		"error_entries":           s.ErrorEvents,
		"requests":                s.Requests,
		"by_stage":                s.ByStage,
		"by_outcome":              s.ByOutcome,
		"by_agent":                s.ByAgent,
		"by_pii_type":             s.ByPIIType,
		"by_risk_level":           s.ByRiskLevel,
		"denial_reasons":          s.DenialReasons,
	}
	if s.FirstTimestamp != nil && s.LastTimestamp != nil {
		summary["time_range"] = map[string]string{
			"start": s.FirstTimestamp.Format(time.RFC3339),
			"end":   s.LastTimestamp.Format(time.RFC3339),
		}
	}
	return summary
}
