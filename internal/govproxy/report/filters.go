package report

import (
	"time"
)

// FilterByField matches events whose string field key equals one of values,
// ignoring case.
func FilterByField(key string, values ...string) EventFilter {
	return func(e Event) bool {
		v, ok := GetString(e, key)
		return ok && matchesAny(v, values)
	}
}

// FilterByAgent matches entries of one agent.
func FilterByAgent(agent string) EventFilter {
	return FilterByField("agent_id", agent)
}

// FilterByCorrelation matches the entries of one request. Correlation IDs
// are compared exactly.
func FilterByCorrelation(id string) EventFilter {
	return func(e Event) bool {
		v, ok := GetString(e, "correlation_id")
		return ok && v == id
	}
}

// FilterByStage matches entries of the given decision stages.
func FilterByStage(stages []string) EventFilter {
	return FilterByField("decision_stage", stages...)
}

// FilterByOutcome matches entries with one of the given outcomes.
func FilterByOutcome(outcomes []string) EventFilter {
	return FilterByField("outcome", outcomes...)
}

// FilterByPIIType matches PII-stage entries that detected any of types.
func FilterByPIIType(types []string) EventFilter {
	return func(e Event) bool {
		d, ok := GetDetail(e)
		if !ok {
			return false
		}
		detected, ok := GetStringSlice(d, "detected_types")
		if !ok {
			return false
		}
		for _, t := range detected {
			if matchesAny(t, types) {
				return true
			}
		}
		return false
	}
}

// FilterByRiskLevel matches PII-stage entries with one of the risk levels.
func FilterByRiskLevel(levels []string) EventFilter {
	return func(e Event) bool {
		d, ok := GetDetail(e)
		if !ok {
			return false
		}
		risk, ok := GetString(d, "risk_level")
		return ok && matchesAny(risk, levels)
	}
}

// FilterByTime keeps events at or after since, or within the last
// duration when last is set. Unparseable timestamps never match.
func FilterByTime(since time.Time, last time.Duration, now func() time.Time) EventFilter {
	if now == nil {
		now = time.Now
	}
	return func(e Event) bool {
		ts, err := ParseTimestamp(e["timestamp"])
		if err != nil {
			return false
		}
		if last > 0 {
			return !ts.Before(now().Add(-last))
		}
		if !since.IsZero() {
			return !ts.Before(since)
		}
		return true
	}
}

// matchAll ANDs filters; no filters matches everything.
func matchAll(event Event, filters []EventFilter) bool {
	for _, f := range filters {
		if !f(event) {
			return false
		}
	}
	return true
}

func buildFilters(opts QueryOptions, now func() time.Time) []EventFilter {
	var filters []EventFilter
	if opts.Agent != "" {
		filters = append(filters, FilterByAgent(opts.Agent))
	}
	if opts.CorrelationID != "" {
		filters = append(filters, FilterByCorrelation(opts.CorrelationID))
	}
	if opts.Database != "" {
		filters = append(filters, FilterByField("database_name", opts.Database))
	}
	if opts.IP != "" {
		filters = append(filters, FilterByField("ip_address", opts.IP))
	}
	if len(opts.Stages) > 0 {
		filters = append(filters, FilterByStage(opts.Stages))
	}
	if len(opts.Outcomes) > 0 {
		filters = append(filters, FilterByOutcome(opts.Outcomes))
	}
	if len(opts.PIITypes) > 0 {
		filters = append(filters, FilterByPIIType(opts.PIITypes))
	}
	if len(opts.RiskLevels) > 0 {
		filters = append(filters, FilterByRiskLevel(opts.RiskLevels))
	}
	if !opts.Since.IsZero() || opts.LastDuration > 0 {
		filters = append(filters, FilterByTime(opts.Since, opts.LastDuration, now))
	}
	return filters
}
