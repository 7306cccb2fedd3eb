package proxy

import (
	"context"
	"strings"
	"time"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/vaibhaw-/govproxy/internal/govproxy/model"
	"github.com/vaibhaw-/govproxy/internal/govproxy/pii"
)

// scanColumns classifies every requested column that has sample values.
// Results keep the order of RequestedColumns.
func (p *Proxy) scanColumns(ctx context.Context, q model.AgentQuery) ([]model.PIIDetectionResult, error) {
	columns := lo.Filter(lo.Uniq(q.RequestedColumns), func(c string, _ int) bool {
		return strings.TrimSpace(c) != "" && len(q.SampleValues[c]) > 0
	})
	results := make([]model.PIIDetectionResult, len(columns))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(p.opts.PIIWorkers, 1))
	for i, col := range columns {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = p.detector.DetectColumn(col, q.SampleValues[col])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// piiSummary is the consolidated outcome of the PII stage.
type piiSummary struct {
	results []model.PIIDetectionResult
	types   []model.PIIType
	denied  []model.PIIType
	masking map[string]model.Masking
	risk    string
}

func (p *Proxy) summarize(q model.AgentQuery, results []model.PIIDetectionResult) piiSummary {
	sum := piiSummary{results: results}

	detected := lo.Filter(results, func(r model.PIIDetectionResult, _ int) bool { return r.PIIDetected })
	seen := lo.Uniq(lo.FlatMap(detected, func(r model.PIIDetectionResult, _ int) []model.PIIType {
		return r.DetectedTypes
	}))
	// canonical order
	sum.types = lo.Filter(model.PIITypes(), func(t model.PIIType, _ int) bool { return lo.Contains(seen, t) })
	sum.risk = pii.ComputeRisk(p.opts.Risk, sum.types)

	if tier, err := p.policy.Tier(q.ClearanceLevel); err == nil {
		sum.denied = lo.Intersect(tier.DeniedPIITypes, sum.types)
	}
	if q.ApplyDataMasking {
		sum.masking = make(map[string]model.Masking)
		for _, r := range detected {
			if r.MaskingRecommendation != model.MaskNone {
				sum.masking[r.ColumnName] = r.MaskingRecommendation
			}
		}
	}
	return sum
}

func (s piiSummary) outcome() model.Outcome {
	switch {
	case len(s.denied) > 0:
		return model.OutcomeDenied
	case len(s.masking) > 0:
		return model.OutcomeMasked
	}
	return model.OutcomeAllowed
}

func (s piiSummary) detail() map[string]any {
	columns := lo.Map(s.results, func(r model.PIIDetectionResult, _ int) map[string]any {
		return map[string]any{
			"column":     r.ColumnName,
			"detected":   r.PIIDetected,
			"types":      typeNames(r.DetectedTypes),
			"confidence": r.Confidence,
			"masking":    string(r.MaskingRecommendation),
		}
	})
	masked := make(map[string]any, len(s.masking))
	for col, m := range s.masking {
		masked[col] = string(m)
	}
	return map[string]any{
		"columns":        columns,
		"detected_types": typeNames(s.types),
		"denied_types":   typeNames(s.denied),
		"risk_level":     s.risk,
		"masking":        masked,
	}
}

func validationDetail(q model.AgentQuery, res model.ValidationResult) map[string]any {
	risks := lo.Map(res.SecurityRisks, func(f model.Finding, _ int) map[string]any {
		return map[string]any{"kind": f.Kind, "pattern": f.Pattern, "severity": f.Severity.String()}
	})
	return map[string]any{
		"agent_name":     q.AgentName,
		"agent_purpose":  q.AgentPurpose,
		"sql_query":      q.SQLQuery,
		"is_valid":       res.IsValid,
		"failure_reason": res.FailureReason,
		"security_risks": risks,
		"warnings":       lo.Ternary(res.Warnings == nil, []string{}, res.Warnings),
	}
}

func authorizationDetail(q model.AgentQuery, res model.AuthorizationResult) map[string]any {
	d := map[string]any{
		"clearance_level":    q.ClearanceLevel.String(),
		"is_authorized":      res.IsAuthorized,
		"denial_reason":      res.DenialReason,
		"requested_tables":   lo.Ternary(q.RequestedTables == nil, []string{}, q.RequestedTables),
		"authorized_tables":  res.AuthorizedTables,
		"is_exceeded":        res.RateLimit.IsExceeded,
		"remaining_requests": res.RateLimit.RemainingRequests,
	}
	if !res.ExpiresAt.IsZero() {
		d["expires_at"] = res.ExpiresAt.UTC().Format(time.RFC3339Nano)
	}
	return d
}

func typeNames(types []model.PIIType) []string {
	return lo.Map(types, func(t model.PIIType, _ int) string { return string(t) })
}

func joinTypes(types []model.PIIType) string {
	return strings.Join(typeNames(types), ",")
}
