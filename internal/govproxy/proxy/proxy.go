// Package proxy sequences validation, authorization and PII detection into
// a single verdict, auditing every stage it reaches.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/vaibhaw-/govproxy/internal/govproxy/config"
	"github.com/vaibhaw-/govproxy/internal/govproxy/logger"
	"github.com/vaibhaw-/govproxy/internal/govproxy/model"
)

// Reasons set on verdicts that are not stage denials.
const (
	ReasonAuditUnavailable  = "AuditUnavailable"
	ReasonEvaluationTimeout = "EvaluationTimeout"
	ReasonPIITypeDenied     = "PIITypeDenied"
)

// Validator is the query validation stage.
type Validator interface {
	Validate(q model.AgentQuery) model.ValidationResult
}

// Authorizer is the authorization stage.
type Authorizer interface {
	Authorize(ctx context.Context, q model.AgentQuery) model.AuthorizationResult
}

// Detector classifies a column from its sample values.
type Detector interface {
	DetectColumn(columnName string, values []string) model.PIIDetectionResult
}

// Recorder appends audit entries.
type Recorder interface {
	Record(ctx context.Context, e model.AuditEntry) error
}

type Options struct {
	// FailureMode is config.FailClosed or config.FailOpen.
	FailureMode       string
	EvaluationTimeout time.Duration
	PIIWorkers        int
	Risk              *config.RiskScoring
	Now               func() time.Time
}

func DefaultOptions() Options {
	return Options{
		FailureMode:       config.FailClosed,
		EvaluationTimeout: 2 * time.Second,
		PIIWorkers:        4,
		Now:               time.Now,
	}
}

// OptionsFromConfig maps the proxy and audit config sections onto Options.
func OptionsFromConfig(p config.ProxyCfg, a config.AuditCfg) Options {
	opts := DefaultOptions()
	if a.FailureMode != "" {
		opts.FailureMode = a.FailureMode
	}
	if p.EvaluationTimeout > 0 {
		opts.EvaluationTimeout = p.EvaluationTimeout
	}
	if p.PIIWorkers > 0 {
		opts.PIIWorkers = p.PIIWorkers
	}
	return opts
}

// Proxy is safe for concurrent use.
type Proxy struct {
	validator  Validator
	authorizer Authorizer
	detector   Detector
	audit      Recorder
	policy     *config.Policy
	opts       Options
}

func New(v Validator, a Authorizer, d Detector, rec Recorder, policy *config.Policy, opts Options) (*Proxy, error) {
	if v == nil || a == nil || d == nil || rec == nil || policy == nil {
		return nil, fmt.Errorf("proxy: validator, authorizer, detector, recorder and policy are required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.EvaluationTimeout <= 0 {
		opts.EvaluationTimeout = DefaultOptions().EvaluationTimeout
	}
	if opts.Risk == nil {
		rs, err := config.DefaultRiskScoring()
		if err != nil {
			return nil, fmt.Errorf("load default risk scoring: %w", err)
		}
		opts.Risk = rs
	}
	return &Proxy{
		validator:  v,
		authorizer: a,
		detector:   d,
		audit:      rec,
		policy:     policy,
		opts:       opts,
	}, nil
}

// run is one evaluation: the query, the verdict being built and the
// deadline every stage shares.
type run struct {
	p       *Proxy
	q       model.AgentQuery
	verdict model.Verdict
}

// ExecuteSecureQuery evaluates q and returns the verdict. The caller runs
// the SQL itself and applies verdict.Masking to the result set. Denials and
// failures are reported in the verdict, never as errors.
func (p *Proxy) ExecuteSecureQuery(ctx context.Context, q model.AgentQuery) model.Verdict {
	q = p.prepare(q)
	ctx, cancel := context.WithTimeout(ctx, p.opts.EvaluationTimeout)
	defer cancel()

	r := &run{p: p, q: q, verdict: model.Verdict{
		CorrelationID:    q.CorrelationID,
		State:            model.StatePending,
		MaxExecutionTime: q.MaxExecutionTime,
	}}
	logger.L().Debugw("Evaluating query",
		"correlation_id", q.CorrelationID,
		"agent_id", q.AgentID,
		"clearance", q.ClearanceLevel,
		"tables", q.RequestedTables)

	if !r.validate(ctx) || !r.authorize(ctx) || !r.detect(ctx) {
		return r.finish()
	}
	r.verdict.Allowed = true
	r.verdict.State = model.StateAllowed
	return r.finish()
}

// Validate runs only the validation stage and audits it. The returned error
// is set when the audit write failed.
func (p *Proxy) Validate(ctx context.Context, q model.AgentQuery) (model.ValidationResult, error) {
	q = p.prepare(q)
	ctx, cancel := context.WithTimeout(ctx, p.opts.EvaluationTimeout)
	defer cancel()

	res, err := runStage(ctx, func(context.Context) (model.ValidationResult, error) {
		return p.validator.Validate(q), nil
	})
	if err != nil {
		p.record(ctx, q, model.StageValidation, model.OutcomeDenied, timeoutDetail(err))
		return model.ValidationResult{IsValid: false, FailureReason: ReasonEvaluationTimeout}, err
	}
	return res, p.record(ctx, q, model.StageValidation, outcomeOf(res.IsValid), validationDetail(q, res))
}

// RecordExecution appends the Execution stage entry after the caller ran the
// approved SQL. execErr is the outcome of the execution, nil on success.
func (p *Proxy) RecordExecution(ctx context.Context, q model.AgentQuery, rows int64, elapsed time.Duration, execErr error) error {
	detail := map[string]any{
		"rows":       rows,
		"elapsed_ms": elapsed.Milliseconds(),
	}
	outcome := model.OutcomeAllowed
	if execErr != nil {
		outcome = model.OutcomeDenied
		detail["error"] = execErr.Error()
	}
	return p.record(ctx, q, model.StageExecution, outcome, detail)
}

func (p *Proxy) prepare(q model.AgentQuery) model.AgentQuery {
	if strings.TrimSpace(q.CorrelationID) == "" {
		q.CorrelationID = uuid.NewString()
	}
	if id, ok := model.BoundField(q.CorrelationID, model.MaxCorrelationIDLen); ok {
		logger.L().Warnw("Correlation id too long, using a bounded form", "length", len(q.CorrelationID), "correlation_id", id)
		q.CorrelationID = id
	}
	if q.RequestTimestamp.IsZero() {
		q.RequestTimestamp = p.opts.Now().UTC()
	}
	return q
}

func (r *run) validate(ctx context.Context) bool {
	res, err := runStage(ctx, func(context.Context) (model.ValidationResult, error) {
		return r.p.validator.Validate(r.q), nil
	})
	if err != nil {
		return r.timedOut(ctx, model.StageValidation, err)
	}
	r.verdict.Validation = &res
	if !r.audited(ctx, model.StageValidation, outcomeOf(res.IsValid), validationDetail(r.q, res)) {
		return false
	}
	if !res.IsValid {
		r.deny(model.StateValidationFailed, res.FailureReason)
		return false
	}
	r.verdict.State = model.StateValidated
	return true
}

func (r *run) authorize(ctx context.Context) bool {
	res, err := runStage(ctx, func(ctx context.Context) (model.AuthorizationResult, error) {
		return r.p.authorizer.Authorize(ctx, r.q), nil
	})
	if err != nil {
		return r.timedOut(ctx, model.StageAuthorization, err)
	}
	r.verdict.Authorization = &res
	r.verdict.ExpiresAt = res.ExpiresAt
	if !r.audited(ctx, model.StageAuthorization, outcomeOf(res.IsAuthorized), authorizationDetail(r.q, res)) {
		return false
	}
	if !res.IsAuthorized {
		r.deny(model.StateAuthorizationFailed, res.DenialReason)
		return false
	}
	r.verdict.State = model.StateAuthorized
	return true
}

func (r *run) detect(ctx context.Context) bool {
	results, err := runStage(ctx, func(ctx context.Context) ([]model.PIIDetectionResult, error) {
		return r.p.scanColumns(ctx, r.q)
	})
	if err != nil {
		return r.timedOut(ctx, model.StagePIIDetection, err)
	}

	sum := r.p.summarize(r.q, results)
	r.verdict.PII = results
	r.verdict.RiskLevel = sum.risk
	if len(sum.masking) > 0 {
		r.verdict.Masking = sum.masking
	}
	if !r.audited(ctx, model.StagePIIDetection, sum.outcome(), sum.detail()) {
		return false
	}
	if len(sum.denied) > 0 {
		r.deny(model.StatePIIDenied, ReasonPIITypeDenied+":"+joinTypes(sum.denied))
		return false
	}
	return true
}

// audited records a stage entry and applies the failure mode. It reports
// whether evaluation may continue.
func (r *run) audited(ctx context.Context, stage model.Stage, outcome model.Outcome, detail map[string]any) bool {
	err := r.p.record(ctx, r.q, stage, outcome, detail)
	if err == nil {
		return true
	}
	if outcome == model.OutcomeDenied {
		// the deny stands whatever the audit outcome
		return true
	}
	if r.p.opts.FailureMode == config.FailOpen {
		logger.L().Warnw("Audit write failed, continuing in fail-open mode",
			"correlation_id", r.q.CorrelationID,
			"stage", stage,
			"error", err)
		return true
	}
	r.deny(model.StateAuditFailed, ReasonAuditUnavailable)
	return false
}

func (r *run) timedOut(ctx context.Context, stage model.Stage, err error) bool {
	r.p.record(ctx, r.q, stage, model.OutcomeDenied, timeoutDetail(err))
	r.deny(model.StateTimedOut, ReasonEvaluationTimeout)
	return false
}

func (r *run) deny(state model.State, reason string) {
	r.verdict.Allowed = false
	r.verdict.State = state
	r.verdict.Reason = reason
	r.verdict.Masking = nil
}

func (r *run) finish() model.Verdict {
	r.verdict.EvaluatedAt = r.p.opts.Now().UTC()
	logger.L().Infow("Query evaluated",
		"correlation_id", r.q.CorrelationID,
		"agent_id", r.q.AgentID,
		"allowed", r.verdict.Allowed,
		"state", r.verdict.State,
		"reason", r.verdict.Reason)
	return r.verdict
}

// record writes one stage entry on a context detached from the evaluation
// deadline, so a timed-out stage is still audited.
func (p *Proxy) record(ctx context.Context, q model.AgentQuery, stage model.Stage, outcome model.Outcome, detail map[string]any) error {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.EvaluationTimeout)
	defer cancel()

	if q.ClaimedIPAddress != "" {
		detail = lo.Assign(detail, map[string]any{"claimed_ip_address": q.ClaimedIPAddress})
	}
	err := p.audit.Record(actx, model.AuditEntry{
		CorrelationID: q.CorrelationID,
		AgentID:       q.AgentID,
		DatabaseName:  q.DatabaseName,
		Stage:         stage,
		Outcome:       outcome,
		Detail:        detail,
		IPAddress:     q.IPAddress,
		SessionID:     q.SessionID,
	})
	if err != nil {
		logger.L().Errorw("Audit write failed",
			"correlation_id", q.CorrelationID,
			"stage", stage,
			"outcome", outcome,
			"error", err)
	}
	return err
}

// runStage runs fn and returns early with the context error if ctx ends
// first. fn keeps running in the background in that case.
func runStage[T any](ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		ch <- result{v, err}
	}()
	select {
	case res := <-ch:
		return res.v, res.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func outcomeOf(ok bool) model.Outcome {
	if ok {
		return model.OutcomeAllowed
	}
	return model.OutcomeDenied
}

func timeoutDetail(err error) map[string]any {
	reason := ReasonEvaluationTimeout
	if errors.Is(err, context.Canceled) {
		reason = "Canceled"
	}
	return map[string]any{"reason": reason, "error": err.Error()}
}
