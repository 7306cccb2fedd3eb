// Package validator performs static analysis of agent SQL before it is
// authorized: a statement whitelist, injection and evasion patterns, system
// catalog access, timing attacks, complexity limits and declared tables.
//
// The analysis is heuristic. It does not parse SQL into an AST; rules match
// over a copy of the text with literal contents blanked and comments removed.
package validator

import (
	"fmt"
	"strings"

	"github.com/vaibhaw-/govproxy/internal/govproxy/config"
	"github.com/vaibhaw-/govproxy/internal/govproxy/logger"
	"github.com/vaibhaw-/govproxy/internal/govproxy/model"
)

type Options struct {
	MaxJoins               int
	MaxSubqueryDepth       int
	MaxQueryLength         int
	AllowInformationSchema bool
	// CacheSize of zero disables result caching.
	CacheSize int
}

func DefaultOptions() Options {
	return Options{
		MaxJoins:         5,
		MaxSubqueryDepth: 3,
		MaxQueryLength:   10000,
		CacheSize:        1024,
	}
}

// OptionsFromConfig maps the validator config section onto Options,
// keeping defaults for unset limits.
func OptionsFromConfig(c config.ValidatorCfg) Options {
	opts := DefaultOptions()
	if c.MaxJoins > 0 {
		opts.MaxJoins = c.MaxJoins
	}
	if c.MaxSubqueryDepth > 0 {
		opts.MaxSubqueryDepth = c.MaxSubqueryDepth
	}
	if c.MaxQueryLength > 0 {
		opts.MaxQueryLength = c.MaxQueryLength
	}
	opts.AllowInformationSchema = c.AllowInformationSchema
	opts.CacheSize = c.CacheSize
	return opts
}

// Validator is safe for concurrent use.
type Validator struct {
	opts  Options
	cache *resultCache
}

func New(opts Options) *Validator {
	v := &Validator{opts: opts}
	if opts.CacheSize > 0 {
		c, err := newResultCache(opts.CacheSize)
		if err != nil {
			logger.L().Warnw("validation cache disabled", "size", opts.CacheSize, "error", err)
		} else {
			v.cache = c
		}
	}
	return v
}

// Validate analyses q.SQLQuery. It never mutates q and never fails: malformed
// SQL yields IsValid=false. Every rule runs so SecurityRisks is complete.
func (v *Validator) Validate(q model.AgentQuery) model.ValidationResult {
	var key string
	if v.cache != nil {
		key = cacheKey(&q)
		if res, ok := v.cache.get(key); ok {
			logger.L().Debugw("validation cache hit", "correlation_id", q.CorrelationID)
			return res
		}
	}

	res := v.validate(&q)

	if v.cache != nil {
		v.cache.add(key, res)
	}
	logger.L().Debugw("query validated",
		"correlation_id", q.CorrelationID,
		"valid", res.IsValid,
		"risks", len(res.SecurityRisks),
		"warnings", len(res.Warnings))
	return res
}

func (v *Validator) validate(q *model.AgentQuery) model.ValidationResult {
	r := &report{}

	sql := q.SQLQuery
	switch {
	case strings.TrimSpace(sql) == "":
		r.finding(KindEmptyQuery, model.SeverityHigh, "", "query text is empty")
		return r.result()
	case v.opts.MaxQueryLength > 0 && len(sql) > v.opts.MaxQueryLength:
		r.finding(KindQueryTooLong, model.SeverityHigh, "",
			fmt.Sprintf("query length %d exceeds max_query_length %d", len(sql), v.opts.MaxQueryLength))
		return r.result()
	}

	s := newScan(sql)
	for _, rule := range rules {
		rule(v, s, q, r)
	}

	if r.perf > 0 {
		others := 0
		for _, f := range r.risks {
			if f.Kind != KindPerformanceAttack {
				others++
			}
		}
		if r.perf > 1 || others > 0 || r.riskWarnings > 0 {
			r.fail("performance risk combined with other risks")
		}
	}
	return r.result()
}

func (r *report) result() model.ValidationResult {
	res := model.ValidationResult{
		IsValid:         len(r.failures) == 0,
		SecurityRisks:   append([]model.Finding{}, r.risks...),
		Warnings:        append([]string{}, r.warnings...),
		Recommendations: append([]string{}, r.recommendations...),
	}
	if !res.IsValid {
		res.FailureReason = strings.Join(r.failures, "; ")
	}
	return res
}
