// Package authz decides which of a query's requested tables an agent may
// read, and enforces the per-tier request budget.
package authz

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/vaibhaw-/govproxy/internal/govproxy/config"
	"github.com/vaibhaw-/govproxy/internal/govproxy/logger"
	"github.com/vaibhaw-/govproxy/internal/govproxy/model"
)

// Clock returns the current time.
type Clock func() time.Time

// Engine evaluates clearance policy and rate limits. It is safe for
// concurrent use; the only shared state lives in the RateLimiter.
type Engine struct {
	policy  *config.Policy
	limiter RateLimiter
	now     Clock
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the wall clock.
func WithClock(c Clock) Option {
	return func(e *Engine) { e.now = c }
}

// NewEngine returns an engine enforcing policy with limiter as the counter
// store.
func NewEngine(policy *config.Policy, limiter RateLimiter, opts ...Option) *Engine {
	e := &Engine{policy: policy, limiter: limiter, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NewLimiter builds the counter store selected by cfg.
func NewLimiter(ctx context.Context, cfg config.RateLimitCfg) (RateLimiter, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryStore(), nil
	case "redis":
		client, err := NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		logger.L().Infow("Using redis rate limit store", "addr", client.Options().Addr, "prefix", cfg.Redis.KeyPrefix)
		return NewRedisStore(client, cfg.Redis.KeyPrefix), nil
	}
	return nil, fmt.Errorf("unknown rate limit backend %q", cfg.Backend)
}

// Authorize returns the access decision for q. The rate limit is checked
// first and a refused request never reaches table evaluation. Denials are
// results, not errors.
func (e *Engine) Authorize(ctx context.Context, q model.AgentQuery) model.AuthorizationResult {
	now := e.now().UTC()
	res := model.AuthorizationResult{
		GrantedClearanceLevel: q.ClearanceLevel,
		AuthorizedTables:      []string{},
	}

	if strings.TrimSpace(q.AgentID) == "" {
		return e.deny(q, res, model.DenialMissingAgent)
	}
	tier, err := e.policy.Tier(q.ClearanceLevel)
	if err != nil {
		return e.deny(q, res, model.DenialInvalidClearance)
	}
	res.ExpiresAt = now.Add(tier.GrantTTL)

	info, err := e.takeBudget(ctx, q, tier, now)
	if err != nil {
		logger.L().Errorw("Rate limiter failed, denying request",
			"agent_id", q.AgentID,
			"correlation_id", q.CorrelationID,
			"error", err)
		res.RateLimit = model.RateLimitInfo{
			RequestsPerMinute: tier.RequestsPerMinute,
			RequestsPerHour:   tier.RequestsPerHour,
		}
		return e.deny(q, res, model.DenialRateLimiterFailure)
	}
	res.RateLimit = info
	if info.IsExceeded {
		return e.deny(q, res, model.DenialRateLimitExceeded)
	}

	requested := lo.Uniq(lo.Filter(q.RequestedTables, func(t string, _ int) bool {
		return strings.TrimSpace(t) != ""
	}))
	if denied, ok := lo.Find(requested, func(t string) bool { return matchAny(tier.DeniedTables, t) }); ok {
		return e.deny(q, res, model.DenialTableDenied+":"+denied)
	}
	if len(requested) == 0 {
		return e.deny(q, res, model.DenialNoAuthorizedTables)
	}
	// A grant covers every requested table or none.
	if missing, ok := lo.Find(requested, func(t string) bool { return !matchAny(tier.AllowedTables, t) }); ok {
		return e.deny(q, res, model.DenialTableNotAllowed+":"+missing)
	}
	permitted := requested

	res.IsAuthorized = true
	res.AuthorizedTables = permitted
	logger.L().Debugw("Query authorized",
		"agent_id", q.AgentID,
		"correlation_id", q.CorrelationID,
		"clearance", q.ClearanceLevel,
		"tables", permitted,
		"remaining", info.RemainingRequests)
	return res
}

func (e *Engine) deny(q model.AgentQuery, res model.AuthorizationResult, reason string) model.AuthorizationResult {
	res.IsAuthorized = false
	res.DenialReason = reason
	res.AuthorizedTables = []string{}
	logger.L().Infow("Query denied",
		"agent_id", q.AgentID,
		"correlation_id", q.CorrelationID,
		"clearance", q.ClearanceLevel,
		"reason", reason)
	return res
}

func (e *Engine) takeBudget(ctx context.Context, q model.AgentQuery, tier config.TierPolicy, now time.Time) (model.RateLimitInfo, error) {
	info := model.RateLimitInfo{
		RequestsPerMinute: tier.RequestsPerMinute,
		RequestsPerHour:   tier.RequestsPerHour,
	}
	if tier.Unlimited {
		info.Unlimited = true
		info.RemainingRequests = -1
		return info, nil
	}

	u, err := e.limiter.Take(ctx, Key(q.AgentID, q.ClearanceLevel), Limits{
		PerMinute: tier.RequestsPerMinute,
		PerHour:   tier.RequestsPerHour,
	}, now)
	if err != nil {
		return info, err
	}

	remMinute := max(tier.RequestsPerMinute-u.Minute, 0)
	remHour := max(tier.RequestsPerHour-u.Hour, 0)
	info.IsExceeded = !u.Allowed
	info.RemainingRequests = min(remMinute, remHour)
	// the binding window is the one with the least budget left
	if remHour <= remMinute {
		info.ResetAt = u.HourReset
	} else {
		info.ResetAt = u.MinuteReset
	}
	return info, nil
}

// matchAny reports whether table matches one of the patterns. Matching is
// case-insensitive; "*" matches everything and "schema.*" every table in
// that schema. A qualified name also matches an unqualified pattern by its
// last segment, and the other way round.
func matchAny(patterns []string, table string) bool {
	t := normalizeTable(table)
	return lo.SomeBy(patterns, func(p string) bool {
		p = normalizeTable(p)
		switch {
		case p == "*":
			return true
		case strings.HasSuffix(p, ".*"):
			return strings.HasPrefix(t, strings.TrimSuffix(p, "*"))
		case p == t:
			return true
		case !strings.Contains(p, "."):
			return p == lastSegment(t)
		case !strings.Contains(t, "."):
			return lastSegment(p) == t
		}
		return false
	})
}

func normalizeTable(s string) string {
	s = strings.NewReplacer("[", "", "]", "", `"`, "", "`", "").Replace(strings.TrimSpace(s))
	return strings.ToLower(s)
}

func lastSegment(name string) string {
	if i := strings.LastIndex(name, "."); i >= 0 {
		return name[i+1:]
	}
	return name
}
