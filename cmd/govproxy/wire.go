package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/vaibhaw-/govproxy/internal/govproxy/audit"
	"github.com/vaibhaw-/govproxy/internal/govproxy/authz"
	"github.com/vaibhaw-/govproxy/internal/govproxy/config"
	"github.com/vaibhaw-/govproxy/internal/govproxy/logger"
	"github.com/vaibhaw-/govproxy/internal/govproxy/model"
	"github.com/vaibhaw-/govproxy/internal/govproxy/pii"
	"github.com/vaibhaw-/govproxy/internal/govproxy/proxy"
	"github.com/vaibhaw-/govproxy/internal/govproxy/validator"
)

// stack is a fully wired proxy and the audit logger it writes to.
type stack struct {
	proxy  *proxy.Proxy
	audit  *audit.Logger
	policy *config.Policy
}

func buildStack(ctx context.Context, cfg *config.Config) (*stack, error) {
	policy, err := config.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		return nil, err
	}
	hints, err := pii.LoadHints(cfg.Detection.HintsFile)
	if err != nil {
		return nil, err
	}
	det, err := pii.New(pii.WithHints(hints))
	if err != nil {
		return nil, fmt.Errorf("init detector: %w", err)
	}
	risk, err := pii.LoadRisk(cfg.Detection.RiskFile)
	if err != nil {
		return nil, err
	}
	limiter, err := authz.NewLimiter(ctx, cfg.RateLimit)
	if err != nil {
		return nil, fmt.Errorf("init rate limiter: %w", err)
	}
	al, err := audit.Open(ctx, cfg.Audit, cfg.Hashing)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}

	opts := proxy.OptionsFromConfig(cfg.Proxy, cfg.Audit)
	opts.Risk = risk
	p, err := proxy.New(
		validator.New(validator.OptionsFromConfig(cfg.Validator)),
		authz.NewEngine(policy, limiter),
		det, al, policy, opts)
	if err != nil {
		al.Close()
		return nil, err
	}
	logger.L().Debugw("Proxy ready",
		"policy_file", cfg.PolicyFile,
		"ratelimit", cfg.RateLimit.Backend,
		"audit_sink", cfg.Audit.Sink,
		"failure_mode", opts.FailureMode)
	return &stack{proxy: p, audit: al, policy: policy}, nil
}

func (s *stack) Close() error {
	return s.audit.Close()
}

// readQuery decodes one AgentQuery from path, or stdin when path is "" or "-".
func readQuery(path string) (model.AgentQuery, error) {
	var q model.AgentQuery
	var r io.Reader = os.Stdin
	if path != "" && path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return q, fmt.Errorf("open request: %w", err)
		}
		defer f.Close()
		r = f
	}
	if err := json.NewDecoder(r).Decode(&q); err != nil {
		return q, fmt.Errorf("decode request: %w", err)
	}
	return q, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
