package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vaibhaw-/govproxy/internal/govproxy/model"
)

// ErrUnknownClearance is returned when a policy has no entry for a tier.
var ErrUnknownClearance = errors.New("unknown clearance level")

// TierPolicy is the access policy of one clearance level.
type TierPolicy struct {
	AllowedTables     []string        `yaml:"allowed_tables"`
	DeniedTables      []string        `yaml:"denied_tables"`
	RequestsPerMinute int             `yaml:"requests_per_minute"`
	RequestsPerHour   int             `yaml:"requests_per_hour"`
	Unlimited         bool            `yaml:"unlimited"`
	GrantTTL          time.Duration   `yaml:"grant_ttl"`
	DeniedPIITypes    []model.PIIType `yaml:"denied_pii_types"`
}

// Policy maps every clearance level to its tier policy.
type Policy struct {
	Version int                   `yaml:"version"`
	Tiers   map[string]TierPolicy `yaml:"tiers"`

	levels map[model.ClearanceLevel]TierPolicy
}

// Tier returns the policy of lvl.
func (p *Policy) Tier(lvl model.ClearanceLevel) (TierPolicy, error) {
	tp, ok := p.levels[lvl]
	if !ok {
		return TierPolicy{}, fmt.Errorf("%w: %s", ErrUnknownClearance, lvl)
	}
	return tp, nil
}

// DefaultPolicy returns the built-in policy used when no policy file is set.
func DefaultPolicy() *Policy {
	p := &Policy{
		Version: 1,
		Tiers: map[string]TierPolicy{
			"Restricted": {
				AllowedTables:     []string{"Documents", "Templates"},
				DeniedTables:      []string{"Users", "AuditEntries"},
				RequestsPerMinute: 10,
				RequestsPerHour:   500,
				GrantTTL:          5 * time.Minute,
				DeniedPIITypes:    []model.PIIType{model.PIISSN, model.PIICreditCard},
			},
			"Standard": {
				AllowedTables:     []string{"Documents", "Templates", "DocumentVersions", "Approvals"},
				DeniedTables:      []string{"AuditEntries"},
				RequestsPerMinute: 60,
				RequestsPerHour:   3600,
				GrantTTL:          15 * time.Minute,
				DeniedPIITypes:    []model.PIIType{model.PIICreditCard},
			},
			"Elevated": {
				AllowedTables:     []string{"*"},
				DeniedTables:      []string{"AuditEntries"},
				RequestsPerMinute: 300,
				RequestsPerHour:   10000,
				GrantTTL:          30 * time.Minute,
			},
			"Administrator": {
				AllowedTables: []string{"*"},
				Unlimited:     true,
				GrantTTL:      time.Hour,
			},
		},
	}
	if err := p.index(); err != nil {
		panic(err)
	}
	return p
}

// LoadPolicy reads and validates a policy file. An empty path yields the
// default policy.
func LoadPolicy(path string) (*Policy, error) {
	if path == "" {
		return DefaultPolicy(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open policy file %s: %w", path, err)
	}
	defer f.Close()
	return ValidatePolicy(f)
}

// ValidatePolicy decodes and validates a YAML governance policy.
func ValidatePolicy(r io.Reader) (*Policy, error) {
	var p Policy
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("failed to decode policy YAML: %w", err)
	}
	if err := p.index(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *Policy) index() error {
	if len(p.Tiers) == 0 {
		return fmt.Errorf("policy must define at least one tier")
	}
	p.levels = make(map[model.ClearanceLevel]TierPolicy, len(p.Tiers))
	for name, tp := range p.Tiers {
		lvl, err := model.ParseClearanceLevel(name)
		if err != nil {
			return fmt.Errorf("tier %q: %w", name, err)
		}
		if _, dup := p.levels[lvl]; dup {
			return fmt.Errorf("tier %q defined twice", name)
		}
		if err := validateTier(tp); err != nil {
			return fmt.Errorf("tier %q: %w", name, err)
		}
		p.levels[lvl] = tp
	}
	for _, lvl := range model.ClearanceLevels() {
		if _, ok := p.levels[lvl]; !ok {
			return fmt.Errorf("policy missing tier %q", lvl)
		}
	}
	return nil
}

func validateTier(tp TierPolicy) error {
	if tp.RequestsPerMinute < 0 || tp.RequestsPerHour < 0 {
		return fmt.Errorf("rate limits must not be negative")
	}
	if !tp.Unlimited && (tp.RequestsPerMinute == 0 || tp.RequestsPerHour == 0) {
		return fmt.Errorf("requests_per_minute and requests_per_hour are required unless unlimited")
	}
	if !tp.Unlimited && tp.RequestsPerMinute > tp.RequestsPerHour {
		return fmt.Errorf("requests_per_minute (%d) exceeds requests_per_hour (%d)", tp.RequestsPerMinute, tp.RequestsPerHour)
	}
	if tp.GrantTTL <= 0 {
		return fmt.Errorf("grant_ttl must be positive")
	}
	for _, list := range [][]string{tp.AllowedTables, tp.DeniedTables} {
		for i, t := range list {
			if strings.TrimSpace(t) == "" {
				return fmt.Errorf("table pattern %d is empty", i)
			}
		}
	}
	for _, t := range tp.DeniedPIITypes {
		if t.Rank() < 0 {
			return fmt.Errorf("unknown PII type %q", t)
		}
	}
	return nil
}
