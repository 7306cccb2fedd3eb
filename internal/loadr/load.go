package loadr

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"gopkg.in/yaml.v3"

	"github.com/vaibhaw-/govproxy/internal/govproxy/logger"
	"github.com/vaibhaw-/govproxy/internal/govproxy/model"
)

// LoadConfig describes a synthetic request file.
type LoadConfig struct {
	Output           string `yaml:"output"`
	Seed             int64  `yaml:"seed"`
	Requests         int    `yaml:"requests"`
	Agents           int    `yaml:"agents"`
	SamplesPerColumn int    `yaml:"samplesPerColumn"`
	Database         string `yaml:"database"`

	Mix struct {
		Safe        float64 `yaml:"safe"`
		Injection   float64 `yaml:"injection"`
		OutOfPolicy float64 `yaml:"out_of_policy"`
	} `yaml:"mix"`

	Clearance struct {
		Restricted    float64 `yaml:"restricted"`
		Standard      float64 `yaml:"standard"`
		Elevated      float64 `yaml:"elevated"`
		Administrator float64 `yaml:"administrator"`
	} `yaml:"clearance"`
}

func readLoadConfig(path string) (LoadConfig, error) {
	logger.L().Debugw("Loading load config", "path", path)
	var cfg LoadConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// normalizeLoad fills defaults and scales each mix to sum to 1.0.
func normalizeLoad(cfg *LoadConfig) {
	if cfg.Requests <= 0 {
		cfg.Requests = 100
	}
	if cfg.Agents <= 0 {
		cfg.Agents = 8
	}
	if cfg.SamplesPerColumn <= 0 {
		cfg.SamplesPerColumn = 3
	}
	if cfg.Database == "" {
		cfg.Database = "governance"
	}

	m := &cfg.Mix
	tot := m.Safe + m.Injection + m.OutOfPolicy
	if tot <= 0 {
		m.Safe, m.Injection, m.OutOfPolicy = 0.7, 0.15, 0.15
		tot = 1
	}
	m.Safe /= tot
	m.Injection /= tot
	m.OutOfPolicy /= tot

	c := &cfg.Clearance
	totc := c.Restricted + c.Standard + c.Elevated + c.Administrator
	if totc <= 0 {
		c.Restricted, c.Standard, c.Elevated, c.Administrator = 0.3, 0.4, 0.2, 0.1
		totc = 1
	}
	c.Restricted /= totc
	c.Standard /= totc
	c.Elevated /= totc
	c.Administrator /= totc
}

// Kinds of generated requests.
const (
	KindSafe        = "safe"
	KindInjection   = "injection"
	KindOutOfPolicy = "out_of_policy"
)

type agent struct {
	id      string
	name    string
	purpose string
	level   model.ClearanceLevel
}

// Generator produces AgentQuery values. The same config and seed always
// produce the same sequence.
type Generator struct {
	cfg    LoadConfig
	f      *gofakeit.Faker
	agents []agent
}

func NewGenerator(cfg LoadConfig) *Generator {
	normalizeLoad(&cfg)
	g := &Generator{cfg: cfg, f: gofakeit.New(uint64(cfg.Seed))}
	for i := 0; i < cfg.Agents; i++ {
		g.agents = append(g.agents, agent{
			id:      fmt.Sprintf("agent-%03d", i+1),
			name:    strings.ToLower(g.f.FirstName()) + "-bot",
			purpose: g.f.RandomString(purposes),
			level:   g.pickClearance(),
		})
	}
	return g
}

func (g *Generator) pickClearance() model.ClearanceLevel {
	c := g.cfg.Clearance
	p := g.f.Float64()
	switch {
	case p < c.Restricted:
		return model.Restricted
	case p < c.Restricted+c.Standard:
		return model.Standard
	case p < c.Restricted+c.Standard+c.Elevated:
		return model.Elevated
	}
	return model.Administrator
}

func (g *Generator) pickKind() string {
	p := g.f.Float64()
	if p < g.cfg.Mix.Safe {
		return KindSafe
	}
	p -= g.cfg.Mix.Safe
	if p < g.cfg.Mix.Injection {
		return KindInjection
	}
	return KindOutOfPolicy
}

// Next returns the next request and its kind.
func (g *Generator) Next() (model.AgentQuery, string) {
	a := g.agents[g.f.Number(0, len(g.agents)-1)]
	kind := g.pickKind()

	var t table
	switch kind {
	case KindOutOfPolicy:
		t, _ = findTable("AuditEntries")
	default:
		t = Catalog[g.f.Number(0, len(Catalog)-2)]
	}

	q := model.AgentQuery{
		AgentID:          a.id,
		AgentName:        a.name,
		AgentPurpose:     a.purpose,
		DatabaseName:     g.cfg.Database,
		ClearanceLevel:   a.level,
		CorrelationID:    g.f.UUID(),
		RequestedTables:  []string{t.Name},
		ApplyDataMasking: g.f.Number(0, 9) > 0,
		MaxExecutionTime: time.Duration(g.f.Number(1, 30)) * time.Second,
		IPAddress:        g.f.IPv4Address(),
	}

	if kind == KindInjection {
		q.SQLQuery = fmt.Sprintf(g.f.RandomString(injectionTemplates), t.Name)
		return q, kind
	}

	cols := g.pickColumns(t)
	names := make([]string, 0, len(cols))
	q.SampleValues = make(map[string][]string, len(cols))
	for _, c := range cols {
		names = append(names, c.Name)
		samples := make([]string, g.cfg.SamplesPerColumn)
		for i := range samples {
			samples[i] = c.Sample(g.f)
		}
		q.SampleValues[c.Name] = samples
	}
	q.RequestedColumns = names
	q.SQLQuery = fmt.Sprintf("SELECT %s FROM %s WHERE Id = %d",
		strings.Join(names, ", "), t.Name, g.f.Number(1, 100000))
	return q, kind
}

// pickColumns returns Id plus a random non-empty run of the other columns.
func (g *Generator) pickColumns(t table) []column {
	rest := t.Columns[1:]
	if len(rest) == 0 {
		return t.Columns[:1]
	}
	start := g.f.Number(0, len(rest)-1)
	end := g.f.Number(start+1, len(rest))
	return append([]column{t.Columns[0]}, rest[start:end]...)
}

// LoadFile writes the requests described by the config at path.
func LoadFile(path string) error {
	cfg, err := readLoadConfig(path)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if cfg.Output == "" {
		return fmt.Errorf("output is required")
	}
	f, err := os.Create(cfg.Output)
	if err != nil {
		return fmt.Errorf("cannot create output file: %w", err)
	}
	defer f.Close()

	counts, err := Load(cfg, f)
	if err != nil {
		return err
	}
	logger.L().Infow("Generated requests",
		"output", cfg.Output,
		"safe", counts[KindSafe],
		"injection", counts[KindInjection],
		"out_of_policy", counts[KindOutOfPolicy])
	return nil
}

// Load writes cfg.Requests requests to w as NDJSON and returns the count
// per kind.
func Load(cfg LoadConfig, w io.Writer) (map[string]int, error) {
	g := NewGenerator(cfg)
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	counts := map[string]int{}

	for i := 0; i < g.cfg.Requests; i++ {
		q, kind := g.Next()
		if err := enc.Encode(q); err != nil {
			return counts, fmt.Errorf("encode request %d: %w", i, err)
		}
		counts[kind]++
	}
	if err := bw.Flush(); err != nil {
		return counts, err
	}
	return counts, nil
}

// ReadRequests reads an NDJSON request file written by Load.
func ReadRequests(r io.Reader) ([]model.AgentQuery, error) {
	var out []model.AgentQuery
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if len(strings.TrimSpace(scanner.Text())) == 0 {
			continue
		}
		var q model.AgentQuery
		if err := json.Unmarshal(scanner.Bytes(), &q); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, q)
	}
	return out, scanner.Err()
}
