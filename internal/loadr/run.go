package loadr

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	"gopkg.in/yaml.v3"

	"github.com/vaibhaw-/govproxy/internal/govproxy/logger"
	"github.com/vaibhaw-/govproxy/internal/govproxy/model"
	"github.com/vaibhaw-/govproxy/internal/govproxy/server"
)

// ------------------- Config -------------------

// RunConfig describes a workload replayed against a running proxy.
type RunConfig struct {
	Target      string        `yaml:"target"` // proxy base URL
	Input       string        `yaml:"input"`  // request file written by load
	RunId       string        `yaml:"runId"`
	Concurrency int           `yaml:"concurrency"`
	Timeout     time.Duration `yaml:"timeout"`

	// Execute runs allowed queries against a real database and reports the
	// outcome back to the proxy. Skipped when Driver is empty.
	Execute struct {
		Driver   string `yaml:"driver"`
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		Database string `yaml:"database"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
	} `yaml:"execute"`
}

// Summary tallies one run.
type Summary struct {
	Sent       int
	Errors     int
	ByState    map[model.State]int
	ByStatus   map[int]int
	Executed   int
	ExecErrors int
}

func readRunConfig(path string) (RunConfig, error) {
	var cfg RunConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalizeRun(cfg *RunConfig) {
	if cfg.Target == "" {
		cfg.Target = "http://127.0.0.1:8080"
	}
	cfg.Target = strings.TrimRight(cfg.Target, "/")
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	e := &cfg.Execute
	if e.Driver != "" && e.Driver != "sqlite" {
		if e.Host == "" {
			e.Host = "127.0.0.1"
		}
		if e.Port == 0 {
			if e.Driver == "postgres" {
				e.Port = 5432
			} else {
				e.Port = 3306
			}
		}
	}
}

// ------------------- Entry Point -------------------

// RunFile replays the request file named in the config at path.
func RunFile(ctx context.Context, path string) error {
	cfg, err := readRunConfig(path)
	if err != nil {
		return fmt.Errorf("error loading run config: %w", err)
	}
	if cfg.Input == "" {
		return fmt.Errorf("input is required")
	}
	f, err := os.Open(cfg.Input)
	if err != nil {
		return fmt.Errorf("cannot open input: %w", err)
	}
	requests, err := ReadRequests(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("read requests: %w", err)
	}

	sum, err := Run(ctx, cfg, requests, nil)
	if err != nil {
		return err
	}
	logger.L().Infow("Run complete",
		"run_id", cfg.RunId,
		"sent", sum.Sent,
		"errors", sum.Errors,
		"by_state", sum.ByState,
		"executed", sum.Executed,
		"exec_errors", sum.ExecErrors)
	return nil
}

// Run sends requests to the proxy with cfg.Concurrency workers. A nil
// client uses one bounded by cfg.Timeout.
func Run(ctx context.Context, cfg RunConfig, requests []model.AgentQuery, client *http.Client) (Summary, error) {
	normalizeRun(&cfg)
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	var db *sql.DB
	if cfg.Execute.Driver != "" {
		e := cfg.Execute
		var err error
		db, err = sql.Open(e.Driver, buildDSN(e.Driver, e.User, e.Password, e.Host, e.Port, e.Database))
		if err != nil {
			return Summary{}, fmt.Errorf("connect %s: %w", e.Driver, err)
		}
		defer db.Close()
	}

	logger.L().Infow("Starting run",
		"run_id", cfg.RunId,
		"target", cfg.Target,
		"requests", len(requests),
		"concurrency", cfg.Concurrency,
		"execute", cfg.Execute.Driver != "")

	opsCh := make(chan model.AgentQuery, len(requests))
	for _, q := range requests {
		opsCh <- q
	}
	close(opsCh)

	sum := Summary{ByState: map[model.State]int{}, ByStatus: map[int]int{}}
	var mu sync.Mutex
	var wg sync.WaitGroup

	for w := 0; w < cfg.Concurrency; w++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for q := range opsCh {
				if ctx.Err() != nil {
					return
				}
				if cfg.RunId != "" && q.SessionID == "" {
					q.SessionID = cfg.RunId
				}
				status, resp, err := execute(ctx, client, cfg.Target, q)

				mu.Lock()
				sum.Sent++
				if err != nil {
					sum.Errors++
				} else {
					sum.ByStatus[status]++
					sum.ByState[resp.State]++
				}
				mu.Unlock()
				if err != nil {
					logger.L().Warnw("Request failed", "worker", workerID, "correlation_id", q.CorrelationID, "error", err)
					continue
				}
				if db == nil || !resp.Allowed {
					continue
				}

				execErr := runQuery(ctx, db, q, client, cfg.Target)
				mu.Lock()
				sum.Executed++
				if execErr != nil {
					sum.ExecErrors++
				}
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	return sum, ctx.Err()
}

// ------------------- Helpers -------------------

func execute(ctx context.Context, client *http.Client, target string, q model.AgentQuery) (int, server.ExecuteResponse, error) {
	var out server.ExecuteResponse
	status, err := postJSON(ctx, client, target+"/v1/governance/execute", q, q.CorrelationID, &out)
	return status, out, err
}

// runQuery executes an allowed query and reports the outcome to the proxy.
// It returns the execution error, if any.
func runQuery(ctx context.Context, db *sql.DB, q model.AgentQuery, client *http.Client, target string) error {
	timeout := q.MaxExecutionTime
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	qctx, cancel := context.WithTimeout(ctx, timeout)
	start := time.Now()
	var rows int64
	r, execErr := db.QueryContext(qctx, q.SQLQuery)
	if execErr == nil {
		for r.Next() {
			rows++
		}
		execErr = errors.Join(r.Err(), r.Close())
	}
	cancel()
	elapsed := time.Since(start)

	rep := server.ExecutionReport{Query: q, Rows: rows, ElapsedMs: elapsed.Milliseconds()}
	if execErr != nil {
		rep.Error = execErr.Error()
		logger.L().Debugw("Query execution failed", "correlation_id", q.CorrelationID, "error", execErr)
	}
	if _, err := postJSON(ctx, client, target+"/v1/governance/executions", rep, q.CorrelationID, nil); err != nil {
		logger.L().Warnw("Execution report failed", "correlation_id", q.CorrelationID, "error", err)
	}
	return execErr
}

// postJSON posts body and decodes the response into out when out is set.
// Any HTTP status is a result, not an error.
func postJSON(ctx context.Context, client *http.Client, url string, body any, correlationID string, out any) (int, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if correlationID != "" {
		req.Header.Set(server.HeaderCorrelationID, correlationID)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err)
		}
	}
	return resp.StatusCode, nil
}

// buildDSN constructs a DSN for postgres/mysql. For sqlite db is the file path.
func buildDSN(driver, user, pass, host string, port int, db string) string {
	if driver == "sqlite" {
		return db
	}
	if driver == "postgres" {
		return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable", user, pass, host, port, db)
	}
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true", user, pass, host, port, db)
}
