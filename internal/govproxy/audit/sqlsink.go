package audit

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pressly/goose/v3"

	"github.com/vaibhaw-/govproxy/internal/govproxy/model"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// goose keeps its base FS and dialect in package globals
var migrateMu sync.Mutex

// driver name → goose dialect
var gooseDialects = map[string]string{
	"sqlite":   "sqlite3",
	"sqlite3":  "sqlite3",
	"postgres": "postgres",
	"pgx":      "postgres",
	"mysql":    "mysql",
}

// SQLSink stores entries in the audit_entries table. The schema is
// created by embedded goose migrations.
type SQLSink struct {
	db     *sql.DB
	driver string
	insert string
	ownsDB bool
}

// OpenSQLSink opens dsn with driver and migrates the schema. The driver
// must be registered by the caller's imports.
func OpenSQLSink(ctx context.Context, driver, dsn string) (*SQLSink, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	s, err := NewSQLSink(db, driver)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.ownsDB = true
	return s, nil
}

// NewSQLSink migrates db and returns a sink writing to it. Close does not
// close a db passed in here.
func NewSQLSink(db *sql.DB, driver string) (*SQLSink, error) {
	if err := RunMigrations(db, driver); err != nil {
		return nil, err
	}
	return &SQLSink{
		db:     db,
		driver: driver,
		insert: rebind(driver, `INSERT INTO audit_entries
			(hash_chain_index, correlation_id, agent_id, database_name, ts, decision_stage,
			 outcome, detail, ip_address, session_id, hash_prev, hash)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
	}, nil
}

// RunMigrations executes all pending goose migrations for the audit schema.
func RunMigrations(db *sql.DB, driver string) error {
	dialect, ok := gooseDialects[driver]
	if !ok {
		return fmt.Errorf("unsupported audit sql driver %q", driver)
	}

	migrateMu.Lock()
	defer migrateMu.Unlock()

	goose.SetBaseFS(embedMigrations)
	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("goose set dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}
	return nil
}

// Write implements Sink.
func (s *SQLSink) Write(ctx context.Context, e model.AuditEntry) error {
	var detail sql.NullString
	if len(e.Detail) > 0 {
		b, err := json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("encode detail: %w", err)
		}
		detail = sql.NullString{String: string(b), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, s.insert,
		e.Sequence, e.CorrelationID, e.AgentID, nullable(e.DatabaseName),
		e.Timestamp.UTC().Format(time.RFC3339Nano), string(e.Stage), string(e.Outcome),
		detail, nullable(e.IPAddress), nullable(e.SessionID), e.HashPrev, e.Hash,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry %d: %w", e.Sequence, err)
	}
	return nil
}

// Entries returns stored entries in chain order. A non-empty correlationID
// restricts the result to one request.
func (s *SQLSink) Entries(ctx context.Context, correlationID string) ([]model.AuditEntry, error) {
	q := `SELECT hash_chain_index, correlation_id, agent_id, database_name, ts, decision_stage,
		outcome, detail, ip_address, session_id, hash_prev, hash FROM audit_entries`
	var args []any
	if correlationID != "" {
		q += ` WHERE correlation_id = ?`
		args = append(args, correlationID)
	}
	q += ` ORDER BY hash_chain_index`

	rows, err := s.db.QueryContext(ctx, rebind(s.driver, q), args...)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var out []model.AuditEntry
	for rows.Next() {
		var (
			e                        model.AuditEntry
			dbName, detail, ip, sess sql.NullString
			ts, stage, outcome       string
		)
		if err := rows.Scan(&e.Sequence, &e.CorrelationID, &e.AgentID, &dbName, &ts, &stage,
			&outcome, &detail, &ip, &sess, &e.HashPrev, &e.Hash); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		if e.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("parse timestamp of entry %d: %w", e.Sequence, err)
		}
		if detail.Valid {
			if err := json.Unmarshal([]byte(detail.String), &e.Detail); err != nil {
				return nil, fmt.Errorf("decode detail of entry %d: %w", e.Sequence, err)
			}
		}
		e.DatabaseName, e.IPAddress, e.SessionID = dbName.String, ip.String, sess.String
		e.Stage, e.Outcome = model.Stage(stage), model.Outcome(outcome)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close implements Sink.
func (s *SQLSink) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// rebind rewrites ? placeholders as $n for postgres.
func rebind(driver, query string) string {
	if gooseDialects[driver] != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
