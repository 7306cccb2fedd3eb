// Package audit keeps the append-only, hash-chained record of every
// governance decision.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vaibhaw-/govproxy/internal/govproxy/logger"
	"github.com/vaibhaw-/govproxy/internal/govproxy/model"
)

var (
	// ErrAuditUnavailable is returned when an entry could not be persisted
	// to any sink.
	ErrAuditUnavailable = errors.New("audit unavailable")
	// ErrLoggerClosed is returned by Record after Close.
	ErrLoggerClosed = errors.New("audit logger closed")
)

// Logger appends entries through a single writer goroutine. The writer
// assigns chain indices, hashes and monotonic timestamps in append order.
type Logger struct {
	primary   Sink
	fallback  Sink
	alerter   *Alerter
	statePath string
	now       func() time.Time
	queueSize int

	requests chan request
	closing  chan struct{}
	done     chan struct{}
	once     sync.Once

	mu    sync.RWMutex
	state ChainState
	last  time.Time
}

type request struct {
	ctx   context.Context
	entry model.AuditEntry
	ack   chan result
}

type result struct {
	entry model.AuditEntry
	err   error
}

// Option configures a Logger.
type Option func(*Logger)

// WithFallback sets the sink used when the primary sink fails.
func WithFallback(s Sink) Option {
	return func(l *Logger) { l.fallback = s }
}

// WithAlerter sets the alerter for degraded and unavailable audit.
func WithAlerter(a *Alerter) Option {
	return func(l *Logger) { l.alerter = a }
}

// WithStateFile persists the chain head to path after every append and
// resumes the chain from it on start.
func WithStateFile(path string) Option {
	return func(l *Logger) { l.statePath = path }
}

// WithClock overrides the clock used to stamp entries.
func WithClock(now func() time.Time) Option {
	return func(l *Logger) { l.now = now }
}

// WithQueueSize sets the capacity of the writer queue.
func WithQueueSize(n int) Option {
	return func(l *Logger) { l.queueSize = n }
}

// New starts a logger writing to primary. The chain continues from the
// furthest of the state file and the heads the sinks report.
func New(primary Sink, opts ...Option) (*Logger, error) {
	if primary == nil {
		return nil, fmt.Errorf("audit: primary sink required")
	}
	l := &Logger{
		primary:   primary,
		now:       time.Now,
		queueSize: 256,
		closing:   make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.alerter == nil {
		l.alerter = NewAlerter(time.Minute, nil)
	}
	st, err := LoadState(l.statePath)
	if err != nil {
		return nil, fmt.Errorf("load chain state: %w", err)
	}
	st, err = resumeState(context.Background(), st, l.primary, l.fallback)
	if err != nil {
		return nil, fmt.Errorf("resume chain from sink: %w", err)
	}
	l.state = *st
	l.requests = make(chan request, max(l.queueSize, 1))

	logger.L().Debugw("Audit logger started",
		"chain_index", l.state.LastChainIndex,
		"state_file", l.statePath)
	go l.run()
	return l, nil
}

// Record appends e and waits until it is durable. It returns
// ErrAuditUnavailable when no sink accepted the entry and ErrLoggerClosed
// after Close. Malformed entries are repaired, never rejected.
func (l *Logger) Record(ctx context.Context, e model.AuditEntry) error {
	_, err := l.Append(ctx, e)
	return err
}

// Append is Record returning the entry as written, with its chain fields.
func (l *Logger) Append(ctx context.Context, e model.AuditEntry) (model.AuditEntry, error) {
	e = repair(e)
	req := request{ctx: ctx, entry: e, ack: make(chan result, 1)}

	select {
	case <-l.closing:
		return e, ErrLoggerClosed
	default:
	}
	select {
	case l.requests <- req:
	case <-l.closing:
		return e, ErrLoggerClosed
	case <-ctx.Done():
		return e, ctx.Err()
	}

	select {
	case res := <-req.ack:
		return res.entry, res.err
	case <-l.done:
		// the writer may have answered just before exiting
		select {
		case res := <-req.ack:
			return res.entry, res.err
		default:
			return e, ErrLoggerClosed
		}
	case <-ctx.Done():
		return e, ctx.Err()
	}
}

// Head returns the current chain state.
func (l *Logger) Head() ChainState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// Close drains queued entries, stops the writer and closes the sinks.
func (l *Logger) Close() error {
	var err error
	l.once.Do(func() {
		close(l.closing)
		<-l.done
		err = errors.Join(l.primary.Close(), closeSink(l.fallback))
	})
	return err
}

func closeSink(s Sink) error {
	if s == nil {
		return nil
	}
	return s.Close()
}

func (l *Logger) run() {
	defer close(l.done)
	for {
		select {
		case req := <-l.requests:
			l.handle(req)
		case <-l.closing:
			for {
				select {
				case req := <-l.requests:
					l.handle(req)
				default:
					return
				}
			}
		}
	}
}

func (l *Logger) handle(req request) {
	e := req.entry

	ts := l.now().UTC()
	if !ts.After(l.last) {
		ts = l.last.Add(time.Nanosecond)
	}
	e.Timestamp = ts

	l.mu.RLock()
	st := l.state
	l.mu.RUnlock()

	e.Sequence = st.LastChainIndex + 1
	e.HashPrev = st.LastHeadHash
	hash, err := hashEntry(e.HashPrev, e)
	if err != nil {
		req.ack <- result{entry: e, err: fmt.Errorf("%w: %v", ErrAuditUnavailable, err)}
		return
	}
	e.Hash = hash

	// the write completes even if the caller gives up waiting
	ctx := context.WithoutCancel(req.ctx)
	if err := l.write(ctx, e); err != nil {
		req.ack <- result{entry: e, err: err}
		return
	}

	l.last = ts
	next := ChainState{LastChainIndex: e.Sequence, LastHeadHash: e.Hash}
	l.mu.Lock()
	l.state = next
	l.mu.Unlock()
	if err := SaveState(l.statePath, &next); err != nil {
		logger.L().Warnw("Failed to persist audit chain state", "path", l.statePath, "error", err)
	}
	req.ack <- result{entry: e}
}

func (l *Logger) write(ctx context.Context, e model.AuditEntry) error {
	primaryErr := l.primary.Write(ctx, e)
	if primaryErr == nil {
		return nil
	}
	logger.L().Errorw("Primary audit sink failed",
		"correlation_id", e.CorrelationID,
		"hash_chain_index", e.Sequence,
		"error", primaryErr)

	if l.fallback != nil {
		fallbackErr := l.fallback.Write(ctx, e)
		if fallbackErr == nil {
			l.alerter.Raise(AlertDegraded, primaryErr)
			return nil
		}
		primaryErr = errors.Join(primaryErr, fmt.Errorf("fallback: %w", fallbackErr))
	}
	l.alerter.Raise(AlertUnavailable, primaryErr)
	return fmt.Errorf("%w: %v", ErrAuditUnavailable, primaryErr)
}

// repair fills in what a malformed entry lacks so it can still be logged.
func repair(e model.AuditEntry) model.AuditEntry {
	if strings.TrimSpace(e.CorrelationID) == "" {
		e.CorrelationID = "uncorrelated-" + uuid.NewString()
		logger.L().Warnw("Audit entry without correlation id", "assigned", e.CorrelationID, "agent_id", e.AgentID)
	}
	var truncated []string
	for _, f := range []struct {
		name  string
		value *string
		limit int
	}{
		{"correlation_id", &e.CorrelationID, model.MaxCorrelationIDLen},
		{"agent_id", &e.AgentID, model.MaxAgentIDLen},
		{"database_name", &e.DatabaseName, model.MaxDatabaseNameLen},
		{"ip_address", &e.IPAddress, model.MaxIPAddressLen},
		{"session_id", &e.SessionID, model.MaxSessionIDLen},
	} {
		bounded, ok := model.BoundField(*f.value, f.limit)
		if !ok {
			continue
		}
		logger.L().Warnw("Audit entry field too long, recording a bounded form",
			"field", f.name,
			"length", len(*f.value),
			"bounded", bounded)
		*f.value = bounded
		truncated = append(truncated, f.name)
	}
	if !e.Stage.Valid() {
		logger.L().Warnw("Audit entry with unknown stage, recording as Execution",
			"stage", e.Stage,
			"correlation_id", e.CorrelationID)
		e.Stage = model.StageExecution
	}
	if !e.Outcome.Valid() {
		logger.L().Warnw("Audit entry with unknown outcome, recording as Denied",
			"outcome", e.Outcome,
			"correlation_id", e.CorrelationID)
		e.Outcome = model.OutcomeDenied
	}
	if e.Detail != nil {
		d := make(map[string]any, len(e.Detail))
		for k, v := range e.Detail {
			d[k] = v
		}
		if _, err := json.Marshal(d); err != nil {
			logger.L().Warnw("Audit entry detail is not encodable, recording it as text",
				"correlation_id", e.CorrelationID,
				"error", err)
			d = map[string]any{"unencodable_detail": fmt.Sprintf("%v", e.Detail)}
		}
		e.Detail = d
	}
	if len(truncated) > 0 {
		if e.Detail == nil {
			e.Detail = map[string]any{}
		}
		e.Detail["truncated_fields"] = truncated
	}
	return e
}
