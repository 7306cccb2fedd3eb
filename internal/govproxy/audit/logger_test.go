package audit

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaibhaw-/govproxy/internal/govproxy/config"
	"github.com/vaibhaw-/govproxy/internal/govproxy/model"
)

// memSink records entries in memory and can be made to fail.
type memSink struct {
	mu      sync.Mutex
	entries []model.AuditEntry
	fail    error
	closed  bool
}

func (m *memSink) Write(_ context.Context, e model.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.entries = append(m.entries, e)
	return nil
}

func (m *memSink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *memSink) setFail(err error) {
	m.mu.Lock()
	m.fail = err
	m.mu.Unlock()
}

func (m *memSink) all() []model.AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.AuditEntry(nil), m.entries...)
}

// alertLog collects delivered alerts.
type alertLog struct {
	mu     sync.Mutex
	alerts []Alert
}

func (a *alertLog) record(al Alert) {
	a.mu.Lock()
	a.alerts = append(a.alerts, al)
	a.mu.Unlock()
}

func (a *alertLog) kinds() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.alerts))
	for _, al := range a.alerts {
		out = append(out, al.Kind)
	}
	return out
}

func entry(corr string, stage model.Stage, outcome model.Outcome) model.AuditEntry {
	return model.AuditEntry{
		CorrelationID: corr,
		AgentID:       "agent-7",
		DatabaseName:  "crm",
		Stage:         stage,
		Outcome:       outcome,
	}
}

func TestLogger_AssignsSequenceAndChain(t *testing.T) {
	sink := &memSink{}
	l, err := New(sink)
	require.NoError(t, err)
	defer l.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, l.Record(ctx, entry("c1", model.StageValidation, model.OutcomeAllowed)))
	}

	got := sink.all()
	require.Len(t, got, 3)
	prev := zeroHash()
	for i, e := range got {
		assert.Equal(t, i+1, e.Sequence)
		assert.Equal(t, prev, e.HashPrev)
		want, err := hashEntry(e.HashPrev, e)
		require.NoError(t, err)
		assert.Equal(t, want, e.Hash)
		prev = e.Hash
	}
	assert.Equal(t, ChainState{LastChainIndex: 3, LastHeadHash: prev}, l.Head())
}

func TestLogger_TimestampsStrictlyIncrease(t *testing.T) {
	frozen := time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)
	sink := &memSink{}
	l, err := New(sink, WithClock(func() time.Time { return frozen }))
	require.NoError(t, err)
	defer l.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, l.Record(context.Background(), entry("c1", model.StageExecution, model.OutcomeAllowed)))
	}
	got := sink.all()
	require.Len(t, got, 5)
	assert.Equal(t, frozen, got[0].Timestamp)
	for i := 1; i < len(got); i++ {
		assert.True(t, got[i].Timestamp.After(got[i-1].Timestamp), "entry %d", i)
	}
}

func TestLogger_RepairsMalformedEntries(t *testing.T) {
	sink := &memSink{}
	l, err := New(sink)
	require.NoError(t, err)
	defer l.Close()

	bad := model.AuditEntry{
		AgentID: "agent-7",
		Stage:   model.Stage("Teleport"),
		Outcome: model.Outcome("Maybe"),
		Detail:  map[string]any{"ch": make(chan int)},
	}
	written, err := l.Append(context.Background(), bad)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(written.CorrelationID, "uncorrelated-"))
	assert.Equal(t, model.StageExecution, written.Stage)
	assert.Equal(t, model.OutcomeDenied, written.Outcome)
	assert.Contains(t, written.Detail, "unencodable_detail")
	assert.Len(t, sink.all(), 1)
}

func TestLogger_BoundsOversizeIdentifiers(t *testing.T) {
	sink := &memSink{}
	l, err := New(sink)
	require.NoError(t, err)
	defer l.Close()

	e := entry(strings.Repeat("c", 4096), model.StageValidation, model.OutcomeAllowed)
	e.AgentID = strings.Repeat("a", 1000)
	e.SessionID = "sess-1"
	written, err := l.Append(context.Background(), e)
	require.NoError(t, err)

	assert.LessOrEqual(t, len(written.CorrelationID), model.MaxCorrelationIDLen)
	assert.LessOrEqual(t, len(written.AgentID), model.MaxAgentIDLen)
	assert.Equal(t, "sess-1", written.SessionID)
	assert.Equal(t, []string{"correlation_id", "agent_id"}, written.Detail["truncated_fields"])

	// every stage of one request bounds to the same id
	next, err := l.Append(context.Background(), entry(strings.Repeat("c", 4096), model.StageAuthorization, model.OutcomeAllowed))
	require.NoError(t, err)
	assert.Equal(t, written.CorrelationID, next.CorrelationID)
}

func TestLogger_FallbackOnPrimaryFailure(t *testing.T) {
	primary := &memSink{}
	fallback := &memSink{}
	alerts := &alertLog{}
	l, err := New(primary, WithFallback(fallback), WithAlerter(NewAlerter(0, alerts.record)))
	require.NoError(t, err)
	defer l.Close()

	ctx := context.Background()
	require.NoError(t, l.Record(ctx, entry("c1", model.StageValidation, model.OutcomeAllowed)))

	primary.setFail(errors.New("disk full"))
	require.NoError(t, l.Record(ctx, entry("c2", model.StageValidation, model.OutcomeAllowed)))

	assert.Len(t, primary.all(), 1)
	fb := fallback.all()
	require.Len(t, fb, 1)
	assert.Equal(t, 2, fb[0].Sequence)
	assert.Equal(t, primary.all()[0].Hash, fb[0].HashPrev)
	assert.Equal(t, []string{AlertDegraded}, alerts.kinds())
}

func TestLogger_UnavailableWhenAllSinksFail(t *testing.T) {
	primary := &memSink{fail: errors.New("db down")}
	fallback := &memSink{fail: errors.New("read-only fs")}
	alerts := &alertLog{}
	l, err := New(primary, WithFallback(fallback), WithAlerter(NewAlerter(0, alerts.record)))
	require.NoError(t, err)
	defer l.Close()

	err = l.Record(context.Background(), entry("c1", model.StageAuthorization, model.OutcomeDenied))
	require.ErrorIs(t, err, ErrAuditUnavailable)
	assert.Equal(t, []string{AlertUnavailable}, alerts.kinds())

	// a failed write does not advance the chain
	assert.Equal(t, 0, l.Head().LastChainIndex)

	primary.setFail(nil)
	written, err := l.Append(context.Background(), entry("c2", model.StageAuthorization, model.OutcomeDenied))
	require.NoError(t, err)
	assert.Equal(t, 1, written.Sequence)
	assert.Equal(t, zeroHash(), written.HashPrev)
}

func TestLogger_RecordAfterClose(t *testing.T) {
	sink := &memSink{}
	l, err := New(sink)
	require.NoError(t, err)

	require.NoError(t, l.Record(context.Background(), entry("c1", model.StageExecution, model.OutcomeAllowed)))
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	err = l.Record(context.Background(), entry("c2", model.StageExecution, model.OutcomeAllowed))
	assert.ErrorIs(t, err, ErrLoggerClosed)
	assert.True(t, sink.closed)
	assert.Len(t, sink.all(), 1)
}

func TestLogger_ResumesFromStateFile(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "audit.ndjson")
	statePath := filepath.Join(dir, "state.json")

	write := func(n int) {
		sink, err := OpenFileSink(logPath)
		require.NoError(t, err)
		l, err := New(sink, WithStateFile(statePath))
		require.NoError(t, err)
		for i := 0; i < n; i++ {
			require.NoError(t, l.Record(context.Background(), entry(fmt.Sprintf("c%d", i), model.StagePIIDetection, model.OutcomeMasked)))
		}
		require.NoError(t, l.Close())
	}
	write(2)
	write(3)

	st, err := LoadState(statePath)
	require.NoError(t, err)
	assert.Equal(t, 5, st.LastChainIndex)

	report, err := VerifyFile(VerifyArgs{InputFile: logPath})
	require.NoError(t, err)
	assert.True(t, report.Passed(), "tampered: %v", report.TamperedEntries)
	assert.Equal(t, 5, report.EntriesProcessed)
	assert.Equal(t, st.LastHeadHash, report.HeadHash)
}

func TestLogger_ResumesFromFileSinkWithoutState(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "audit.ndjson")

	var last model.AuditEntry
	for run := 0; run < 2; run++ {
		sink, err := OpenFileSink(logPath)
		require.NoError(t, err)
		l, err := New(sink)
		require.NoError(t, err)
		assert.Equal(t, run*2, l.Head().LastChainIndex)
		for i := 0; i < 2; i++ {
			last, err = l.Append(context.Background(), entry(fmt.Sprintf("r%d-%d", run, i), model.StageValidation, model.OutcomeAllowed))
			require.NoError(t, err)
		}
		require.NoError(t, l.Close())
	}
	assert.Equal(t, 4, last.Sequence)

	report, err := VerifyFile(VerifyArgs{InputFile: logPath})
	require.NoError(t, err)
	assert.True(t, report.Passed(), "tampered: %v", report.TamperedEntries)
	assert.Empty(t, report.TamperedEntries)
	assert.Equal(t, 4, report.EntriesProcessed)
	assert.Equal(t, last.Hash, report.HeadHash)
}

func TestLogger_StaleStateFileOvertakenBySink(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "audit.ndjson")
	statePath := filepath.Join(dir, "state.json")

	sink, err := OpenFileSink(logPath)
	require.NoError(t, err)
	l, err := New(sink, WithStateFile(statePath))
	require.NoError(t, err)
	require.NoError(t, l.Record(context.Background(), entry("c1", model.StageValidation, model.OutcomeAllowed)))
	stale := l.Head()
	require.NoError(t, l.Record(context.Background(), entry("c2", model.StageValidation, model.OutcomeAllowed)))
	require.NoError(t, l.Close())
	require.NoError(t, SaveState(statePath, &stale))

	sink, err = OpenFileSink(logPath)
	require.NoError(t, err)
	l, err = New(sink, WithStateFile(statePath))
	require.NoError(t, err)
	assert.Equal(t, 2, l.Head().LastChainIndex)
	require.NoError(t, l.Record(context.Background(), entry("c3", model.StageValidation, model.OutcomeAllowed)))
	require.NoError(t, l.Close())

	report, err := VerifyFile(VerifyArgs{InputFile: logPath})
	require.NoError(t, err)
	assert.True(t, report.Passed(), "tampered: %v", report.TamperedEntries)
	assert.Equal(t, 3, report.EntriesProcessed)
}

func TestReadFileHead(t *testing.T) {
	dir := t.TempDir()

	st, err := ReadFileHead(filepath.Join(dir, "missing.ndjson"))
	require.NoError(t, err)
	assert.Equal(t, *genesis(), *st)

	empty := filepath.Join(dir, "empty.ndjson")
	require.NoError(t, os.WriteFile(empty, nil, 0644))
	st, err = ReadFileHead(empty)
	require.NoError(t, err)
	assert.Equal(t, 0, st.LastChainIndex)

	// a long last line spans several read chunks
	long := filepath.Join(dir, "long.ndjson")
	pad := strings.Repeat("x", 10000)
	body := `{"hash_chain_index":1,"hash":"aa"}` + "\n" +
		`{"hash_chain_index":2,"detail":{"pad":"` + pad + `"},"hash":"bb"}` + "\n\n"
	require.NoError(t, os.WriteFile(long, []byte(body), 0644))
	st, err = ReadFileHead(long)
	require.NoError(t, err)
	assert.Equal(t, ChainState{LastChainIndex: 2, LastHeadHash: "bb"}, *st)

	broken := filepath.Join(dir, "broken.ndjson")
	require.NoError(t, os.WriteFile(broken, []byte(`{"hash_chain_index":1,"ha`), 0644))
	_, err = ReadFileHead(broken)
	assert.Error(t, err)
}

func TestLogger_ConcurrentRecordsFormOneChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.ndjson")
	sink, err := OpenFileSink(path)
	require.NoError(t, err)
	l, err := New(sink, WithQueueSize(4))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, l.Record(context.Background(), entry(fmt.Sprintf("c%d", i), model.StageValidation, model.OutcomeAllowed)))
		}(i)
	}
	wg.Wait()
	require.NoError(t, l.Close())

	report, err := VerifyFile(VerifyArgs{InputFile: path})
	require.NoError(t, err)
	assert.True(t, report.Passed())
	assert.Equal(t, 50, report.EntriesProcessed)
}

func TestVerifyFile_DetectsEditedEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.ndjson")
	sink, err := OpenFileSink(path)
	require.NoError(t, err)
	l, err := New(sink)
	require.NoError(t, err)
	require.NoError(t, l.Record(context.Background(), entry("c1", model.StageAuthorization, model.OutcomeDenied)))
	require.NoError(t, l.Record(context.Background(), entry("c2", model.StageAuthorization, model.OutcomeAllowed)))
	require.NoError(t, l.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	edited := strings.Replace(string(b), `"outcome":"Denied"`, `"outcome":"Allowed"`, 1)
	require.NoError(t, os.WriteFile(path, []byte(edited), 0644))

	report, err := VerifyFile(VerifyArgs{InputFile: path})
	require.NoError(t, err)
	assert.False(t, report.Passed())
	assert.Equal(t, []int{1}, report.TamperedEntries)
}

func TestVerifyFile_WithCheckpoint(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.ndjson")
	priv := filepath.Join(dir, "signing.key")
	pub := filepath.Join(dir, "signing.pub")
	require.NoError(t, GenerateKeyPair(priv, pub))

	sink, err := OpenFileSink(path)
	require.NoError(t, err)
	l, err := New(sink)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, l.Record(context.Background(), entry("c1", model.StageExecution, model.OutcomeAllowed)))
	}

	sealer, err := NewSealer(l, "@every 1h", filepath.Join(dir, "checkpoints"), priv)
	require.NoError(t, err)
	cp, err := sealer.Seal()
	require.NoError(t, err)
	require.NotEmpty(t, cp)

	again, err := sealer.Seal()
	require.NoError(t, err)
	assert.Empty(t, again, "unchanged head is not sealed twice")

	require.NoError(t, l.Record(context.Background(), entry("c2", model.StageExecution, model.OutcomeAllowed)))
	require.NoError(t, l.Close())

	report, err := VerifyFile(VerifyArgs{InputFile: path, CheckpointPath: cp, PublicKeyPath: pub})
	require.NoError(t, err)
	assert.True(t, report.Passed())
	assert.True(t, report.CheckpointsVerified)

	latest, err := LatestCheckpoint(filepath.Join(dir, "checkpoints"))
	require.NoError(t, err)
	assert.Equal(t, cp, latest)
}

func TestNewSealer_RejectsBadSchedule(t *testing.T) {
	l, err := New(&memSink{})
	require.NoError(t, err)
	defer l.Close()

	_, err = NewSealer(l, "every now and then", t.TempDir(), "key.pem")
	assert.Error(t, err)
	_, err = NewSealer(l, "@hourly", "", "key.pem")
	assert.Error(t, err)
}

func TestAlerter_ThrottlesPerKind(t *testing.T) {
	alerts := &alertLog{}
	a := NewAlerter(time.Hour, alerts.record)

	for i := 0; i < 5; i++ {
		a.Raise(AlertDegraded, errors.New("primary down"))
	}
	a.Raise(AlertUnavailable, errors.New("all down"))

	assert.Equal(t, []string{AlertDegraded, AlertUnavailable}, alerts.kinds())
	a.mu.Lock()
	assert.Equal(t, 4, a.suppressed[AlertDegraded])
	a.mu.Unlock()
}

func TestOpen_FileSinkFromConfig(t *testing.T) {
	dir := t.TempDir()
	cfg := config.AuditCfg{
		Sink:         "file",
		File:         filepath.Join(dir, "audit.ndjson"),
		FallbackFile: filepath.Join(dir, "fallback.ndjson"),
		QueueSize:    8,
	}
	l, err := Open(context.Background(), cfg, config.HashingCfg{StateFile: filepath.Join(dir, "state.json")})
	require.NoError(t, err)
	require.NoError(t, l.Record(context.Background(), entry("c1", model.StageValidation, model.OutcomeAllowed)))
	require.NoError(t, l.Close())

	report, err := VerifyFile(VerifyArgs{InputFile: cfg.File})
	require.NoError(t, err)
	assert.True(t, report.Passed())
	assert.Equal(t, 1, report.EntriesProcessed)

	_, err = Open(context.Background(), config.AuditCfg{Sink: "kafka"}, config.HashingCfg{})
	assert.Error(t, err)
}
