package audit

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/vaibhaw-/govproxy/internal/govproxy/logger"
)

// HeadReader is implemented by sinks that can report the last entry they
// hold, so a logger can continue a chain without a state file.
type HeadReader interface {
	Head(ctx context.Context) (*ChainState, error)
}

// Head implements HeadReader from the last line of the NDJSON file.
func (s *FileSink) Head(_ context.Context) (*ChainState, error) {
	return ReadFileHead(s.path)
}

// Head implements HeadReader from the highest chain index in the table.
func (s *SQLSink) Head(ctx context.Context) (*ChainState, error) {
	var (
		idx  int
		hash string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT hash_chain_index, hash FROM audit_entries ORDER BY hash_chain_index DESC LIMIT 1`,
	).Scan(&idx, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return genesis(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read audit head: %w", err)
	}
	return &ChainState{LastChainIndex: idx, LastHeadHash: hash}, nil
}

// ReadFileHead returns the chain state of the last entry in an NDJSON audit
// log. A missing or empty file yields the genesis state.
func ReadFileHead(path string) (*ChainState, error) {
	line, err := lastLine(path)
	if err != nil {
		if os.IsNotExist(err) {
			return genesis(), nil
		}
		return nil, err
	}
	if len(line) == 0 {
		return genesis(), nil
	}
	var tail struct {
		Index int    `json:"hash_chain_index"`
		Hash  string `json:"hash"`
	}
	if err := json.Unmarshal(line, &tail); err != nil {
		return nil, fmt.Errorf("decode last entry of %s: %w", path, err)
	}
	if tail.Hash == "" {
		return nil, fmt.Errorf("last entry of %s has no hash", path)
	}
	return &ChainState{LastChainIndex: tail.Index, LastHeadHash: tail.Hash}, nil
}

// lastLine reads backwards from the end of the file to the last non-empty line.
func lastLine(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	const chunk = 4096
	var buf []byte
	for off := info.Size(); off > 0; {
		n := int64(chunk)
		if off < n {
			n = off
		}
		off -= n
		part := make([]byte, n)
		if _, err := f.ReadAt(part, off); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		buf = append(part, buf...)

		trimmed := bytes.TrimRight(buf, "\r\n ")
		if i := bytes.LastIndexByte(trimmed, '\n'); i >= 0 {
			return trimmed[i+1:], nil
		}
		if off == 0 {
			return trimmed, nil
		}
	}
	return nil, nil
}

// resumeState picks the furthest chain head among the persisted state and
// the sinks. Sinks that cannot report a head are skipped.
func resumeState(ctx context.Context, st *ChainState, sinks ...Sink) (*ChainState, error) {
	best := st
	for _, s := range sinks {
		hr, ok := s.(HeadReader)
		if !ok {
			continue
		}
		head, err := hr.Head(ctx)
		if err != nil {
			return nil, err
		}
		if head.LastChainIndex > best.LastChainIndex {
			logger.L().Warnw("Audit chain state behind sink, resuming from sink",
				"state_index", best.LastChainIndex,
				"sink_index", head.LastChainIndex)
			best = head
		}
	}
	return best, nil
}
