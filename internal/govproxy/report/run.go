package report

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/vaibhaw-/govproxy/internal/govproxy/logger"
)

// RunQuery filters the audit log per opts, writing matches to the output
// file or stdout and the summary to stderr.
func RunQuery(ctx context.Context, opts QueryOptions) error {
	out := io.Writer(os.Stdout)
	if opts.OutputFile != "" {
		f, err := os.Create(opts.OutputFile)
		if err != nil {
			return fmt.Errorf("failed to create output file %s: %w", opts.OutputFile, err)
		}
		defer f.Close()
		out = f
	}
	_, err := Run(ctx, opts, out, os.Stderr)
	return err
}

// Run is RunQuery over explicit writers. It returns the collected stats.
func Run(ctx context.Context, opts QueryOptions, out, summaryOut io.Writer) (*Stats, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	filters := buildFilters(opts, time.Now)
	stats := NewStats()
	writeEntries := !opts.Summary || opts.OutputFile != ""

	for res := range ReadEvents(ctx, opts.InputFiles) {
		if res.Err != nil {
			stats.IncrementError()
			logger.L().Warnw("Skipping unreadable audit entry", "error", res.Err)
			continue
		}
		stats.IncrementInput()
		if !matchAll(res.Event, filters) {
			continue
		}
		stats.IncrementMatched(res.Event)
		if writeEntries {
			if err := WriteEventNDJSON(out, res.Event); err != nil {
				return stats, fmt.Errorf("failed to write event: %w", err)
			}
		}
		if opts.Limit > 0 && stats.MatchedEvents >= opts.Limit {
			break
		}
	}

	if opts.Summary {
		stats.PrintSummary(summaryOut)
	}
	logger.L().Debugw("Audit query done",
		"input", stats.InputEvents,
		"matched", stats.MatchedEvents,
		"errors", stats.ErrorEvents)
	return stats, nil
}

// Trail returns every entry of one request ordered by (timestamp,
// correlation_id), with the chain index as the tiebreak.
func Trail(ctx context.Context, files []string, correlationID string) ([]Event, error) {
	if correlationID == "" {
		return nil, fmt.Errorf("correlation id required")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	match := FilterByCorrelation(correlationID)
	var out []Event
	for res := range ReadEvents(ctx, files) {
		if res.Err != nil {
			return nil, res.Err
		}
		if match(res.Event) {
			out = append(out, res.Event)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	SortEvents(out)
	return out, nil
}

// SortEvents orders events by (timestamp, correlation_id, hash_chain_index).
// Events without a parseable timestamp sort last.
func SortEvents(events []Event) {
	sort.SliceStable(events, func(i, j int) bool {
		ti, erri := ParseTimestamp(events[i]["timestamp"])
		tj, errj := ParseTimestamp(events[j]["timestamp"])
		if (erri == nil) != (errj == nil) {
			return erri == nil
		}
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		ci, _ := GetString(events[i], "correlation_id")
		cj, _ := GetString(events[j], "correlation_id")
		if ci != cj {
			return ci < cj
		}
		return chainIndex(events[i]) < chainIndex(events[j])
	})
}

func chainIndex(e Event) float64 {
	f, _ := e["hash_chain_index"].(float64)
	return f
}

// WriteEventNDJSON writes event as one JSON line.
func WriteEventNDJSON(w io.Writer, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event to JSON: %w", err)
	}
	if _, err := w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	return nil
}
