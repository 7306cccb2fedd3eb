package report

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

const maxLineSize = 4 * 1024 * 1024

// ReadEvents streams events from files in order, or from stdin when files
// is empty. Undecodable lines and unreadable files are sent as errors and
// reading continues. The channel is closed when input is exhausted or ctx
// ends.
func ReadEvents(ctx context.Context, files []string) <-chan EventResult {
	ch := make(chan EventResult, 100)

	go func() {
		defer close(ch)
		if len(files) == 0 {
			readFromReader(ctx, os.Stdin, "stdin", ch)
			return
		}
		for _, file := range files {
			f, err := os.Open(file)
			if err != nil {
				if !send(ctx, ch, EventResult{Err: fmt.Errorf("failed to open file %s: %w", file, err)}) {
					return
				}
				continue
			}
			ok := readFromReader(ctx, f, file, ch)
			f.Close()
			if !ok {
				return
			}
		}
	}()
	return ch
}

// readFromReader returns false when ctx ended before r was exhausted.
func readFromReader(ctx context.Context, r io.Reader, source string, ch chan<- EventResult) bool {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	line := 0

	for scanner.Scan() {
		line++
		b := scanner.Bytes()
		if len(b) == 0 {
			continue
		}
		var res EventResult
		if err := json.Unmarshal(b, &res.Event); err != nil {
			res = EventResult{Err: fmt.Errorf("JSON parse error in %s line %d: %w", source, line, err)}
		}
		if !send(ctx, ch, res) {
			return false
		}
	}
	if err := scanner.Err(); err != nil {
		return send(ctx, ch, EventResult{Err: fmt.Errorf("scanner error in %s: %w", source, err)})
	}
	return true
}

func send(ctx context.Context, ch chan<- EventResult, res EventResult) bool {
	select {
	case ch <- res:
		return true
	case <-ctx.Done():
		return false
	}
}
