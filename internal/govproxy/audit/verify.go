package audit

import (
	"fmt"
	"os"
	"time"

	"github.com/vaibhaw-/govproxy/internal/govproxy/logger"
)

// VerifyArgs selects the log and optional checkpoint to verify.
type VerifyArgs struct {
	InputFile      string
	CheckpointPath string // verified when set together with PublicKeyPath
	PublicKeyPath  string
}

// VerifyFile checks the hash chain of an NDJSON audit log and, when asked,
// a signed checkpoint against it.
func VerifyFile(args VerifyArgs) (VerifyReport, error) {
	log := logger.L()
	start := time.Now().UTC()
	report := VerifyReport{
		InputFile: args.InputFile,
		StartTime: start.Format(time.RFC3339),
	}

	in, err := os.Open(args.InputFile)
	if err != nil {
		return report, fmt.Errorf("open input: %w", err)
	}
	defer in.Close()

	hashes := map[int]string{}
	tampered, head, processed, err := verifyEntries(in, nil, func(idx int, hash string) {
		hashes[idx] = hash
	})
	if err != nil {
		return report, err
	}
	report.EntriesProcessed = processed
	report.TamperedEntries = tampered
	report.HeadHash = head

	verified := true
	if args.CheckpointPath != "" && args.PublicKeyPath != "" {
		ok, err := VerifyCheckpoint(args.CheckpointPath, args.PublicKeyPath, func(idx int) (string, bool) {
			if idx == 0 {
				return zeroHash(), true
			}
			h, found := hashes[idx]
			return h, found
		})
		if err != nil {
			return report, err
		}
		verified = ok
		report.CheckpointPath = args.CheckpointPath
		report.CheckpointsVerified = ok
		log.Infow("checkpoint verify", "path", args.CheckpointPath, "result", ok)
	}

	report.Status = "pass"
	if len(tampered) > 0 || !verified {
		report.Status = "fail"
	}
	report.EndTime = time.Now().UTC().Format(time.RFC3339)
	log.Infow("audit verify end", "status", report.Status, "entries", processed)
	return report, nil
}
