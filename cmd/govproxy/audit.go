package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/vaibhaw-/govproxy/internal/govproxy/audit"
	"github.com/vaibhaw-/govproxy/internal/govproxy/config"
	"github.com/vaibhaw-/govproxy/internal/govproxy/report"
)

var (
	verifyFlagInput      string
	verifyFlagCheckpoint string
	verifyFlagLatest     bool
	verifyFlagPublicKey  string

	keygenFlagPrivate string
	keygenFlagPublic  string

	queryFlagInputs   []string
	queryFlagOutput   string
	queryFlagAgent    string
	queryFlagCorr     string
	queryFlagDatabase string
	queryFlagIP       string
	queryFlagStages   []string
	queryFlagOutcomes []string
	queryFlagPIITypes []string
	queryFlagRisk     []string
	queryFlagSince    string
	queryFlagLast     string
	queryFlagSummary  bool
	queryFlagLimit    int

	trailFlagInputs []string
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect, verify and seal the audit log",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the hash chain and optionally a signed checkpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Get()
		input := verifyFlagInput
		if input == "" {
			input = cfg.Audit.File
		}
		cp := verifyFlagCheckpoint
		if cp == "" && verifyFlagLatest {
			latest, err := audit.LatestCheckpoint(cfg.Hashing.CheckpointDir)
			if err != nil {
				return fmt.Errorf("find checkpoint: %w", err)
			}
			if latest == "" {
				return fmt.Errorf("no checkpoint in %s", cfg.Hashing.CheckpointDir)
			}
			cp = latest
		}
		pub := verifyFlagPublicKey
		if pub == "" {
			pub = cfg.Signing.PublicKeyPath
		}
		if cp != "" && pub == "" {
			return errors.New("--public-key is required to verify a checkpoint")
		}

		rep, err := audit.VerifyFile(audit.VerifyArgs{InputFile: input, CheckpointPath: cp, PublicKeyPath: pub})
		if err != nil {
			return err
		}
		if err := printJSON(os.Stdout, rep); err != nil {
			return err
		}
		if !rep.Passed() {
			return fmt.Errorf("audit log verification failed: %d tampered entries", len(rep.TamperedEntries))
		}
		return nil
	},
}

var auditSealCmd = &cobra.Command{
	Use:   "seal",
	Short: "Write a signed checkpoint of the persisted chain head",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Get()
		if cfg.Signing.PrivateKeyPath == "" {
			return errors.New("signing.private_key_path is not set")
		}
		state, err := audit.LoadState(cfg.Hashing.StateFile)
		if err != nil {
			return err
		}
		if cfg.Audit.Sink == "file" {
			head, err := audit.ReadFileHead(cfg.Audit.File)
			if err != nil {
				return err
			}
			if head.LastChainIndex > state.LastChainIndex {
				state = head
			}
		}
		path, err := audit.WriteCheckpoint(cfg.Hashing.CheckpointDir, *state, cfg.Signing.PrivateKeyPath, time.Now())
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "checkpoint written: %s (index %d)\n", path, state.LastChainIndex)
		return nil
	},
}

var auditKeygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an ECDSA key pair for checkpoint signing",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Get()
		priv, pub := keygenFlagPrivate, keygenFlagPublic
		if priv == "" {
			priv = cfg.Signing.PrivateKeyPath
		}
		if pub == "" {
			pub = cfg.Signing.PublicKeyPath
		}
		if priv == "" || pub == "" {
			return errors.New("--private-key and --public-key are required")
		}
		if err := audit.GenerateKeyPair(priv, pub); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "keys written: %s, %s\n", priv, pub)
		return nil
	},
}

var auditQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "Filter audit entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := report.QueryOptions{
			InputFiles:    auditInputs(queryFlagInputs),
			OutputFile:    queryFlagOutput,
			Agent:         queryFlagAgent,
			CorrelationID: queryFlagCorr,
			Database:      queryFlagDatabase,
			IP:            queryFlagIP,
			Stages:        queryFlagStages,
			Outcomes:      queryFlagOutcomes,
			PIITypes:      queryFlagPIITypes,
			RiskLevels:    queryFlagRisk,
			Summary:       queryFlagSummary,
			Limit:         queryFlagLimit,
		}
		if queryFlagSince != "" {
			t, err := report.ParseSince(queryFlagSince)
			if err != nil {
				return err
			}
			opts.Since = t
		}
		if queryFlagLast != "" {
			d, err := report.ParseDuration(queryFlagLast)
			if err != nil {
				return err
			}
			opts.LastDuration = d
		}
		return report.RunQuery(cmd.Context(), opts)
	},
}

var auditTrailCmd = &cobra.Command{
	Use:   "trail <correlation-id>",
	Short: "Print every audit entry of one request in chain order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		files := auditInputs(trailFlagInputs)
		if len(files) == 0 {
			return errors.New("no audit file: set --input or audit.file")
		}
		events, err := report.Trail(cmd.Context(), files, args[0])
		if err != nil {
			return err
		}
		if len(events) == 0 {
			return fmt.Errorf("no audit entries for %s", args[0])
		}
		w := bufio.NewWriter(os.Stdout)
		defer w.Flush()
		for _, e := range events {
			if err := report.WriteEventNDJSON(w, e); err != nil {
				return err
			}
		}
		return nil
	},
}

// auditInputs falls back to the configured audit file; an explicit "-"
// reads stdin.
func auditInputs(flag []string) []string {
	if len(flag) == 1 && strings.TrimSpace(flag[0]) == "-" {
		return nil
	}
	if len(flag) > 0 {
		return flag
	}
	if f := config.Get().Audit.File; f != "" {
		return []string{f}
	}
	return nil
}

func init() {
	auditCmd.AddCommand(auditVerifyCmd, auditSealCmd, auditKeygenCmd, auditQueryCmd, auditTrailCmd)

	auditVerifyCmd.Flags().StringVar(&verifyFlagInput, "input", "", "audit NDJSON file (default audit.file)")
	auditVerifyCmd.Flags().StringVar(&verifyFlagCheckpoint, "checkpoint-path", "", "checkpoint file to verify")
	auditVerifyCmd.Flags().BoolVar(&verifyFlagLatest, "latest", false, "verify the newest checkpoint in hashing.checkpoint_dir")
	auditVerifyCmd.Flags().StringVar(&verifyFlagPublicKey, "public-key", "", "public key PEM (default signing.public_key_path)")

	auditKeygenCmd.Flags().StringVar(&keygenFlagPrivate, "private-key", "", "private key PEM output path")
	auditKeygenCmd.Flags().StringVar(&keygenFlagPublic, "public-key", "", "public key PEM output path")

	f := auditQueryCmd.Flags()
	f.StringSliceVar(&queryFlagInputs, "input", nil, "audit NDJSON files, '-' for stdin (default audit.file)")
	f.StringVar(&queryFlagOutput, "output", "", "output file (default stdout)")
	f.StringVar(&queryFlagAgent, "agent", "", "filter by agent ID")
	f.StringVar(&queryFlagCorr, "correlation-id", "", "filter by correlation ID")
	f.StringVar(&queryFlagDatabase, "database", "", "filter by database name")
	f.StringVar(&queryFlagIP, "ip", "", "filter by client IP")
	f.StringSliceVar(&queryFlagStages, "stage", nil, "decision stages (Validation, Authorization, PIIDetection, Execution)")
	f.StringSliceVar(&queryFlagOutcomes, "outcome", nil, "outcomes (Allowed, Denied, Masked)")
	f.StringSliceVar(&queryFlagPIITypes, "pii-type", nil, "detected PII types")
	f.StringSliceVar(&queryFlagRisk, "risk", nil, "risk levels")
	f.StringVar(&queryFlagSince, "since", "", "only entries at or after this time")
	f.StringVar(&queryFlagLast, "last", "", "only entries within this window, e.g. 24h or 7d")
	f.BoolVar(&queryFlagSummary, "summary", false, "print counts instead of entries")
	f.IntVar(&queryFlagLimit, "limit", 0, "stop after this many matches")

	auditTrailCmd.Flags().StringSliceVar(&trailFlagInputs, "input", nil, "audit NDJSON files (default audit.file)")
}
