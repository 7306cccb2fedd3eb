package audit

import (
	"context"
	"fmt"

	"github.com/vaibhaw-/govproxy/internal/govproxy/config"
	"github.com/vaibhaw-/govproxy/internal/govproxy/logger"
)

// Open builds the sinks selected by cfg and starts a logger over them.
func Open(ctx context.Context, cfg config.AuditCfg, hashing config.HashingCfg) (*Logger, error) {
	primary, err := openPrimary(ctx, cfg)
	if err != nil {
		return nil, err
	}

	opts := []Option{
		WithAlerter(NewAlerter(cfg.AlertInterval, nil)),
		WithStateFile(hashing.StateFile),
	}
	if cfg.QueueSize > 0 {
		opts = append(opts, WithQueueSize(cfg.QueueSize))
	}
	if cfg.FallbackFile != "" {
		fb, err := OpenFileSink(cfg.FallbackFile)
		if err != nil {
			primary.Close()
			return nil, fmt.Errorf("open fallback sink: %w", err)
		}
		opts = append(opts, WithFallback(fb))
	}

	l, err := New(primary, opts...)
	if err != nil {
		primary.Close()
		return nil, err
	}
	logger.L().Infow("Audit logger ready",
		"sink", cfg.Sink,
		"fallback", cfg.FallbackFile,
		"failure_mode", cfg.FailureMode)
	return l, nil
}

func openPrimary(ctx context.Context, cfg config.AuditCfg) (Sink, error) {
	switch cfg.Sink {
	case "", "file":
		return OpenFileSink(cfg.File)
	case "sql":
		return OpenSQLSink(ctx, cfg.SQL.Driver, cfg.SQL.DSN)
	}
	return nil, fmt.Errorf("unknown audit sink %q", cfg.Sink)
}
