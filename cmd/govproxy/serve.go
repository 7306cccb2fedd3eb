package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vaibhaw-/govproxy/internal/govproxy/audit"
	"github.com/vaibhaw-/govproxy/internal/govproxy/config"
	"github.com/vaibhaw-/govproxy/internal/govproxy/logger"
	"github.com/vaibhaw-/govproxy/internal/govproxy/server"
)

var serveFlagAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the governance proxy HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Get()
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		st, err := buildStack(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		if cfg.Signing.PrivateKeyPath != "" && cfg.Hashing.CheckpointDir != "" {
			sealer, err := audit.NewSealer(st.audit, cfg.Hashing.CheckpointCron, cfg.Hashing.CheckpointDir, cfg.Signing.PrivateKeyPath)
			if err != nil {
				return err
			}
			sealer.Start()
			defer func() {
				sealer.Stop()
				if path, err := sealer.Seal(); err != nil {
					logger.L().Errorw("Final checkpoint failed", "error", err)
				} else if path != "" {
					logger.L().Infow("Final checkpoint written", "path", path)
				}
			}()
		}

		opts := server.Options{Version: Version}
		if cfg.Audit.Sink == "file" && cfg.Audit.File != "" {
			opts.AuditFiles = []string{cfg.Audit.File}
		}
		addr := cfg.Server.Addr
		if serveFlagAddr != "" {
			addr = serveFlagAddr
		}
		return server.New(st.proxy, opts).ListenAndServe(ctx, addr)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveFlagAddr, "addr", "", "listen address (default server.addr)")
}

