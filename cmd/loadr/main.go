package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "modernc.org/sqlite"

	loadr "github.com/vaibhaw-/govproxy/internal/loadr"
	"github.com/vaibhaw-/govproxy/internal/govproxy/logger"
)

func main() {
	if len(os.Args) < 2 {
		printHelp()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "load":
		loadCmd := flag.NewFlagSet("load", flag.ExitOnError)
		configPath := loadCmd.String("config", "", "Path to config file")
		verbose := loadCmd.Bool("verbose", false, "Enable debug logging")
		loadCmd.Parse(os.Args[2:])
		if *configPath == "" {
			fmt.Println("Error: --config is required for 'load'")
			loadCmd.Usage()
			os.Exit(1)
		}
		initLogger(*verbose)
		if err := loadr.LoadFile(*configPath); err != nil {
			fatal(err)
		}

	case "run":
		runCmd := flag.NewFlagSet("run", flag.ExitOnError)
		configPath := runCmd.String("config", "", "Path to config file")
		verbose := runCmd.Bool("verbose", false, "Enable debug logging")
		runCmd.Parse(os.Args[2:])
		if *configPath == "" {
			fmt.Println("Error: --config is required for 'run'")
			runCmd.Usage()
			os.Exit(1)
		}
		initLogger(*verbose)
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if err := loadr.RunFile(ctx, *configPath); err != nil {
			fatal(err)
		}

	case "help", "--help", "-h":
		printHelp()
	default:
		fmt.Printf("Unknown subcommand: %s\n\n", os.Args[1])
		printHelp()
		os.Exit(1)
	}
}

func initLogger(verbose bool) {
	level := "info"
	if verbose {
		level = "debug"
	}
	if err := logger.InitLogger(logger.LogConfig{Level: level, ConsoleLevel: level}); err != nil {
		fmt.Fprintf(os.Stderr, "Error: init logger: %v\n", err)
		os.Exit(1)
	}
}

func fatal(err error) {
	logger.L().Errorw("loadr failed", "error", err)
	logger.Sync()
	os.Exit(1)
}

func printHelp() {
	fmt.Println(`Usage: loadr <subcommand> --config <path>`)
	fmt.Println()
	fmt.Println("Subcommands:")
	fmt.Println("  load    --config <path>   Generate synthetic governance requests")
	fmt.Println("  run     --config <path>   Replay requests against a running proxy")
	fmt.Println("  help                      Show this help message")
}
