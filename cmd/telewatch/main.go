package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/telewatch/telewatch/internal/advisor"
	"github.com/telewatch/telewatch/internal/config"
	"github.com/telewatch/telewatch/internal/engine"
)

// Build variables, set by ldflags during build.
var (
	version = "dev"
	commit  = "unknown"
)

// exit codes names.
const (
	exitOK            = 0
	exitConfig        = 2
	exitRuntime       = 3
	shutdownGraceWait = 10 * time.Second
)

func main() {
	var configPath string
	var showVersion bool

	flag.StringVar(&configPath, "config", "", "config file (required)")
	flag.BoolVar(&showVersion, "version", false, "print version information")
	flag.Parse()

	if showVersion {
		fmt.Printf("telewatch %s (%s)\n", version, commit)
		return
	}

	if configPath == "" {
		fmt.Fprintln(os.Stderr, "telewatch: -config is required")
		os.Exit(exitConfig)
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "telewatch: %v\n", err)
		os.Exit(exitConfig)
	}

	var adv advisor.Advisor
	if cfg.LLM.APIKey != "" {
		adv = advisor.NewClient(cfg.LLM.Provider, cfg.LLM.APIKey, cfg.LLM.Model)
	}

	eng, err := engine.Build(cfg, adv, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "telewatch: %v\n", err)
		os.Exit(exitConfig)
	}

	if err := run(eng); err != nil {
		fmt.Fprintf(os.Stderr, "telewatch: %v\n", err)
		os.Exit(exitRuntime)
	}
	os.Exit(exitOK)
}

// run wires signal handling around the engine's own bounded shutdown:
// the first SIGINT/SIGTERM cancels the engine's context, a second forces
// immediate exit, and a timer forces exit if graceful shutdown overruns
// its deadline.
func run(eng *engine.Engine) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "telewatch: shutting down (press again to force)")
		cancel()

		deadline := time.NewTimer(shutdownGraceWait)
		defer deadline.Stop()
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "telewatch: forced shutdown")
			os.Exit(exitRuntime)
		case <-deadline.C:
			fmt.Fprintln(os.Stderr, "telewatch: shutdown timed out, forcing exit")
			os.Exit(exitRuntime)
		}
	}()

	if err := eng.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
