// Command simagent is a reference compute agent. It dials the supervisor's
// agent endpoint, announces its id and runs simulation jobs under a work
// directory, reconnecting whenever the supervisor goes away.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/seantiz/jobsupervisor/internal/agent"
	"github.com/seantiz/jobsupervisor/internal/config"
	"github.com/seantiz/jobsupervisor/internal/protocol"
)

const reconnectDelay = 2 * time.Second

func main() {
	var (
		url         = pflag.String("supervisor", "ws://localhost:8001/agent", "Supervisor agent endpoint.")
		id          = pflag.String("id", "sequential-0", "Agent id the supervisor is configured with.")
		workDir     = pflag.String("work-dir", filepath.Join(os.TempDir(), "simagent"), "Directory holding one subdirectory per job.")
		command     = pflag.String("command", "", "Command run in the job directory; empty runs a timed simulation.")
		simDuration = pflag.Duration("sim-duration", agent.DefaultSimDuration, "Run time of the timed simulation.")
		logLevel    = pflag.String("log-level", "info", "Log level: debug, info, warn or error.")
	)
	pflag.Parse()

	if err := os.MkdirAll(*workDir, 0o755); err != nil {
		log.Fatalf("create work dir: %v", err)
	}

	lvl, err := parseLevel(*logLevel)
	if err != nil {
		log.Fatal(err)
	}
	logger := config.NewLogger(os.Stdout, lvl)

	a := agent.New(agent.Config{
		ID:          *id,
		WorkDir:     *workDir,
		Command:     strings.Fields(*command),
		SimDuration: *simDuration,
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for {
		conn, err := protocol.Dial(ctx, *url)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("simagent: dial failed", "url", *url, "error", err)
			os.Exit(1)
		}

		err = a.Serve(ctx, conn)
		if err == nil {
			logger.Info("simagent: stopped")
			return
		}
		logger.Warn("simagent: connection lost, reconnecting", "error", err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func parseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return lvl, fmt.Errorf("--log-level: %w", err)
	}
	return lvl, nil
}
