// Command supervisor accepts simulation requests over HTTP, queues them per
// resource class and user, and relays them to compute agents connected
// over websocket.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/seantiz/jobsupervisor/internal/api"
	"github.com/seantiz/jobsupervisor/internal/config"
	"github.com/seantiz/jobsupervisor/internal/correlator"
	"github.com/seantiz/jobsupervisor/internal/dispatcher"
	"github.com/seantiz/jobsupervisor/internal/driver"
	"github.com/seantiz/jobsupervisor/internal/gateway"
	"github.com/seantiz/jobsupervisor/internal/ledger"
	"github.com/seantiz/jobsupervisor/internal/store"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("supervisor: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"selector", cfg.Selector,
		"agents", len(cfg.Agents),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("supervisor: exiting", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	var (
		db      *store.SQLiteStore
		st      store.Store
		journal ledger.Journal
	)
	if cfg.DBPath != "" {
		var err error
		db, err = store.NewSQLiteStore(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer db.Close()
		st, journal = db, db
	}

	sel, err := driver.NewSelector(cfg.Selector)
	if err != nil {
		return err
	}
	reg := driver.NewRegistry(sel)
	for _, a := range cfg.Agents {
		if err := reg.Register(driver.NewSession(a.ID, a.ResourceClass, logger)); err != nil {
			return err
		}
	}

	d := dispatcher.New(reg, correlator.New(logger), dispatcher.Config{
		OpTimeout:   cfg.OpTimeout,
		BindTimeout: cfg.BindTimeout,
		Slots:       cfg.Slots,
	}, logger)
	l := ledger.New(journal, logger)
	d.SetStatusListener(l.OnJobStatus)
	d.SetAgentLostListener(func(agentID string) { l.OnAgentLost(agentID) })

	gw := gateway.New(l, d, gateway.Config{
		PollSeconds:   cfg.PollSeconds,
		ParallelCores: cfg.ParallelCores,
	}, logger)
	srv := api.NewServer(cfg.ListenAddr, gw, d, l, st, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.Run(gctx) })
	g.Go(func() error { return srv.Run(gctx) })
	return g.Wait()
}
