package main

import (
	"context"
	"database/sql"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"cronsync/internal/api"
	"cronsync/internal/client"
	"cronsync/internal/clock"
	"cronsync/internal/config"
	"cronsync/internal/events"
	"cronsync/internal/executor"
	"cronsync/internal/scheduler"
	"cronsync/internal/store"
	"cronsync/internal/syncer"
)

func main() {
	var (
		cfgPath   = flag.String("config", "", "YAML config file")
		mode      = flag.String("mode", "", "server or client")
		addr      = flag.String("addr", "", "HTTP bind address (server)")
		dbPath    = flag.String("db", "", "SQLite DB path")
		sweep     = flag.String("sweep", "", "sweep schedule, cron spec (server)")
		batch     = flag.Int("batch", 0, "tasks executed concurrently per batch (server)")
		serverURL = flag.String("server", "", "task API base URL (client)")
		token     = flag.String("token", "", "bearer token (client)")
		owner     = flag.String("owner", "", "owner id (client)")
		interval  = flag.Duration("sync-interval", 0, "sync period (client)")
		timers    = flag.Bool("local-timers", true, "run tasks locally as well (client)")
		debug     = flag.Bool("debug", false, "enable pprof endpoints and debug logging")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	// Flags set on the command line win over the file.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "mode":
			cfg.Mode = *mode
		case "addr":
			cfg.Server.Addr = *addr
		case "db":
			cfg.Server.DBPath = *dbPath
			cfg.Client.DBPath = *dbPath
		case "sweep":
			cfg.Server.SweepSpec = *sweep
		case "batch":
			cfg.Server.BatchSize = *batch
		case "server":
			cfg.Client.ServerURL = *serverURL
		case "token":
			cfg.Client.Token = *token
		case "owner":
			cfg.Client.OwnerID = *owner
		case "sync-interval":
			cfg.Client.SyncInterval = *interval
		case "local-timers":
			cfg.Client.LocalTimers = timers
		case "debug":
			cfg.Server.Debug = *debug
		}
	})
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	if cfg.Server.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	switch cfg.Mode {
	case config.ModeClient:
		err = runClient(ctx, cfg)
	default:
		err = runServer(ctx, cfg)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("exited with error")
	}
	log.Info().Msg("shutdown complete")
}

func openStore(path string) (*sql.DB, *store.SQLite) {
	db, err := store.OpenSQLite(path)
	if err != nil {
		log.Fatal().Err(err).Str("path", path).Msg("open db")
	}
	return db, store.NewSQLite(db)
}

func runServer(ctx context.Context, cfg config.Config) error {
	db, repo := openStore(cfg.Server.DBPath)
	defer db.Close()

	if len(cfg.Server.Tokens) == 0 {
		log.Warn().Msg("no API tokens configured, every request will be rejected")
	}

	exec := executor.New(cfg.Executor.Timeout)
	sweeper, err := scheduler.NewSweeper(repo, exec, scheduler.SweeperConfig{
		Spec:       cfg.Server.SweepSpec,
		BatchSize:  cfg.Server.BatchSize,
		MaxRetries: cfg.Executor.MaxRetries,
		Lease:      cfg.Server.ClaimLease,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.NewServerWithDebug(repo, sweeper, api.StaticTokens(cfg.Server.Tokens), cfg.Server.Debug),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sweeper.Start(gctx) })
	g.Go(func() error {
		log.Info().Str("addr", cfg.Server.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelTimeout()
		return srv.Shutdown(ctxTimeout)
	})
	return g.Wait()
}

func runClient(ctx context.Context, cfg config.Config) error {
	db, local := openStore(cfg.Client.DBPath)
	defer db.Close()

	bus := events.NewBus()
	defer bus.Close()

	ws := client.NewSchedulerContext(client.Config{
		OwnerID:     cfg.Client.OwnerID,
		MaxRetries:  cfg.Executor.MaxRetries,
		LocalTimers: cfg.Client.LocalTimersEnabled(),
	}, local, executor.New(cfg.Executor.Timeout), clock.Real{}, bus)
	if err := ws.Load(ctx); err != nil {
		return err
	}

	remote := syncer.NewClient(cfg.Client.ServerURL, cfg.Client.Token, nil)
	engine := syncer.NewEngine(remote, ws, ws.Queue(), local, bus, cfg.Client.SyncInterval)

	go logEvents(bus.SubscribeAll(64))

	log.Info().
		Str("server", cfg.Client.ServerURL).
		Str("owner_id", cfg.Client.OwnerID).
		Bool("local_timers", cfg.Client.LocalTimersEnabled()).
		Msg("client starting")
	engine.Run(ctx)
	ws.Timers().SetEnabled(false)
	return nil
}

func logEvents(ch <-chan events.Event) {
	for ev := range ch {
		switch e := ev.(type) {
		case events.Reconciled:
			log.Info().Int("tasks", len(e.Tasks)).Int("conflicts", len(e.Conflicts)).Msg("reconciled with server")
		case events.SyncFailed:
			log.Warn().Err(e.Err).Msg("sync failed, will retry")
		case events.Drained:
			if e.Succeeded+e.Failed+e.Dropped > 0 {
				log.Info().Int("replayed", e.Succeeded).Int("failed", e.Failed).Int("dropped", e.Dropped).Int("remaining", e.Remaining).Msg("pending operations replayed")
			}
		case events.Executed:
			log.Info().Str("task_id", e.TaskID).Bool("success", e.Result.Success).Str("error", e.Result.Error).Msg("task executed")
		}
	}
}
