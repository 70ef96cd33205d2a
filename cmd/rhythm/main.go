package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"rhythm/internal/agenda"
	"rhythm/internal/api"
	"rhythm/internal/config"
	"rhythm/internal/handlers/autoschedule"
	"rhythm/internal/handlers/email"
	"rhythm/internal/handlers/notify"
	"rhythm/internal/handlers/retrain"
	"rhythm/internal/handlers/rollup"
	"rhythm/internal/processor"
	"rhythm/internal/queue"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	var (
		addr    = flag.String("addr", cfg.Addr, "HTTP bind address")
		dbPath  = flag.String("db", cfg.DBPath, "SQLite DB path")
		workers = flag.Int("workers", cfg.Concurrency, "per-type concurrency")
		poll    = flag.Duration("poll", cfg.PollInterval, "poll interval for the job queue")
		debug   = flag.Bool("debug", cfg.Debug, "enable pprof endpoints")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", *dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // SQLite single writer

	if err := queue.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure job schema")
	}
	if err := agenda.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure agenda schema")
	}

	store := queue.NewSQLiteStore(db)
	agendaStore := agenda.NewSQLiteStore(db)

	if n, err := store.RecoverStale(context.Background(), cfg.StaleAfter); err == nil && n > 0 {
		log.Info().Int("recovered", n).Msg("recovered stale processing jobs")
	}

	base := processor.Options{
		PollInterval: *poll,
		Concurrency:  *workers,
		MaxAttempts:  cfg.MaxAttempts,
	}
	schedOpts := base
	schedOpts.PollInterval = cfg.SchedulerPollInterval
	schedOpts.Concurrency = 1 // one scheduling run at a time per process

	procs := processor.NewRegistry()
	procs.Register(processor.New(store, autoschedule.New(agendaStore, log.Logger), schedOpts, log.Logger))
	procs.Register(processor.New(store, email.New(email.LogSender{Log: log.Logger}), base, log.Logger))
	procs.Register(processor.New(store, notify.New(), base, log.Logger))
	procs.Register(processor.New(store, retrain.New(cfg.TrainerCmd), base, log.Logger))
	procs.Register(processor.New(store, rollup.New(agendaStore), base, log.Logger))

	ctx, cancel := context.WithCancel(context.Background())
	if err := procs.StartAll(ctx); err != nil {
		log.Fatal().Err(err).Msg("start processors")
	}

	srv := &http.Server{Addr: *addr, Handler: api.NewServerWithDebug(store, agendaStore, procs, *debug)}
	go func() {
		log.Info().Str("addr", *addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")

	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)

	procs.StopAll()
	cancel()
}
