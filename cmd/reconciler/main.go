package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/terminal-bench/stakepool/internal/config"
	"github.com/terminal-bench/stakepool/internal/ledger"
	"github.com/terminal-bench/stakepool/internal/lock"
	"github.com/terminal-bench/stakepool/internal/metrics"
	"github.com/terminal-bench/stakepool/internal/notify"
	"github.com/terminal-bench/stakepool/internal/oracle"
	"github.com/terminal-bench/stakepool/internal/reconcile"
	"github.com/terminal-bench/stakepool/pkg/logger"
	"github.com/terminal-bench/stakepool/pkg/messaging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}

	log := logger.New(cfg.LogLevel, cfg.LogFormat).With().Str("service", "reconciler").Logger()

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()

	pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		log.Fatal().Err(err).Msg("database unreachable")
	}

	policy := lock.Policy{
		StakeLock:   cfg.Lock.StakeLock,
		UnstakeLock: cfg.Lock.UnstakeLock,
	}
	store := ledger.NewPostgresStore(db, policy)
	if err := store.EnsureSchema(pingCtx); err != nil {
		log.Fatal().Err(err).Msg("failed to ensure transactions schema")
	}

	msg, err := messaging.Connect(messaging.Config{
		URL:           cfg.NATSURL,
		Name:          "stakepool-reconciler",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: 10,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to NATS")
	}
	defer msg.Close()

	chain := oracle.NewClient(oracle.Config{
		BaseURL:        cfg.Chain.APIURL,
		APIKey:         cfg.Chain.APIKey,
		RequestTimeout: cfg.Chain.RequestTimeout,
	}, log)

	var recorder metrics.Recorder = metrics.Noop{}
	if cfg.Influx.URL != "" {
		recorder = metrics.NewInfluxRecorder(metrics.InfluxConfig{
			URL:    cfg.Influx.URL,
			Token:  cfg.Influx.Token,
			Org:    cfg.Influx.Org,
			Bucket: cfg.Influx.Bucket,
		}, log)
	}
	defer recorder.Close()

	scheduler := reconcile.NewScheduler(reconcile.Config{
		Store:    store,
		Oracle:   chain,
		Notifier: notify.NewNATSDispatcher(msg, log),
		Recorder: recorder,
		Interval: cfg.Reconcile.Interval,
	}, log)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	scheduler.Start(ctx)
	log.Info().Dur("interval", cfg.Reconcile.Interval).Msg("reconciler started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().Str("signal", sig.String()).Msg("shutting down")
	scheduler.Stop()
}
