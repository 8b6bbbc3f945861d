package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/terminal-bench/stakepool/internal/auth"
	"github.com/terminal-bench/stakepool/internal/config"
	"github.com/terminal-bench/stakepool/internal/gateway"
	"github.com/terminal-bench/stakepool/internal/ledger"
	"github.com/terminal-bench/stakepool/internal/lock"
	"github.com/terminal-bench/stakepool/internal/notify"
	"github.com/terminal-bench/stakepool/internal/oracle"
	"github.com/terminal-bench/stakepool/internal/pool"
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

	log := logger.New(cfg.LogLevel, cfg.LogFormat).With().Str("service", "gateway").Logger()

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		log.Fatal().Err(err).Msg("database unreachable")
	}

	policy := lock.Policy{
		StakeLock:   cfg.Lock.StakeLock,
		UnstakeLock: cfg.Lock.UnstakeLock,
	}
	store := ledger.NewPostgresStore(db, policy)
	if err := store.EnsureSchema(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ensure transactions schema")
	}

	authSvc := auth.NewService(db, cfg.JWTSecret)
	if err := authSvc.EnsureSchema(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ensure users schema")
	}

	msg, err := messaging.Connect(messaging.Config{
		URL:           cfg.NATSURL,
		Name:          "stakepool-gateway",
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

	// The gateway shares the reconciler's verdict logic for on-demand checks
	// but never starts the periodic loop; that is the reconciler binary's job.
	scheduler := reconcile.NewScheduler(reconcile.Config{
		Store:    store,
		Oracle:   chain,
		Notifier: notify.NewNATSDispatcher(msg, log),
	}, log)

	cache := redis.NewClient(&redis.Options{Addr: cfg.RedisURL})
	defer cache.Close()

	poolSvc := pool.NewService(store, chain, cache, pool.Config{
		PoolAddress: cfg.Chain.PoolAddress,
		APY:         5.2,
	}, log)

	gw := gateway.New(gateway.Config{}, store, scheduler, authSvc, poolSvc, msg, log)

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("port", cfg.Port).Msg("gateway listening")
		errCh <- gw.Start(":" + cfg.Port)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		log.Fatal().Err(err).Msg("server exited")
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	}
}
