package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/playversus/arena/internal/archive"
	"github.com/playversus/arena/internal/bus"
	"github.com/playversus/arena/internal/config"
	"github.com/playversus/arena/internal/database"
	"github.com/playversus/arena/internal/fairness"
	"github.com/playversus/arena/internal/game"
	"github.com/playversus/arena/internal/ledger"
	"github.com/playversus/arena/internal/metrics"
	"github.com/playversus/arena/internal/migrations"
	"github.com/playversus/arena/internal/notify"
	"github.com/playversus/arena/internal/server"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, stdout io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))

	// --- SQLite archive ---
	db, err := database.Open(ctx, cfg.DBPath)
	if err != nil {
		return fmt.Errorf("connecting to sqlite: %w", err)
	}
	defer db.Close()

	if err := migrations.Run(db); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("connected to sqlite", "path", cfg.DBPath)

	// --- Redis balance cache ---
	// Redis is a cache, not a dependency the game path needs. Run degraded
	// without it.
	rdb, err := openRedis(ctx, cfg.RedisURL)
	if err != nil {
		logger.Warn("redis unavailable, balance caching disabled", "error", err)
		rdb = nil
	} else {
		defer rdb.Close()
		logger.Info("connected to redis")
	}

	// --- Core wiring ---
	registry := game.NewRegistry()
	met := metrics.New(registry)
	broker := bus.NewBroker()
	store := archive.NewStore(db)

	ledgerClient := ledger.NewClient(cfg.LedgerURL, cfg.LedgerToken)
	adapter := ledger.NewAdapter(ledgerClient, rdb, store, met, logger)

	notifySvc := notify.NewService(store, cfg.NotificationRetention, logger)

	coord := game.NewCoordinator(registry, adapter, adapter, broker, notifySvc, game.CoordinatorConfig{
		Countdown:    cfg.Countdown,
		Grace:        cfg.DisconnectGrace,
		EmptyTimeout: cfg.EmptyTimeout,
		MaxDuration:  cfg.MaxDuration,
	}, logger)

	// Once the ledger confirms a settlement the session moves from the live
	// registry into the archive, and its event stream is torn down.
	adapter.OnSettled = func(ctx context.Context, sessionID, txRef string) {
		s, err := registry.Get(sessionID)
		if err != nil {
			return
		}
		if err := store.ArchiveSession(ctx, s); err != nil {
			logger.Error("archiving settled session failed", "session_id", sessionID, "error", err)
			met.ErrorsTotal.WithLabelValues("archive").Inc()
			return
		}
		registry.Remove(sessionID)
		broker.Drop(sessionID)
		logger.Info("session archived", "session_id", sessionID, "tx_ref", txRef)
	}

	// --- Fairness providers ---
	endpoints, err := cfg.ProviderEndpoints()
	if err != nil {
		return fmt.Errorf("parsing fairness providers: %w", err)
	}
	providers := make([]fairness.Provider, 0, len(endpoints)+1)
	for _, ep := range endpoints {
		providers = append(providers, fairness.NewHTTPProvider(ep.Name, ep.URL, cfg.FairnessToken, 1))
	}
	if cfg.BaselineWeight > 0 {
		providers = append(providers, fairness.NewBaselineProvider(cfg.BaselineWeight))
	}

	scorer := fairness.NewScorer(providers, fairness.Config{
		ProviderTimeout: cfg.FairnessTimeout,
		FlagThreshold:   cfg.FlagThreshold,
		AgreementDelta:  cfg.AgreementDelta,
	}, logger)
	coord.SetFairness(fairness.NewDispatcher(scorer, coord.ApplyAnalysis, cfg.FairnessWindow, met, logger))

	// --- Health checkers ---
	checkers := []server.Checker{
		server.CheckFunc{CheckName: "sqlite", Fn: dbCheck(db), IsCritical: true},
		server.CheckFunc{CheckName: "ledger", Fn: ledgerClient.Check, IsCritical: true},
	}
	if rdb != nil {
		checkers = append(checkers, server.CheckFunc{CheckName: "redis", Fn: redisCheck(rdb)})
	}
	for _, p := range providers {
		checkers = append(checkers, server.CheckFunc{CheckName: "fairness_" + p.Name(), Fn: p.Check})
	}
	checkers = append(checkers, server.CheckFunc{CheckName: "registry", Fn: registryCheck(registry)})

	srv := server.New(cfg.HTTPAddr, server.Deps{
		Logger:          logger,
		Coordinator:     coord,
		Bus:             broker,
		Notify:          notifySvc,
		Archive:         store,
		Metrics:         met,
		Checkers:        checkers,
		OpsPasswordHash: cfg.OpsPasswordHash,
	})

	// --- Background jobs ---
	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("creating scheduler: %w", err)
	}
	_, err = sched.NewJob(
		gocron.DurationJob(5*time.Second),
		gocron.NewTask(func() { coord.Sweep(ctx) }),
	)
	if err != nil {
		return fmt.Errorf("scheduling sweep job: %w", err)
	}
	_, err = sched.NewJob(
		gocron.DurationJob(time.Minute),
		gocron.NewTask(func() { reapCancelled(ctx, registry, store, broker, logger) }),
	)
	if err != nil {
		return fmt.Errorf("scheduling reap job: %w", err)
	}
	_, err = sched.NewJob(
		gocron.DurationJob(10*time.Minute),
		gocron.NewTask(func() { notifySvc.Prune(ctx) }),
	)
	if err != nil {
		return fmt.Errorf("scheduling prune job: %w", err)
	}

	// --- Run ---
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting http server", "addr", cfg.HTTPAddr)
		return srv.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down http server")
		return srv.Shutdown(context.Background())
	})

	g.Go(func() error { return adapter.Run(gctx) })
	g.Go(func() error { return notifySvc.Run(gctx) })

	sched.Start()
	g.Go(func() error {
		<-gctx.Done()
		return sched.Shutdown()
	})

	return g.Wait()
}

// reapCancelled archives cancelled sessions. Finished sessions leave the
// registry through the settlement hook; cancelled ones have no settlement,
// so the reaper moves them out once their event stream has drained.
func reapCancelled(ctx context.Context, registry *game.Registry, store *archive.Store, broker *bus.Broker, logger *slog.Logger) {
	for _, s := range registry.List() {
		if s.State != game.StateCancelled || s.EndedAt == nil {
			continue
		}
		if time.Since(*s.EndedAt) < time.Minute {
			continue
		}
		if err := store.ArchiveSession(ctx, s); err != nil {
			logger.Error("archiving cancelled session failed", "session_id", s.ID, "error", err)
			continue
		}
		registry.Remove(s.ID)
		broker.Drop(s.ID)
	}
}

func openRedis(ctx context.Context, rawURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return rdb, nil
}

func dbCheck(db *sql.DB) func(ctx context.Context) error {
	return func(ctx context.Context) error { return db.PingContext(ctx) }
}

func redisCheck(rdb *redis.Client) func(ctx context.Context) error {
	return func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
}

// registryCheck reports an error when acquiring the registry lock takes
// unreasonably long, which points at a stuck mutation.
func registryCheck(registry *game.Registry) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		d, err := registry.LockLatency(ctx)
		if err != nil {
			return fmt.Errorf("registry lock held for %v: %w", d, err)
		}
		if d > 250*time.Millisecond {
			return fmt.Errorf("registry lock latency %v", d)
		}
		return nil
	}
}
