package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/devrev/engagement/internal/cache"
	"github.com/devrev/engagement/internal/config"
	"github.com/devrev/engagement/internal/engagement"
	"github.com/devrev/engagement/internal/health"
	"github.com/devrev/engagement/internal/lock"
	"github.com/devrev/engagement/internal/metrics"
	"github.com/devrev/engagement/internal/model"
	"github.com/devrev/engagement/internal/ranking"
	"github.com/devrev/engagement/internal/reconcile"
	"github.com/devrev/engagement/internal/scheduler"
	"github.com/devrev/engagement/internal/server"
	"github.com/devrev/engagement/internal/store"
	"github.com/devrev/engagement/internal/workerpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

func main() {
	defaultPath := os.Getenv("CONFIG_PATH")
	if defaultPath == "" {
		defaultPath = "./config.yaml"
	}
	configPath := flag.String("config", defaultPath, "path to the YAML configuration file")
	printConfig := flag.Bool("print-config", false, "print the effective configuration and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *printConfig {
		out, err := cfg.YAML()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to render configuration: %v\n", err)
			os.Exit(1)
		}
		os.Stdout.Write(out)
		return
	}

	logger, err := initLogger(cfg.Logging)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Engine stopped with error", zap.Error(err))
	}
	logger.Info("Engine shutdown complete")
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	entityTypes, err := cfg.Ranking.Types()
	if err != nil {
		return err
	}
	weights, err := cfg.Ranking.EntityWeights()
	if err != nil {
		return err
	}

	logger.Info("Starting engagement engine",
		zap.Int("port", cfg.Server.Port),
		zap.String("redis_host", cfg.Redis.Host),
		zap.String("database_host", cfg.Database.Host),
		zap.String("database_name", cfg.Database.Database),
		zap.Strings("entity_types", cfg.Ranking.EntityTypes))

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.NewMetrics(registry)
	}

	redisClient, err := store.NewRedisClient(store.RedisOptions{
		Host:         cfg.Redis.Host,
		Port:         cfg.Redis.Port,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})
	if err != nil {
		return err
	}
	defer redisClient.Close()
	logger.Info("Cache store connected")

	pool, err := store.NewPostgresPool(ctx, store.PostgresOptions{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		Database: cfg.Database.Database,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		MaxConns: cfg.Database.MaxConnections,
		MinConns: cfg.Database.MinConnections,
	})
	if err != nil {
		return err
	}
	source := store.NewPostgresSourceStore(pool, logger)
	defer source.Close()
	logger.Info("Primary store connected")

	var repairs store.RepairLog
	if cfg.RepairLog.Enabled {
		repairs = store.NewPostgresRepairLog(pool)
	}

	var search store.SearchIndex = store.NoopSearchIndex{}
	if cfg.Search.Enabled {
		search = store.NewHTTPSearchIndex(store.SearchIndexOptions{
			Endpoint:         cfg.Search.Endpoint,
			Index:            cfg.Search.Index,
			Timeout:          cfg.Search.Timeout,
			MaxRequests:      cfg.Search.MaxRequests,
			Interval:         cfg.Search.Interval,
			OpenTimeout:      cfg.Search.OpenTimeout,
			FailureThreshold: cfg.Search.FailureThreshold,
			MinRequests:      cfg.Search.MinRequests,
		}, logger)
		logger.Info("Search index enabled", zap.String("endpoint", cfg.Search.Endpoint))
	}

	ops := cache.NewOps(redisClient, m, logger)
	mutex := lock.NewMutex(redisClient, m, logger)

	engine := ranking.NewEngine(ops, source, ranking.Config{
		Weights:       weights,
		HalfLife:      cfg.Ranking.HalfLife,
		DecayInterval: cfg.Ranking.DecayInterval,
		TopN:          cfg.Ranking.TopN,
		ScoreFloor:    cfg.Ranking.ScoreFloor,
		MetaTTL:       cfg.Ranking.MetaTTL,
		SnapshotTTL:   cfg.Ranking.SnapshotTTL,
	}, m, logger)

	reconciler := reconcile.NewReconciler(source, ops, mutex, search, repairs, reconcile.Config{
		BatchSize:     cfg.Reconcile.BatchSize,
		LockLease:     cfg.Reconcile.LockLease,
		CounterTTL:    cfg.Cache.CounterTTL,
		RateLimit:     cfg.Reconcile.RateLimit,
		RateBurst:     cfg.Reconcile.RateBurst,
		RetryAttempts: cfg.Lock.RetryAttempts,
		RetryBackoff:  cfg.Lock.RetryBackoff,
		RepairLogTTL:  cfg.RepairLog.TTL,

		SearchSyncSize: cfg.Ranking.TopN,
	}, m, logger)

	svc := engagement.NewService(ops, source, engine, engagement.Config{
		CounterTTL:  cfg.Cache.CounterTTL,
		RelationTTL: cfg.Cache.RelationTTL,
		RankOnWrite: cfg.Cache.RankOnWrite,
	}, logger)

	workers := workerpool.New(workerpool.Config{
		Name:       "maintenance",
		MaxWorkers: cfg.Workers.MaxWorkers,
		QueueSize:  cfg.Workers.QueueSize,
		Logger:     logger,
	})

	sched := scheduler.New(workers, mutex, m, logger)
	if err := registerJobs(sched, cfg, entityTypes, engine, reconciler, logger); err != nil {
		return err
	}

	healthChecker := health.NewHealthChecker(map[string]health.Pinger{
		"redis":    ops,
		"postgres": source,
	}, logger)

	deps := server.Deps{
		Health:      healthChecker,
		Jobs:        sched,
		Repairer:    reconciler,
		RepairLog:   repairs,
		Leaderboard: svc,
	}
	if cfg.Metrics.Enabled {
		deps.Gatherer = registry
	}
	srv := server.NewServer(server.Options{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		MetricsPath:  cfg.Metrics.Path,
	}, deps, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sched.Run(gctx)
	})
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down gracefully")
		healthChecker.SetReady(false)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()

	if stopErr := workers.Stop(cfg.Workers.StopTimeout); stopErr != nil {
		logger.Warn("Maintenance jobs did not finish in time", zap.Error(stopErr))
	}

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// registerJobs adds the periodic maintenance jobs for every ranked type and
// the view flush for every entity type
func registerJobs(
	sched *scheduler.Scheduler,
	cfg *config.Config,
	entityTypes []model.EntityType,
	engine *ranking.Engine,
	reconciler *reconcile.Reconciler,
	logger *zap.Logger,
) error {
	for _, t := range entityTypes {
		t := t
		jobs := []scheduler.Job{
			{
				Name:     "recompute:" + string(t),
				Interval: cfg.Ranking.RecomputeInterval,
				Run: func(ctx context.Context) error {
					_, err := engine.Recompute(ctx, t)
					return err
				},
			},
			{
				Name:     "decay:" + string(t),
				Interval: cfg.Ranking.DecayInterval,
				Run: func(ctx context.Context) error {
					_, err := engine.Decay(ctx, t)
					return err
				},
			},
		}

		if cfg.Reconcile.Enabled {
			jobs = append(jobs,
				scheduler.Job{
					Name:     "reconcile:" + string(t),
					Interval: cfg.Reconcile.Interval,
					Run: func(ctx context.Context) error {
						_, err := reconciler.RunBatch(ctx, t)
						return err
					},
				},
				scheduler.Job{
					Name:   "sweep:" + string(t),
					Manual: true,
					Lease:  cfg.Reconcile.LockLease,
					Run: func(ctx context.Context) error {
						_, err := reconciler.Sweep(ctx, t)
						return err
					},
				},
			)
		}

		if cfg.Search.Enabled {
			jobs = append(jobs, scheduler.Job{
				Name:     "search:sync:" + string(t),
				Interval: cfg.Search.SyncInterval,
				Run: func(ctx context.Context) error {
					_, err := reconciler.SyncSearch(ctx, t)
					return err
				},
			})
		}

		for _, job := range jobs {
			if err := sched.Register(job); err != nil {
				return err
			}
		}
	}

	// Views can be recorded for any entity type, ranked or not
	for _, t := range model.EntityTypes {
		t := t
		if err := sched.Register(scheduler.Job{
			Name:     "views:flush:" + string(t),
			Interval: cfg.Cache.ViewFlushInterval,
			Run: func(ctx context.Context) error {
				_, err := reconciler.FlushViews(ctx, t)
				return err
			},
		}); err != nil {
			return err
		}
	}

	if cfg.RepairLog.Enabled {
		if err := sched.Register(scheduler.Job{
			Name:     "repair_log:cleanup",
			Interval: cfg.RepairLog.CleanupInterval,
			Run: func(ctx context.Context) error {
				_, err := reconciler.PruneRepairLog(ctx)
				return err
			},
		}); err != nil {
			return err
		}
	}

	logger.Info("Maintenance jobs registered", zap.Strings("jobs", sched.Jobs()))
	return nil
}

// initLogger builds a production logger at the configured level
func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	var zc zap.Config
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.OutputPaths = []string{"stdout"}
	zc.ErrorOutputPaths = []string{"stderr"}

	return zc.Build()
}
