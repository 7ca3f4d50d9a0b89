package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"jobmate/ingestion-service/internal/config"
	"jobmate/ingestion-service/internal/db"
	"jobmate/ingestion-service/internal/feed"
	"jobmate/ingestion-service/internal/ingestion"
	"jobmate/ingestion-service/internal/logger"
	"jobmate/ingestion-service/internal/metrics"
	"jobmate/ingestion-service/internal/queue"
	"jobmate/ingestion-service/internal/scraper"
	"jobmate/ingestion-service/internal/store"
)

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "ingestor",
		Short:         "Job feed ingestion service",
		Long:          "Fetches job feeds, queues their items and imports them into PostgreSQL.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newServeCommand(),
		newFetchCommand(),
		newMigrateCommand(),
		&cobra.Command{
			Use:   "version",
			Short: "Print the version number",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "ingestor version %s\n", version)
			},
		},
	)
	return root
}

// loadBase reads the configuration and builds the logger every command needs.
func loadBase() (*config.Config, logger.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("config: %w", err)
	}
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log.With(logger.String("service", "ingestion-service")), nil
}

// app holds the connected dependencies shared by serve and fetch.
type app struct {
	cfg      *config.Config
	log      logger.Logger
	pool     *pgxpool.Pool
	rdb      *redis.Client
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	queue    *queue.Queue
	jobs     *store.JobStore
	logs     *store.ImportLogStore
	fetcher  *scraper.FeedFetcher
	service  *ingestion.Service
}

// connect migrates the schema, opens PostgreSQL and Redis and builds the
// ingestion pipeline on top of them.
func connect(ctx context.Context, cfg *config.Config, log logger.Logger) (*app, error) {
	// ── Schema ──────────────────────────────────────────────────────────────
	if err := db.MigrateUp(cfg.DatabaseURL, log); err != nil {
		return nil, err
	}

	// ── PostgreSQL ───────────────────────────────────────────────────────────
	log.Info("Connecting to PostgreSQL")
	pool, err := db.NewPostgresPool(ctx, cfg.DatabaseURL, db.PoolOptions{
		MaxConns: int32(cfg.WorkerConcurrency) + 4,
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	log.Info("PostgreSQL connected")

	// ── Redis ────────────────────────────────────────────────────────────────
	log.Info("Connecting to Redis")
	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, cfg.WorkerConcurrency+10)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("redis: %w", err)
	}
	log.Info("Redis connected")

	// ── Pipeline ─────────────────────────────────────────────────────────────
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	q := queue.New(rdb, cfg.QueueName, queue.Options{
		KeepCompleted: cfg.KeepCompleted,
		KeepFailed:    cfg.KeepFailed,
	})
	jobs := store.NewJobStore(pool)
	logs := store.NewImportLogStore(pool)

	parser := feed.NewParser(feed.WithLogger(log))
	fetcher := scraper.NewFeedFetcher(logs, q, parser, log, m, scraper.FetcherConfig{
		Timeout:      cfg.FetchTimeout,
		ExcludeTerms: cfg.ExcludeTerms,
	})
	svc := ingestion.NewService(fetcher, logs, jobs, q, cfg.FeedURLs, log, m)

	return &app{
		cfg:      cfg,
		log:      log,
		pool:     pool,
		rdb:      rdb,
		registry: reg,
		metrics:  m,
		queue:    q,
		jobs:     jobs,
		logs:     logs,
		fetcher:  fetcher,
		service:  svc,
	}, nil
}

func (a *app) close() {
	if err := a.rdb.Close(); err != nil {
		a.log.Warn("Closing Redis", logger.Error(err))
	}
	a.pool.Close()
}
