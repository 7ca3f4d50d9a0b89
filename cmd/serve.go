package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"jobmate/ingestion-service/internal/grpcserver"
	"jobmate/ingestion-service/internal/logger"
	"jobmate/ingestion-service/internal/scheduler"
	"jobmate/ingestion-service/internal/scraper"
	"jobmate/ingestion-service/internal/worker"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand() *cobra.Command {
	var (
		noCron   bool
		fetchNow bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the workers, the cron trigger and the HTTP and gRPC servers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), !noCron, fetchNow)
		},
	}
	cmd.Flags().BoolVar(&noCron, "no-cron", false, "do not trigger fetches on CRON_SCHEDULE")
	cmd.Flags().BoolVar(&fetchNow, "fetch-now", false, "trigger one fetch cycle at startup")
	return cmd
}

func serve(parent context.Context, withCron, fetchNow bool) error {
	cfg, log, err := loadBase()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := connect(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.close()

	// ── Stalled deliveries from a previous process ──────────────────────────
	if n, err := a.queue.RecoverStalled(ctx); err != nil {
		log.Warn("Recovering stalled deliveries", logger.Error(err))
	} else if n > 0 {
		log.Info("Recovered stalled deliveries", logger.Int("count", n))
	}

	// ── Worker pool ──────────────────────────────────────────────────────────
	pool := worker.NewPool(a.queue, scraper.NewProcessor(a.jobs), a.logs, log.With(logger.String("component", "worker")), a.metrics, worker.Config{
		Concurrency: cfg.WorkerConcurrency,
		MaxAttempts: cfg.MaxAttempts,
		BackoffBase: cfg.BackoffBase,
	})
	poolDone := make(chan struct{})
	go func() {
		defer close(poolDone)
		pool.Run(ctx)
	}()

	// ── Cron trigger ─────────────────────────────────────────────────────────
	var sched *scheduler.Scheduler
	if withCron {
		sched, err = scheduler.New(a.service, cfg.CronSchedule, log.With(logger.String("component", "scheduler")))
		if err != nil {
			return err
		}
		if err := sched.Start(fetchNow); err != nil {
			return err
		}
	} else if fetchNow {
		a.service.TriggerFetchAll()
	}

	// ── HTTP server ──────────────────────────────────────────────────────────
	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler(a))
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{Registry: a.registry}))

	httpSrv := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// ── gRPC server ──────────────────────────────────────────────────────────
	lis, err := net.Listen("tcp", fmt.Sprintf(":%s", cfg.GRPCPort))
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	grpcSrv := grpc.NewServer(grpc.UnaryInterceptor(grpcserver.LoggingInterceptor(log.With(logger.String("component", "grpc")))))
	grpcserver.Register(grpcSrv, grpcserver.NewServer(a.service))

	errCh := make(chan error, 2)
	go func() {
		log.Info("HTTP listening", logger.String("version", version), logger.String("port", cfg.Port))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		log.Info("gRPC listening", logger.String("port", cfg.GRPCPort))
		if err := grpcSrv.Serve(lis); err != nil {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()

	// ── Graceful shutdown ────────────────────────────────────────────────────
	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		stop()
	}

	log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if sched != nil {
		sched.Stop()
	}
	if err := a.service.Shutdown(shutdownCtx); err != nil {
		log.Warn("Fetch cycle did not stop in time", logger.Error(err))
	}
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP shutdown", logger.Error(err))
	}
	grpcSrv.GracefulStop()

	select {
	case <-poolDone:
	case <-shutdownCtx.Done():
		log.Warn("Worker pool did not drain in time; in-flight deliveries are recovered on next start")
	}

	log.Info("Stopped")
	return runErr
}

type healthResponse struct {
	Status   string `json:"status"`
	Service  string `json:"service"`
	Version  string `json:"version"`
	Redis    string `json:"redis"`
	Postgres string `json:"postgres"`
}

func healthHandler(a *app) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		resp := healthResponse{Status: "ok", Service: "ingestion-service", Version: version, Redis: "ok", Postgres: "ok"}
		code := http.StatusOK
		if err := a.rdb.Ping(ctx).Err(); err != nil {
			resp.Redis, resp.Status, code = err.Error(), "degraded", http.StatusServiceUnavailable
		}
		if err := a.pool.Ping(ctx); err != nil {
			resp.Postgres, resp.Status, code = err.Error(), "degraded", http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(resp)
	}
}
