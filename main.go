package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"vidserve/admission"
	"vidserve/config"
	"vidserve/extractor"
	"vidserve/job"
	"vidserve/logger"
	"vidserve/ratelimit"
	"vidserve/routes"
	"vidserve/writerbackends"

	"golang.org/x/time/rate"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := config.LoadDotEnv(); err != nil {
		logger.Fatalf("Failed to load .env: %v", err)
	}
	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("Invalid configuration: %v", err)
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.Fatalf("Invalid LOG_LEVEL: %v", err)
	}
	logger.SetLevel(level)
	if cfg.LogFile != "" {
		if err := logger.Init(cfg.LogFile, true); err != nil {
			logger.Fatalf("Failed to open log file: %v", err)
		}
		defer logger.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.Fatalf("vidserve: %v", err)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger.Info("Starting vidserve")

	for _, dir := range []string{cfg.DataDir, cfg.OutputDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	st, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	logger.Infof("Stores opened (%s)", cfg.StoreDriver)

	queue, err := openQueue(ctx, cfg)
	if err != nil {
		return err
	}
	defer queue.Close()
	logger.Infof("Task queue opened (%s)", cfg.QueueDriver)

	counters, slots, checks, closeRedis, err := openRedis(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeRedis()

	gateway, err := extractor.NewYtDlp(cfg.YtDlpPath, cfg.FFmpegPath)
	if err != nil {
		return err
	}

	mirror, err := writerbackends.New(ctx, cfg.Mirror)
	if err != nil {
		return err
	}
	if mirror != nil {
		logger.Infof("Mirroring artifacts to %s", mirror.Name())
	}

	var spawn *rate.Limiter
	if cfg.GatewaySpawnRate > 0 {
		spawn = rate.NewLimiter(rate.Limit(cfg.GatewaySpawnRate), cfg.GatewaySpawnBurst)
	}

	orch := job.NewOrchestrator(st.jobs, queue, gateway, slots, job.Options{
		OutputDir:    cfg.OutputDir,
		MaxAttempts:  cfg.MaxAttempts,
		Backoff:      cfg.RetryBackoff,
		Timeout:      cfg.JobTimeout,
		DedupeWindow: cfg.DedupeWindow,
		SpawnLimiter: spawn,
		Mirror:       mirror,
	})

	pool := job.NewWorkerPool(orch, queue, cfg.Workers, cfg.PollInterval)
	if n, err := pool.Recover(ctx); err != nil {
		// keep serving; the jobs are picked up on the next start
		logger.Errorf("Failed to recover unfinished jobs: %v", err)
	} else if n > 0 {
		logger.Infof("Re-queued %d unfinished jobs", n)
	}

	workCtx, stopWork := context.WithCancel(context.Background())
	defer stopWork()
	workersDone := make(chan struct{})
	go func() {
		defer close(workersDone)
		pool.Run(workCtx)
	}()

	go cleanupRoutine(workCtx, st.jobs, cfg.CleanupInterval, cfg.Retention)

	server := &routes.Server{
		Orchestrator:  orch,
		Jobs:          st.jobs,
		Credentials:   st.creds,
		Admission:     admission.New(st.creds, ratelimit.New(counters), cfg.TrustProxy),
		AdminSecret:   []byte(cfg.AdminJWTSecret),
		PublicBaseURL: cfg.PublicBaseURL,
		Checks: append([]routes.HealthCheck{
			{Name: "jobs", Ping: st.jobs.Ping},
			{Name: "credentials", Ping: st.creds.Ping},
		}, checks...),
	}
	if cfg.AdminJWTSecret == "" {
		logger.Warn("ADMIN_JWT_SECRET is not set, admin endpoints are disabled")
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Infof("vidserve listening on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case err := <-serveErr:
		stopWork()
		<-workersDone
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("HTTP shutdown: %v", err)
	}

	// interrupted attempts are not acked and come back on the next start
	stopWork()
	<-workersDone
	logger.Info("vidserve stopped")
	return nil
}
