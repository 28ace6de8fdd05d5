package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/benvon/cohort-tags/internal/app"
	"github.com/benvon/cohort-tags/internal/config"
	"github.com/benvon/cohort-tags/internal/logger"
	"github.com/benvon/cohort-tags/internal/metrics"
	"github.com/benvon/cohort-tags/internal/queue"
	"github.com/benvon/cohort-tags/internal/workers"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	dlqInterval  = time.Hour
	dlqRetention = 24 * time.Hour
)

func main() {
	debugFlag := flag.Bool("debug", false, "Enable debug logging")
	metricsAddr := flag.String("metrics-addr", ":9091", "Address for the /metrics listener, empty disables it")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if !cfg.QueueEnabled() {
		log.Fatalf("RABBITMQ_URL is required to run the worker")
	}

	debugMode := cfg.WorkerDebugMode || *debugFlag

	zapLogger, err := logger.NewProductionLogger(debugMode)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() { _ = logger.Sync(zapLogger) }()

	zapLogger.Info("starting_worker",
		zap.Bool("debug_mode", debugMode),
		zap.String("storage_backend", cfg.StorageBackend),
		zap.Int("concurrency", cfg.WorkerConcurrency),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := app.OpenBackend(ctx, cfg, zapLogger)
	if err != nil {
		zapLogger.Fatal("failed_to_open_storage_backend", zap.Error(err))
	}
	defer func() {
		if err := backend.Close(); err != nil {
			zapLogger.Warn("failed_to_close_storage_backend", zap.Error(err))
		}
	}()

	services, err := app.NewServices(cfg, backend, zapLogger)
	if err != nil {
		zapLogger.Fatal("failed_to_initialize_services", zap.Error(err))
	}

	jobQueue, err := connectQueue(ctx, cfg.RabbitMQURL, zapLogger)
	if err != nil {
		zapLogger.Fatal("failed_to_connect_to_rabbitmq", zap.Error(err))
	}
	defer func() {
		if err := jobQueue.Close(); err != nil {
			zapLogger.Warn("failed_to_close_rabbitmq_connection", zap.Error(err))
		}
	}()

	revalidator := workers.NewRevalidator(services.Repository, backend.Lister, jobQueue, cfg.WorkerConcurrency, zapLogger.Named("revalidator"))

	msgChan, errChan, err := jobQueue.Consume(ctx, cfg.RabbitMQPrefetch)
	if err != nil {
		zapLogger.Fatal("failed_to_start_consuming", zap.Error(err))
	}
	zapLogger.Info("worker_started", zap.Int("prefetch", cfg.RabbitMQPrefetch))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for msg := range msgChan {
			if err := revalidator.ProcessJob(gctx, msg); err != nil {
				zapLogger.Error("job_failed",
					zap.String("job_id", msg.Job.ID.String()),
					zap.String("job_type", string(msg.Job.Type)),
					zap.String("error", logger.SanitizeError(err)),
				)
			}
		}
		return nil
	})

	g.Go(func() error {
		for err := range errChan {
			zapLogger.Error("queue_error", zap.String("error", logger.SanitizeError(err)))
		}
		return nil
	})

	g.Go(func() error {
		gc := queue.NewGarbageCollector(jobQueue, dlqInterval, dlqRetention, zapLogger)
		if err := gc.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	if *metricsAddr != "" && cfg.MetricsEnabled {
		srv := &http.Server{
			Addr:              *metricsAddr,
			Handler:           metrics.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil {
		zapLogger.Error("worker_stopped_with_error", zap.Error(err))
		return
	}
	zapLogger.Info("worker_stopped")
}

// connectQueue retries with exponential backoff while RabbitMQ starts up
func connectQueue(ctx context.Context, url string, log *zap.Logger) (*queue.RabbitMQQueue, error) {
	const maxRetries = 10
	delay := 2 * time.Second

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		q, err := queue.NewRabbitMQQueue(url, log.Named("queue"))
		if err == nil {
			log.Info("connected_to_rabbitmq")
			return q, nil
		}
		lastErr = err
		log.Warn("failed_to_connect_to_rabbitmq_retrying",
			zap.Int("attempt", attempt),
			zap.Int("max_retries", maxRetries),
			zap.Duration("retry_delay", delay),
			zap.String("error", logger.SanitizeError(err)),
		)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay = min(delay*2, 30*time.Second)
	}
	return nil, lastErr
}
