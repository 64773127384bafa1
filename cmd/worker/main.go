// cmd/worker/main.go
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"compress-queue/internal/config"
	"compress-queue/internal/domain"
	"compress-queue/internal/infra/etcd"
	http_infra "compress-queue/internal/infra/http"
	"compress-queue/internal/tracing"
	"compress-queue/internal/usecase"
	"compress-queue/internal/worker"

	"github.com/google/uuid"
)

const pollInterval = 2 * time.Second

func main() {
	// 1. Init logger, tracer, config
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	tracerShutdown, err := tracing.InitTracer("compress-queue-worker", log.Writer())
	if err != nil {
		log.Fatalf("failed to initialize tracer: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if cfg.CompressorURL == "" {
		log.Fatalf("compressor_url is required for the worker node")
	}

	workerID := uuid.New().String()
	log.Printf("Starting worker node %s", workerID)

	// 2. Root context and graceful shutdown
	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	setupGracefulShutdown(cancel)

	// 3. Connect to the etcd store
	etcdClient, err := etcd.NewClient(etcd.ClientOptions{
		Endpoints:             cfg.EtcdEndpoints,
		DialTimeout:           cfg.EtcdTimeout,
		InsecureSkipTLSVerify: cfg.EtcdInsecureSkipTLSVerify,
	})
	if err != nil {
		log.Fatalf("Failed to create etcd client: %v", err)
	}

	broker := etcd.NewBroker(etcdClient, domain.DefaultRetryPolicy(), domain.DefaultRetentionPolicy(), cfg.ClaimTTL, logger)

	pingCtx, pingCancel := context.WithTimeout(rootCtx, cfg.EtcdTimeout)
	if err := broker.Ping(pingCtx); err != nil {
		log.Fatalf("Failed to reach etcd store: %v", err)
	}
	pingCancel()
	log.Println("Connected to etcd.")

	lifecycle := usecase.NewLifecycle(logger,
		usecase.CloseStep{Name: "tracing", Close: tracerShutdown},
		usecase.CloseStep{Name: "broker", Close: func(context.Context) error { return broker.Close() }},
	)

	// 4. Run the claim/execute/report loop until shutdown
	compressor := http_infra.NewHttpCompressor(cfg.CompressorURL)
	w := worker.New(workerID, broker, compressor, pollInterval, logger)
	if err := w.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", "error", err)
	}

	log.Println("Shutting down worker node gracefully...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	lifecycle.Shutdown(shutdownCtx)

	log.Println("Worker node shut down.")
}

func setupGracefulShutdown(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Printf("Received signal %v. Initiating graceful shutdown...", sig)
		cancel()
	}()
}
