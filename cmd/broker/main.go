// cmd/broker/main.go
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	http_api "compress-queue/internal/api/http"
	"compress-queue/internal/config"
	"compress-queue/internal/domain"
	"compress-queue/internal/infra/etcd"
	"compress-queue/internal/tracing"
	"compress-queue/internal/usecase"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	// 1. Initialize logger and tracer
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	tracerShutdown, err := tracing.InitTracer("compress-queue-broker", log.Writer())
	if err != nil {
		log.Fatalf("failed to initialize tracer: %v", err)
	}

	// 2. Load configuration. A missing store endpoint is fatal: there is
	// no degraded mode without the broker store.
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	nodeID := uuid.New().String()
	log.Printf("Starting broker node %s", nodeID)

	// 3. Root context and graceful shutdown
	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	setupGracefulShutdown(cancel)

	// 4. Connect to the etcd store
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

	// 5. Instantiate services
	dispatchService := usecase.NewDispatchService(broker, logger)
	statsService := usecase.NewStatsService(broker, logger)
	leaderManager := etcd.NewLeaderElectionManager(etcdClient, nodeID, cfg.LeaderElectionTTL, logger)
	maintenanceService := usecase.NewMaintenanceService(leaderManager, broker, nodeID, cfg.MaintenanceInterval, cfg.RetentionInterval, logger)

	go func() {
		if err := maintenanceService.Start(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("maintenance service stopped", "error", err)
		}
	}()

	// 6. Register routes and the metrics endpoint
	jobHandler := http_api.NewJobHandler(dispatchService, statsService, logger)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	jobHandler.RegisterRoutes(mux)

	server := &http.Server{
		Addr:    cfg.HttpListenAddr,
		Handler: mux,
	}

	// 7. Shutdown order: submission surface, then tracing subscription,
	// then the broker session. Best-effort and idempotent.
	lifecycle := usecase.NewLifecycle(logger,
		usecase.CloseStep{Name: "http-server", Close: server.Shutdown},
		usecase.CloseStep{Name: "tracing", Close: tracerShutdown},
		usecase.CloseStep{Name: "broker", Close: func(context.Context) error { return broker.Close() }},
	)

	log.Printf("Starting HTTP API server on %s", cfg.HttpListenAddr)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	// 8. Block until shutdown
	<-rootCtx.Done()
	log.Println("Shutting down broker node gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	lifecycle.Shutdown(shutdownCtx)

	log.Println("Broker node shut down.")
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
