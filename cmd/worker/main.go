// cmd/worker/main.go
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"proxy-dispatcher/internal/config"
	"proxy-dispatcher/internal/infra/etcd"
	shell_infra "proxy-dispatcher/internal/infra/shell"
	"proxy-dispatcher/internal/logging"
	"proxy-dispatcher/internal/rpc"
	"proxy-dispatcher/internal/tracing"
	"proxy-dispatcher/internal/worker"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelgrpc "go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
)

func main() {
	// 1. Init config, logger, tracer
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, logCloser := logging.New(cfg)
	defer logCloser.Close()
	slog.SetDefault(logger)

	tracerShutdown, err := tracing.InitTracer("proxy-worker", tracing.Writer(cfg.TraceOutput))
	if err != nil {
		log.Fatalf("failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := tracerShutdown(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", "error", err)
		}
	}()

	workerName := resolveWorkerName(cfg.WorkerName)
	logger = logger.With("worker", workerName)
	logger.Info("starting worker node", "grpc_addr", cfg.WorkerGrpcAddr, "http_addr", cfg.WorkerHttpAddr)
	if !cfg.WorkerNameMatches(workerName) {
		logger.Warn("worker name does not match worker_pattern, the dispatcher will never select it",
			"pattern", cfg.WorkerPattern)
	}

	// 2. Create root context for lifecycle management
	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	setupGracefulShutdown(cancel, logger)

	// 3. Job endpoint: per-job staging + interpreter
	executor := shell_infra.NewShellTaskExecutor(cfg.WorkerInterpreter, logger)
	stager := worker.NewStager(cfg.WorkerStagingDir, cfg.WorkerScriptExt)
	workerServer := worker.NewServer(executor, stager, workerName, logger)

	// 4. gRPC server
	lis, err := net.Listen("tcp", cfg.WorkerGrpcAddr)
	if err != nil {
		log.Fatalf("Failed to listen for gRPC: %v", err)
	}
	grpcServer := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
	)
	rpc.RegisterJobRunnerServer(grpcServer, workerServer)
	go func() {
		logger.Info("gRPC server listening", "addr", lis.Addr().String())
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("gRPC server failed", "error", err)
			cancel()
		}
	}()

	// 5. HTTP server: /reencrypt for http-protocol dispatchers, plus /metrics
	var httpServer *http.Server
	if cfg.WorkerHttpAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		workerServer.RegisterRoutes(mux)
		httpServer = &http.Server{Addr: cfg.WorkerHttpAddr, Handler: mux}
		go func() {
			logger.Info("HTTP server listening", "addr", cfg.WorkerHttpAddr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("HTTP server failed", "error", err)
				cancel()
			}
		}()
	}

	// 6. Etcd backend: register and publish usage under one lease
	if cfg.ClusterBackend == config.BackendEtcd {
		stopReporting := startEtcdReporting(rootCtx, cfg, workerName, logger)
		defer stopReporting()
	}

	// 7. Block until shutdown signal
	<-rootCtx.Done()
	logger.Info("shutting down worker node gracefully...")

	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown failed", "error", err)
		}
	}
	grpcServer.GracefulStop()

	logger.Info("worker node shut down")
}

// startEtcdReporting registers the worker and starts the usage reporter.
// The returned function deregisters it and closes the etcd client.
func startEtcdReporting(ctx context.Context, cfg *config.Config, workerName string, logger *slog.Logger) func() {
	etcdClient, err := etcd.NewClient(cfg.EtcdEndpoints, cfg.EtcdTimeout)
	if err != nil {
		log.Fatalf("Failed to create etcd client: %v", err)
	}
	logger.Info("connected to etcd", "endpoints", cfg.EtcdEndpoints)

	registry := worker.NewRegistry(etcdClient, etcdClient, logger)
	regCtx, regCancel := context.WithTimeout(ctx, cfg.EtcdTimeout)
	defer regCancel()
	if err := registry.Register(regCtx, workerName, advertiseAddr(cfg), int64(cfg.RegistrationTTL.Seconds())); err != nil {
		log.Fatalf("Failed to register worker: %v", err)
	}

	sampler, err := worker.NewProcessSampler()
	if err != nil {
		log.Fatalf("Failed to create usage sampler: %v", err)
	}
	reporter, err := worker.NewUsageReporter(cfg.UsageReportSchedule, sampler, registry, logger)
	if err != nil {
		log.Fatalf("Failed to create usage reporter: %v", err)
	}
	reportCtx, stopReport := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		reporter.Start(reportCtx)
	}()

	return func() {
		stopReport()
		<-done
		deregCtx, deregCancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer deregCancel()
		if err := registry.Deregister(deregCtx); err != nil {
			logger.Error("failed to deregister worker", "error", err)
		}
		etcdClient.Close()
	}
}

// resolveWorkerName prefers the configured name, then the hostname (the pod name on kubernetes).
func resolveWorkerName(configured string) string {
	if configured != "" {
		return configured
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "proxy-worker-" + uuid.NewString()
}

// advertiseAddr is the address the dispatcher should dial for the configured protocol.
func advertiseAddr(cfg *config.Config) string {
	if cfg.WorkerAdvertiseAddr != "" {
		return cfg.WorkerAdvertiseAddr
	}
	listen := cfg.WorkerGrpcAddr
	if cfg.WorkerProtocol == config.ProtocolHTTP {
		listen = cfg.WorkerHttpAddr
	}
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return listen
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		if h, err := os.Hostname(); err == nil {
			host = h
		}
	}
	if _, err := strconv.Atoi(port); err != nil {
		return listen
	}
	return net.JoinHostPort(host, port)
}

func setupGracefulShutdown(cancel context.CancelFunc, logger *slog.Logger) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received signal, initiating graceful shutdown", "signal", sig.String())
		cancel()
	}()
}
