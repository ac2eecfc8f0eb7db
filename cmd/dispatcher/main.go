// cmd/dispatcher/main.go
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"syscall"
	"time"

	http_api "proxy-dispatcher/internal/api/http"
	"proxy-dispatcher/internal/config"
	"proxy-dispatcher/internal/domain"
	"proxy-dispatcher/internal/infra/etcd"
	http_infra "proxy-dispatcher/internal/infra/http"
	"proxy-dispatcher/internal/infra/kube"
	"proxy-dispatcher/internal/logging"
	"proxy-dispatcher/internal/master"
	"proxy-dispatcher/internal/rpc"
	"proxy-dispatcher/internal/tracing"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// 2. Initialize logger and tracer
	logger, logCloser := logging.New(cfg)
	defer logCloser.Close()
	slog.SetDefault(logger)

	tracerShutdown, err := tracing.InitTracer("proxy-dispatcher", tracing.Writer(cfg.TraceOutput))
	if err != nil {
		log.Fatalf("failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := tracerShutdown(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", "error", err)
		}
	}()

	logger.Info("starting dispatcher", "backend", cfg.ClusterBackend, "protocol", cfg.WorkerProtocol, "inflight_aware", cfg.InFlightAware)

	// 3. Create root context for lifecycle management
	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	setupGracefulShutdown(cancel, logger)

	// 4. Cluster backend: where usage comes from and how names become addresses
	var (
		source   domain.MetricsSource
		resolver domain.AddressResolver
	)
	switch cfg.ClusterBackend {
	case config.BackendKubernetes:
		clientset, err := kube.NewClientset(cfg.Kubeconfig, logger)
		if err != nil {
			log.Fatalf("Failed to create kubernetes client: %v", err)
		}
		source = kube.NewMetricsSource(clientset.CoreV1().RESTClient(), cfg.KubeNamespace)
		resolver = kube.NewPodResolver(clientset.CoreV1(), cfg.KubeNamespace, cfg.WorkerPort)
	case config.BackendEtcd:
		etcdClient, err := etcd.NewClient(cfg.EtcdEndpoints, cfg.EtcdTimeout)
		if err != nil {
			log.Fatalf("Failed to create etcd client: %v", err)
		}
		defer etcdClient.Close()
		logger.Info("connected to etcd", "endpoints", cfg.EtcdEndpoints)

		directory := etcd.NewWorkerDirectory(etcdClient, etcdClient, cfg.EtcdTimeout, logger)
		go directory.WatchMembership(rootCtx)
		source, resolver = directory, directory
	}

	// 5. Worker transport, built once and closed on shutdown
	var forwarder domain.JobForwarder
	switch cfg.WorkerProtocol {
	case config.ProtocolGRPC:
		forwarder = rpc.NewForwarder(logger, cfg.MaxResultBytes)
	case config.ProtocolHTTP:
		forwarder = http_infra.NewHttpForwarder(64)
	}

	// 6. Instantiate components
	inflight := master.NewInFlightTracker()
	var selectorTracker *master.InFlightTracker
	if cfg.InFlightAware {
		selectorTracker = inflight
	}
	snapshots := master.NewSnapshotSource(source, regexp.MustCompile(cfg.WorkerPattern), logger)
	dispatcher := master.NewDispatcher(snapshots, master.NewSelector(selectorTracker), resolver, forwarder, inflight, logger)
	defer func() {
		if err := dispatcher.Close(); err != nil {
			logger.Error("failed to close worker connections", "error", err)
		}
	}()

	handler := http_api.NewDispatchHandler(dispatcher, cfg.MaxPayloadBytes, logger)

	// 7. Register routes and metrics endpoint
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	handler.RegisterRoutes(mux)

	// 8. Start HTTP API server
	server := &http.Server{
		Addr:    cfg.HttpListenAddr,
		Handler: mux,
	}
	go func() {
		logger.Info("HTTP API server listening", "addr", cfg.HttpListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", "error", err)
			cancel()
		}
	}()

	// 9. Block until shutdown
	<-rootCtx.Done()
	logger.Info("shutting down dispatcher gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", "error", err)
	}

	logger.Info("dispatcher shut down")
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
