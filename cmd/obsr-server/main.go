// Command obsr-server runs a standalone replication server: it accepts
// peer connections, replicates entry mutations between them, and
// exposes Prometheus metrics alongside gopsutil process stats.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"
	"go.uber.org/zap"

	"github.com/tomtzook/obsr-go/internal/config"
	"github.com/tomtzook/obsr-go/internal/logging"
	"github.com/tomtzook/obsr-go/internal/metrics"
	"github.com/tomtzook/obsr-go/internal/sysmetrics"
	"github.com/tomtzook/obsr-go/obsr"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() // nolint:errcheck

	logger.Info("starting obsr-server", zap.Int("gomaxprocs", runtime.GOMAXPROCS(0)))

	registry := metrics.NewRegistry(nil)
	sampler, err := sysmetrics.NewSampler(nil)
	if err != nil {
		logger.Warn("process sampler unavailable", zap.Error(err))
	}

	inst, err := obsr.New(logger)
	if err != nil {
		logger.Fatal("failed to create instance", zap.Error(err))
	}
	defer inst.StopNetwork()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	if err := inst.StartServer(addr); err != nil {
		logger.Fatal("failed to start server", zap.Error(err))
	}
	logger.Info("server listening", zap.String("addr", addr))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if sampler != nil {
		go sampleLoop(ctx, sampler, 5*time.Second)
	}

	var httpErrCh chan error
	if cfg.Metrics.Enabled {
		httpErrCh = make(chan error, 1)
		go func() {
			httpErrCh <- runMetricsServer(ctx, cfg, registry, logger)
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-httpErrCh:
		if err != nil {
			logger.Error("metrics http server error", zap.Error(err))
		}
		stop()
	}
}

func sampleLoop(ctx context.Context, sampler *sysmetrics.Sampler, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sampler.Sample()
		}
	}
}

func runMetricsServer(ctx context.Context, cfg config.Config, registry *metrics.Registry, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle(cfg.Metrics.Endpoint, registry.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	httpServer := &http.Server{
		Addr:         cfg.Metrics.ListenAddr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics http server starting", zap.String("addr", cfg.Metrics.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics http server shutdown error", zap.Error(err))
		}
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}
