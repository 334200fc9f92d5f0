// Command obsr-client-demo connects to an obsr-server, mirrors a couple
// of entries, and logs every change it observes — a minimal illustration
// of the public Instance surface.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/tomtzook/obsr-go/internal/config"
	"github.com/tomtzook/obsr-go/internal/logging"
	"github.com/tomtzook/obsr-go/internal/storage"
	"github.com/tomtzook/obsr-go/internal/value"
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

	inst, err := obsr.New(logger)
	if err != nil {
		logger.Fatal("failed to create instance", zap.Error(err))
	}
	defer inst.StopNetwork()

	if err := inst.StartClient(cfg.Client.Host, cfg.Client.Port); err != nil {
		logger.Fatal("failed to start client", zap.Error(err))
	}

	if !inst.WaitActive(10 * time.Second) {
		logger.Fatal("client never reached active state")
	}
	logger.Info("client active", zap.String("host", cfg.Client.Host), zap.Int("port", cfg.Client.Port))

	_, err = inst.Listen("/", func(e storage.Event) {
		logger.Info("entry event",
			zap.Stringer("type", e.Type),
			zap.String("path", e.Path),
		)
	})
	if err != nil {
		logger.Fatal("failed to register listener", zap.Error(err))
	}

	if err := inst.Set("/demo/heartbeat", value.NewInt64(inst.Time())); err != nil {
		logger.Error("failed to set heartbeat", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := inst.Set("/demo/heartbeat", value.NewInt64(inst.Time())); err != nil {
				logger.Warn("heartbeat set failed", zap.Error(err))
			}
		}
	}
}
