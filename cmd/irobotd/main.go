// cmd/irobotd/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/wtsi-hgi/irobot-precache/internal/config"
	"github.com/wtsi-hgi/irobot-precache/internal/httpd"
	"github.com/wtsi-hgi/irobot-precache/internal/invalidator"
	"github.com/wtsi-hgi/irobot-precache/internal/metrics"
	"github.com/wtsi-hgi/irobot-precache/internal/precache"
	"github.com/wtsi-hgi/irobot-precache/internal/trackingindex"
	"github.com/wtsi-hgi/irobot-precache/internal/upstream"
)

var (
	configPath = flag.String("config", "/etc/irobot/precache.yml", "Path to the daemon's YAML configuration")
	devMode    = flag.Bool("dev", false, "Use a human-readable development logger instead of JSON")
)

func main() {
	flag.Parse()

	log := newLogger(*devMode)
	defer log.Sync()

	if err := run(log); err != nil {
		log.Fatal("irobotd exited with error", zap.Error(err))
	}
}

func newLogger(dev bool) *zap.Logger {
	var log *zap.Logger
	var err error
	if dev {
		log, err = zap.NewDevelopment()
	} else {
		log, err = zap.NewProduction()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to construct logger: %v\n", err)
		os.Exit(1)
	}
	return log
}

func run(log *zap.Logger) error {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if err := os.MkdirAll(cfg.Precache.Location, 0o755); err != nil {
		return fmt.Errorf("creating precache location: %w", err)
	}

	index, err := trackingindex.Open(cfg.Precache.Index, log.Named("tracking-index"))
	if err != nil {
		return fmt.Errorf("opening tracking index: %w", err)
	}
	defer index.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("running startup repair")
	if err := invalidator.Repair(ctx, index, cfg.Precache.Location, log.Named("repair")); err != nil {
		return fmt.Errorf("startup repair: %w", err)
	}

	gw := upstream.New(cfg.Upstream.BaseURL, cfg.Upstream.MaxConnections, 0)

	manager := precache.New(precache.Config{
		Root:                  cfg.Precache.Location,
		ChunkSize:             cfg.Precache.ChunkSize,
		SizeLimit:             cfg.Precache.Size,
		FetchConcurrency:      cfg.Upstream.MaxConnections,
		ChecksumConcurrency:   maxInt(1, cfg.Upstream.MaxConnections/2),
		Expiry:                cfg.Precache.Expiry,
		ExpiryUnlimited:       cfg.Precache.ExpiryUnlimited,
		AgeThreshold:          cfg.Precache.AgeThreshold,
		AgeThresholdUnlimited: cfg.Precache.AgeThresholdUnlimited,
	}, index, gw, log.Named("precache"))

	managerCtx, cancelManager := context.WithCancel(ctx)
	defer cancelManager()
	manager.Run(managerCtx)
	defer manager.Shutdown()

	promRegistry := prometheus.NewRegistry()
	metricsRegistry := metrics.New(managerStatusAdapter{manager}, promRegistry)

	server := httpd.New(manager, cfg, metricsRegistry, log.Named("httpd"))

	addr := fmt.Sprintf("%s:%d", cfg.HTTPD.BindAddress, cfg.HTTPD.Listen)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      server.Handler(),
		ReadTimeout:  5 * time.Minute,
		WriteTimeout: 0, // large object downloads may run far longer than a fixed write deadline
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("httpd listening", zap.String("addr", addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("httpd: %w", err)
	case err := <-manager.FatalErrors():
		return fmt.Errorf("precache manager: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	return httpServer.Shutdown(shutdownCtx)
}

// managerStatusAdapter converts precache.GlobalStatus to metrics.Status,
// keeping internal/metrics free of an import on internal/precache.
type managerStatusAdapter struct {
	manager *precache.Manager
}

func (a managerStatusAdapter) Status() (metrics.Status, error) {
	status, err := a.manager.Status()
	if err != nil {
		return metrics.Status{}, err
	}
	return metrics.Status{
		Commitment:        status.Commitment,
		Rates:             status.Rates,
		ActiveDownloads:   status.ActiveDownloads,
		ActiveConnections: status.ActiveConnections,
		TotalRequests:     status.TotalRequests,
	}, nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
