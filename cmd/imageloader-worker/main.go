package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/tendant/simple-content/pkg/simplecontent"
	"github.com/tendant/simple-content/pkg/simplecontent/presets"
	"go.uber.org/zap"

	"github.com/tendant/simple-image-loader/internal/config"
	"github.com/tendant/simple-image-loader/internal/handlers"
	"github.com/tendant/simple-image-loader/internal/ledger"
	"github.com/tendant/simple-image-loader/internal/logging"
	"github.com/tendant/simple-image-loader/pkg/imageloader"
	"github.com/tendant/simple-image-loader/pkg/runner"
)

func main() {
	envFile := flag.String("env-file", ".env", "optional .env file to load")
	storageDir := flag.String("storage-dir", "./dev-data", "embedded simple-content storage when CONTENT_API_URL is unset")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogDevelopment)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, *storageDir, logger); err != nil {
		logger.Fatal("worker failed", zap.Error(err))
	}
}

func run(cfg config.Config, storageDir string, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.DBOSDatabaseURL == "" {
		return errors.New("DBOS_SYSTEM_DATABASE_URL is required")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	opts := []imageloader.Option{imageloader.WithRegisterer(registry)}

	// thumbnails go to simple-content only when it runs embedded; with
	// CONTENT_API_URL the worker reads content over HTTP and renders only
	var svc simplecontent.Service
	if cfg.ContentAPIURL != "" {
		logger.Info("using simple-content HTTP API", zap.String("url", cfg.ContentAPIURL))
	} else {
		embedded, cleanup, err := presets.NewDevelopment(presets.WithDevStorage(storageDir))
		if err != nil {
			return err
		}
		defer cleanup()
		svc = embedded
		logger.Info("using embedded simple-content service", zap.String("storage_dir", storageDir))
	}

	var counter handlers.FetchCounter
	if cfg.LedgerDatabaseURL != "" {
		l, err := ledger.Open(ctx, cfg.LedgerDatabaseURL, logger.Named("ledger"))
		if err != nil {
			return err
		}
		defer l.Close()
		opts = append(opts, imageloader.WithRecorder(l))
		counter = l
	}

	lc := imageloader.FromConfig(cfg)
	lc.DenyPrivateNetworks = !cfg.AllowPrivateNetworks

	w, err := runner.New(ctx, runner.Config{
		DatabaseURL:        cfg.DBOSDatabaseURL,
		AppName:            "imageloader-worker",
		QueueName:          cfg.DBOSQueueName,
		Concurrency:        cfg.WorkerConcurrency,
		ApplicationVersion: cfg.DBOSAppVersion,
		Loader:             lc,
		ContentService:     svc,
		Logger:             logger,
	}, opts...)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := w.Shutdown(shutdownCtx, 10*time.Second); err != nil {
			logger.Warn("worker did not stop cleanly", zap.Error(err))
		}
	}()

	logger.Info("worker ready",
		zap.String("queue", cfg.DBOSQueueName),
		zap.Int("concurrency", cfg.WorkerConcurrency),
		zap.Strings("jobs", w.Jobs().Jobs()))

	schemes := handlers.AllowedSchemes(cfg.HTTPAllowFile)
	routes := handlers.Routes{
		Images:   handlers.NewImageHandler(w.Loader(), logger.Named("http"), schemes...),
		Async:    handlers.NewAsyncHandler(w.Jobs(), counter, logger.Named("http"), schemes...),
		Gatherer: registry,
	}
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           routes.Mux(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server starting", zap.String("addr", cfg.HTTPAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
