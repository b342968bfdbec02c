package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tendant/simple-image-loader/internal/handlers"
	"github.com/tendant/simple-image-loader/pkg/imageloader"
	"github.com/tendant/simple-image-loader/pkg/runner"
)

func newServeCmd(a *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve images over HTTP",
		Long: `Serve images over HTTP.

When DBOS_SYSTEM_DATABASE_URL is set, POST /v1/process enqueues jobs for
imageloader-worker to run.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				a.cfg.HTTPAddr = addr
			}
			return a.serve(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to HTTP_ADDR)")
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	if err := a.openLedger(ctx); err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	loader, err := a.newLoader(true, imageloader.WithRegisterer(registry))
	if err != nil {
		return err
	}
	defer closeLoader(loader, a.logger)

	schemes := handlers.AllowedSchemes(a.cfg.HTTPAllowFile)
	routes := handlers.Routes{
		Images:   handlers.NewImageHandler(loader, a.logger.Named("http"), schemes...),
		Gatherer: registry,
	}

	if a.cfg.DBOSDatabaseURL != "" {
		client, err := runner.NewClient(ctx, runner.Config{
			DatabaseURL:        a.cfg.DBOSDatabaseURL,
			AppName:            "imageloader",
			QueueName:          a.cfg.DBOSQueueName,
			ApplicationVersion: a.cfg.DBOSAppVersion,
			Logger:             a.logger.Named("dbos"),
		})
		if err != nil {
			return err
		}
		defer client.Shutdown(10 * time.Second)

		var counter handlers.FetchCounter
		if a.ledger != nil {
			counter = a.ledger
		}
		routes.Async = handlers.NewAsyncHandler(client.Jobs(), counter, a.logger.Named("http"), schemes...)
		a.logger.Info("job queue enabled", zap.String("queue", a.cfg.DBOSQueueName))
	}

	return listen(ctx, a.cfg.HTTPAddr, routes.Mux(), a.logger)
}

// listen serves h until SIGINT, SIGTERM or ctx ends
func listen(ctx context.Context, addr string, h http.Handler, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server starting", zap.String("addr", addr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info("server stopped")
	return nil
}
