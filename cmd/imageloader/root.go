package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tendant/simple-image-loader/internal/config"
	"github.com/tendant/simple-image-loader/internal/ledger"
	"github.com/tendant/simple-image-loader/internal/logging"
	"github.com/tendant/simple-image-loader/pkg/imageloader"
)

// app is the state shared by the subcommands
type app struct {
	envFile string
	cfg     config.Config
	logger  *zap.Logger
	ledger  *ledger.Ledger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	cmd := &cobra.Command{
		Use:           "imageloader",
		Short:         "Download, cache and decode images",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			a.close()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.PersistentFlags().StringVar(&a.envFile, "env-file", ".env", "optional .env file to load")

	cmd.AddCommand(
		newFetchCmd(a),
		newServeCmd(a),
		newCacheCmd(a),
	)
	return cmd
}

func (a *app) init() error {
	cfg, err := config.Load(a.envFile)
	if err != nil {
		return err
	}
	a.cfg = cfg

	logger, err := logging.New(cfg.LogLevel, cfg.LogDevelopment)
	if err != nil {
		return err
	}
	a.logger = logger
	return nil
}

// openLedger connects the fetch ledger when a database is configured
func (a *app) openLedger(ctx context.Context) error {
	if a.cfg.LedgerDatabaseURL == "" {
		return nil
	}
	l, err := ledger.Open(ctx, a.cfg.LedgerDatabaseURL, a.logger.Named("ledger"))
	if err != nil {
		return err
	}
	a.ledger = l
	return nil
}

// newLoader builds a loader. Served loaders refuse internal addresses unless
// ALLOW_PRIVATE_NETWORKS is set.
func (a *app) newLoader(served bool, opts ...imageloader.Option) (*imageloader.Loader, error) {
	opts = append([]imageloader.Option{imageloader.WithLogger(a.logger)}, opts...)
	if a.ledger != nil {
		opts = append(opts, imageloader.WithRecorder(a.ledger))
	}
	lc := imageloader.FromConfig(a.cfg)
	lc.DenyPrivateNetworks = served && !a.cfg.AllowPrivateNetworks
	l, err := imageloader.New(lc, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create image loader: %w", err)
	}
	return l, nil
}

func closeLoader(l *imageloader.Loader, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := l.Close(ctx); err != nil {
		logger.Warn("image loader did not stop cleanly", zap.Error(err))
	}
}

func (a *app) close() {
	if a.ledger != nil {
		if err := a.ledger.Close(); err != nil {
			a.logger.Warn("failed to close ledger", zap.Error(err))
		}
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
}
