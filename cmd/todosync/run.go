package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/astromechza/todosync/pkg/api"
	"github.com/astromechza/todosync/pkg/config"
	"github.com/astromechza/todosync/pkg/engine"
	"github.com/astromechza/todosync/pkg/logging"
	"github.com/astromechza/todosync/pkg/metrics"
)

func runCmd() *cobra.Command {
	var configPath, savePath, apiAddr string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Join the multicast group and keep the local replica in sync",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if configPath == "" {
				configPath = os.Getenv(config.EnvConfigPath)
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("save") {
				cfg.Engine.SavePath = savePath
			}
			if cmd.Flags().Changed("api") {
				cfg.APIAddr = apiAddr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "TOML config file (default $"+config.EnvConfigPath+")")
	cmd.Flags().StringVar(&savePath, "save", "", "snapshot path, empty disables persistence")
	cmd.Flags().StringVar(&apiAddr, "api", "", "local HTTP API listen address, empty disables it")
	return cmd
}

func run(ctx context.Context, cfg config.Config) error {
	logger := logging.Component("todosync")
	metrics.RegisterMetrics()

	e, err := engine.Open(cfg.Engine, engine.WithLogger(logger))
	if err != nil {
		return err
	}
	defer e.Close()
	logger.Info().
		Str("actor", e.ID().String()).
		Str("group", cfg.Engine.Transport.Group).
		Str("save_path", cfg.Engine.SavePath).
		Msg("starting")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return e.Run(ctx)
	})

	if cfg.APIAddr != "" {
		httpServer := &http.Server{
			Addr:              cfg.APIAddr,
			Handler:           api.New(e, logger).Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info().Str("addr", cfg.APIAddr).Msg("serving api")
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	logger.Info().Msg("stopped")
	return err
}
