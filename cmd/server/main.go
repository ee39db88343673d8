// Command server runs the pulse-live presence and live-session coordinator.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"pulse-live/internal/config"
	"pulse-live/internal/observability/logging"
	"pulse-live/internal/observability/metrics"
)

func main() {
	if err := newRootCommand(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand(out io.Writer) *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:           "pulse-live",
		Short:         "Realtime presence and live-session coordinator",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(config.LoadOptions{File: configFile, Flags: cmd.Flags()})
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, out)
		},
	}
	cmd.SetOut(out)
	cmd.PersistentFlags().StringVar(&configFile, "config", "", "YAML config file")
	config.RegisterFlags(cmd.Flags())

	cmd.AddCommand(newImportCommand(out, &configFile), newTokenCommand(out, &configFile))
	return cmd
}

func serve(ctx context.Context, cfg config.Config, out io.Writer) error {
	logger := logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Writer: out})

	application, err := newApp(ctx, cfg, appDeps{Logger: logger, Metrics: metrics.Default()})
	if err != nil {
		logger.Error("failed to start", "error", err)
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := application.Close(closeCtx); err != nil {
			logger.Warn("failed to close datastores", "error", err)
		}
	}()

	if err := application.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}
