package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"warden/cmd/internal/app"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server and the expiry sweep",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			log := app.NewLogger(cfg.Log)
			log.Info("config.loaded", "storage", cfg.Storage.Driver, "ratelimit", cfg.RateLimit.Backend, "tracing", cfg.Tracing.Enabled)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			shutdownTracing, err := app.InitTracing(ctx, cfg.Tracing, log)
			if err != nil {
				return err
			}
			defer func() {
				sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
				defer cancel()
				if err := shutdownTracing(sctx); err != nil {
					log.Warn("tracing.shutdown.fail", "err", err)
				}
			}()

			a, err := app.New(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Close(); err != nil {
					log.Warn("app.close.fail", "err", err)
				}
			}()

			return a.Run(ctx)
		},
	}
}
