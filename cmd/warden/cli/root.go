// Package cli holds the warden command tree.
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"warden/cmd/internal/app"
)

type rootOptions struct {
	configPath string
}

// NewRootCommand builds the command tree. Each call returns fresh flag state.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "warden",
		Short: "Warden issues and verifies session credentials",
		Long: `Warden is an authentication service: password login, short-lived access
tokens, rotating refresh sessions and role checks for downstream routes.

Configuration comes from an optional file (--config) overridden by WARDEN_*
environment variables, e.g. WARDEN_HTTP_ADDR or WARDEN_KEYS_REFRESH_KEY.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", os.Getenv("WARDEN_CONFIG"), "path to a YAML, JSON or .env config file")

	root.AddCommand(
		newServeCommand(opts),
		newMigrateCommand(opts),
		newSweepCommand(opts),
		newCreateAdminCommand(opts),
		newConfigCommand(opts),
	)
	return root
}

// Execute runs the command tree against os.Args and returns the exit code.
func Execute() int {
	root := NewRootCommand()
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "warden:", err)
		return 1
	}
	return 0
}

func (o *rootOptions) load() (app.Config, error) {
	return app.LoadConfig(o.configPath)
}

// openApp loads config and builds a wired App for one-shot commands.
func (o *rootOptions) openApp(ctx context.Context) (*app.App, error) {
	cfg, err := o.load()
	if err != nil {
		return nil, err
	}
	return app.New(ctx, cfg, app.NewLogger(cfg.Log))
}
