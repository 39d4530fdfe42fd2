package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"warden/cmd/internal/db/migrate"
)

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:       "migrate up|down",
		Short:     "Apply or roll back the Postgres schema",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{string(migrate.Up), string(migrate.Down)},
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := migrate.ParseDirection(args[0])
			if err != nil {
				return err
			}
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if cfg.Storage.Driver != "postgres" {
				return fmt.Errorf("migrate: storage.driver is %q, migrations only apply to postgres", cfg.Storage.Driver)
			}
			if err := migrate.Run(cfg.Storage.DatabaseURL, dir); err != nil {
				return err
			}

			version, dirty, ok, err := migrate.Version(cfg.Storage.DatabaseURL)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !ok {
				fmt.Fprintln(out, "migrate: no migrations applied")
				return nil
			}
			fmt.Fprintf(out, "migrate: %s ok, version=%d dirty=%t\n", dir, version, dirty)
			return nil
		},
	}
}
