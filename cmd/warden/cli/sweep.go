package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newSweepCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Mark expired refresh sessions as revoked once and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := opts.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			n, err := a.Sweeper().RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "revoked_marked=%d\n", n)
			return nil
		},
	}
}
