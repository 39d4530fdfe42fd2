package cli

import (
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newConfigCommand(opts *rootOptions) *cobra.Command {
	cfgCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the effective configuration",
	}
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "print",
		Short: "Print the merged configuration as YAML with secrets redacted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(cfg.Redacted()); err != nil {
				return err
			}
			return enc.Close()
		},
	})
	return cfgCmd
}
