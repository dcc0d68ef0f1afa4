package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newConfigCmd() *cobra.Command {
	var pathOnly bool

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration, secrets masked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			if pathOnly {
				path := cfg.Path
				if path == "" {
					path, _ = cmd.Flags().GetString("config")
				}
				_, err := fmt.Fprintln(cmd.OutOrStdout(), path)
				return err
			}

			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(cfg.Redacted())
		},
	}
	cmd.Flags().BoolVar(&pathOnly, "path", false, "print only the config file path")
	return cmd
}
