package main

import (
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const redacted = "<redacted>"

func newConfigCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration after files and environment overrides",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfigFn(root.configPath)
			if err != nil {
				return withExitCode(err, exitConfig)
			}
			shown := *cfg
			if shown.API.AuthToken != "" {
				shown.API.AuthToken = redacted
			}
			if shown.Bridge.Token != "" {
				shown.Bridge.Token = redacted
			}
			if shown.Bus.Token != "" {
				shown.Bus.Token = redacted
			}

			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(&shown); err != nil {
				return err
			}
			return enc.Close()
		},
	}
}
