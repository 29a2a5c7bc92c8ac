package main

import (
	"fmt"

	"qyu/internal/app"

	"github.com/spf13/cobra"
)

func validateCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check a config file and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := app.CheckConfig(*cfgPath)
			if err != nil {
				return err
			}
			producers := 0
			if cfg.Feeder != nil {
				producers = len(cfg.Feeder.Producers)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d producers)\n", *cfgPath, producers)
			return nil
		},
	}
}
