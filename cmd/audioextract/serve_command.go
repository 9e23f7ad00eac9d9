package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/maauso/audioextract/internal/bootstrap"
	"github.com/maauso/audioextract/internal/config"
)

func newServeCommand() *cobra.Command {
	var roleFlag string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run one or all pipeline roles",
		Long:  "Run the gateway, converter or notifier role, or all three in one process. Configuration is read from the environment.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			role, err := config.ParseRole(roleFlag)
			if err != nil {
				return err
			}
			return bootstrap.Serve(role)
		},
	}

	defaultRole := os.Getenv("ROLE")
	if defaultRole == "" {
		defaultRole = string(config.RoleAll)
	}
	cmd.Flags().StringVar(&roleFlag, "role", defaultRole, "Role to run: gateway, converter, notifier or all")
	return cmd
}
