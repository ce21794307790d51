package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ajitpratap0/sqlpool/internal/store"
	"github.com/ajitpratap0/sqlpool/pkg/config"
	"github.com/ajitpratap0/sqlpool/pkg/registry"
)

func newBootstrapCommand(flags *globalFlags, cfg func() *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "bootstrap",
		Short: "Create the users table",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openPool(flags, cfg(), nil)
			if err != nil {
				return err
			}
			defer registry.FinalizeAll()

			s := store.New(p)
			if err := s.Bootstrap(cmd.Context()); err != nil {
				return err
			}
			n, err := s.CountUsers(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "users table ready on %s (%d users)\n", p.Name(), n)
			return nil
		},
	}
}
