package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/timzifer/pvcore/config"
)

// NewSchemaCommand prints the CUE schema configurations are validated against.
func NewSchemaCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the CUE schema of the PV database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprint(cmd.OutOrStdout(), config.Schema())
			return err
		},
	}
}
