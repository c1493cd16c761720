package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

// Exit codes returned by the commands.
const (
	exitSuccess = 0
	exitInvalid = 1 // configuration rejected
	exitFailure = 2 // runtime or usage error
)

// RootOptions holds global flags shared by all commands.
type RootOptions struct {
	Config  string
	Format  string // "text" | "json" | "yaml"
	Verbose bool
}

var validFormats = []string{"text", "json", "yaml"}

type exitError struct {
	code int
	err  error
	// reported marks errors whose details were already written to the output.
	reported bool
}

func (e *exitError) Error() string {
	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

func exitCode(err error) int {
	if err == nil {
		return exitSuccess
	}
	var exitErr *exitError
	if errors.As(err, &exitErr) {
		return exitErr.code
	}
	return exitFailure
}

// NewRootCommand creates the pvserver command tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "pvserver",
		Short: "Serve a process variable database",
		Long: `pvserver loads a PV database (YAML, CUE or JSON), keeps the live values,
alarm states and scan schedule of every PV and exposes them through the
status API.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			for _, f := range validFormats {
				if f == opts.Format {
					return nil
				}
			}
			return &exitError{code: exitFailure, err: fmt.Errorf("invalid format %q: must be one of %v", opts.Format, validFormats)}
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.Config, "config", "c", "pvdb.yaml", "PV database file or directory")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (text|json|yaml)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewCheckCommand(opts))
	cmd.AddCommand(NewDescribeCommand(opts))
	cmd.AddCommand(NewSchemaCommand(opts))

	return cmd
}
