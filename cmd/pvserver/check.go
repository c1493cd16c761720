package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/timzifer/pvcore/config"
)

// CheckResult is the machine-readable outcome of the check command.
type CheckResult struct {
	Valid   bool          `json:"valid" yaml:"valid"`
	Path    string        `json:"path" yaml:"path"`
	PVs     int           `json:"pvs" yaml:"pvs"`
	Scanned int           `json:"scanned" yaml:"scanned"`
	Calc    []CalcSummary `json:"calc,omitempty" yaml:"calc,omitempty"`
	Errors  []string      `json:"errors,omitempty" yaml:"errors,omitempty"`
}

// CalcSummary describes one calc PV and its inputs.
type CalcSummary struct {
	Name       string   `json:"name" yaml:"name"`
	Expression string   `json:"expression" yaml:"expression"`
	Inputs     []string `json:"inputs" yaml:"inputs"`
	Module     string   `json:"module,omitempty" yaml:"module,omitempty"`
}

// NewCheckCommand creates the check command.
func NewCheckCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check [path]",
		Short: "Validate a PV database without serving it",
		Long: `Load and validate a PV database: schema, value types, alarm limits,
calc expressions and their dependency graph. Exits with status 1 when the
database is invalid.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := rootOpts.Config
			if len(args) == 1 {
				path = args[0]
			}
			return runCheck(cmd.OutOrStdout(), rootOpts.Format, path)
		},
	}
}

func runCheck(w io.Writer, format, path string) error {
	result := CheckResult{Path: path}
	cfg, err := config.Load(path)
	if err != nil {
		result.Errors = errorLines(err)
	} else {
		result.Valid = true
		result.PVs = len(cfg.PVs)
		deps := config.CalcDependencies(cfg)
		for _, p := range cfg.PVs {
			if p.Scan.Duration > 0 {
				result.Scanned++
			}
			if p.Calc == "" {
				continue
			}
			result.Calc = append(result.Calc, CalcSummary{
				Name:       p.Name,
				Expression: strings.TrimSpace(p.Calc),
				Inputs:     deps[p.Name],
				Module:     describeModule(p.Source),
			})
		}
	}

	if err := writeCheck(w, format, result); err != nil {
		return &exitError{code: exitFailure, err: err}
	}
	if !result.Valid {
		return &exitError{code: exitInvalid, err: errors.New("configuration invalid"), reported: true}
	}
	return nil
}

func writeCheck(w io.Writer, format string, result CheckResult) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	case "yaml":
		return yaml.NewEncoder(w).Encode(result)
	}

	if !result.Valid {
		fmt.Fprintf(w, "Configuration %s is invalid:\n", result.Path)
		for _, msg := range result.Errors {
			fmt.Fprintf(w, "  - %s\n", msg)
		}
		return nil
	}
	fmt.Fprintf(w, "Configuration %s: %d pvs (%d calc, %d scanned)\n", result.Path, result.PVs, len(result.Calc), result.Scanned)
	for _, c := range result.Calc {
		fmt.Fprintf(w, "\nCalc %q\n", c.Name)
		if c.Module != "" {
			fmt.Fprintf(w, "  Module: %s\n", c.Module)
		}
		fmt.Fprintln(w, "  Expression:")
		for _, line := range strings.Split(c.Expression, "\n") {
			fmt.Fprintf(w, "    %s\n", strings.TrimRight(line, " \t"))
		}
		if len(c.Inputs) == 0 {
			fmt.Fprintln(w, "  Inputs: <none>")
		} else {
			fmt.Fprintf(w, "  Inputs: %s\n", strings.Join(c.Inputs, ", "))
		}
	}
	fmt.Fprintln(w, "\nConfiguration check completed successfully.")
	return nil
}

func errorLines(err error) []string {
	var lines []string
	for _, line := range strings.Split(err.Error(), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

func describeModule(ref config.ModuleReference) string {
	switch {
	case ref.Name != "" && ref.File != "":
		return fmt.Sprintf("%s (%s)", ref.Name, ref.File)
	case ref.Name != "":
		return ref.Name
	default:
		return ""
	}
}
