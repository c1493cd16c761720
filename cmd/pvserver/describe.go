package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/timzifer/pvcore/config"
	"github.com/timzifer/pvcore/pv"
)

// NewDescribeCommand creates the describe command.
func NewDescribeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "describe [pv...]",
		Short: "Print the declared PVs",
		Long: `Print the PVs declared by the database. Without arguments every PV is
listed; otherwise only the named ones. With --format yaml or json the
normalized declarations are emitted.`,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(rootOpts.Config)
			if err != nil {
				return &exitError{code: exitInvalid, err: fmt.Errorf("load configuration: %w", err)}
			}
			pvs, err := selectPVs(cfg, args)
			if err != nil {
				return &exitError{code: exitFailure, err: err}
			}
			return writeDescribe(cmd.OutOrStdout(), rootOpts.Format, pvs)
		},
	}
}

func selectPVs(cfg *config.Config, names []string) ([]config.PVConfig, error) {
	if len(names) == 0 {
		out := make([]config.PVConfig, 0, len(cfg.PVs))
		for _, name := range config.Names(cfg) {
			p, _ := cfg.PV(name)
			out = append(out, p)
		}
		return out, nil
	}
	out := make([]config.PVConfig, 0, len(names))
	for _, name := range names {
		p, ok := cfg.PV(name)
		if !ok {
			return nil, &pv.UnknownPVError{Name: name}
		}
		out = append(out, p)
	}
	return out, nil
}

func writeDescribe(w io.Writer, format string, pvs []config.PVConfig) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(pvs)
	case "yaml":
		return yaml.NewEncoder(w).Encode(map[string]interface{}{"pvs": pvs})
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tTYPE\tCOUNT\tSCAN\tUNITS\tALARMS\tSOURCE")
	for _, p := range pvs {
		info, err := p.Info()
		if err != nil {
			return fmt.Errorf("pv %s: %w", p.Name, err)
		}
		count := info.Count
		if count < 1 {
			count = 1
		}
		scan := "-"
		if p.Scan.Duration > 0 {
			scan = p.Scan.Duration.String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
			p.Name, info.Type, count, scan, dash(p.Unit), dash(alarmSummary(p)), dash(valueSource(p)))
	}
	return tw.Flush()
}

func alarmSummary(p config.PVConfig) string {
	var parts []string
	add := func(label string, v *float64) {
		if v != nil {
			parts = append(parts, label+"="+strconv.FormatFloat(*v, 'g', -1, 64))
		}
	}
	add("lolo", p.LoLo)
	add("low", p.Low)
	add("high", p.High)
	add("hihi", p.HiHi)
	if len(p.States) > 0 {
		parts = append(parts, "states="+strings.Join(p.States, "/"))
	}
	return strings.Join(parts, " ")
}

func valueSource(p config.PVConfig) string {
	switch {
	case p.Calc != "":
		return "calc: " + strings.Join(strings.Fields(p.Calc), " ")
	case p.Value != nil:
		return fmt.Sprintf("value: %v", p.Value)
	default:
		return ""
	}
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
