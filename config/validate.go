package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/timzifer/pvcore/calc"
	"github.com/timzifer/pvcore/pv"
)

// Validate checks the semantic rules the schema cannot express: unique PV
// names, well formed metadata and initial values, compilable calc
// expressions with known inputs and an acyclic calc graph. All problems are
// reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	seen := make(map[string]ModuleReference, len(cfg.PVs))
	for _, p := range cfg.PVs {
		name := strings.TrimSpace(p.Name)
		if prev, dup := seen[name]; dup {
			errs = append(errs, fmt.Errorf("pv %s: declared in %s and %s", name, describeSource(prev), describeSource(p.Source)))
			continue
		}
		seen[name] = p.Source
		if err := validatePV(p); err != nil {
			errs = append(errs, fmt.Errorf("pv %s (%s): %w", name, describeSource(p.Source), err))
		}
	}

	deps := make(map[string][]string)
	for _, p := range cfg.PVs {
		if strings.TrimSpace(p.Calc) == "" {
			continue
		}
		expr, err := calc.Compile(p.Calc)
		if err != nil {
			errs = append(errs, fmt.Errorf("pv %s: %w", p.Name, err))
			continue
		}
		for _, input := range expr.Inputs() {
			if _, ok := seen[input]; !ok {
				errs = append(errs, fmt.Errorf("pv %s: calc input %s is not declared", p.Name, input))
			}
		}
		deps[p.Name] = expr.Inputs()
	}
	if err := calc.CheckCycles(deps); err != nil {
		errs = append(errs, err)
	}

	if cfg.Journal.Enabled && strings.TrimSpace(cfg.Journal.Path) == "" {
		errs = append(errs, errors.New("journal: path is required when enabled"))
	}
	if cfg.Logging.Loki.Enabled && strings.TrimSpace(cfg.Logging.Loki.URL) == "" {
		errs = append(errs, errors.New("logging.loki: url is required when enabled"))
	}
	if cfg.Scan.Workers < 0 {
		errs = append(errs, fmt.Errorf("scan: workers must not be negative, got %d", cfg.Scan.Workers))
	}
	return errors.Join(errs...)
}

func validatePV(p PVConfig) error {
	if p.Scan.Duration < 0 {
		return fmt.Errorf("scan period must not be negative, got %s", p.Scan.Duration)
	}
	if p.Value != nil && p.Calc != "" {
		return errors.New("calc pvs cannot declare an initial value")
	}
	info, err := p.Info()
	if err != nil {
		return err
	}
	record, err := pv.NewRecord(info)
	if err != nil {
		return err
	}
	if p.Value != nil {
		if _, err := record.Convert(p.Value); err != nil {
			return fmt.Errorf("initial value: %w", err)
		}
	}
	return nil
}

func describeSource(ref ModuleReference) string {
	switch {
	case ref.File != "" && ref.Name != "":
		return fmt.Sprintf("%s (%s)", ref.File, ref.Name)
	case ref.File != "":
		return ref.File
	case ref.Name != "":
		return ref.Name
	default:
		return "<inline>"
	}
}

// CalcDependencies maps every calc PV to the PVs its expression reads.
func CalcDependencies(cfg *Config) map[string][]string {
	deps := make(map[string][]string)
	if cfg == nil {
		return deps
	}
	for _, p := range cfg.PVs {
		if p.Calc == "" {
			continue
		}
		if expr, err := calc.Compile(p.Calc); err == nil {
			deps[p.Name] = expr.Inputs()
		}
	}
	return deps
}

// Names returns the declared PV names, sorted.
func Names(cfg *Config) []string {
	if cfg == nil {
		return nil
	}
	names := make([]string, 0, len(cfg.PVs))
	for _, p := range cfg.PVs {
		names = append(names, p.Name)
	}
	sort.Strings(names)
	return names
}
