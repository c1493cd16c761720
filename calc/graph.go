package calc

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/timzifer/pvcore/driver"
	"github.com/timzifer/pvcore/pv"
)

// Binder is the registry surface needed to recompute calc PVs when their
// inputs change.
type Binder interface {
	Subscribe(name string, client driver.ClientID, fn driver.NotifyFunc) (driver.SubscriptionID, error)
	Refresh(ctx context.Context, name string) error
}

// ClientID returns the subscriber identity used for the inputs of a calc PV.
func ClientID(name string) driver.ClientID {
	return driver.ClientID("calc:" + name)
}

// Bind subscribes the calc PV name to every input of e so that it is
// refreshed after each committed input update. Inputs must be registered and
// the dependency graph acyclic.
func Bind(ctx context.Context, b Binder, name string, e *Expression, logger zerolog.Logger) error {
	for _, input := range e.Inputs() {
		if input == name {
			return fmt.Errorf("calc %s: expression references itself", name)
		}
		_, err := b.Subscribe(input, ClientID(name), func(pv.Snapshot) {
			if err := b.Refresh(ctx, name); err != nil {
				logger.Warn().Err(err).Str("pv", name).Str("input", input).Msg("calc refresh failed")
			}
		})
		if err != nil {
			return fmt.Errorf("calc %s: input %s: %w", name, input, err)
		}
	}
	return nil
}

// CheckCycles reports the first dependency cycle in deps, which maps calc PV
// names to their inputs.
func CheckCycles(deps map[string][]string) error {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(deps))
	var stack []string

	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case done:
			return nil
		case visiting:
			start := 0
			for i, n := range stack {
				if n == name {
					start = i
					break
				}
			}
			cycle := append(append([]string(nil), stack[start:]...), name)
			return fmt.Errorf("calc dependency cycle: %s", strings.Join(cycle, " -> "))
		}
		state[name] = visiting
		stack = append(stack, name)
		for _, input := range deps[name] {
			if err := visit(input); err != nil {
				return err
			}
		}
		stack = stack[:len(stack)-1]
		state[name] = done
		return nil
	}

	names := make([]string, 0, len(deps))
	for name := range deps {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if state[name] == unvisited {
			if err := visit(name); err != nil {
				return err
			}
		}
	}
	return nil
}
