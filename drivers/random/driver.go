// Package random simulates PV values. It serves databases without hardware
// behind them: every read produces a fresh value within the PV's display
// limits, or its alarm limits when no display range is configured.
package random

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/timzifer/pvcore/pv"
)

const (
	defaultFloatMin           = 0.0
	defaultFloatMax           = 1.0
	defaultIntMin       int64 = 0
	defaultIntMax       int64 = 100
	defaultStringLength       = 12
	defaultAlphabet           = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// Describer resolves PV metadata. driver.Registry satisfies it.
type Describer interface {
	Describe(name string) (pv.Info, error)
}

// Settings tunes value generation.
type Settings struct {
	// Source selects the generator: "pseudo" (default) or "secure".
	Source string
	// Seed makes pseudo sequences reproducible.
	Seed         *int64
	StringLength int
	Alphabet     string
}

// Driver is a driver.Reader producing random values.
type Driver struct {
	describe Describer
	gen      *generator
	length   int
	alphabet []rune
}

// New creates a driver reading metadata from describe.
func New(describe Describer, settings Settings) (*Driver, error) {
	if describe == nil {
		return nil, fmt.Errorf("random driver requires a describer")
	}
	gen, err := newGenerator(settings.Source, settings.Seed)
	if err != nil {
		return nil, err
	}
	length := settings.StringLength
	if length < 0 {
		return nil, fmt.Errorf("string length must not be negative, got %d", length)
	}
	if length == 0 {
		length = defaultStringLength
	}
	alphabet := []rune(defaultAlphabet)
	if strings.TrimSpace(settings.Alphabet) != "" {
		alphabet = []rune(settings.Alphabet)
	}
	return &Driver{describe: describe, gen: gen, length: length, alphabet: alphabet}, nil
}

// Read returns a new value matching the type and count of the PV.
func (d *Driver) Read(ctx context.Context, name string) (interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	info, err := d.describe.Describe(name)
	if err != nil {
		return nil, err
	}
	if info.Type == pv.TypeChar && !info.Scalar() {
		return d.gen.text(info.Count, d.alphabet)
	}
	if info.Scalar() {
		return d.element(info)
	}
	out := make([]interface{}, info.Count)
	for i := range out {
		if out[i], err = d.element(info); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (d *Driver) element(info pv.Info) (interface{}, error) {
	switch info.Type {
	case pv.TypeString:
		return d.gen.text(d.length, d.alphabet)
	case pv.TypeChar:
		return d.gen.integer(0, math.MaxUint8)
	case pv.TypeEnum:
		if len(info.Enums) == 0 {
			return int64(0), nil
		}
		return d.gen.integer(0, int64(len(info.Enums)-1))
	case pv.TypeInt:
		lo, hi, ok := bounds(info)
		if !ok {
			return d.gen.integer(defaultIntMin, defaultIntMax)
		}
		min, max := int64(math.Ceil(lo)), int64(math.Floor(hi))
		if max < min {
			max = min
		}
		return d.gen.integer(min, max)
	default:
		lo, hi, ok := bounds(info)
		if !ok {
			lo, hi = defaultFloatMin, defaultFloatMax
		}
		return d.gen.float(lo, hi)
	}
}

// bounds picks the display range, falling back to the outermost alarm limits.
func bounds(info pv.Info) (float64, float64, bool) {
	if info.DisplayHigh > info.DisplayLow {
		return info.DisplayLow, info.DisplayHigh, true
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, limit := range []*float64{info.Limits.LowAlarm, info.Limits.LowWarning, info.Limits.HighWarning, info.Limits.HighAlarm} {
		if limit == nil {
			continue
		}
		lo = math.Min(lo, *limit)
		hi = math.Max(hi, *limit)
	}
	if hi <= lo {
		return 0, 0, false
	}
	return lo, hi, true
}
