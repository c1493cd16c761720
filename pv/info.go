package pv

import (
	"fmt"
	"math"
	"strings"

	"github.com/timzifer/pvcore/alarm"
)

// Type describes the element type stored in a PV.
type Type string

const (
	// TypeInt stores signed integers.
	TypeInt Type = "int"
	// TypeFloat stores double precision floating point numbers.
	TypeFloat Type = "float"
	// TypeString stores UTF-8 strings.
	TypeString Type = "string"
	// TypeEnum stores an index into the PV's enum labels.
	TypeEnum Type = "enum"
	// TypeChar stores single bytes; char arrays usually carry text.
	TypeChar Type = "char"
)

// ParseType resolves a type name. An empty name selects float, matching the
// default of PV databases.
func ParseType(raw string) (Type, error) {
	switch Type(strings.ToLower(strings.TrimSpace(raw))) {
	case "", TypeFloat, "double":
		return TypeFloat, nil
	case TypeInt, "long", "integer":
		return TypeInt, nil
	case TypeString:
		return TypeString, nil
	case TypeEnum:
		return TypeEnum, nil
	case TypeChar, "byte":
		return TypeChar, nil
	default:
		return "", fmt.Errorf("unsupported pv type %q", raw)
	}
}

// Numeric reports whether values of the type take part in limit alarms.
func (t Type) Numeric() bool {
	return t == TypeInt || t == TypeFloat
}

// Info is the immutable metadata of a PV as exchanged with clients on connect.
type Info struct {
	Name        string
	Type        Type
	Count       int
	Limits      alarm.Limits
	Units       string
	Precision   int
	DisplayLow  float64
	DisplayHigh float64
	Enums       []string
	States      []alarm.Severity
	// Deadband suppresses notifications for numeric scalars whose value moved
	// by no more than this amount. Negative values notify on every commit.
	Deadband float64
}

// Scalar reports whether the PV holds a single element.
func (i Info) Scalar() bool {
	return i.Count <= 1
}

// Clone returns a deep copy of the metadata.
func (i Info) Clone() Info {
	out := i
	out.Limits = i.Limits.Clone()
	if i.Enums != nil {
		out.Enums = append([]string(nil), i.Enums...)
	}
	if i.States != nil {
		out.States = append([]alarm.Severity(nil), i.States...)
	}
	return out
}

// normalize fills defaults and validates the metadata.
func (i Info) normalize() (Info, error) {
	out := i.Clone()
	out.Name = strings.TrimSpace(out.Name)
	if out.Name == "" {
		return Info{}, &ConfigurationError{Reason: "pv name must not be empty"}
	}
	typ, err := ParseType(string(out.Type))
	if err != nil {
		return Info{}, &ConfigurationError{PV: out.Name, Reason: err.Error()}
	}
	out.Type = typ
	if out.Count == 0 {
		out.Count = 1
	}
	if out.Count < 0 {
		return Info{}, &ConfigurationError{PV: out.Name, Reason: fmt.Sprintf("count must be positive, got %d", out.Count)}
	}
	if out.Precision < 0 {
		return Info{}, &ConfigurationError{PV: out.Name, Reason: "precision must not be negative"}
	}
	if math.IsNaN(out.Deadband) || math.IsInf(out.Deadband, 0) {
		return Info{}, &ConfigurationError{PV: out.Name, Reason: "deadband must be finite"}
	}
	if err := out.Limits.Validate(); err != nil {
		return Info{}, &ConfigurationError{PV: out.Name, Reason: err.Error()}
	}
	if !out.Limits.Empty() && !out.Type.Numeric() {
		return Info{}, &ConfigurationError{PV: out.Name, Reason: fmt.Sprintf("alarm limits require a numeric type, got %s", out.Type)}
	}
	if out.Type != TypeEnum && (len(out.Enums) > 0 || len(out.States) > 0) {
		return Info{}, &ConfigurationError{PV: out.Name, Reason: "enums and states are only valid for enum pvs"}
	}
	if out.Type == TypeEnum {
		if len(out.Enums) > math.MaxUint16 {
			return Info{}, &ConfigurationError{PV: out.Name, Reason: "too many enum labels"}
		}
		if len(out.States) > 0 && len(out.Enums) > 0 && len(out.States) > len(out.Enums) {
			return Info{}, &ConfigurationError{PV: out.Name, Reason: fmt.Sprintf("%d states for %d enum labels", len(out.States), len(out.Enums))}
		}
		for idx, sev := range out.States {
			if !sev.Valid() {
				return Info{}, &ConfigurationError{PV: out.Name, Reason: fmt.Sprintf("state %d has invalid severity %d", idx, sev)}
			}
		}
	}
	return out, nil
}
