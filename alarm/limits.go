package alarm

import (
	"fmt"
	"math"
)

// Limits holds the optional alarm thresholds of a numeric PV. A nil pointer
// disables the corresponding check.
type Limits struct {
	LowAlarm    *float64 `json:"lolo,omitempty"`
	LowWarning  *float64 `json:"low,omitempty"`
	HighWarning *float64 `json:"high,omitempty"`
	HighAlarm   *float64 `json:"hihi,omitempty"`
}

// Empty reports whether no threshold is configured.
func (l Limits) Empty() bool {
	return l.LowAlarm == nil && l.LowWarning == nil && l.HighWarning == nil && l.HighAlarm == nil
}

// Clone returns a deep copy so callers cannot mutate registered limits.
func (l Limits) Clone() Limits {
	return Limits{
		LowAlarm:    cloneFloat(l.LowAlarm),
		LowWarning:  cloneFloat(l.LowWarning),
		HighWarning: cloneFloat(l.HighWarning),
		HighAlarm:   cloneFloat(l.HighAlarm),
	}
}

// Validate checks that every configured threshold is finite and that the
// configured thresholds are ordered lolo <= low <= high <= hihi.
func (l Limits) Validate() error {
	ordered := []struct {
		name  string
		value *float64
	}{
		{"lolo", l.LowAlarm},
		{"low", l.LowWarning},
		{"high", l.HighWarning},
		{"hihi", l.HighAlarm},
	}
	prevName := ""
	var prev *float64
	for _, entry := range ordered {
		if entry.value == nil {
			continue
		}
		v := *entry.value
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("limit %s must be finite", entry.name)
		}
		if prev != nil && v < *prev {
			return fmt.Errorf("limit %s (%g) below %s (%g)", entry.name, v, prevName, *prev)
		}
		prev = entry.value
		prevName = entry.name
	}
	return nil
}

// Evaluate maps a numeric value onto a severity and status. Alarm limits take
// precedence over warning limits and high checks over low checks.
func Evaluate(value float64, limits Limits) State {
	switch {
	case limits.HighAlarm != nil && value > *limits.HighAlarm:
		return State{Severity: SeverityMajor, Status: StatusHiHi}
	case limits.HighWarning != nil && value > *limits.HighWarning:
		return State{Severity: SeverityMinor, Status: StatusHigh}
	case limits.LowAlarm != nil && value < *limits.LowAlarm:
		return State{Severity: SeverityMajor, Status: StatusLoLo}
	case limits.LowWarning != nil && value < *limits.LowWarning:
		return State{Severity: SeverityMinor, Status: StatusLow}
	default:
		return NoAlarm
	}
}

// EvaluateState maps an enum index onto the severity configured for it.
// Indices without a configured severity never alarm.
func EvaluateState(index int, states []Severity) State {
	if index < 0 || index >= len(states) {
		return NoAlarm
	}
	severity := states[index]
	if severity == SeverityNone {
		return NoAlarm
	}
	return State{Severity: severity, Status: StatusState}
}

// Float returns a pointer to v, convenient for building Limits literals.
func Float(v float64) *float64 {
	return &v
}

func cloneFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}
