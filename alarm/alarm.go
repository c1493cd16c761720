package alarm

import (
	"fmt"
	"strings"
)

// Severity ranks the seriousness of an alarm condition.
type Severity uint8

const (
	// SeverityNone means the value is within all configured limits.
	SeverityNone Severity = iota
	// SeverityMinor flags a warning condition.
	SeverityMinor
	// SeverityMajor flags an alarm condition.
	SeverityMajor
	// SeverityInvalid means the value cannot be trusted.
	SeverityInvalid
)

var severityNames = [...]string{"NO_ALARM", "MINOR", "MAJOR", "INVALID"}

func (s Severity) String() string {
	if int(s) < len(severityNames) {
		return severityNames[s]
	}
	return fmt.Sprintf("Severity(%d)", uint8(s))
}

// Valid reports whether s is one of the known severities.
func (s Severity) Valid() bool {
	return s <= SeverityInvalid
}

// ParseSeverity accepts the EPICS names plus NONE as an alias for NO_ALARM.
func ParseSeverity(raw string) (Severity, error) {
	name := strings.ToUpper(strings.TrimSpace(raw))
	switch name {
	case "", "NONE", "NO_ALARM":
		return SeverityNone, nil
	}
	for i, candidate := range severityNames {
		if candidate == name {
			return Severity(i), nil
		}
	}
	return SeverityNone, fmt.Errorf("unknown alarm severity %q", raw)
}

// Status names the condition class that produced the current severity.
type Status uint8

// Status codes follow the EPICS alarm status menu.
const (
	StatusNone Status = iota
	StatusRead
	StatusWrite
	StatusHiHi
	StatusHigh
	StatusLoLo
	StatusLow
	StatusState
	StatusCOS
	StatusComm
	StatusTimeout
	StatusHWLimit
	StatusCalc
	StatusScan
	StatusLink
	StatusSoft
	StatusBadSub
	StatusUDF
	StatusDisable
	StatusSimm
	StatusReadAccess
	StatusWriteAccess
)

var statusNames = [...]string{
	"NO_ALARM", "READ", "WRITE", "HIHI", "HIGH", "LOLO", "LOW", "STATE", "COS",
	"COMM", "TIMEOUT", "HWLIMIT", "CALC", "SCAN", "LINK", "SOFT", "BAD_SUB",
	"UDF", "DISABLE", "SIMM", "READ_ACCESS", "WRITE_ACCESS",
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("Status(%d)", uint8(s))
}

// Valid reports whether s is one of the known status codes.
func (s Status) Valid() bool {
	return int(s) < len(statusNames)
}

// ParseStatus resolves an EPICS alarm status name.
func ParseStatus(raw string) (Status, error) {
	name := strings.ToUpper(strings.TrimSpace(raw))
	if name == "" || name == "NONE" {
		return StatusNone, nil
	}
	for i, candidate := range statusNames {
		if candidate == name {
			return Status(i), nil
		}
	}
	return StatusNone, fmt.Errorf("unknown alarm status %q", raw)
}

// State pairs a severity with the status that caused it.
type State struct {
	Severity Severity
	Status   Status
}

// NoAlarm is the state of a value within all limits.
var NoAlarm = State{Severity: SeverityNone, Status: StatusNone}

// Undefined is the state of a record that never received a value.
var Undefined = State{Severity: SeverityInvalid, Status: StatusUDF}

func (s State) String() string {
	return s.Severity.String() + "/" + s.Status.String()
}
