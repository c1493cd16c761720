package pv

import (
	"sync"
	"time"

	"github.com/timzifer/pvcore/alarm"
)

// Snapshot is a point-in-time copy of a record. It never aliases live state.
type Snapshot struct {
	Name      string
	Value     interface{}
	Severity  alarm.Severity
	Status    alarm.Status
	Timestamp time.Time
	// Seq increases by one with every committed update of the PV.
	Seq uint64
}

// Alarm returns the severity and status as a single state.
func (s Snapshot) Alarm() alarm.State {
	return alarm.State{Severity: s.Severity, Status: s.Status}
}

// Clone returns a copy whose array value does not share storage with s.
func (s Snapshot) Clone() Snapshot {
	s.Value = cloneValue(s.Value)
	return s
}

// Record holds the metadata and current value of a single PV.
//
// All mutations go through Apply and SetAlarm, which commit the value, alarm
// state and timestamp together. Record is safe for concurrent use; callers
// needing a read-modify-write sequence across a handler call serialize on a
// lock of their own.
type Record struct {
	info Info

	mu      sync.RWMutex
	value   interface{}
	defined bool
	state   alarm.State
	update  time.Time
	seq     uint64
	// monitored is the value last reported as changed; the deadband is
	// measured against it.
	monitored interface{}
}

// NewRecord validates the metadata and builds an undefined record.
func NewRecord(info Info) (*Record, error) {
	normalized, err := info.normalize()
	if err != nil {
		return nil, err
	}
	value := zeroValue(normalized)
	return &Record{
		info:      normalized,
		value:     value,
		state:     alarm.Undefined,
		monitored: value,
	}, nil
}

// Name returns the PV name.
func (r *Record) Name() string {
	return r.info.Name
}

// Info returns a copy of the PV metadata.
func (r *Record) Info() Info {
	return r.info.Clone()
}

// Convert coerces raw into the record's canonical value representation.
func (r *Record) Convert(raw interface{}) (interface{}, error) {
	value, err := convert(r.info, raw)
	if err != nil {
		return nil, &TypeMismatchError{PV: r.info.Name, Type: r.info.Type, Count: r.info.Count, Reason: err.Error()}
	}
	return value, nil
}

// Apply converts and commits a new value, recomputing the alarm state. It
// reports whether the alarm state changed or the value moved beyond the
// deadband from the last value reported as changed.
func (r *Record) Apply(raw interface{}, ts time.Time) (bool, error) {
	value, err := r.Convert(raw)
	if err != nil {
		return false, err
	}
	state := r.evaluate(value)

	r.mu.Lock()
	defer r.mu.Unlock()
	changed := !r.defined || state != r.state || r.valueChanged(value)
	if changed {
		r.monitored = value
	}
	r.value = value
	r.defined = true
	r.state = state
	r.commit(ts)
	return changed, nil
}

// SetAlarm overrides the alarm state until the next value is applied.
func (r *Record) SetAlarm(state alarm.State, ts time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if state == r.state {
		return false
	}
	r.state = state
	r.monitored = r.value
	r.commit(ts)
	return true
}

// Snapshot returns a consistent copy of the current state.
func (r *Record) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Snapshot{
		Name:      r.info.Name,
		Value:     cloneValue(r.value),
		Severity:  r.state.Severity,
		Status:    r.state.Status,
		Timestamp: r.update,
		Seq:       r.seq,
	}
}

// Defined reports whether the record ever received a value.
func (r *Record) Defined() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defined
}

// commit advances the timestamp monotonically; callers hold r.mu.
func (r *Record) commit(ts time.Time) {
	if ts.IsZero() {
		ts = time.Now()
	}
	if ts.Before(r.update) {
		ts = r.update
	}
	r.update = ts
	r.seq++
}

func (r *Record) valueChanged(next interface{}) bool {
	if r.info.Deadband < 0 {
		return true
	}
	if r.info.Deadband > 0 && r.info.Scalar() && r.info.Type.Numeric() {
		prev, okPrev := ToFloat(r.monitored)
		cur, okCur := ToFloat(next)
		if okPrev && okCur {
			return exceedsDeadband(prev, cur, r.info.Deadband)
		}
	}
	return !valuesEqual(r.monitored, next)
}

func (r *Record) evaluate(value interface{}) alarm.State {
	if !r.info.Scalar() {
		return alarm.NoAlarm
	}
	switch r.info.Type {
	case TypeInt, TypeFloat:
		f, ok := ToFloat(value)
		if !ok {
			return alarm.NoAlarm
		}
		return alarm.Evaluate(f, r.info.Limits)
	case TypeEnum:
		if idx, ok := value.(uint16); ok {
			return alarm.EvaluateState(int(idx), r.info.States)
		}
	}
	return alarm.NoAlarm
}
