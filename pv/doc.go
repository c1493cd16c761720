// Package pv defines process-variable metadata, value conversion and the
// Record that owns a PV's live value together with its alarm state.
package pv
