// Package alarm computes alarm severity and status for process variables.
//
// Evaluation is a pure function of the value and the configured thresholds so
// it can be called from any goroutine without synchronization.
package alarm
