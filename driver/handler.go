package driver

import (
	"context"

	"github.com/timzifer/pvcore/pv"
)

// ClientID identifies a protocol-engine client connection.
type ClientID string

// Reader produces fresh values when a client or the scan scheduler reads a PV.
type Reader interface {
	Read(ctx context.Context, name string) (interface{}, error)
}

// Writer decides how a client write is handled.
type Writer interface {
	Write(ctx context.Context, req *WriteRequest) (WriteResult, error)
}

// ReadFunc adapts a function to Reader.
type ReadFunc func(ctx context.Context, name string) (interface{}, error)

// Read calls f.
func (f ReadFunc) Read(ctx context.Context, name string) (interface{}, error) {
	return f(ctx, name)
}

// WriteFunc adapts a function to Writer.
type WriteFunc func(ctx context.Context, req *WriteRequest) (WriteResult, error)

// Write calls f.
func (f WriteFunc) Write(ctx context.Context, req *WriteRequest) (WriteResult, error) {
	return f(ctx, req)
}

// Handler bundles optional read and write callbacks. Nil fields are skipped.
type Handler struct {
	OnRead  ReadFunc
	OnWrite WriteFunc
}

// WriteRequest is passed to Writer.Write. Value has already been converted to
// the PV's canonical representation.
type WriteRequest struct {
	PV      string
	Value   interface{}
	Client  ClientID
	Current pv.Snapshot

	completions *Completions
	done        func(Completion)
	token       Token
}

// Defer registers the write with the completion manager and returns the token
// the handler must later pass to Completions.Complete, Fail or Cancel. Repeated
// calls return the same token.
func (w *WriteRequest) Defer() Token {
	if w.token == "" {
		w.token = w.completions.begin(w.PV, w.Client, w.done, false)
	}
	return w.token
}

// WriteResult is the decision of a Writer.
type WriteResult struct {
	outcome  Outcome
	value    interface{}
	hasValue bool
	reason   string
	token    Token
}

// Accept commits the requested value.
func Accept() WriteResult {
	return WriteResult{outcome: OutcomeCompleted}
}

// AcceptValue commits value instead of the requested one, e.g. a clamped
// setpoint.
func AcceptValue(value interface{}) WriteResult {
	return WriteResult{outcome: OutcomeCompleted, value: value, hasValue: true}
}

// Reject refuses the write without touching the PV.
func Reject(reason string) WriteResult {
	return WriteResult{outcome: OutcomeRejected, reason: reason}
}

// Pending reports that the write finishes later through the token obtained
// from WriteRequest.Defer.
func Pending(token Token) WriteResult {
	return WriteResult{outcome: OutcomePending, token: token}
}

// Outcome classifies a write.
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeRejected
	OutcomePending
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeRejected:
		return "rejected"
	case OutcomePending:
		return "pending"
	default:
		return "unknown"
	}
}

// WriteOutcome is returned to the protocol engine for a client write.
type WriteOutcome struct {
	Outcome Outcome
	// Reason is set for rejected writes.
	Reason string
	// Token is set for pending writes.
	Token Token
	// Snapshot holds the committed state of a completed write.
	Snapshot pv.Snapshot
}

// Request carries the engine-side context of a client operation.
type Request struct {
	Client ClientID
	// Done is called once when a pending write completes or fails. It is not
	// called for cancelled tokens, including those dropped by Deregister. A
	// token completed before its write handler returned a non-pending result
	// is reported with a ProtocolError.
	Done func(Completion)
}

// Completion reports the end of a pending write to the engine.
type Completion struct {
	Token    Token
	PV       string
	Client   ClientID
	Snapshot pv.Snapshot
	Err      error
}
