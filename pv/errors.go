package pv

import (
	"errors"
	"fmt"
)

// Sentinel errors matched by errors.Is against the typed errors below.
var (
	ErrConfiguration = errors.New("configuration error")
	ErrUnknownPV     = errors.New("unknown process variable")
	ErrTypeMismatch  = errors.New("type mismatch")
	ErrProtocol      = errors.New("protocol error")
	ErrHandler       = errors.New("handler error")
)

// ConfigurationError reports an invalid registration.
type ConfigurationError struct {
	PV     string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.PV == "" {
		return fmt.Sprintf("configuration error: %s", e.Reason)
	}
	return fmt.Sprintf("configuration error: pv %s: %s", e.PV, e.Reason)
}

func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

// UnknownPVError reports an operation on a name that is not registered.
type UnknownPVError struct {
	Name string
}

func (e *UnknownPVError) Error() string {
	return fmt.Sprintf("unknown pv %q", e.Name)
}

func (e *UnknownPVError) Is(target error) bool { return target == ErrUnknownPV }

// TypeMismatchError reports a value whose type or shape disagrees with the
// declared type and element count.
type TypeMismatchError struct {
	PV     string
	Type   Type
	Count  int
	Reason string
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("type mismatch: pv %s (%s[%d]): %s", e.PV, e.Type, e.Count, e.Reason)
}

func (e *TypeMismatchError) Is(target error) bool { return target == ErrTypeMismatch }

// ProtocolError reports a misuse of the asynchronous completion protocol,
// such as completing an unknown, finished or cancelled token.
type ProtocolError struct {
	Token  string
	PV     string
	Reason string
}

func (e *ProtocolError) Error() string {
	switch {
	case e.Token != "" && e.PV != "":
		return fmt.Sprintf("protocol error: token %s (pv %s): %s", e.Token, e.PV, e.Reason)
	case e.Token != "":
		return fmt.Sprintf("protocol error: token %s: %s", e.Token, e.Reason)
	case e.PV != "":
		return fmt.Sprintf("protocol error: pv %s: %s", e.PV, e.Reason)
	default:
		return fmt.Sprintf("protocol error: %s", e.Reason)
	}
}

func (e *ProtocolError) Is(target error) bool { return target == ErrProtocol }

// HandlerError wraps a failure raised by an application read or write handler.
type HandlerError struct {
	PV  string
	Op  string
	Err error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("%s handler for pv %s failed: %v", e.Op, e.PV, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

func (e *HandlerError) Is(target error) bool { return target == ErrHandler }
