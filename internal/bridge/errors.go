package bridge

import "fmt"

// ResolutionError means the call context could not be resolved. No
// upstream session exists when this is raised.
type ResolutionError struct {
	ContextID string
	Err       error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("context resolution failed for %q: %v", e.ContextID, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// EstablishmentError means the upstream session could not be opened or
// configured within the establish timeout.
type EstablishmentError struct {
	Err error
}

func (e *EstablishmentError) Error() string {
	return fmt.Sprintf("upstream session establishment failed: %v", e.Err)
}

func (e *EstablishmentError) Unwrap() error { return e.Err }

// TransportError is an unrecoverable mid-call failure on either leg. It
// is fatal to the call, never retried within the call.
type TransportError struct {
	Leg string // "inbound" or "upstream"
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failure on %s leg: %v", e.Leg, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// TeardownError is a failure while releasing a leg. It is logged, never
// propagated; the resources are still treated as released.
type TeardownError struct {
	Leg string
	Err error
}

func (e *TeardownError) Error() string {
	return fmt.Sprintf("teardown failure on %s leg: %v", e.Leg, e.Err)
}

func (e *TeardownError) Unwrap() error { return e.Err }
