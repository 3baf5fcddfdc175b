package tunnel

import (
	"errors"
	"fmt"
)

// Kind enumerates the error taxonomy of spec.md §7. It classifies *why* a
// lifecycle operation failed, not its Go type, so callers can switch on it
// without type assertions.
type Kind string

const (
	AuthMissingCert   Kind = "AUTH_MISSING_CERT"
	AuthBadToken      Kind = "AUTH_BAD_TOKEN"
	AgentNotAvailable Kind = "AGENT_NOT_AVAILABLE"
	AgentTimeout      Kind = "AGENT_TIMEOUT"
	AgentUnexpectedExit Kind = "AGENT_UNEXPECTED_EXIT"
	DNSConflict       Kind = "DNS_CONFLICT"
	DNSZoneNotFound   Kind = "DNS_ZONE_NOT_FOUND"
	DNSPropagationFailed Kind = "DNS_PROPAGATION_FAILED"
	LocalPortUnreachable Kind = "LOCAL_PORT_UNREACHABLE"
	RecoveryExhausted Kind = "RECOVERY_EXHAUSTED"
)

// LifecycleError is the core's single error type: a taxonomy Kind plus the
// wrapped cause. The agent, DNS client, reconciler and verifier wrap their
// failures into a LifecycleError at the call that failed (the config
// materializer returns plain errors), and the Coordinator passes component
// errors through unchanged, rather than introducing per-component error
// types.
type LifecycleError struct {
	Kind Kind
	Op   string // the state-machine transition or component call that failed
	Err  error
}

func (e *LifecycleError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *LifecycleError) Unwrap() error {
	return e.Err
}

func newLifecycleError(kind Kind, op string, err error) *LifecycleError {
	return &LifecycleError{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the Kind from err if it (or something it wraps) is a
// *LifecycleError, and the zero Kind otherwise.
func KindOf(err error) Kind {
	var le *LifecycleError
	if errors.As(err, &le) {
		return le.Kind
	}
	return ""
}
