package routeragent

import (
	"fmt"
	"time"
)

// The error taxonomy below is deliberately explicit: transient I/O failures
// never cross a component boundary (they are absorbed into polling or
// fallback logic), while everything here propagates to the caller as a
// distinguishable, descriptive failure.

// ConfigurationError marks a fatal, non-retryable setup problem: a required
// capability is not bound or a required environment value is missing.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Reason
}

// PreconditionError marks a safety check that failed before any irreversible
// action: board mismatch, insufficient space, flashing utility absent. The
// operation aborts with no side effects applied.
type PreconditionError struct {
	Check  string
	Detail string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("precondition failed (%s): %s", e.Check, e.Detail)
}

// IntegrityError marks an upload whose remote copy does not match the local
// artifact. Field is "size" or "sha256" so truncation is distinguishable
// from content corruption.
type IntegrityError struct {
	Field    string
	Expected string
	Actual   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("remote %s mismatch: expected %s, got %s", e.Field, e.Expected, e.Actual)
}

// UtilityRejection means the device's own image-acceptance check refused the
// firmware. The utility's diagnostic output is attached verbatim.
type UtilityRejection struct {
	ExitCode int
	Output   string
}

func (e *UtilityRejection) Error() string {
	return fmt.Sprintf("sysupgrade rejected image (exit %d): %s", e.ExitCode, e.Output)
}

// TimeoutError is raised once a bounded wait lapses: the shell never became
// ready within the connection timeout, or a recovery boot never produced a
// shell within its ceiling.
type TimeoutError struct {
	Op       string
	Timeout  time.Duration
	Elapsed  time.Duration
	Attempts int
	LastErr  error
}

func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("%s: timed out after %s (%d attempts in %s)",
		e.Op, e.Timeout, e.Attempts, e.Elapsed.Round(time.Millisecond))
	if e.LastErr != nil {
		msg += ": last error: " + e.LastErr.Error()
	}
	return msg
}

func (e *TimeoutError) Unwrap() error { return e.LastErr }

// RecoveryExhaustedError is terminal: the bounded recovery counter was
// exceeded with the device still unreachable.
type RecoveryExhaustedError struct {
	Attempts int
	LastErr  error
}

func (e *RecoveryExhaustedError) Error() string {
	msg := fmt.Sprintf("device unreachable after %d recovery attempts", e.Attempts)
	if e.LastErr != nil {
		msg += ": last error: " + e.LastErr.Error()
	}
	return msg
}

func (e *RecoveryExhaustedError) Unwrap() error { return e.LastErr }
