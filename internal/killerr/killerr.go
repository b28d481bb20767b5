// Package killerr defines the sentinel error values shared by the Process
// Source, Kill Governor, and Scan Orchestrator. Components return these
// values (wrapped with errors.Is-compatible context) instead of panicking or
// using exceptions for control flow.
package killerr

import "errors"

var (
	// AccessDenied means the calling process lacks the privilege required to
	// terminate (or otherwise act on) the target.
	AccessDenied = errors.New("access denied")

	// NotFound means the target process no longer exists — it raced with a
	// natural exit. Callers should treat this as a silent no-op, not a
	// failure.
	NotFound = errors.New("process not found")

	// NotImplemented means the requested operation has no implementation on
	// the current platform (e.g. graceful termination on Windows). Callers
	// fall through to the next escalation tier.
	NotImplemented = errors.New("not implemented on this platform")

	// InCooldown means a kill attempt was requested for a PID still inside
	// its cooldown window.
	InCooldown = errors.New("target is in cooldown")

	// RetriesExhausted means the per-PID retry budget has been spent.
	RetriesExhausted = errors.New("retry budget exhausted")

	// ConfigInvalid means a policy or configuration document failed
	// validation. It is fatal for `validate` and non-fatal (keep
	// last-known-good) for `daemon`.
	ConfigInvalid = errors.New("configuration invalid")
)

// SystemError wraps an unexpected OS-level failure (a syscall error that
// isn't one of the taxonomy above). It carries the underlying cause so
// callers can log it while still matching on the SystemError type via
// errors.As.
type SystemError struct {
	Detail string
	Cause  error
}

func (e *SystemError) Error() string {
	if e.Cause != nil {
		return "system error: " + e.Detail + ": " + e.Cause.Error()
	}
	return "system error: " + e.Detail
}

func (e *SystemError) Unwrap() error { return e.Cause }

// NewSystemError wraps cause in a *SystemError with the given detail string.
func NewSystemError(detail string, cause error) error {
	return &SystemError{Detail: detail, Cause: cause}
}

// IoError wraps a failure writing to the audit log's file sink (the
// rotating log file or its HMAC sidecar). Append still succeeds into the
// in-memory ring buffer; this error is informational for the caller to
// decide whether to escalate.
type IoError struct {
	Cause error
}

func (e *IoError) Error() string { return "audit io error: " + e.Cause.Error() }
func (e *IoError) Unwrap() error { return e.Cause }

// NewIoError wraps cause in a *IoError.
func NewIoError(cause error) error {
	return &IoError{Cause: cause}
}
