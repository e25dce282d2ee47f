package orchestrator

import (
	"errors"
	"fmt"
)

// Timeout granularities. A command timeout surfaces through the
// channel; attempt and run timeouts are raised here.
type TimeoutScope string

const (
	ScopeCommand TimeoutScope = "command"
	ScopeAttempt TimeoutScope = "attempt"
	ScopeRun     TimeoutScope = "run"
)

// ConnectivityError means the target host is unreachable or rejected
// our credentials. Terminal; Remediation tells the operator what to do.
type ConnectivityError struct {
	Host        string
	Reason      string
	Remediation string
	Err         error
}

func (e *ConnectivityError) Error() string {
	msg := fmt.Sprintf("cannot reach %s: %s", e.Host, e.Reason)
	if e.Remediation != "" {
		msg += " (remediation: " + e.Remediation + ")"
	}
	return msg
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// ValidationError means the detected host does not match the requested
// capacity profile. Terminal, raised before any provisioning runs.
type ValidationError struct {
	Field    string
	Expected string
	Detected string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s mismatch: requested %q, detected %q", e.Field, e.Expected, e.Detected)
}

// ProvisioningError means the environment or package install failed.
// Terminal; LogTail carries the install log excerpt for diagnostics.
type ProvisioningError struct {
	Step    string
	Reason  string
	LogTail string
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("provisioning failed at %s: %s", e.Step, e.Reason)
}

// AuthenticationError means the artifact-repository token was rejected.
type AuthenticationError struct {
	Repository string
	Reason     string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("%s authentication failed: %s", e.Repository, e.Reason)
}

// ResourceExhaustionError means the server ran out of GPU memory during
// load or compile. Recoverable: the negotiator retries with reduced
// utilization.
type ResourceExhaustionError struct {
	Attempt int
	GPUUtil float64
	Detail  string
}

func (e *ResourceExhaustionError) Error() string {
	return fmt.Sprintf("GPU memory exhausted on attempt %d (util %.2f): %s", e.Attempt, e.GPUUtil, e.Detail)
}

// CrashError means the server process exited for an unclassified
// reason. Recoverable up to the attempt limit.
type CrashError struct {
	Attempt int
	Detail  string
	Context []string
}

func (e *CrashError) Error() string {
	return fmt.Sprintf("server crashed on attempt %d: %s", e.Attempt, e.Detail)
}

// DeadlineError is an attempt- or run-scope timeout. Attempt-scope is
// recoverable, run-scope terminal.
type DeadlineError struct {
	Scope  TimeoutScope
	Detail string
}

func (e *DeadlineError) Error() string {
	return fmt.Sprintf("%s timed out: %s", e.Scope, e.Detail)
}

// recoverable reports whether the negotiator may retry after err.
func recoverable(err error) bool {
	var exhausted *ResourceExhaustionError
	var crashed *CrashError
	var deadline *DeadlineError
	switch {
	case errors.As(err, &exhausted), errors.As(err, &crashed):
		return true
	case errors.As(err, &deadline):
		return deadline.Scope == ScopeAttempt
	}
	return false
}
