// Package ferrors defines the error taxonomy returned by the Orchestrator
// and Policy Compilers. Each variant is a distinct type so callers can
// switch on it with errors.As, matching the pattern the sandbox package
// already uses for CommandBlockedError.
package ferrors

import "fmt"

// InvalidConfig reports a structurally invalid configuration. Fatal to the
// call that produced it; it never mutates orchestrator state.
type InvalidConfig struct {
	Field  string
	Reason string
}

func (e *InvalidConfig) Error() string {
	return fmt.Sprintf("invalid config: field %q: %s", e.Field, e.Reason)
}

// AlreadyInitializedWithDifferentConfig is returned when Initialize is
// called on an already-initialized orchestrator with a structurally
// different configuration.
type AlreadyInitializedWithDifferentConfig struct{}

func (e *AlreadyInitializedWithDifferentConfig) Error() string {
	return "sandbox already initialized with a different configuration"
}

// ProxyBindFailure reports that a proxy listener could not be started.
// Any partially started proxy has already been rolled back by the time
// this error reaches the caller.
type ProxyBindFailure struct {
	Which string // "http" or "socks"
	Port  int
	Cause error
}

func (e *ProxyBindFailure) Error() string {
	return fmt.Sprintf("failed to bind %s proxy on port %d: %v", e.Which, e.Port, e.Cause)
}

func (e *ProxyBindFailure) Unwrap() error { return e.Cause }

// HostNotSupported is returned when neither Host-A nor Host-B is detected.
type HostNotSupported struct{}

func (e *HostNotSupported) Error() string {
	return "sandbox host platform not supported (neither macOS nor Linux detected)"
}

// ToolchainMissing reports a required external binary is absent.
type ToolchainMissing struct {
	Tool string
}

func (e *ToolchainMissing) Error() string {
	return fmt.Sprintf("required tool not found: %s", e.Tool)
}

// PreCommandFailed is surfaced as the wrapped command's exit code, not as
// an API error, but is modeled here for callers (e.g. cmd/fence) that want
// to distinguish it from a user-command failure.
type PreCommandFailed struct {
	ExitCode int
}

func (e *PreCommandFailed) Error() string {
	return fmt.Sprintf("pre_command failed with exit code %d", e.ExitCode)
}

// InternalError wraps an unexpected failure. It is always logged with
// context by the caller and never silently discarded.
type InternalError struct {
	Context string
	Cause   error
}

func (e *InternalError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("internal error (%s): %v", e.Context, e.Cause)
	}
	return fmt.Sprintf("internal error (%s)", e.Context)
}

func (e *InternalError) Unwrap() error { return e.Cause }
