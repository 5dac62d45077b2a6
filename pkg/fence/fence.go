// Package fence provides a public API for sandboxing commands.
package fence

import (
	"github.com/opensandbox/fence/internal/config"
	"github.com/opensandbox/fence/internal/orchestrator"
	"github.com/opensandbox/fence/internal/violations"
)

// Config is the configuration for fence.
type Config = config.Config

// NetworkConfig defines network restrictions.
type NetworkConfig = config.NetworkConfig

// FilesystemConfig defines filesystem restrictions.
type FilesystemConfig = config.FilesystemConfig

// ReadPolicy selects between deny-list and allow-list filesystem read
// enforcement.
type ReadPolicy = config.ReadPolicy

// Event is a recorded filesystem or network violation.
type Event = violations.Event

// Initialize validates cfg and starts the process-wide sandbox
// infrastructure (proxies, Linux bridges). Re-calling with the same
// configuration is a no-op; calling with a different one while already
// initialized returns an error.
func Initialize(cfg *Config, debug bool) error {
	return orchestrator.Initialize(cfg, debug)
}

// WrapWithSandbox compiles the current platform's sandbox policy and
// returns the shell command string to run in place of command.
func WrapWithSandbox(command string) (string, error) {
	return orchestrator.WrapWithSandbox(command)
}

// Reset tears down the sandbox infrastructure started by Initialize.
func Reset() {
	orchestrator.Reset()
}

// Initialized reports whether Initialize has succeeded and Reset has
// not yet been called.
func Initialized() bool {
	return orchestrator.Initialized()
}

// NextExecutionID returns a fresh identifier for scoping a
// WrapWithSandbox call's violations to a SubscribeToExecution call.
func NextExecutionID() int64 {
	return orchestrator.NextExecutionID()
}

// StartAudit attaches host-native audit ingest to a running sandboxed
// child's PID, recording violations it observes under executionID.
// Returns a stop function, always safe to call.
func StartAudit(pid int, executionID int64, debug bool) func() {
	return orchestrator.StartAudit(pid, executionID, debug)
}

// Subscribe streams every recorded violation, current backlog first.
func Subscribe(buffer int) (<-chan Event, func()) {
	return orchestrator.Subscribe(buffer)
}

// SubscribeToExecution streams violations recorded under a single
// WrapWithSandbox execution ID.
func SubscribeToExecution(executionID int64, buffer int) (<-chan Event, func()) {
	return orchestrator.SubscribeToExecution(executionID, buffer)
}

// DefaultConfig returns the default configuration with all network blocked.
func DefaultConfig() *Config {
	return config.Default()
}

// LoadConfig loads configuration from a file.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return config.DefaultConfigPath()
}
