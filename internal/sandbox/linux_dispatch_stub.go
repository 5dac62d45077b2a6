//go:build !linux

package sandbox

import (
	"fmt"

	"github.com/opensandbox/fence/internal/config"
	"github.com/opensandbox/fence/internal/violations"
)

// LinuxBridge is a stub for non-Linux platforms; never constructed since
// callers only build one behind a platform.Detect() == platform.Linux
// check, but the type must exist for cross-platform compilation.
type LinuxBridge struct{}

// Cleanup is a no-op on non-Linux platforms.
func (b *LinuxBridge) Cleanup() {}

// ReverseBridge is a stub for non-Linux platforms.
type ReverseBridge struct{}

// Cleanup is a no-op on non-Linux platforms.
func (b *ReverseBridge) Cleanup() {}

// NewLinuxBridge is unreachable on non-Linux platforms.
func NewLinuxBridge(httpProxyPort, socksProxyPort int, debug bool) (*LinuxBridge, error) {
	return nil, fmt.Errorf("linux bridge requested on a non-Linux host")
}

// NewReverseBridge is unreachable on non-Linux platforms.
func NewReverseBridge(ports []int, debug bool) (*ReverseBridge, error) {
	return nil, fmt.Errorf("linux reverse bridge requested on a non-Linux host")
}

// WrapCommandLinux is unreachable on non-Linux platforms.
func WrapCommandLinux(cfg *config.Config, command string, bridge *LinuxBridge, reverseBridge *ReverseBridge, debug bool) (string, error) {
	return "", fmt.Errorf("linux sandbox wrapping requested on a non-Linux host")
}

// WrapCommandLinuxWithOptions is unreachable on non-Linux platforms.
func WrapCommandLinuxWithOptions(cfg *config.Config, command string, bridge *LinuxBridge, reverseBridge *ReverseBridge, opts LinuxSandboxOptions) (string, error) {
	return "", fmt.Errorf("linux sandbox wrapping requested on a non-Linux host")
}

// LinuxSandboxOptions mirrors linux.go's type for cross-platform callers.
type LinuxSandboxOptions struct {
	UseLandlock bool
	UseSeccomp  bool
	UseEBPF     bool
	Monitor     bool
	Debug       bool
	Store       *violations.Store
	ExecutionID *int64
}

// LinuxMonitors is a stub for non-Linux platforms.
type LinuxMonitors struct {
	EBPFMonitor *EBPFMonitor
}

// Stop is a no-op on non-Linux platforms.
func (m *LinuxMonitors) Stop() {}

// StartLinuxMonitor returns an empty monitor set on non-Linux platforms.
func StartLinuxMonitor(pid int, opts LinuxSandboxOptions) (*LinuxMonitors, error) {
	return &LinuxMonitors{}, nil
}

// PrintLinuxFeatures reports that Linux features are unavailable here.
func PrintLinuxFeatures() {
	fmt.Println("Linux sandbox features are not available on this platform.")
}
