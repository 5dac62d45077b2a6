// Package platform identifies the host sandboxing backend (Host-A/Host-B
// in the design terminology: macOS Seatbelt vs. Linux user-namespace +
// seccomp) and reports whether it is supported.
package platform

// Host identifies a supported sandboxing backend.
type Host int

const (
	// Unsupported means no sandbox backend is available on this host.
	Unsupported Host = iota
	// MacOS is the Seatbelt (sandbox-exec) backend, Host-A in the design.
	MacOS
	// Linux is the bubblewrap + seccomp/Landlock backend, Host-B in the design.
	Linux
)

func (h Host) String() string {
	switch h {
	case MacOS:
		return "macos"
	case Linux:
		return "linux"
	default:
		return "unsupported"
	}
}

// IsSupported reports whether Detect returns a usable host.
func IsSupported() bool {
	return Detect() != Unsupported
}
