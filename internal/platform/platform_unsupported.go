//go:build !darwin && !linux

package platform

// Detect returns Unsupported on any platform other than darwin/linux.
func Detect() Host {
	return Unsupported
}
