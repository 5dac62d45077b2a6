//go:build linux

package platform

// Detect returns Linux on linux builds.
func Detect() Host {
	return Linux
}
