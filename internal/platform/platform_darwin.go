//go:build darwin

package platform

// Detect returns MacOS on darwin builds.
func Detect() Host {
	return MacOS
}
