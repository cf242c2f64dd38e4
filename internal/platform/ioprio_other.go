//go:build !linux

package platform

// SetIdleIOPriority is a no-op where the kernel has no ioprio_set.
func SetIdleIOPriority() error { return nil }
