//go:build !linux

package platform

// UnlinkRing is only available on Linux.
type UnlinkRing struct{}

// NewUnlinkRing returns (nil, nil) on non-Linux platforms.
func NewUnlinkRing(uint) (*UnlinkRing, error) { return nil, nil }

// Close is a no-op on non-Linux platforms.
func (u *UnlinkRing) Close() error { return nil }

// Unlink is never reached on non-Linux platforms; callers check for nil.
func (u *UnlinkRing) Unlink(string) error { return nil }
