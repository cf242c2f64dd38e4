//go:build !linux

package platform

import (
	"errors"
	"fmt"
)

// UnmountNested is unsupported off Linux; the cross-device unmount option
// is a Linux-only feature.
func UnmountNested(path string) error {
	return fmt.Errorf("unmount %s: %w", path, errors.ErrUnsupported)
}
