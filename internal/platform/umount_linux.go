//go:build linux

package platform

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// UnmountNested lazily detaches a filesystem mounted inside a staged
// subtree. Requires CAP_SYS_ADMIN.
func UnmountNested(path string) error {
	if err := unix.Unmount(path, unix.MNT_DETACH); err != nil {
		return fmt.Errorf("unmount %s: %w", path, err)
	}
	return nil
}
