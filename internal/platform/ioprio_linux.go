//go:build linux

package platform

import (
	"syscall"

	"golang.org/x/sys/unix"
)

const (
	ioprioClassShift = 13
	ioprioClassIdle  = 3
	ioprioWhoProcess = 1
)

// SetIdleIOPriority moves the calling thread into the idle I/O scheduling
// class so reclamation never starves foreground workload. The caller must
// pin the goroutine with runtime.LockOSThread first; ioprio is per-thread.
func SetIdleIOPriority() error {
	_, _, errno := syscall.Syscall(
		unix.SYS_IOPRIO_SET,
		ioprioWhoProcess,
		0, // current thread
		ioprioClassIdle<<ioprioClassShift,
	)
	if errno != 0 {
		return errno
	}
	return nil
}
