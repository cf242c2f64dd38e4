package platform

import (
	"io/fs"

	"golang.org/x/sys/unix"
)

// Unlink removes a single non-directory path with plain unlink(2).
func Unlink(path string) error {
	if err := unix.Unlink(path); err != nil {
		return &fs.PathError{Op: "unlink", Path: path, Err: err}
	}
	return nil
}
