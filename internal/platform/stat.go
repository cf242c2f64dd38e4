package platform

import (
	"io/fs"

	"golang.org/x/sys/unix"
)

// Lstat returns the metadata of path without following symlinks.
func Lstat(path string) (Meta, error) {
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		return Meta{}, &fs.PathError{Op: "lstat", Path: path, Err: err}
	}
	return metaFromStat(&st), nil
}

func modeFromUnix(m uint32) fs.FileMode {
	mode := fs.FileMode(m & 0777)
	switch m & unix.S_IFMT {
	case unix.S_IFDIR:
		mode |= fs.ModeDir
	case unix.S_IFLNK:
		mode |= fs.ModeSymlink
	case unix.S_IFBLK:
		mode |= fs.ModeDevice
	case unix.S_IFCHR:
		mode |= fs.ModeDevice | fs.ModeCharDevice
	case unix.S_IFIFO:
		mode |= fs.ModeNamedPipe
	case unix.S_IFSOCK:
		mode |= fs.ModeSocket
	}
	return mode
}
