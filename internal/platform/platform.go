// Package platform wraps the Unix primitives rmrfd is built on: inode
// metadata with device identity, unlink (batched through io_uring where the
// kernel supports it), I/O scheduling priority, and nested-mount handling.
package platform

import "io/fs"

// BlockSize is the allocation unit reported by stat(2) for the Blocks field.
const BlockSize = 512

// Meta is the subset of stat(2) the inventory cares about.
type Meta struct {
	Dev    uint64
	Ino    uint64
	Nlink  uint64
	Size   int64
	Blocks int64 // BlockSize units
	Mode   fs.FileMode
}

// Bytes returns the allocated size of the object in bytes.
func (m Meta) Bytes() int64 {
	return m.Blocks * BlockSize
}

// IsDir reports whether the object is a directory.
func (m Meta) IsDir() bool {
	return m.Mode.IsDir()
}

// IsRegular reports whether the object is a regular file.
func (m Meta) IsRegular() bool {
	return m.Mode.IsRegular()
}
