//go:build darwin

package platform

import "golang.org/x/sys/unix"

// metaFromStat extracts the fields rmrfd needs from a raw Stat_t.
// dev_t is int32 on darwin and always non-negative.
func metaFromStat(st *unix.Stat_t) Meta {
	return Meta{
		Dev:    uint64(st.Dev),
		Ino:    st.Ino,
		Nlink:  uint64(st.Nlink),
		Size:   st.Size,
		Blocks: st.Blocks,
		Mode:   modeFromUnix(uint32(st.Mode)),
	}
}
