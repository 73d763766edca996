//go:build unix

package catalog

import (
	"os"
	"syscall"
)

func probeNativeUID(info os.FileInfo) (UID, bool) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return UID{}, false
	}
	return UnixUID(uint64(st.Dev), uint64(st.Ino)), true
}
