//go:build linux

package snapshot

import (
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// changeTime returns the inode change time of path, falling back to the
// modification time when it cannot be read.
func changeTime(path string, info os.FileInfo) time.Time {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return info.ModTime()
	}
	return time.Unix(st.Ctim.Unix())
}
