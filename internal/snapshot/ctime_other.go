//go:build !linux

package snapshot

import (
	"os"
	"time"
)

func changeTime(_ string, info os.FileInfo) time.Time {
	return info.ModTime()
}
