package video

import (
	"os"

	appLog "hwmirror/internal/log"
)

// scopedTempDir creates a uniquely named directory under parent (the system
// temp dir when empty). The returned release func removes it and everything
// in it; it is safe to call more than once.
func scopedTempDir(parent, pattern string) (string, func(), error) {
	dir, err := os.MkdirTemp(parent, pattern)
	if err != nil {
		return "", func() {}, err
	}
	released := false
	return dir, func() {
		if released {
			return
		}
		released = true
		if err := os.RemoveAll(dir); err != nil {
			appLog.Error("video: temp dir cleanup failed", err, "dir", dir)
		}
	}, nil
}
