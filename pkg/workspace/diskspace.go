package workspace

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// freeBytes reports the space available to unprivileged users on the
// filesystem holding path, walking up to the nearest existing ancestor.
func freeBytes(path string) (uint64, error) {
	dir := path
	for {
		if _, err := os.Stat(dir); err == nil {
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", dir, err)
	}
	return st.Bavail * uint64(st.Bsize), nil
}

func checkFreeSpace(path string, min int64) error {
	if min <= 0 {
		return nil
	}
	free, err := freeBytes(path)
	if err != nil {
		return err
	}
	if free < uint64(min) {
		return fmt.Errorf("insufficient disk space under %s: %d MiB free, %d MiB required", path, free>>20, min>>20)
	}
	return nil
}
