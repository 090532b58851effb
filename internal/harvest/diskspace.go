package harvest

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// DiskSpace returns the bytes available to unprivileged users under path.
type DiskSpace func(path string) (uint64, error)

// FreeBytes reports the free space of the filesystem holding path.
func FreeBytes(path string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", path, err)
	}
	return st.Bavail * uint64(st.Bsize), nil //nolint:gosec // block size is positive
}
