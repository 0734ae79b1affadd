//go:build linux || darwin || freebsd

package localfile

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// FreePercent returns the percentage of blocks available to unprivileged
// users on the filesystem holding dir.
func FreePercent(dir string) (float64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return 0, fmt.Errorf("localfile: statfs %s: %w", dir, err)
	}
	if st.Blocks == 0 {
		return 0, fmt.Errorf("localfile: statfs %s: filesystem reports zero blocks", dir)
	}
	return float64(st.Bavail) * 100 / float64(st.Blocks), nil
}
