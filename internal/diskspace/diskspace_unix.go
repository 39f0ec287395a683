//go:build !windows

package diskspace

import "syscall"

// Available returns the bytes available to this user on dir's filesystem,
// or 0 when the filesystem cannot be statted.
func Available(dir string) int64 {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(dir, &stat); err != nil {
		return 0
	}
	// Bavail is what non-root users can actually use.
	return int64(stat.Bavail) * int64(stat.Bsize)
}
