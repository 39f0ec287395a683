// Package diskspace checks free space before an archive stream opens. The
// server never announces the archive size up front, so callers check
// against a floor rather than an exact requirement.
package diskspace

import "fmt"

// LowSpaceError reports that a directory's filesystem is below the
// requested floor.
type LowSpaceError struct {
	Dir            string
	FloorBytes     int64
	AvailableBytes int64
}

func (e *LowSpaceError) Error() string {
	floorMB := float64(e.FloorBytes) / (1024 * 1024)
	availableMB := float64(e.AvailableBytes) / (1024 * 1024)
	return fmt.Sprintf("low disk space in %s: want at least %.0f MB free, have %.2f MB",
		e.Dir, floorMB, availableMB)
}

// Check verifies that dir's filesystem has at least floorBytes available.
// When the filesystem cannot be statted (network mounts, virtual
// filesystems) the check passes; the write will fail naturally if space
// runs out.
func Check(dir string, floorBytes int64) error {
	available := Available(dir)
	if available == 0 {
		return nil
	}
	if available < floorBytes {
		return &LowSpaceError{Dir: dir, FloorBytes: floorBytes, AvailableBytes: available}
	}
	return nil
}

// IsLowSpaceError reports whether err is a LowSpaceError.
func IsLowSpaceError(err error) bool {
	_, ok := err.(*LowSpaceError)
	return ok
}
