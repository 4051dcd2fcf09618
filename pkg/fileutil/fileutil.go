// Package fileutil holds the small file and arithmetic helpers shared by
// the treestore and shardedtree packages: saturating counter updates and
// the host file-open/create primitives the two engines build on.
package fileutil

import (
	"os"

	"github.com/arboric/treemap/pkg/treeerr"
)

// SaturatingOffset applies delta to value, saturating at zero on the way
// down. A negative delta whose magnitude exceeds value is a LogicError,
// not a wraparound.
func SaturatingOffset(value uint64, delta int64) (uint64, error) {
	if delta >= 0 {
		return value + uint64(delta), nil
	}

	magnitude := uint64(-delta)
	if magnitude > value {
		return 0, treeerr.NewLogicError("would subtract below zero on unsigned value (u64)")
	}
	return value - magnitude, nil
}

// CreateFile opens path for read/write, truncating it (or creating it) if
// it already exists.
func CreateFile(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0600)
	if err != nil {
		return nil, treeerr.WrapIO(err, "creating file "+path)
	}
	return f, nil
}

// OpenFile opens an existing file for read/write without truncating it.
func OpenFile(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0600)
	if err != nil {
		return nil, treeerr.WrapIO(err, "opening file "+path)
	}
	return f, nil
}

// FileExists reports whether path names a regular file.
func FileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
