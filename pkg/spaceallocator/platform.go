package spaceallocator

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// HostPlatform probes partition sizes with statfs.
type HostPlatform struct{}

func (HostPlatform) TotalSize(path string) (uint64, error) {
	var stat unix.Statfs_t

	if err := unix.Statfs(path, &stat); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", path, err)
	}

	return stat.Blocks * uint64(stat.Bsize), nil
}

func (HostPlatform) AvailableSize(path string) (uint64, error) {
	var stat unix.Statfs_t

	if err := unix.Statfs(path, &stat); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", path, err)
	}

	return stat.Bavail * uint64(stat.Bsize), nil
}
