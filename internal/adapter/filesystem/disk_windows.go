//go:build windows

package filesystem

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sys/windows"

	"github.com/vertextoedge/media-cache/internal/port"
)

// GetDiskUsage returns disk usage for the volume holding path
func (m *Manager) GetDiskUsage(path string) (*port.DiskUsage, error) {
	if path == "" {
		path = m.rootDir
	}

	pathPtr, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return nil, fmt.Errorf("failed to convert path: %w", err)
	}

	var freeBytesAvailable, totalNumberOfBytes, totalNumberOfFreeBytes uint64
	if err := windows.GetDiskFreeSpaceEx(pathPtr, &freeBytesAvailable, &totalNumberOfBytes, &totalNumberOfFreeBytes); err != nil {
		return nil, fmt.Errorf("failed to get disk stats: %w", err)
	}

	volume := make([]uint16, windows.MAX_PATH+1)
	if err := windows.GetVolumePathName(pathPtr, &volume[0], uint32(len(volume))); err != nil {
		return nil, fmt.Errorf("failed to get volume path: %w", err)
	}

	used := totalNumberOfBytes - totalNumberOfFreeBytes
	usage := &port.DiskUsage{
		Total:     totalNumberOfBytes,
		Used:      used,
		Free:      totalNumberOfFreeBytes,
		Available: freeBytesAvailable,
		VolumeID:  strings.ToLower(windows.UTF16ToString(volume)),
	}
	if totalNumberOfBytes > 0 {
		usage.UsedPct = float64(used) / float64(totalNumberOfBytes) * 100
	}
	return usage, nil
}

// IsNoSpaceError reports whether err is the OS signalling the volume is full
func IsNoSpaceError(err error) bool {
	return errors.Is(err, windows.ERROR_DISK_FULL) || errors.Is(err, windows.ERROR_HANDLE_DISK_FULL)
}
