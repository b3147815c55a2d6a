//go:build !windows

package filesystem

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/vertextoedge/media-cache/internal/port"
)

// GetDiskUsage returns disk usage for the volume holding path
func (m *Manager) GetDiskUsage(path string) (*port.DiskUsage, error) {
	if path == "" {
		path = m.rootDir
	}

	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return nil, fmt.Errorf("failed to get disk stats: %w", err)
	}

	// st_dev is the same for every path on one mounted volume
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	bsize := uint64(stat.Bsize)
	total := uint64(stat.Blocks) * bsize
	free := uint64(stat.Bfree) * bsize
	avail := uint64(stat.Bavail) * bsize
	used := total - free

	usage := &port.DiskUsage{
		Total:     total,
		Used:      used,
		Free:      free,
		Available: avail,
		VolumeID:  fmt.Sprint(st.Dev),
	}
	if total > 0 {
		usage.UsedPct = float64(used) / float64(total) * 100
	}
	return usage, nil
}

// IsNoSpaceError reports whether err is the OS signalling the volume or the
// user's quota is exhausted
func IsNoSpaceError(err error) bool {
	return errors.Is(err, unix.ENOSPC) || errors.Is(err, unix.EDQUOT)
}
