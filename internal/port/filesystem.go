package port

import (
	"io"
	"time"
)

// DiskUsage represents disk usage statistics
type DiskUsage struct {
	Total     uint64  // Total disk space in bytes
	Used      uint64  // Used disk space in bytes
	Free      uint64  // Free disk space in bytes
	Available uint64  // Space available to the current user in bytes
	UsedPct   float64 // Used percentage (0-100)

	// VolumeID identifies the volume; paths on the same volume share it.
	// Empty when the platform cannot tell.
	VolumeID string
}

// TempFile is an in-progress download target
type TempFile interface {
	io.Writer
	// Name returns the temp file path
	Name() string
	// Sync flushes written data to stable storage
	Sync() error
	// Close closes the file
	Close() error
}

// FileSystem defines the interface for cache directory operations
type FileSystem interface {
	// RootDir returns the cache root directory
	RootDir() string

	// EntryDir returns the directory holding the file of a remote id
	EntryDir(baseDir, remoteID string) string

	// CachePath returns the canonical path for a remote id and file name
	CachePath(baseDir, remoteID, fileName string) string

	// RemoteIDFromDir reverses EntryDir for reconciliation
	// Returns false if the directory name is not reversible
	RemoteIDFromDir(dirName string) (string, bool)

	// CreateTempFile creates a temp file next to the canonical path
	CreateTempFile(cachePath string) (TempFile, error)

	// CommitTempFile atomically renames a finished temp file to its canonical path
	CommitTempFile(tempPath, cachePath string) error

	// DeleteTempFile removes a temporary file
	DeleteTempFile(tempPath string) error

	// DeleteFile removes a cached file
	DeleteFile(cachePath string) error

	// FileExists checks if a regular file exists at path
	FileExists(cachePath string) bool

	// GetFileSize returns the size of a cached file
	GetFileSize(cachePath string) (int64, error)

	// ListEntryFiles returns complete (non temp) files under the root keyed by entry directory name
	ListEntryFiles() (map[string][]string, error)

	// GetCacheSize returns total size of files under the root
	GetCacheSize() (int64, error)

	// ClearAll removes everything under the root and returns the number of files deleted
	ClearAll() (int, error)

	// GetDiskUsage returns disk usage statistics for the volume holding path
	GetDiskUsage(path string) (*DiskUsage, error)

	// CleanOldTempFiles removes temp files older than the specified duration
	// Returns the number of files deleted
	CleanOldTempFiles(olderThan time.Duration) (int, error)
}
