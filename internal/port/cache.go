package port

import "github.com/vertextoedge/media-cache/internal/domain"

// CacheStore is the UI-facing view of the local media cache
type CacheStore interface {
	RootDir() string
	CachePath(baseDir, remoteID, fileName string) string
	Has(remoteID string) bool
	Get(remoteID string) (*domain.CacheEntry, bool)
	Put(entry *domain.CacheEntry) error
	// Commit renames a finished temp file into place and records the entry
	Commit(tempPath string, entry *domain.CacheEntry) error
	Entries() ([]*domain.CacheEntry, error)
	TotalSize() (int64, error)
	ClearAll() (int, error)
}
