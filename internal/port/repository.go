package port

import (
	"time"

	"github.com/vertextoedge/media-cache/internal/domain"
)

// EntryRepository persists the cache index
type EntryRepository interface {
	// GetEntry returns nil, nil when the id is not indexed
	GetEntry(remoteID string) (*domain.CacheEntry, error)

	// UpsertEntry creates or overwrites the entry for its remote id
	UpsertEntry(entry *domain.CacheEntry) error

	// DeleteEntry removes the entry for a remote id
	DeleteEntry(remoteID string) error

	// ListEntries returns every indexed entry
	ListEntries() ([]*domain.CacheEntry, error)

	// DeleteAllEntries empties the index
	DeleteAllEntries() (int, error)
}

// JobRepository persists the download job journal
type JobRepository interface {
	CreateJob(job *domain.DownloadJob) error
	UpdateJob(job *domain.DownloadJob) error
	GetJob(id string) (*domain.DownloadJob, error)

	// ListInProgressJobs returns jobs left in progress, e.g. by a crash
	ListInProgressJobs() ([]*domain.DownloadJob, error)

	// FailInProgressJobs marks every in-progress job failed with reason
	FailInProgressJobs(reason string) (int, error)

	// CleanupOldJobs removes finished jobs older than the given age
	CleanupOldJobs(olderThan time.Duration) (int, error)

	GetJobStats() (*domain.JobStats, error)
}

// Store combines the repositories backed by one database
type Store interface {
	EntryRepository
	JobRepository
	Ping() error
	Close() error
}
