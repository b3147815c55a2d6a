package domain

import "time"

// CacheEntry is a media item that has been fully written to the cache
type CacheEntry struct {
	RemoteID     string    `json:"remote_id"`
	LocalPath    string    `json:"local_path,omitempty"`
	FileName     string    `json:"file_name"`
	SizeBytes    int64     `json:"size_bytes"`
	DownloadedAt time.Time `json:"downloaded_at"`
}

// IsPresent returns true if the entry has been written to disk
func (e *CacheEntry) IsPresent() bool {
	return e != nil && e.LocalPath != ""
}

// CacheStats summarizes the cache for the UI
type CacheStats struct {
	Entries        int   `json:"entries"`
	TotalSizeBytes int64 `json:"total_size_bytes"`
	AvailableBytes int64 `json:"available_bytes"`
	LowSpace       bool  `json:"low_space"`
}
