package cache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vertextoedge/media-cache/internal/domain"
	"github.com/vertextoedge/media-cache/internal/metrics"
	"github.com/vertextoedge/media-cache/internal/port"
)

// Store maps remote media ids to complete files under the cache root.
// The SQLite index is never trusted on its own: every lookup re-checks the
// disk and treats a missing file as absent.
type Store struct {
	fs     port.FileSystem
	index  port.EntryRepository
	logger *zap.Logger

	// mu serializes index writes against reconciliation and clear
	mu sync.RWMutex
}

// Ensure Store implements port.CacheStore
var _ port.CacheStore = (*Store)(nil)

// ReconcileReport summarizes a reconciliation pass
type ReconcileReport struct {
	Dropped      int // indexed but missing on disk
	Adopted      int // on disk but not indexed
	Resized      int // indexed size did not match the file
	StraysPurged int // extra files next to an entry
	TempsPurged  int // leftover partial downloads
}

// Changed returns true if the pass modified the index or the disk
func (r *ReconcileReport) Changed() bool {
	return r.Dropped+r.Adopted+r.Resized+r.StraysPurged+r.TempsPurged > 0
}

// New creates a new Store
func New(fs port.FileSystem, index port.EntryRepository, logger *zap.Logger) *Store {
	return &Store{
		fs:     fs,
		index:  index,
		logger: logger,
	}
}

// Open prepares the store at application start. No download may be running:
// every temp file under the root is a leftover from a previous process.
func (s *Store) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	temps, err := s.fs.CleanOldTempFiles(0)
	if err != nil {
		s.logger.Warn("failed to remove leftover temp files", zap.Error(err))
	}

	report, err := s.Reconcile()
	if err != nil {
		return fmt.Errorf("failed to reconcile cache index: %w", err)
	}
	report.TempsPurged = temps

	s.logger.Info("cache store opened",
		zap.String("root", s.fs.RootDir()),
		zap.Int("dropped", report.Dropped),
		zap.Int("adopted", report.Adopted),
		zap.Int("resized", report.Resized),
		zap.Int("strays_purged", report.StraysPurged),
		zap.Int("temps_purged", report.TempsPurged))
	return nil
}

// RootDir returns the cache root directory
func (s *Store) RootDir() string {
	return s.fs.RootDir()
}

// CachePath returns the canonical path for an item
func (s *Store) CachePath(baseDir, remoteID, fileName string) string {
	return s.fs.CachePath(baseDir, remoteID, fileName)
}

// EntryPath returns the canonical path of an item under the cache root
func (s *Store) EntryPath(remoteID, fileName string) string {
	return s.fs.CachePath("", remoteID, fileName)
}

// Has returns true only if the entry is indexed and its file is on disk now
func (s *Store) Has(remoteID string) bool {
	_, ok := s.Get(remoteID)
	return ok
}

// Get returns the entry for remoteID if its file is present
func (s *Store) Get(remoteID string) (*domain.CacheEntry, bool) {
	s.mu.RLock()
	entry, err := s.index.GetEntry(remoteID)
	s.mu.RUnlock()
	if err != nil {
		s.logger.Error("failed to read cache index",
			zap.String("remote_id", remoteID),
			zap.Error(err))
		return nil, false
	}
	if entry == nil {
		return nil, false
	}

	if !s.fs.FileExists(entry.LocalPath) {
		s.dropStale(entry)
		return nil, false
	}
	return entry, true
}

// dropStale removes an index row whose file is gone so the item is downloaded again
func (s *Store) dropStale(entry *domain.CacheEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// A concurrent Put may have replaced the row already
	current, err := s.index.GetEntry(entry.RemoteID)
	if err != nil || current == nil || current.LocalPath != entry.LocalPath {
		return
	}
	if s.fs.FileExists(current.LocalPath) {
		return
	}

	s.logger.Warn("cache entry missing on disk, treating as absent",
		zap.String("remote_id", entry.RemoteID),
		zap.String("path", entry.LocalPath),
		zap.Stringer("kind", domain.KindIndexInconsistent))
	metrics.IndexRepairs.Inc()

	if err := s.index.DeleteEntry(entry.RemoteID); err != nil {
		s.logger.Error("failed to drop stale cache entry",
			zap.String("remote_id", entry.RemoteID),
			zap.Error(err))
	}
}

// Put records a completed download, replacing any previous entry for the id.
// The previous file is deleted when it lives at a different path.
func (s *Store) Put(entry *domain.CacheEntry) error {
	if err := validateEntry(entry); err != nil {
		return err
	}
	if !s.fs.FileExists(entry.LocalPath) {
		return fmt.Errorf("%w: %s", domain.ErrNotFound, entry.LocalPath)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putLocked(entry)
}

func validateEntry(entry *domain.CacheEntry) error {
	if entry == nil || entry.RemoteID == "" {
		return domain.ErrEmptyRemoteID
	}
	if entry.LocalPath == "" || !filepath.IsAbs(entry.LocalPath) {
		return fmt.Errorf("%w: local path must be absolute", domain.ErrInvalidInput)
	}
	if entry.FileName == "" {
		entry.FileName = filepath.Base(entry.LocalPath)
	}
	if entry.DownloadedAt.IsZero() {
		entry.DownloadedAt = time.Now()
	}
	return nil
}

// Commit moves a finished temp file to the entry's canonical path and records
// the entry in one step, so reconciliation never sees the file unindexed.
func (s *Store) Commit(tempPath string, entry *domain.CacheEntry) error {
	if err := validateEntry(entry); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fs.CommitTempFile(tempPath, entry.LocalPath); err != nil {
		return err
	}
	if err := s.putLocked(entry); err != nil {
		// An unindexed file would be adopted later; remove it so the failure is clean
		s.fs.DeleteFile(entry.LocalPath)
		return err
	}
	return nil
}

// putLocked must be called with s.mu held
func (s *Store) putLocked(entry *domain.CacheEntry) error {
	prev, err := s.index.GetEntry(entry.RemoteID)
	if err != nil {
		return fmt.Errorf("failed to read cache index: %w", err)
	}

	if err := s.index.UpsertEntry(entry); err != nil {
		return fmt.Errorf("failed to update cache index: %w", err)
	}

	if prev != nil && prev.LocalPath != entry.LocalPath {
		if err := s.fs.DeleteFile(prev.LocalPath); err != nil {
			s.logger.Warn("failed to delete replaced cache file",
				zap.String("remote_id", entry.RemoteID),
				zap.String("path", prev.LocalPath),
				zap.Error(err))
		}
	}
	return nil
}

// Entries returns every entry whose file is present
func (s *Store) Entries() ([]*domain.CacheEntry, error) {
	s.mu.RLock()
	all, err := s.index.ListEntries()
	s.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("failed to list cache index: %w", err)
	}

	present := make([]*domain.CacheEntry, 0, len(all))
	for _, entry := range all {
		if s.fs.FileExists(entry.LocalPath) {
			present = append(present, entry)
			continue
		}
		s.dropStale(entry)
	}
	return present, nil
}

// TotalSize returns the bytes used under the cache root, indexed or not
func (s *Store) TotalSize() (int64, error) {
	return s.fs.GetCacheSize()
}

// ClearAll deletes every file under the cache root and empties the index.
// Entries stored outside the root are forgotten but their files are left alone.
func (s *Store) ClearAll() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted, fsErr := s.fs.ClearAll()
	rows, err := s.index.DeleteAllEntries()
	if err != nil {
		return deleted, fmt.Errorf("failed to empty cache index: %w", err)
	}

	s.logger.Info("cache cleared",
		zap.Int("files_deleted", deleted),
		zap.Int("entries_removed", rows))

	if fsErr != nil {
		return deleted, fsErr
	}
	return deleted, nil
}

// Reconcile brings the index in line with the disk: rows whose file is gone
// are dropped, files in entry directories that are not indexed are adopted,
// and extra files beside an indexed entry are removed.
func (s *Store) Reconcile() (*ReconcileReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	report := &ReconcileReport{}

	entries, err := s.index.ListEntries()
	if err != nil {
		return nil, fmt.Errorf("failed to list cache index: %w", err)
	}
	onDisk, err := s.fs.ListEntryFiles()
	if err != nil {
		return nil, err
	}

	indexed := make(map[string]*domain.CacheEntry, len(entries))
	for _, entry := range entries {
		size, statErr := s.fs.GetFileSize(entry.LocalPath)
		if statErr != nil {
			s.logger.Info("dropping cache entry missing on disk",
				zap.String("remote_id", entry.RemoteID),
				zap.String("path", entry.LocalPath))
			if err := s.index.DeleteEntry(entry.RemoteID); err != nil {
				return report, fmt.Errorf("failed to drop cache entry: %w", err)
			}
			report.Dropped++
			continue
		}
		if size != entry.SizeBytes {
			entry.SizeBytes = size
			if err := s.index.UpsertEntry(entry); err != nil {
				return report, fmt.Errorf("failed to update cache entry: %w", err)
			}
			report.Resized++
		}
		indexed[entry.RemoteID] = entry
	}

	root := s.fs.RootDir()
	for dirName, files := range onDisk {
		remoteID, reversible := s.fs.RemoteIDFromDir(dirName)
		if !reversible {
			// Hashed names can only be matched through the index
			for _, entry := range indexed {
				if filepath.Dir(entry.LocalPath) == filepath.Join(root, dirName) {
					remoteID, reversible = entry.RemoteID, true
					break
				}
			}
			if !reversible {
				continue
			}
		}

		keep := ""
		entry, ok := indexed[remoteID]
		switch {
		case ok && samePath(entry.LocalPath, files):
			keep = entry.LocalPath
		case ok:
			// The entry lives elsewhere, everything here is an orphaned duplicate
		default:
			keep = newestFile(files)
			size, err := s.fs.GetFileSize(keep)
			if err != nil {
				continue
			}
			adopted := &domain.CacheEntry{
				RemoteID:     remoteID,
				LocalPath:    keep,
				FileName:     filepath.Base(keep),
				SizeBytes:    size,
				DownloadedAt: modTime(keep),
			}
			if err := s.index.UpsertEntry(adopted); err != nil {
				return report, fmt.Errorf("failed to adopt cache file: %w", err)
			}
			s.logger.Info("adopted unindexed cache file",
				zap.String("remote_id", remoteID),
				zap.String("path", keep))
			report.Adopted++
		}

		for _, f := range files {
			if f == keep {
				continue
			}
			if err := s.fs.DeleteFile(f); err != nil {
				s.logger.Warn("failed to delete stray cache file",
					zap.String("path", f),
					zap.Error(err))
				continue
			}
			report.StraysPurged++
		}
	}

	if report.Changed() {
		metrics.IndexRepairs.Add(float64(report.Dropped + report.Adopted + report.Resized))
	}
	return report, nil
}

func samePath(path string, files []string) bool {
	for _, f := range files {
		if f == path {
			return true
		}
	}
	return false
}

func newestFile(files []string) string {
	newest := ""
	var newestTime time.Time
	for _, f := range files {
		t := modTime(f)
		if newest == "" || t.After(newestTime) || (t.Equal(newestTime) && strings.Compare(f, newest) < 0) {
			newest, newestTime = f, t
		}
	}
	return newest
}

func modTime(path string) time.Time {
	info, err := os.Stat(path)
	if err != nil {
		return time.Now()
	}
	return info.ModTime()
}
