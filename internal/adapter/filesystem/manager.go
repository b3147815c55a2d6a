package filesystem

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	iofs "io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vertextoedge/media-cache/internal/port"
)

const (
	// TempSuffix marks in-progress downloads
	TempSuffix = ".part"

	entryDirPrefix  = "id-"
	hashedDirPrefix = "h-"

	// ids longer than this are hashed to keep directory names short
	maxReversibleIDLen = 96
)

// Manager handles local filesystem operations under the cache root
type Manager struct {
	rootDir string
}

// Ensure Manager implements port.FileSystem
var _ port.FileSystem = (*Manager)(nil)

// NewManager creates a new filesystem manager
func NewManager(rootDir string) (*Manager, error) {
	if rootDir == "" {
		return nil, fmt.Errorf("cache root dir is required")
	}

	abs, err := filepath.Abs(rootDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve cache root dir: %w", err)
	}

	// Ensure root directory exists
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache root dir: %w", err)
	}

	return &Manager{
		rootDir: abs,
	}, nil
}

// RootDir returns the cache root directory
func (m *Manager) RootDir() string {
	return m.rootDir
}

// EntryDir returns the directory holding the file of a remote id
func (m *Manager) EntryDir(baseDir, remoteID string) string {
	if baseDir == "" {
		baseDir = m.rootDir
	}
	return filepath.Join(baseDir, EncodeRemoteID(remoteID))
}

// CachePath returns the canonical path for a remote id and file name
func (m *Manager) CachePath(baseDir, remoteID, fileName string) string {
	return filepath.Join(m.EntryDir(baseDir, remoteID), SanitizeFileName(fileName))
}

// RemoteIDFromDir reverses EntryDir
func (m *Manager) RemoteIDFromDir(dirName string) (string, bool) {
	return DecodeRemoteID(dirName)
}

// EncodeRemoteID turns an opaque id into a safe directory name.
// Hex keeps names valid on case-insensitive filesystems.
func EncodeRemoteID(remoteID string) string {
	if len(remoteID) <= maxReversibleIDLen {
		return entryDirPrefix + hex.EncodeToString([]byte(remoteID))
	}
	sum := sha256.Sum256([]byte(remoteID))
	return hashedDirPrefix + hex.EncodeToString(sum[:])
}

// DecodeRemoteID reverses EncodeRemoteID for non hashed names
func DecodeRemoteID(dirName string) (string, bool) {
	if !strings.HasPrefix(dirName, entryDirPrefix) {
		return "", false
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(dirName, entryDirPrefix))
	if err != nil || len(raw) == 0 {
		return "", false
	}
	return string(raw), true
}

// SanitizeFileName strips path components and characters that are invalid on
// any of the supported platforms
func SanitizeFileName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(filepath.FromSlash(name))

	var b strings.Builder
	for _, r := range name {
		switch {
		case r < 0x20, r == 0x7f:
			b.WriteRune('_')
		case strings.ContainsRune(`<>:"/\|?*`, r):
			b.WriteRune('_')
		default:
			b.WriteRune(r)
		}
	}

	cleaned := strings.Trim(b.String(), " .")
	if cleaned == "" {
		return "media"
	}
	if strings.HasSuffix(cleaned, TempSuffix) {
		cleaned += ".bin"
	}
	return cleaned
}

// CreateTempFile creates a uniquely named temp file in the canonical path's directory,
// so the final rename never crosses volumes
func (m *Manager) CreateTempFile(cachePath string) (port.TempFile, error) {
	if err := os.MkdirAll(filepath.Dir(cachePath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent dir: %w", err)
	}

	tmpPath := cachePath + "." + uuid.NewString()[:8] + TempSuffix
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	return f, nil
}

// CommitTempFile renames a finished temp file to its canonical path
func (m *Manager) CommitTempFile(tempPath, cachePath string) error {
	if filepath.Dir(tempPath) != filepath.Dir(cachePath) {
		return fmt.Errorf("temp file %s is not next to %s", tempPath, cachePath)
	}
	if err := os.Rename(tempPath, cachePath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// DeleteTempFile removes a temporary file
func (m *Manager) DeleteTempFile(tempPath string) error {
	if err := os.Remove(tempPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete temp file: %w", err)
	}
	m.removeDirIfEmpty(filepath.Dir(tempPath))
	return nil
}

// DeleteFile removes a cached file
func (m *Manager) DeleteFile(cachePath string) error {
	if err := os.Remove(cachePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	m.removeDirIfEmpty(filepath.Dir(cachePath))
	return nil
}

// FileExists checks if a regular file exists at path
func (m *Manager) FileExists(cachePath string) bool {
	info, err := os.Stat(cachePath)
	return err == nil && info.Mode().IsRegular()
}

// GetFileSize returns the size of a cached file
func (m *Manager) GetFileSize(cachePath string) (int64, error) {
	info, err := os.Stat(cachePath)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// ListEntryFiles returns complete files keyed by entry directory name
func (m *Manager) ListEntryFiles() (map[string][]string, error) {
	dirs, err := os.ReadDir(m.rootDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read cache root: %w", err)
	}

	result := make(map[string][]string)
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		dirPath := filepath.Join(m.rootDir, d.Name())
		files, err := os.ReadDir(dirPath)
		if err != nil {
			// Directory removed concurrently
			continue
		}
		for _, f := range files {
			if !f.Type().IsRegular() || strings.HasSuffix(f.Name(), TempSuffix) {
				continue
			}
			result[d.Name()] = append(result[d.Name()], filepath.Join(dirPath, f.Name()))
		}
	}
	return result, nil
}

// GetCacheSize returns total size of files under the root.
// Files that disappear during the walk are skipped.
func (m *Manager) GetCacheSize() (int64, error) {
	var size int64
	err := filepath.WalkDir(m.rootDir, func(path string, d iofs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, iofs.ErrNotExist) && path != m.rootDir {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, iofs.ErrNotExist) {
				return nil
			}
			return err
		}
		size += info.Size()
		return nil
	})
	return size, err
}

// ClearAll removes everything under the root
func (m *Manager) ClearAll() (int, error) {
	count := 0
	_ = filepath.WalkDir(m.rootDir, func(path string, d iofs.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			count++
		}
		return nil
	})

	children, err := os.ReadDir(m.rootDir)
	if err != nil {
		return 0, fmt.Errorf("failed to read cache root: %w", err)
	}

	var errs []error
	for _, c := range children {
		if err := os.RemoveAll(filepath.Join(m.rootDir, c.Name())); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return count, fmt.Errorf("failed to clear cache: %w", errors.Join(errs...))
	}
	return count, nil
}

// CleanOldTempFiles removes temp files older than the specified duration
func (m *Manager) CleanOldTempFiles(olderThan time.Duration) (int, error) {
	count := 0
	threshold := time.Now().Add(-olderThan)

	err := filepath.WalkDir(m.rootDir, func(path string, d iofs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, iofs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, TempSuffix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if olderThan <= 0 || info.ModTime().Before(threshold) {
			if removeErr := os.Remove(path); removeErr == nil {
				count++
			}
		}
		return nil
	})
	return count, err
}

// removeDirIfEmpty removes an entry directory once its last file is gone
func (m *Manager) removeDirIfEmpty(dir string) {
	if !strings.HasPrefix(dir, m.rootDir+string(filepath.Separator)) {
		return
	}
	os.Remove(dir) // Will only succeed if empty
}
