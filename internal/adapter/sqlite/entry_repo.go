package sqlite

import (
	"database/sql"

	"github.com/vertextoedge/media-cache/internal/domain"
)

// GetEntry retrieves an entry by remote id
func (s *Store) GetEntry(remoteID string) (*domain.CacheEntry, error) {
	query := `
		SELECT remote_id, local_path, file_name, size_bytes, downloaded_at
		FROM cache_entries
		WHERE remote_id = ?
	`

	entry := &domain.CacheEntry{}
	var downloadedAt int64

	err := s.db.QueryRow(query, remoteID).Scan(
		&entry.RemoteID, &entry.LocalPath, &entry.FileName, &entry.SizeBytes, &downloadedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	entry.DownloadedAt = fromMillis(downloadedAt)
	return entry, nil
}

// UpsertEntry creates or overwrites the entry for its remote id
func (s *Store) UpsertEntry(entry *domain.CacheEntry) error {
	query := `
		INSERT INTO cache_entries (remote_id, local_path, file_name, size_bytes, downloaded_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(remote_id) DO UPDATE SET
			local_path = excluded.local_path,
			file_name = excluded.file_name,
			size_bytes = excluded.size_bytes,
			downloaded_at = excluded.downloaded_at
	`

	_, err := s.db.Exec(query,
		entry.RemoteID, entry.LocalPath, entry.FileName, entry.SizeBytes, toMillis(entry.DownloadedAt))
	return err
}

// DeleteEntry removes the entry for a remote id
func (s *Store) DeleteEntry(remoteID string) error {
	_, err := s.db.Exec(`DELETE FROM cache_entries WHERE remote_id = ?`, remoteID)
	return err
}

// ListEntries returns every indexed entry, newest first
func (s *Store) ListEntries() ([]*domain.CacheEntry, error) {
	rows, err := s.db.Query(`
		SELECT remote_id, local_path, file_name, size_bytes, downloaded_at
		FROM cache_entries
		ORDER BY downloaded_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*domain.CacheEntry
	for rows.Next() {
		entry := &domain.CacheEntry{}
		var downloadedAt int64
		if err := rows.Scan(&entry.RemoteID, &entry.LocalPath, &entry.FileName, &entry.SizeBytes, &downloadedAt); err != nil {
			return nil, err
		}
		entry.DownloadedAt = fromMillis(downloadedAt)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// DeleteAllEntries empties the index
func (s *Store) DeleteAllEntries() (int, error) {
	result, err := s.db.Exec(`DELETE FROM cache_entries`)
	if err != nil {
		return 0, err
	}
	count, err := result.RowsAffected()
	return int(count), err
}
