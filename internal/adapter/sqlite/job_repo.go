package sqlite

import (
	"database/sql"
	"time"

	"github.com/vertextoedge/media-cache/internal/domain"
)

const jobColumns = `
	id, remote_id, source_url, destination_path, temp_path, expected_size_bytes,
	status, bytes_transferred, last_error, created_at, updated_at, completed_at
`

// CreateJob records a new download job
func (s *Store) CreateJob(job *domain.DownloadJob) error {
	query := `
		INSERT INTO download_jobs (
			id, remote_id, source_url, destination_path, temp_path, expected_size_bytes,
			status, bytes_transferred, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.Exec(query,
		job.ID, job.RemoteID, job.SourceURL, job.DestinationPath, job.TempPath, job.ExpectedSizeBytes,
		job.Status, job.BytesTransferred, toMillis(job.CreatedAt), toMillis(job.UpdatedAt))
	return err
}

// UpdateJob persists the mutable fields of a job
func (s *Store) UpdateJob(job *domain.DownloadJob) error {
	query := `
		UPDATE download_jobs SET
			destination_path = ?,
			temp_path = ?,
			expected_size_bytes = ?,
			status = ?,
			bytes_transferred = ?,
			last_error = ?,
			updated_at = ?,
			completed_at = ?
		WHERE id = ?
	`

	var completedAt sql.NullInt64
	if job.CompletedAt != nil {
		completedAt = sql.NullInt64{Int64: toMillis(*job.CompletedAt), Valid: true}
	}
	var lastError sql.NullString
	if job.LastError != "" {
		lastError = sql.NullString{String: job.LastError, Valid: true}
	}

	result, err := s.db.Exec(query,
		job.DestinationPath, job.TempPath, job.ExpectedSizeBytes, job.Status, job.BytesTransferred, lastError,
		toMillis(job.UpdatedAt), completedAt, job.ID)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetJob retrieves a job by id
func (s *Store) GetJob(id string) (*domain.DownloadJob, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM download_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return job, err
}

// ListInProgressJobs returns jobs left in progress
func (s *Store) ListInProgressJobs() ([]*domain.DownloadJob, error) {
	rows, err := s.db.Query(`SELECT `+jobColumns+` FROM download_jobs WHERE status IN ('pending', 'in_progress')`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*domain.DownloadJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// FailInProgressJobs marks every unfinished job failed
func (s *Store) FailInProgressJobs(reason string) (int, error) {
	result, err := s.db.Exec(`
		UPDATE download_jobs
		SET status = 'failed', last_error = ?, updated_at = ?
		WHERE status IN ('pending', 'in_progress')
	`, reason, toMillis(time.Now()))
	if err != nil {
		return 0, err
	}
	count, err := result.RowsAffected()
	return int(count), err
}

// CleanupOldJobs removes finished jobs older than the given age
func (s *Store) CleanupOldJobs(olderThan time.Duration) (int, error) {
	cutoff := toMillis(time.Now().Add(-olderThan))
	result, err := s.db.Exec(`
		DELETE FROM download_jobs
		WHERE status IN ('completed', 'failed', 'canceled') AND updated_at < ?
	`, cutoff)
	if err != nil {
		return 0, err
	}
	count, err := result.RowsAffected()
	return int(count), err
}

// GetJobStats returns counts per status
func (s *Store) GetJobStats() (*domain.JobStats, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM download_jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := &domain.JobStats{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		switch status {
		case domain.JobStatusPending, domain.JobStatusInProgress:
			stats.InProgressCount += count
		case domain.JobStatusCompleted:
			stats.CompletedCount = count
		case domain.JobStatusFailed:
			stats.FailedCount = count
		case domain.JobStatusCanceled:
			stats.CanceledCount = count
		}
	}
	return stats, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*domain.DownloadJob, error) {
	job := &domain.DownloadJob{}
	var tempPath, lastError sql.NullString
	var createdAt, updatedAt int64
	var completedAt sql.NullInt64

	err := row.Scan(
		&job.ID, &job.RemoteID, &job.SourceURL, &job.DestinationPath, &tempPath, &job.ExpectedSizeBytes,
		&job.Status, &job.BytesTransferred, &lastError, &createdAt, &updatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	job.TempPath = tempPath.String
	job.LastError = lastError.String
	job.CreatedAt = fromMillis(createdAt)
	job.UpdatedAt = fromMillis(updatedAt)
	if completedAt.Valid {
		t := fromMillis(completedAt.Int64)
		job.CompletedAt = &t
	}
	return job, nil
}
