package domain

import (
	"time"

	"github.com/google/uuid"
)

// Job status constants
const (
	JobStatusPending    = "pending"
	JobStatusInProgress = "in_progress"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
	JobStatusCanceled   = "canceled"
)

// DownloadRequest describes one media item to fetch
type DownloadRequest struct {
	RemoteID  string `json:"remote_id"`
	SourceURL string `json:"source_url"`

	// FileName overrides the name derived from the source URL
	FileName string `json:"file_name,omitempty"`

	// ExpectedSizeBytes is best effort, 0 when unknown
	ExpectedSizeBytes int64 `json:"expected_size_bytes,omitempty"`

	// DestinationDir defaults to the cache root
	DestinationDir string `json:"destination_dir,omitempty"`
}

// Validate checks the request has what the engine needs
func (r *DownloadRequest) Validate() error {
	if r.RemoteID == "" {
		return ErrEmptyRemoteID
	}
	if r.SourceURL == "" {
		return ErrEmptySource
	}
	if r.ExpectedSizeBytes < 0 {
		return ErrInvalidInput
	}
	return nil
}

// DownloadJob represents one in-flight transfer
type DownloadJob struct {
	ID                string
	RemoteID          string
	SourceURL         string
	DestinationPath   string
	TempPath          string
	ExpectedSizeBytes int64

	// State
	Status           string
	BytesTransferred int64
	LastError        string

	// Timestamps
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// NewDownloadJob creates a pending job for a request
func NewDownloadJob(req *DownloadRequest, destPath, tempPath string) *DownloadJob {
	now := time.Now()
	return &DownloadJob{
		ID:                uuid.NewString(),
		RemoteID:          req.RemoteID,
		SourceURL:         req.SourceURL,
		DestinationPath:   destPath,
		TempPath:          tempPath,
		ExpectedSizeBytes: req.ExpectedSizeBytes,
		Status:            JobStatusPending,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// Start marks the job as transferring
func (j *DownloadJob) Start() {
	j.Status = JobStatusInProgress
	j.UpdatedAt = time.Now()
}

// Complete marks the job as done
func (j *DownloadJob) Complete(bytes int64) {
	now := time.Now()
	j.Status = JobStatusCompleted
	j.BytesTransferred = bytes
	j.UpdatedAt = now
	j.CompletedAt = &now
}

// Fail marks the job as failed, or canceled when err is a cancellation
func (j *DownloadJob) Fail(err error) {
	j.Status = JobStatusFailed
	if KindOf(err) == KindCanceled {
		j.Status = JobStatusCanceled
	}
	if err != nil {
		j.LastError = err.Error()
	}
	j.UpdatedAt = time.Now()
}

// IsTerminal returns true if the job will not change again
func (j *DownloadJob) IsTerminal() bool {
	switch j.Status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCanceled:
		return true
	}
	return false
}

// Progress is a snapshot of a running job
type Progress struct {
	JobID            string  `json:"job_id"`
	RemoteID         string  `json:"remote_id"`
	BytesTransferred int64   `json:"bytes_transferred"`
	TotalBytes       int64   `json:"total_bytes"`
	Percent          float64 `json:"percent"`
	Status           string  `json:"status"`
}

// NewProgress builds a snapshot, Percent is -1 when the total is unknown
func NewProgress(job *DownloadJob, transferred, total int64) Progress {
	p := Progress{
		JobID:            job.ID,
		RemoteID:         job.RemoteID,
		BytesTransferred: transferred,
		TotalBytes:       total,
		Percent:          -1,
		Status:           job.Status,
	}
	if total > 0 {
		p.Percent = float64(transferred) / float64(total) * 100
		if p.Percent > 100 {
			p.Percent = 100
		}
	}
	return p
}

// JobStats summarizes the download journal
type JobStats struct {
	InProgressCount int `json:"in_progress"`
	CompletedCount  int `json:"completed"`
	FailedCount     int `json:"failed"`
	CanceledCount   int `json:"canceled"`
}
