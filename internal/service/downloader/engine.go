package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/vertextoedge/media-cache/internal/adapter/filesystem"
	"github.com/vertextoedge/media-cache/internal/domain"
	"github.com/vertextoedge/media-cache/internal/metrics"
	"github.com/vertextoedge/media-cache/internal/port"
)

// Config contains engine settings
type Config struct {
	// BufferSize is the copy buffer per download
	BufferSize int

	// StallTimeout fails a transfer that receives no bytes for this long
	StallTimeout time.Duration

	// ProgressInterval throttles progress events
	ProgressInterval time.Duration
}

// DefaultConfig returns default engine configuration
func DefaultConfig() *Config {
	return &Config{
		BufferSize:       1024 * 1024,
		StallTimeout:     60 * time.Second,
		ProgressInterval: 500 * time.Millisecond,
	}
}

// Engine fetches single media items into the cache. Every failure it returns
// is a *domain.DownloadError.
type Engine struct {
	source port.MediaSource
	store  port.CacheStore
	fs     port.FileSystem
	guard  port.SpaceGuard
	jobs   port.JobRepository
	logger *zap.Logger
	config *Config

	inflight singleflight.Group
}

// New creates a new Engine
func New(
	source port.MediaSource,
	store port.CacheStore,
	fs port.FileSystem,
	guard port.SpaceGuard,
	jobs port.JobRepository,
	logger *zap.Logger,
	cfg *Config,
) *Engine {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024 * 1024
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = 500 * time.Millisecond
	}
	return &Engine{
		source: source,
		store:  store,
		fs:     fs,
		guard:  guard,
		jobs:   jobs,
		logger: logger,
		config: cfg,
	}
}

// Guard returns the space guard the engine reserves against
func (e *Engine) Guard() port.SpaceGuard {
	return e.guard
}

// Download fetches req into the cache and returns the new entry
func (e *Engine) Download(ctx context.Context, req *domain.DownloadRequest) (*domain.CacheEntry, error) {
	return e.run(ctx, req, nil)
}

// Fetch returns the cached entry for req.RemoteID, downloading it first if
// needed. Concurrent fetches of the same id share one download.
func (e *Engine) Fetch(ctx context.Context, req *domain.DownloadRequest) (*domain.CacheEntry, error) {
	if entry, ok := e.store.Get(req.RemoteID); ok {
		return entry, nil
	}

	v, err, shared := e.inflight.Do(req.RemoteID, func() (any, error) {
		// Another fetch may have finished between the check and the call
		if entry, ok := e.store.Get(req.RemoteID); ok {
			return entry, nil
		}
		return e.Download(ctx, req)
	})
	if shared {
		e.logger.Debug("joined in-flight download", zap.String("remote_id", req.RemoteID))
	}
	if err != nil {
		return nil, err
	}
	return v.(*domain.CacheEntry), nil
}

// Recover fails journal rows left in progress by a previous process and
// deletes their temp files
func (e *Engine) Recover(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	jobs, err := e.jobs.ListInProgressJobs()
	if err != nil {
		return 0, fmt.Errorf("failed to list interrupted jobs: %w", err)
	}
	for _, job := range jobs {
		if job.TempPath == "" {
			continue
		}
		if err := e.fs.DeleteTempFile(job.TempPath); err != nil {
			e.logger.Warn("failed to delete temp file of interrupted job",
				zap.String("job_id", job.ID),
				zap.String("path", job.TempPath),
				zap.Error(err))
		}
	}

	n, err := e.jobs.FailInProgressJobs("interrupted by restart")
	if err != nil {
		return 0, fmt.Errorf("failed to fail interrupted jobs: %w", err)
	}
	if n > 0 {
		e.logger.Info("failed interrupted downloads", zap.Int("count", n))
	}
	return n, nil
}

// run performs one download with journal bookkeeping. sink may be nil.
func (e *Engine) run(ctx context.Context, req *domain.DownloadRequest, sink func(domain.Progress)) (*domain.CacheEntry, error) {
	if err := req.Validate(); err != nil {
		return nil, &domain.DownloadError{
			Kind:     domain.KindSourceUnavailable,
			RemoteID: req.RemoteID,
			Err:      err,
		}
	}
	if sink == nil {
		sink = func(domain.Progress) {}
	}

	destDir := req.DestinationDir
	if destDir == "" {
		destDir = e.store.RootDir()
	}
	fileName := resolveFileName(req)
	job := domain.NewDownloadJob(req, e.store.CachePath(destDir, req.RemoteID, fileName), "")
	if err := e.jobs.CreateJob(job); err != nil {
		e.logger.Warn("failed to journal download job",
			zap.String("remote_id", req.RemoteID),
			zap.Error(err))
	}

	metrics.ActiveDownloads.Inc()
	start := time.Now()
	entry, err := e.transfer(ctx, req, job, destDir, sink)
	metrics.ActiveDownloads.Dec()

	if err != nil {
		job.Fail(err)
		metrics.Downloads.WithLabelValues(domain.KindOf(err).String()).Inc()
		e.logger.Warn("download failed",
			zap.String("remote_id", req.RemoteID),
			zap.String("job_id", job.ID),
			zap.Stringer("kind", domain.KindOf(err)),
			zap.Int64("bytes_transferred", job.BytesTransferred),
			zap.Error(err))
	} else {
		job.Complete(entry.SizeBytes)
		metrics.Downloads.WithLabelValues("completed").Inc()
		metrics.DownloadedBytes.Add(float64(entry.SizeBytes))
		e.logger.Info("file cached",
			zap.String("remote_id", req.RemoteID),
			zap.String("path", entry.LocalPath),
			zap.Int64("size", entry.SizeBytes),
			zap.Duration("elapsed", time.Since(start)))
	}

	if uerr := e.jobs.UpdateJob(job); uerr != nil {
		e.logger.Warn("failed to update download job",
			zap.String("job_id", job.ID),
			zap.Error(uerr))
	}
	sink(domain.NewProgress(job, job.BytesTransferred, job.ExpectedSizeBytes))

	return entry, err
}

func (e *Engine) transfer(ctx context.Context, req *domain.DownloadRequest, job *domain.DownloadJob, destDir string, sink func(domain.Progress)) (*domain.CacheEntry, error) {
	fileName := filepath.Base(job.DestinationPath)
	fail := func(kind domain.ErrorKind, err error) *domain.DownloadError {
		return &domain.DownloadError{Kind: kind, RemoteID: req.RemoteID, FileName: fileName, Err: err}
	}

	if err := ctx.Err(); err != nil {
		return nil, fail(domain.KindCanceled, err)
	}

	// A custom destination must exist for the space check to see its volume
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return nil, fail(domain.KindTransferFailed, fmt.Errorf("failed to create destination dir: %w", err))
	}

	reservation, err := e.guard.Reserve(e.guard.EstimateSize(req.ExpectedSizeBytes), destDir)
	if err != nil {
		return nil, e.spaceError(err, req.RemoteID, fileName)
	}
	defer reservation.Release()

	stream, err := e.source.Open(ctx, req.SourceURL)
	if err != nil {
		return nil, fail(classifySourceError(ctx, err), err)
	}
	defer stream.Body.Close()

	// Content-Disposition names the file only when nothing better is known
	if req.FileName == "" && urlFileName(req.SourceURL) == "" && stream.FileName != "" {
		job.DestinationPath = e.store.CachePath(destDir, req.RemoteID, stream.FileName)
		fileName = filepath.Base(job.DestinationPath)
	}

	total := req.ExpectedSizeBytes
	if stream.ContentLength >= 0 {
		total = stream.ContentLength
		job.ExpectedSizeBytes = total
		if total > reservation.Bytes() {
			if err := reservation.Grow(total); err != nil {
				return nil, e.spaceError(err, req.RemoteID, fileName)
			}
		}
	}

	tmp, err := e.fs.CreateTempFile(job.DestinationPath)
	if err != nil {
		if filesystem.IsNoSpaceError(err) {
			return nil, e.diskFull(err, req.RemoteID, fileName, total, 0, destDir)
		}
		return nil, fail(domain.KindTransferFailed, err)
	}
	job.TempPath = tmp.Name()
	job.Start()
	if err := e.jobs.UpdateJob(job); err != nil {
		e.logger.Warn("failed to update download job", zap.String("job_id", job.ID), zap.Error(err))
	}

	e.logger.Debug("downloading",
		zap.String("remote_id", req.RemoteID),
		zap.String("source", req.SourceURL),
		zap.String("temp", tmp.Name()),
		zap.Int64("content_length", stream.ContentLength))

	// Cancellation closes the body so a blocked read returns at once
	stopCancel := context.AfterFunc(ctx, func() { stream.Body.Close() })
	defer stopCancel()

	watchdog := newStallReader(stream.Body, e.config.StallTimeout)
	defer watchdog.Stop()

	// Zero lastUpdate reports the first bytes immediately
	progress := &progressReader{
		reader:   watchdog,
		interval: e.config.ProgressInterval,
		onProgress: func(read int64) {
			job.BytesTransferred = read
			sink(domain.NewProgress(job, read, total))
		},
	}

	buf := make([]byte, e.config.BufferSize)
	written, copyErr := copyBuffer(tmp, progress, buf, reservation.Consume)
	job.BytesTransferred = written

	if copyErr == nil && stream.ContentLength >= 0 && written != stream.ContentLength {
		copyErr = fmt.Errorf("received %d of %d bytes: %w", written, stream.ContentLength, io.ErrUnexpectedEOF)
	}
	if copyErr == nil {
		copyErr = syncError(tmp.Sync())
	}
	if closeErr := tmp.Close(); copyErr == nil && closeErr != nil {
		copyErr = &writeError{err: closeErr}
	}

	if copyErr != nil {
		e.discardTemp(tmp.Name())
		var we *writeError
		switch {
		case ctx.Err() != nil:
			return nil, fail(domain.KindCanceled, ctx.Err())
		case errors.As(copyErr, &we) && filesystem.IsNoSpaceError(we.err):
			return nil, e.diskFull(we.err, req.RemoteID, fileName, max(total, written), written, destDir)
		default:
			return nil, fail(domain.KindTransferFailed, copyErr)
		}
	}

	entry := &domain.CacheEntry{
		RemoteID:     req.RemoteID,
		LocalPath:    job.DestinationPath,
		FileName:     fileName,
		SizeBytes:    written,
		DownloadedAt: time.Now(),
	}
	if err := e.store.Commit(tmp.Name(), entry); err != nil {
		e.discardTemp(tmp.Name())
		return nil, fail(domain.KindTransferFailed, err)
	}
	return entry, nil
}

// spaceError fills in the item on an InsufficientSpace error from the guard
func (e *Engine) spaceError(err error, remoteID, fileName string) error {
	var de *domain.DownloadError
	if !errors.As(err, &de) {
		de = &domain.DownloadError{Kind: domain.KindInsufficientSpace, Err: err}
	}
	de.RemoteID = remoteID
	de.FileName = fileName
	return de
}

func (e *Engine) diskFull(err error, remoteID, fileName string, needed, written int64, destDir string) error {
	de := &domain.DownloadError{
		Kind:        domain.KindDiskFull,
		RemoteID:    remoteID,
		FileName:    fileName,
		NeededBytes: needed,
		Err:         err,
	}
	// The temp file is gone by now so free space includes its bytes again
	if avail, aerr := e.guard.AvailableSpace(destDir); aerr == nil {
		de.AvailableBytes = avail
	}
	e.logger.Error("disk full while downloading",
		zap.String("remote_id", remoteID),
		zap.String("file", fileName),
		zap.Int64("needed", needed),
		zap.Int64("written", written),
		zap.Error(err))
	return de
}

// discardTemp removes a partial file; failures are logged and never replace
// the download error
func (e *Engine) discardTemp(tempPath string) {
	if err := e.fs.DeleteTempFile(tempPath); err != nil {
		e.logger.Error("failed to delete temp file",
			zap.String("path", tempPath),
			zap.Error(err))
	}
}

func syncError(err error) error {
	if err == nil {
		return nil
	}
	return &writeError{err: err}
}

func classifySourceError(ctx context.Context, err error) domain.ErrorKind {
	switch {
	case ctx.Err() != nil || errors.Is(err, context.Canceled):
		return domain.KindCanceled
	case errors.Is(err, domain.ErrSourceUnavailable):
		return domain.KindSourceUnavailable
	default:
		return domain.KindTransferFailed
	}
}

// resolveFileName picks the explicit name, else the last URL path segment,
// else the remote id
func resolveFileName(req *domain.DownloadRequest) string {
	if req.FileName != "" {
		return req.FileName
	}
	if name := urlFileName(req.SourceURL); name != "" {
		return name
	}
	return req.RemoteID
}

func urlFileName(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	base := path.Base(u.Path)
	if base == "." || base == "/" {
		return ""
	}
	return base
}
