package batch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vertextoedge/media-cache/internal/domain"
	"github.com/vertextoedge/media-cache/internal/metrics"
	"github.com/vertextoedge/media-cache/internal/port"
)

// Downloader fetches a single item
type Downloader interface {
	Download(ctx context.Context, req *domain.DownloadRequest) (*domain.CacheEntry, error)
}

// MaxConcurrency bounds the parallel downloads of a single batch
const MaxConcurrency = 16

// errAbort stops the remaining items after a disk full failure
var errAbort = errors.New("batch aborted")

// Config contains batch defaults
type Config struct {
	// DefaultDir is used when a request names no destination
	DefaultDir string

	// Concurrency is used when a request does not set one
	Concurrency int
}

// Coordinator runs a user selection as a batch of downloads
type Coordinator struct {
	config     *Config
	downloader Downloader
	guard      port.SpaceGuard
	logger     *zap.Logger
}

// New creates a new Coordinator
func New(cfg *Config, downloader Downloader, guard port.SpaceGuard, logger *zap.Logger) *Coordinator {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Coordinator{
		config:     cfg,
		downloader: downloader,
		guard:      guard,
		logger:     logger,
	}
}

// concurrency resolves the parallelism of a request
func (c *Coordinator) concurrency(requested int) int {
	if requested <= 0 {
		requested = c.config.Concurrency
	}
	return min(max(requested, 1), MaxConcurrency)
}

// DownloadBatch downloads every item of req. It never returns an error: the
// outcome of each item is in the result.
func (c *Coordinator) DownloadBatch(ctx context.Context, req *domain.BatchRequest) *domain.BatchResult {
	result := &domain.BatchResult{Items: make([]domain.ItemResult, len(req.Items))}
	for i, item := range req.Items {
		result.Items[i].RemoteID = item.RemoteID
	}
	if len(req.Items) == 0 {
		return result
	}

	r := *req
	if r.DestinationDir == "" {
		r.DestinationDir = c.config.DefaultDir
	}
	r.Concurrency = c.concurrency(r.Concurrency)
	req = &r

	if !c.precheck(req, result) {
		result.Tally()
		metrics.Batches.WithLabelValues("insufficient_space").Inc()
		return result
	}

	if req.Concurrency > 1 {
		c.runConcurrent(ctx, req, result)
	} else {
		c.runSequential(ctx, req, result)
	}

	c.markRemaining(ctx, req, result)
	result.Tally()

	outcome := "completed"
	switch {
	case result.DiskFullAborted:
		outcome = "disk_full"
	case ctx.Err() != nil:
		outcome = "canceled"
	case result.Failed > 0 || result.Skipped > 0:
		outcome = "partial"
	}
	metrics.Batches.WithLabelValues(outcome).Inc()

	c.logger.Info("batch finished",
		zap.Int("items", len(req.Items)),
		zap.Int("succeeded", result.Succeeded),
		zap.Int("failed", result.Failed),
		zap.Int("skipped", result.Skipped),
		zap.Bool("disk_full_aborted", result.DiskFullAborted))
	return result
}

// precheck rejects the whole batch up front when the summed estimate does not
// fit. Returns false when the batch was rejected.
func (c *Coordinator) precheck(req *domain.BatchRequest, result *domain.BatchResult) bool {
	var total int64
	for _, item := range req.Items {
		total += c.guard.EstimateSize(item.ExpectedSizeBytes)
	}

	var check *port.SpaceCheckResult
	err := os.MkdirAll(req.DestinationDir, 0755)
	if err == nil {
		check, err = c.guard.CheckSpace(total, req.DestinationDir)
	}
	if err == nil && check.HasSpace {
		return true
	}

	result.InsufficientSpace = true
	var cause error
	if err != nil {
		result.NeededBytes = total
		cause = fmt.Errorf("could not determine free space: %w", err)
	} else {
		result.NeededBytes = check.RequiredBytes + check.BufferBytes
		result.AvailableBytes = max(check.AvailableBytes-check.ReservedBytes, 0)
		cause = fmt.Errorf("batch needs %s plus a %s safety buffer, %s available",
			humanize.IBytes(uint64(check.RequiredBytes)),
			humanize.IBytes(uint64(check.BufferBytes)),
			humanize.IBytes(uint64(result.AvailableBytes)))
	}

	c.logger.Warn("batch rejected for insufficient space",
		zap.Int("items", len(req.Items)),
		zap.Int64("needed", result.NeededBytes),
		zap.Int64("available", result.AvailableBytes),
		zap.Error(cause))

	for i, item := range req.Items {
		result.Items[i].SetError(&domain.DownloadError{
			Kind:           domain.KindInsufficientSpace,
			RemoteID:       item.RemoteID,
			FileName:       item.FileName,
			NeededBytes:    result.NeededBytes,
			AvailableBytes: result.AvailableBytes,
			Err:            cause,
		})
	}
	return false
}

func (c *Coordinator) runSequential(ctx context.Context, req *domain.BatchRequest, result *domain.BatchResult) {
	for i := range req.Items {
		if ctx.Err() != nil {
			return
		}
		if err := c.runItem(ctx, req, result, i); err != nil {
			return
		}
	}
}

func (c *Coordinator) runConcurrent(ctx context.Context, req *domain.BatchRequest, result *domain.BatchResult) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(req.Concurrency)

	var mu sync.Mutex
	for i := range req.Items {
		if gctx.Err() != nil {
			break
		}
		i := i
		g.Go(func() error {
			// The batch may have been aborted while this item waited for a slot
			if gctx.Err() != nil {
				return nil
			}
			return c.runItemLocked(gctx, req, result, i, &mu)
		})
	}
	g.Wait()
}

func (c *Coordinator) runItemLocked(ctx context.Context, req *domain.BatchRequest, result *domain.BatchResult, i int, mu *sync.Mutex) error {
	mu.Lock()
	result.Items[i].Attempted = true
	mu.Unlock()

	entry, err := c.downloader.Download(ctx, req.DownloadRequest(i))

	mu.Lock()
	defer mu.Unlock()
	return c.record(result, i, entry, err)
}

func (c *Coordinator) runItem(ctx context.Context, req *domain.BatchRequest, result *domain.BatchResult, i int) error {
	result.Items[i].Attempted = true
	entry, err := c.downloader.Download(ctx, req.DownloadRequest(i))
	return c.record(result, i, entry, err)
}

// record stores an item outcome and returns errAbort when the batch must stop
func (c *Coordinator) record(result *domain.BatchResult, i int, entry *domain.CacheEntry, err error) error {
	item := &result.Items[i]
	if err == nil {
		item.Entry = entry
		return nil
	}

	item.SetError(err)
	if domain.KindOf(err) != domain.KindDiskFull {
		return nil
	}

	if !result.DiskFullAborted {
		result.DiskFullAborted = true
		result.DiskFullItem = item.RemoteID
		var de *domain.DownloadError
		if errors.As(err, &de) {
			if de.FileName != "" {
				result.DiskFullItem = de.FileName
			}
			result.NeededBytes = de.NeededBytes
			result.AvailableBytes = de.AvailableBytes
		}
		c.logger.Error("disk full, aborting batch",
			zap.String("item", result.DiskFullItem),
			zap.Error(err))
	}
	return errAbort
}

// markRemaining explains every item that was never attempted
func (c *Coordinator) markRemaining(ctx context.Context, req *domain.BatchRequest, result *domain.BatchResult) {
	for i := range result.Items {
		item := &result.Items[i]
		if item.Attempted {
			continue
		}
		switch {
		case result.DiskFullAborted:
			item.Message = fmt.Sprintf("Skipped because the disk filled up while downloading %s.", result.DiskFullItem)
		case ctx.Err() != nil:
			item.SetError(&domain.DownloadError{
				Kind:     domain.KindCanceled,
				RemoteID: item.RemoteID,
				FileName: req.Items[i].FileName,
				Err:      ctx.Err(),
			})
		}
	}
}
