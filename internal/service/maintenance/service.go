package maintenance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vertextoedge/media-cache/internal/port"
	"github.com/vertextoedge/media-cache/internal/service/cache"
)

// Reconciler brings the cache index in line with the disk
type Reconciler interface {
	Reconcile() (*cache.ReconcileReport, error)
}

// Config contains maintenance service configuration
type Config struct {
	// ReconcileInterval is how often the index is checked against the disk
	ReconcileInterval time.Duration

	// CleanupInterval is how often to run cleanup tasks
	CleanupInterval time.Duration

	// JobMaxAge is how long finished jobs stay in the journal
	JobMaxAge time.Duration

	// TempFileMaxAge is the maximum age of temp files before cleanup
	TempFileMaxAge time.Duration
}

// DefaultConfig returns default maintenance configuration
func DefaultConfig() *Config {
	return &Config{
		ReconcileInterval: time.Hour,
		CleanupInterval:   time.Hour,
		JobMaxAge:         7 * 24 * time.Hour,
		TempFileMaxAge:    24 * time.Hour,
	}
}

// Service handles periodic maintenance tasks
type Service struct {
	config     *Config
	jobs       port.JobRepository
	fs         port.FileSystem
	reconciler Reconciler
	logger     *zap.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a new maintenance Service
func New(cfg *Config, jobs port.JobRepository, fs port.FileSystem, reconciler Reconciler, logger *zap.Logger) *Service {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.ReconcileInterval == 0 {
		cfg.ReconcileInterval = time.Hour
	}
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = time.Hour
	}
	if cfg.JobMaxAge == 0 {
		cfg.JobMaxAge = 7 * 24 * time.Hour
	}
	if cfg.TempFileMaxAge == 0 {
		cfg.TempFileMaxAge = 24 * time.Hour
	}

	return &Service{
		config:     cfg,
		jobs:       jobs,
		fs:         fs,
		reconciler: reconciler,
		logger:     logger,
	}
}

// Start runs the maintenance loop until ctx is canceled or Stop is called
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("maintenance service already running")
	}
	s.running = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.logger.Info("maintenance service started",
		zap.Duration("reconcile_interval", s.config.ReconcileInterval),
		zap.Duration("cleanup_interval", s.config.CleanupInterval))

	s.wg.Add(1)
	go s.maintenanceLoop(ctx)

	<-ctx.Done()
	s.wg.Wait()
	s.logger.Info("maintenance service stopped")
	return nil
}

// Stop stops the maintenance service
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	s.running = false
}

// RunOnce performs every maintenance task immediately
func (s *Service) RunOnce() {
	s.cleanupJobs()
	s.cleanupTempFiles()
	s.reconcile()
}

func (s *Service) maintenanceLoop(ctx context.Context) {
	defer s.wg.Done()

	reconcileTicker := time.NewTicker(s.config.ReconcileInterval)
	defer reconcileTicker.Stop()

	cleanupTicker := time.NewTicker(s.config.CleanupInterval)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-reconcileTicker.C:
			s.reconcile()
		case <-cleanupTicker.C:
			s.cleanupJobs()
			s.cleanupTempFiles()
		}
	}
}

// reconcile drops index rows for deleted files and adopts unindexed ones
func (s *Service) reconcile() {
	report, err := s.reconciler.Reconcile()
	if err != nil {
		s.logger.Error("failed to reconcile cache index", zap.Error(err))
		return
	}
	if report.Changed() {
		s.logger.Info("reconciled cache index",
			zap.Int("dropped", report.Dropped),
			zap.Int("adopted", report.Adopted),
			zap.Int("resized", report.Resized),
			zap.Int("strays_purged", report.StraysPurged))
	}
}

// cleanupJobs removes old finished jobs from the journal
func (s *Service) cleanupJobs() {
	cleared, err := s.jobs.CleanupOldJobs(s.config.JobMaxAge)
	if err != nil {
		s.logger.Error("failed to cleanup old jobs", zap.Error(err))
	} else if cleared > 0 {
		s.logger.Info("cleaned up old jobs", zap.Int("count", cleared))
	}
}

// cleanupTempFiles removes abandoned partial downloads
func (s *Service) cleanupTempFiles() {
	fileCount, err := s.fs.CleanOldTempFiles(s.config.TempFileMaxAge)
	if err != nil {
		s.logger.Error("failed to cleanup old temp files", zap.Error(err))
	} else if fileCount > 0 {
		s.logger.Info("cleaned up old temp files from filesystem", zap.Int("count", fileCount))
	}
}
