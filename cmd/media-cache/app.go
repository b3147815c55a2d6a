package main

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/vertextoedge/media-cache/internal/adapter/filesystem"
	"github.com/vertextoedge/media-cache/internal/adapter/httpsource"
	"github.com/vertextoedge/media-cache/internal/adapter/sqlite"
	"github.com/vertextoedge/media-cache/internal/config"
	"github.com/vertextoedge/media-cache/internal/metrics"
	"github.com/vertextoedge/media-cache/internal/service/batch"
	"github.com/vertextoedge/media-cache/internal/service/cache"
	"github.com/vertextoedge/media-cache/internal/service/downloader"
	"github.com/vertextoedge/media-cache/internal/service/maintenance"
	"github.com/vertextoedge/media-cache/internal/service/space"
)

// app holds the wired services shared by every command
type app struct {
	fs      *filesystem.Manager
	db      *sqlite.Store
	cache   *cache.Store
	guard   *space.Guard
	engine  *downloader.Engine
	batches *batch.Coordinator

	// lock is nil when another process owns the cache root
	lock *filesystem.Lock
}

// errCacheBusy is returned by commands that need sole ownership of the cache
var errCacheBusy = errors.New("another media-cache process is using this cache")

// newApp opens the cache index and wires the services. The caller must Close
// the returned app.
//
// Only the process holding the cache lock purges temp files and recovers
// interrupted jobs; any other process would destroy live downloads.
func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	metrics.Register()

	fsManager, err := filesystem.NewManager(cfg.Cache.RootDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create filesystem manager: %w", err)
	}

	lock, err := filesystem.AcquireLock(filesystem.LockPath(fsManager.RootDir()))
	if err != nil && !errors.Is(err, filesystem.ErrLocked) {
		return nil, err
	}
	if lock == nil {
		logger.Info("cache is owned by another process, skipping startup recovery",
			zap.String("root", fsManager.RootDir()))
	}

	db, err := sqlite.Open(cfg.Database.Path)
	if err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("failed to open database %s: %w", cfg.Database.Path, err)
	}

	store := cache.New(fsManager, db, logger.Named("cache"))
	if lock != nil {
		if err := store.Open(ctx); err != nil {
			db.Close()
			lock.Unlock()
			return nil, fmt.Errorf("failed to open cache: %w", err)
		}
	}

	guard := space.NewGuard(&space.Config{
		SafetyBufferBytes:        cfg.Space.GetSafetyBuffer(),
		LowSpaceThresholdBytes:   cfg.Space.GetLowSpaceThreshold(),
		UnknownSizeEstimateBytes: cfg.Space.GetUnknownSizeEstimate(),
		WarnInterval:             cfg.Space.GetWarnInterval(),
	}, fsManager, logger.Named("space"))

	source := httpsource.New(&httpsource.Config{
		UserAgent:             cfg.Downloads.UserAgent,
		ResponseHeaderTimeout: cfg.Downloads.GetResponseHeaderTimeout(),
		SkipTLSVerify:         cfg.Downloads.SkipTLSVerify,
		BufferSizeKB:          cfg.Downloads.BufferSizeKB,
	})

	engine := downloader.New(source, store, fsManager, guard, db, logger.Named("downloader"), &downloader.Config{
		BufferSize:       cfg.Downloads.GetBufferSize(),
		StallTimeout:     cfg.Downloads.GetStallTimeout(),
		ProgressInterval: cfg.Downloads.GetProgressInterval(),
	})

	// Jobs left in progress by a previous run can never finish
	if lock != nil {
		if n, err := engine.Recover(ctx); err != nil {
			logger.Warn("failed to recover interrupted downloads", zap.Error(err))
		} else if n > 0 {
			logger.Info("marked interrupted downloads as failed", zap.Int("count", n))
		}
	}

	return &app{
		fs:      fsManager,
		db:      db,
		cache:   store,
		guard:   guard,
		engine:  engine,
		batches: batch.New(&batch.Config{
			DefaultDir:  store.RootDir(),
			Concurrency: cfg.Downloads.Concurrency,
		}, engine, guard, logger.Named("batch")),
		lock: lock,
	}, nil
}

func (a *app) maintenance(cfg *config.Config, logger *zap.Logger) *maintenance.Service {
	return maintenance.New(&maintenance.Config{
		ReconcileInterval: cfg.Maintenance.GetReconcileInterval(),
		CleanupInterval:   cfg.Maintenance.GetCleanupInterval(),
		JobMaxAge:         cfg.Maintenance.GetJobMaxAge(),
		TempFileMaxAge:    cfg.Maintenance.GetTempFileMaxAge(),
	}, a.db, a.fs, a.cache, logger.Named("maintenance"))
}

// owner reports whether this process holds the cache lock
func (a *app) owner() bool {
	return a.lock != nil
}

// Close releases the database and the cache lock
func (a *app) Close() error {
	err := a.db.Close()
	if unlockErr := a.lock.Unlock(); err == nil {
		err = unlockErr
	}
	return err
}
