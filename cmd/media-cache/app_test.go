package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vertextoedge/media-cache/internal/adapter/filesystem"
	"github.com/vertextoedge/media-cache/internal/adapter/sqlite"
	"github.com/vertextoedge/media-cache/internal/config"
	"github.com/vertextoedge/media-cache/internal/domain"
)

func TestNewApp_LeavesLiveDownloadsOfLockOwnerAlone(t *testing.T) {
	t.Setenv("MEDIA_CACHE_APP_DIR", t.TempDir())
	cfg, err := config.Load("")
	require.NoError(t, err)

	// A download in progress in another process: a temp file and its journal row
	part := filepath.Join(cfg.Cache.RootDir, filesystem.EncodeRemoteID("r1"), "clip.mp4.abcd1234"+filesystem.TempSuffix)
	require.NoError(t, os.MkdirAll(filepath.Dir(part), 0755))
	require.NoError(t, os.WriteFile(part, []byte("partial"), 0644))

	db, err := sqlite.Open(cfg.Database.Path)
	require.NoError(t, err)
	job := domain.NewDownloadJob(&domain.DownloadRequest{RemoteID: "r1", SourceURL: "http://example/clip.mp4"}, "", part)
	require.NoError(t, db.CreateJob(job))
	job.Start()
	require.NoError(t, db.UpdateJob(job))
	require.NoError(t, db.Close())

	held, err := filesystem.AcquireLock(filesystem.LockPath(cfg.Cache.RootDir))
	require.NoError(t, err)

	a, err := newApp(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	assert.False(t, a.owner())
	assert.FileExists(t, part)

	got, err := a.db.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusInProgress, got.Status)
	require.NoError(t, a.Close())

	// Once the owner is gone the leftovers are recovered
	require.NoError(t, held.Unlock())

	a, err = newApp(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer a.Close()
	assert.True(t, a.owner())
	assert.NoFileExists(t, part)

	got, err = a.db.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, got.Status)
}
