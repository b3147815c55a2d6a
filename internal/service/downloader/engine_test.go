package downloader

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vertextoedge/media-cache/internal/adapter/filesystem"
	"github.com/vertextoedge/media-cache/internal/adapter/httpsource"
	"github.com/vertextoedge/media-cache/internal/adapter/sqlite"
	"github.com/vertextoedge/media-cache/internal/domain"
	"github.com/vertextoedge/media-cache/internal/port"
	"github.com/vertextoedge/media-cache/internal/service/cache"
	"github.com/vertextoedge/media-cache/internal/service/space"
)

// fakeDisk reports a fixed amount of free space
type fakeDisk struct {
	available atomic.Int64
}

func newFakeDisk(available int64) *fakeDisk {
	d := &fakeDisk{}
	d.available.Store(available)
	return d
}

func (d *fakeDisk) GetDiskUsage(path string) (*port.DiskUsage, error) {
	avail := uint64(d.available.Load())
	return &port.DiskUsage{Total: avail * 2, Free: avail, Available: avail}, nil
}

type testEnv struct {
	engine *Engine
	store  *cache.Store
	guard  *space.Guard
	fs     *filesystem.Manager
	db     *sqlite.Store
	disk   *fakeDisk
}

func newTestEnv(t *testing.T, available int64, cfg *Config) *testEnv {
	t.Helper()
	base := t.TempDir()

	fs, err := filesystem.NewManager(filepath.Join(base, "cache"))
	require.NoError(t, err)
	db, err := sqlite.Open(filepath.Join(base, "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := zap.NewNop()
	disk := newFakeDisk(available)
	guard := space.NewGuard(space.DefaultConfig(), disk, logger)
	store := cache.New(fs, db, logger)

	if cfg == nil {
		cfg = DefaultConfig()
		cfg.ProgressInterval = time.Millisecond
	}

	return &testEnv{
		engine: New(httpsource.New(nil), store, fs, guard, db, logger, cfg),
		store:  store,
		guard:  guard,
		fs:     fs,
		db:     db,
		disk:   disk,
	}
}

func (e *testEnv) withFS(fs port.FileSystem) {
	e.engine.fs = fs
}

func partFiles(t *testing.T, root string) []string {
	t.Helper()
	var parts []string
	filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err == nil && !d.IsDir() && strings.HasSuffix(path, filesystem.TempSuffix) {
			parts = append(parts, path)
		}
		return nil
	})
	return parts
}

func serveBytes(body []byte, hits *atomic.Int32) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.Write(body)
	}))
}

func TestEngine_Download(t *testing.T) {
	env := newTestEnv(t, 10*space.GiB, nil)
	body := []byte(strings.Repeat("media", 1000))

	var hits atomic.Int32
	srv := serveBytes(body, &hits)
	defer srv.Close()

	entry, err := env.engine.Download(context.Background(), &domain.DownloadRequest{
		RemoteID:  "asset-1",
		SourceURL: srv.URL + "/library/clip.mp4",
	})
	require.NoError(t, err)

	assert.Equal(t, "asset-1", entry.RemoteID)
	assert.Equal(t, "clip.mp4", entry.FileName)
	assert.Equal(t, int64(len(body)), entry.SizeBytes)
	assert.Equal(t, env.fs.CachePath("", "asset-1", "clip.mp4"), entry.LocalPath)

	data, err := os.ReadFile(entry.LocalPath)
	require.NoError(t, err)
	assert.Equal(t, body, data)

	assert.True(t, env.store.Has("asset-1"))
	assert.Empty(t, partFiles(t, env.fs.RootDir()))
	assert.Equal(t, int64(0), env.guard.Reserved())
	assert.Equal(t, int32(1), hits.Load())

	stats, err := env.db.GetJobStats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.CompletedCount)
}

func TestEngine_DownloadToCustomDestination(t *testing.T) {
	env := newTestEnv(t, 10*space.GiB, nil)
	srv := serveBytes([]byte("payload"), nil)
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "exports")
	entry, err := env.engine.Download(context.Background(), &domain.DownloadRequest{
		RemoteID:       "asset-1",
		SourceURL:      srv.URL + "/x",
		FileName:       "holiday.mov",
		DestinationDir: dest,
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(entry.LocalPath, dest))
	assert.Equal(t, "holiday.mov", entry.FileName)
	assert.FileExists(t, entry.LocalPath)
}

func TestEngine_InsufficientSpaceSendsNoRequest(t *testing.T) {
	env := newTestEnv(t, 520*space.MiB, nil)

	var hits atomic.Int32
	srv := serveBytes([]byte("never"), &hits)
	defer srv.Close()

	_, err := env.engine.Download(context.Background(), &domain.DownloadRequest{
		RemoteID:          "asset-1",
		SourceURL:         srv.URL + "/clip.mp4",
		ExpectedSizeBytes: 50 * space.MiB,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInsufficientSpace)

	var de *domain.DownloadError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "asset-1", de.RemoteID)
	assert.Equal(t, "clip.mp4", de.FileName)
	assert.Equal(t, 550*space.MiB, de.NeededBytes)
	assert.Equal(t, 520*space.MiB, de.AvailableBytes)
	assert.Contains(t, de.UserMessage(), "30 MiB")

	assert.Equal(t, int32(0), hits.Load())
	assert.False(t, env.store.Has("asset-1"))
	size, err := env.store.TotalSize()
	require.NoError(t, err)
	assert.Equal(t, int64(0), size)
}

func TestEngine_ExactlyAtBufferIsAllowed(t *testing.T) {
	env := newTestEnv(t, 550*space.MiB, nil)
	srv := serveBytes([]byte("ok"), nil)
	defer srv.Close()

	_, err := env.engine.Download(context.Background(), &domain.DownloadRequest{
		RemoteID:          "asset-1",
		SourceURL:         srv.URL + "/clip.mp4",
		ExpectedSizeBytes: 50 * space.MiB,
	})
	require.NoError(t, err)
}

func TestEngine_LargerContentLengthIsRechecked(t *testing.T) {
	// 100 MiB estimate fits, the declared 300 MiB does not
	env := newTestEnv(t, 700*space.MiB, nil)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.FormatInt(300*space.MiB, 10))
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	_, err := env.engine.Download(context.Background(), &domain.DownloadRequest{
		RemoteID:  "asset-1",
		SourceURL: srv.URL + "/big.mov",
	})
	assert.ErrorIs(t, err, domain.ErrInsufficientSpace)
	assert.Empty(t, partFiles(t, env.fs.RootDir()))
	assert.Equal(t, int64(0), env.guard.Reserved())
}

func TestEngine_SourceErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{"not found", http.StatusNotFound, domain.ErrSourceUnavailable},
		{"gone", http.StatusGone, domain.ErrSourceUnavailable},
		{"forbidden", http.StatusForbidden, domain.ErrSourceUnavailable},
		{"server error", http.StatusInternalServerError, domain.ErrTransferFailed},
		{"bad gateway", http.StatusBadGateway, domain.ErrTransferFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, 10*space.GiB, nil)
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			_, err := env.engine.Download(context.Background(), &domain.DownloadRequest{
				RemoteID:  "asset-1",
				SourceURL: srv.URL + "/clip.mp4",
			})
			assert.ErrorIs(t, err, tt.want)
			assert.False(t, env.store.Has("asset-1"))
			assert.Equal(t, int64(0), env.guard.Reserved())

			stats, err := env.db.GetJobStats()
			require.NoError(t, err)
			assert.Equal(t, 1, stats.FailedCount)
		})
	}
}

func TestEngine_ShortBodyIsTransferFailure(t *testing.T) {
	env := newTestEnv(t, 10*space.GiB, nil)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000")
		w.Write([]byte("only a little"))
		// Hijack to cut the connection short of the declared length
		conn, _, err := w.(http.Hijacker).Hijack()
		if err == nil {
			conn.Close()
		}
	}))
	defer srv.Close()

	_, err := env.engine.Download(context.Background(), &domain.DownloadRequest{
		RemoteID:  "asset-1",
		SourceURL: srv.URL + "/clip.mp4",
	})
	assert.ErrorIs(t, err, domain.ErrTransferFailed)
	assert.True(t, domain.IsRetryable(err))
	assert.Empty(t, partFiles(t, env.fs.RootDir()))
	assert.NoFileExists(t, env.fs.CachePath("", "asset-1", "clip.mp4"))
	assert.False(t, env.store.Has("asset-1"))
}

// blockingServer writes one chunk then holds the connection open
func blockingServer(t *testing.T) (*httptest.Server, chan struct{}) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", 4096)))
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})
	return srv, release
}

func TestEngine_StallIsTransferFailure(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StallTimeout = 100 * time.Millisecond
	env := newTestEnv(t, 10*space.GiB, cfg)

	srv, _ := blockingServer(t)

	start := time.Now()
	_, err := env.engine.Download(context.Background(), &domain.DownloadRequest{
		RemoteID:  "asset-1",
		SourceURL: srv.URL + "/clip.mp4",
	})
	assert.ErrorIs(t, err, domain.ErrTransferFailed)
	assert.ErrorIs(t, err, errStalled)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Empty(t, partFiles(t, env.fs.RootDir()))
}

func TestEngine_CancelRemovesPartialFile(t *testing.T) {
	env := newTestEnv(t, 10*space.GiB, nil)
	srv, _ := blockingServer(t)

	task := env.engine.Start(context.Background(), &domain.DownloadRequest{
		RemoteID:  "asset-1",
		SourceURL: srv.URL + "/clip.mp4",
	})

	// Wait until bytes are flowing
	for p := range task.Progress() {
		if p.BytesTransferred > 0 {
			break
		}
	}
	task.Cancel()

	entry, err := task.Wait()
	assert.Nil(t, entry)
	assert.ErrorIs(t, err, domain.ErrCanceled)
	assert.Equal(t, domain.KindCanceled, domain.KindOf(err))

	// The stream is finite
	for range task.Progress() {
	}
	select {
	case <-task.Done():
	default:
		t.Fatal("task should be done")
	}

	assert.Empty(t, partFiles(t, env.fs.RootDir()))
	assert.False(t, env.store.Has("asset-1"))
	assert.Equal(t, int64(0), env.guard.Reserved())

	stats, err := env.db.GetJobStats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.CanceledCount)
}

func TestEngine_StartReportsProgress(t *testing.T) {
	env := newTestEnv(t, 10*space.GiB, nil)
	body := []byte(strings.Repeat("z", 64*1024))
	srv := serveBytes(body, nil)
	defer srv.Close()

	task := env.engine.Start(context.Background(), &domain.DownloadRequest{
		RemoteID:  "asset-1",
		SourceURL: srv.URL + "/clip.mp4",
	})

	var last domain.Progress
	for p := range task.Progress() {
		last = p
	}

	entry, err := task.Wait()
	require.NoError(t, err)
	assert.Equal(t, int64(len(body)), entry.SizeBytes)

	assert.Equal(t, domain.JobStatusCompleted, last.Status)
	assert.Equal(t, int64(len(body)), last.BytesTransferred)
	assert.Equal(t, int64(len(body)), last.TotalBytes)
	assert.Equal(t, float64(100), last.Percent)
}

func TestEngine_FetchCollapsesConcurrentCalls(t *testing.T) {
	env := newTestEnv(t, 10*space.GiB, nil)

	var hits atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		w.Write([]byte("shared"))
	}))
	defer srv.Close()

	req := &domain.DownloadRequest{RemoteID: "asset-1", SourceURL: srv.URL + "/clip.mp4"}

	var wg sync.WaitGroup
	results := make([]*domain.CacheEntry, 5)
	errs := make([]error, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = env.engine.Fetch(context.Background(), req)
		}(i)
	}

	require.Eventually(t, func() bool { return hits.Load() == 1 }, 5*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0].LocalPath, results[i].LocalPath)
	}
	assert.Equal(t, int32(1), hits.Load())

	// Already cached, no request
	entry, err := env.engine.Fetch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, results[0].LocalPath, entry.LocalPath)
	assert.Equal(t, int32(1), hits.Load())
}

func TestEngine_RedownloadsWhenFileVanished(t *testing.T) {
	env := newTestEnv(t, 10*space.GiB, nil)

	var hits atomic.Int32
	srv := serveBytes([]byte("again"), &hits)
	defer srv.Close()

	req := &domain.DownloadRequest{RemoteID: "asset-1", SourceURL: srv.URL + "/clip.mp4"}
	entry, err := env.engine.Fetch(context.Background(), req)
	require.NoError(t, err)
	require.NoError(t, os.Remove(entry.LocalPath))

	entry, err = env.engine.Fetch(context.Background(), req)
	require.NoError(t, err)
	assert.FileExists(t, entry.LocalPath)
	assert.Equal(t, int32(2), hits.Load())
}

func TestEngine_RedownloadUnderNewNameReplacesFile(t *testing.T) {
	env := newTestEnv(t, 10*space.GiB, nil)

	srv := serveBytes([]byte("media"), nil)
	defer srv.Close()

	first, err := env.engine.Download(context.Background(), &domain.DownloadRequest{
		RemoteID:  "asset-1",
		SourceURL: srv.URL + "/clip.mp4",
	})
	require.NoError(t, err)

	second, err := env.engine.Download(context.Background(), &domain.DownloadRequest{
		RemoteID:  "asset-1",
		SourceURL: srv.URL + "/clip.mp4",
		FileName:  "renamed.mp4",
	})
	require.NoError(t, err)
	assert.NotEqual(t, first.LocalPath, second.LocalPath)

	files, err := os.ReadDir(filepath.Dir(second.LocalPath))
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "renamed.mp4", files[0].Name())
	assert.NoFileExists(t, first.LocalPath)

	cached, ok := env.store.Get("asset-1")
	require.True(t, ok)
	assert.Equal(t, second.LocalPath, cached.LocalPath)
}

func TestEngine_ContentDispositionNamesFile(t *testing.T) {
	env := newTestEnv(t, 10*space.GiB, nil)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Disposition", `attachment; filename="Sunset Take 2.mp4"`)
		w.Header().Set("Content-Length", "5")
		w.Write([]byte("media"))
	}))
	defer srv.Close()

	tests := []struct {
		name     string
		id       string
		url      string
		fileName string
		want     string
	}{
		{"header when url has no name", "asset-1", srv.URL + "/", "", "Sunset Take 2.mp4"},
		{"url name wins", "asset-2", srv.URL + "/clip.mp4", "", "clip.mp4"},
		{"explicit name wins", "asset-3", srv.URL + "/", "mine.mov", "mine.mov"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry, err := env.engine.Download(context.Background(), &domain.DownloadRequest{
				RemoteID:  tt.id,
				SourceURL: tt.url,
				FileName:  tt.fileName,
			})
			require.NoError(t, err)
			assert.Equal(t, tt.want, entry.FileName)
			assert.Equal(t, env.fs.CachePath("", tt.id, tt.want), entry.LocalPath)
			assert.FileExists(t, entry.LocalPath)
		})
	}
}

func TestEngine_InvalidRequest(t *testing.T) {
	env := newTestEnv(t, 10*space.GiB, nil)

	_, err := env.engine.Download(context.Background(), &domain.DownloadRequest{SourceURL: "http://example.invalid/a"})
	assert.ErrorIs(t, err, domain.ErrEmptyRemoteID)

	var de *domain.DownloadError
	assert.ErrorAs(t, err, &de)
}

func TestEngine_Recover(t *testing.T) {
	env := newTestEnv(t, 10*space.GiB, nil)

	dest := env.fs.CachePath("", "asset-1", "clip.mp4")
	tmp, err := env.fs.CreateTempFile(dest)
	require.NoError(t, err)
	tmp.Write([]byte("half"))
	tmp.Close()

	job := domain.NewDownloadJob(&domain.DownloadRequest{RemoteID: "asset-1", SourceURL: "http://x/clip.mp4"}, dest, tmp.Name())
	job.Start()
	require.NoError(t, env.db.CreateJob(job))

	n, err := env.engine.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoFileExists(t, tmp.Name())

	stored, err := env.db.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, stored.Status)
}

func TestResolveFileName(t *testing.T) {
	tests := []struct {
		name string
		req  domain.DownloadRequest
		want string
	}{
		{"explicit", domain.DownloadRequest{RemoteID: "id", SourceURL: "http://h/a.mp4", FileName: "b.mov"}, "b.mov"},
		{"url base", domain.DownloadRequest{RemoteID: "id", SourceURL: "http://h/dir/a.mp4?sig=1"}, "a.mp4"},
		{"escaped url", domain.DownloadRequest{RemoteID: "id", SourceURL: "http://h/my%20clip.mp4"}, "my clip.mp4"},
		{"no path", domain.DownloadRequest{RemoteID: "id", SourceURL: "http://h"}, "id"},
		{"root path", domain.DownloadRequest{RemoteID: "id", SourceURL: "http://h/"}, "id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, resolveFileName(&tt.req))
		})
	}
}

func TestClassifySourceError(t *testing.T) {
	ctx := context.Background()
	canceled, cancel := context.WithCancel(ctx)
	cancel()

	assert.Equal(t, domain.KindCanceled, classifySourceError(canceled, errors.New("boom")))
	assert.Equal(t, domain.KindSourceUnavailable, classifySourceError(ctx, domain.ErrSourceUnavailable))
	assert.Equal(t, domain.KindTransferFailed, classifySourceError(ctx, errors.New("reset")))
}
