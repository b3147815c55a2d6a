package downloader

import (
	"context"

	"github.com/vertextoedge/media-cache/internal/domain"
)

const progressBuffer = 16

// Task is a download running in the background
type Task struct {
	RemoteID string

	progress chan domain.Progress
	done     chan struct{}
	cancel   context.CancelFunc

	entry *domain.CacheEntry
	err   error
}

// Start runs a download asynchronously. The task's progress channel is closed
// when the download finishes, fails or is canceled.
func (e *Engine) Start(ctx context.Context, req *domain.DownloadRequest) *Task {
	ctx, cancel := context.WithCancel(ctx)
	t := &Task{
		RemoteID: req.RemoteID,
		progress: make(chan domain.Progress, progressBuffer),
		done:     make(chan struct{}),
		cancel:   cancel,
	}

	go func() {
		defer cancel()
		entry, err := e.run(ctx, req, t.publish)
		t.entry, t.err = entry, err
		close(t.progress)
		close(t.done)
	}()

	return t
}

// publish never blocks: a slow reader loses the oldest snapshot, and the
// final one always makes it into the channel
func (t *Task) publish(p domain.Progress) {
	for {
		select {
		case t.progress <- p:
			return
		default:
		}
		select {
		case <-t.progress:
		default:
		}
	}
}

// Progress returns the progress stream
func (t *Task) Progress() <-chan domain.Progress {
	return t.progress
}

// Cancel aborts the download; the partial file is removed
func (t *Task) Cancel() {
	t.cancel()
}

// Done is closed when the task has finished
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the task finishes and returns its result
func (t *Task) Wait() (*domain.CacheEntry, error) {
	<-t.done
	return t.entry, t.err
}
