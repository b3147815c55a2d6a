package downloader

import (
	"errors"
	"io"
	"sync/atomic"
	"time"
)

var errStalled = errors.New("no data received within stall timeout")

// stallReader closes the underlying body when no byte arrives for timeout,
// which unblocks a Read stuck on a dead connection
type stallReader struct {
	body    io.ReadCloser
	timeout time.Duration
	timer   *time.Timer
	stalled atomic.Bool
}

func newStallReader(body io.ReadCloser, timeout time.Duration) *stallReader {
	s := &stallReader{body: body, timeout: timeout}
	if timeout > 0 {
		s.timer = time.AfterFunc(timeout, func() {
			s.stalled.Store(true)
			body.Close()
		})
	}
	return s
}

func (s *stallReader) Read(p []byte) (int, error) {
	n, err := s.body.Read(p)
	if n > 0 && s.timer != nil && !s.stalled.Load() {
		s.timer.Reset(s.timeout)
	}
	if err != nil && err != io.EOF && s.stalled.Load() {
		return n, errStalled
	}
	return n, err
}

// Stop disarms the watchdog
func (s *stallReader) Stop() {
	if s.timer != nil {
		s.timer.Stop()
	}
}

// progressReader wraps a reader to report transfer progress
type progressReader struct {
	reader     io.Reader
	bytesRead  int64
	interval   time.Duration
	lastUpdate time.Time
	onProgress func(read int64)
}

func (r *progressReader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	r.bytesRead += int64(n)

	// Periodically report progress
	if n > 0 && time.Since(r.lastUpdate) >= r.interval {
		r.onProgress(r.bytesRead)
		r.lastUpdate = time.Now()
	}

	return n, err
}

// writeError marks a failure on the local side of the copy
type writeError struct {
	err error
}

func (e *writeError) Error() string { return e.err.Error() }
func (e *writeError) Unwrap() error { return e.err }

// copyBuffer is io.CopyBuffer with write failures tagged so they can be told
// apart from read failures. onWrite is called after every successful write.
func copyBuffer(dst io.Writer, src io.Reader, buf []byte, onWrite func(n int64)) (int64, error) {
	var written int64
	for {
		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			if nw > 0 {
				written += int64(nw)
				onWrite(int64(nw))
			}
			if werr != nil {
				return written, &writeError{err: werr}
			}
			if nw != nr {
				return written, &writeError{err: io.ErrShortWrite}
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}
