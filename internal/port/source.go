package port

import (
	"context"
	"io"
)

// SourceStream is an open response body from the remote media source
type SourceStream struct {
	Body io.ReadCloser

	// ContentLength is -1 when the source did not declare it
	ContentLength int64

	// FileName is taken from Content-Disposition when present
	FileName string
}

// MediaSource defines the interface for fetching remote media
type MediaSource interface {
	// Open starts a streaming GET of sourceURL
	Open(ctx context.Context, sourceURL string) (*SourceStream, error)
}
