package httpsource

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/vertextoedge/media-cache/internal/domain"
	"github.com/vertextoedge/media-cache/internal/port"
)

// Config contains optional source configuration
type Config struct {
	UserAgent             string
	ResponseHeaderTimeout time.Duration
	SkipTLSVerify         bool
	BufferSizeKB          int
}

// DefaultConfig returns default source configuration
func DefaultConfig() *Config {
	return &Config{
		UserAgent:             "media-cache",
		ResponseHeaderTimeout: 30 * time.Second,
		BufferSizeKB:          256,
	}
}

// Source streams media over HTTP(S)
type Source struct {
	client *resty.Client
}

// Ensure Source implements port.MediaSource
var _ port.MediaSource = (*Source)(nil)

// New creates a new HTTP media source
func New(cfg *Config) *Source {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.ResponseHeaderTimeout == 0 {
		cfg.ResponseHeaderTimeout = 30 * time.Second
	}
	bufferSize := 256 * 1024
	if cfg.BufferSizeKB > 0 {
		bufferSize = cfg.BufferSizeKB * 1024
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: cfg.SkipTLSVerify,
		},
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,

		// Buffer sizes for high-speed transfers
		WriteBufferSize: bufferSize,
		ReadBufferSize:  bufferSize,

		ForceAttemptHTTP2: true,

		// Media is already compressed
		DisableCompression: true,

		// Response header timeout (not total download timeout)
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
	}

	client := resty.New().
		SetTransport(transport).
		// No total timeout; stalls are detected by the engine
		SetTimeout(0).
		SetRetryCount(0)
	if cfg.UserAgent != "" {
		client.SetHeader("User-Agent", cfg.UserAgent)
	}

	return &Source{client: client}
}

// Open starts a streaming GET of sourceURL. The caller owns the returned body.
func (s *Source) Open(ctx context.Context, sourceURL string) (*port.SourceStream, error) {
	resp, err := s.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(sourceURL)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrTransferFailed, err)
	}

	body := resp.RawBody()
	status := resp.StatusCode()
	if status < 200 || status >= 300 {
		if body != nil {
			io.Copy(io.Discard, io.LimitReader(body, 64*1024))
			body.Close()
		}
		return nil, classifyStatus(status)
	}
	if body == nil {
		return nil, fmt.Errorf("%w: empty response body", domain.ErrTransferFailed)
	}

	stream := &port.SourceStream{
		Body:          body,
		ContentLength: -1,
		FileName:      fileNameFromDisposition(resp.Header().Get("Content-Disposition")),
	}
	if cl := resp.Header().Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil && n >= 0 {
			stream.ContentLength = n
		}
	}
	return stream, nil
}

// classifyStatus maps HTTP status codes to download failure kinds
func classifyStatus(status int) error {
	switch status {
	case http.StatusNotFound, http.StatusGone, http.StatusForbidden, http.StatusUnauthorized:
		return fmt.Errorf("%w: remote returned %d %s", domain.ErrSourceUnavailable, status, http.StatusText(status))
	default:
		return fmt.Errorf("%w: remote returned %d %s", domain.ErrTransferFailed, status, http.StatusText(status))
	}
}

func fileNameFromDisposition(header string) string {
	if header == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(header)
	if err != nil {
		return ""
	}
	return params["filename"]
}
