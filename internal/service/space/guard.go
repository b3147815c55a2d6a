package space

import (
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/vertextoedge/media-cache/internal/domain"
	"github.com/vertextoedge/media-cache/internal/metrics"
	"github.com/vertextoedge/media-cache/internal/port"
	"github.com/vertextoedge/media-cache/internal/util/ratelimiter"
)

const (
	MiB int64 = 1024 * 1024
	GiB int64 = 1024 * MiB
)

// DiskUsageProvider reports free space for a path
type DiskUsageProvider interface {
	GetDiskUsage(path string) (*port.DiskUsage, error)
}

// Config contains the space policy
type Config struct {
	// SafetyBufferBytes must remain free after every write
	SafetyBufferBytes int64

	// LowSpaceThresholdBytes triggers a non-blocking warning
	LowSpaceThresholdBytes int64

	// UnknownSizeEstimateBytes is assumed when the size of a file is not known
	UnknownSizeEstimateBytes int64

	// WarnInterval throttles low space warnings per volume
	WarnInterval time.Duration
}

// DefaultConfig returns the default space policy
func DefaultConfig() *Config {
	return &Config{
		SafetyBufferBytes:        500 * MiB,
		LowSpaceThresholdBytes:   2 * GiB,
		UnknownSizeEstimateBytes: 100 * MiB,
		WarnInterval:             time.Minute,
	}
}

// Guard decides whether a prospective write is safe. Reservations made through
// Reserve are subtracted from the free space seen by every later check on the
// same volume, so concurrent downloads cannot jointly overcommit a disk.
type Guard struct {
	config *Config
	disk   DiskUsageProvider
	logger *zap.Logger
	warns  *ratelimiter.Limiter

	mu sync.Mutex
	// reserved is keyed by port.DiskUsage.VolumeID. Volumes the provider
	// cannot identify share the "" key.
	reserved map[string]int64
	total    int64
}

// Ensure Guard implements port.SpaceGuard
var _ port.SpaceGuard = (*Guard)(nil)

// NewGuard creates a new Guard
func NewGuard(cfg *Config, disk DiskUsageProvider, logger *zap.Logger) *Guard {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.SafetyBufferBytes < 0 {
		cfg.SafetyBufferBytes = 0
	}
	if cfg.UnknownSizeEstimateBytes <= 0 {
		cfg.UnknownSizeEstimateBytes = 100 * MiB
	}
	if cfg.WarnInterval == 0 {
		cfg.WarnInterval = time.Minute
	}

	return &Guard{
		config: cfg,
		disk:   disk,
		logger: logger,
		warns:    ratelimiter.New(cfg.WarnInterval),
		reserved: make(map[string]int64),
	}
}

// Config returns the active space policy
func (g *Guard) Config() Config {
	return *g.config
}

// AvailableSpace returns the bytes available to this user on the volume
// containing targetPath
func (g *Guard) AvailableSpace(targetPath string) (int64, error) {
	usage, err := g.disk.GetDiskUsage(targetPath)
	if err != nil {
		return 0, err
	}
	return int64(usage.Available), nil
}

// HasEnoughSpace returns true if requiredBytes fit while leaving the safety
// buffer free. It fails closed when free space cannot be determined.
func (g *Guard) HasEnoughSpace(requiredBytes int64, targetPath string) bool {
	result, err := g.CheckSpace(requiredBytes, targetPath)
	if err != nil {
		g.logger.Warn("space check failed, treating as insufficient",
			zap.String("path", targetPath),
			zap.Error(err))
		return false
	}
	return result.HasSpace
}

// CheckSpace returns detailed information about a prospective write
func (g *Guard) CheckSpace(requiredBytes int64, targetPath string) (*port.SpaceCheckResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	result, _, err := g.checkLocked(requiredBytes, targetPath)
	return result, err
}

// checkLocked must be called with g.mu held. It also returns the volume the
// check applied to.
func (g *Guard) checkLocked(requiredBytes int64, targetPath string) (*port.SpaceCheckResult, string, error) {
	if requiredBytes < 0 {
		requiredBytes = 0
	}

	usage, err := g.disk.GetDiskUsage(targetPath)
	if err != nil {
		return nil, "", err
	}
	available := int64(usage.Available)
	volume := usage.VolumeID
	reserved := g.reserved[volume]

	result := &port.SpaceCheckResult{
		AvailableBytes: available,
		ReservedBytes:  reserved,
		RequiredBytes:  requiredBytes,
		BufferBytes:    g.config.SafetyBufferBytes,
	}

	remaining := available - reserved - requiredBytes
	if remaining >= g.config.SafetyBufferBytes {
		result.HasSpace = true
	} else {
		result.ShortfallBytes = g.config.SafetyBufferBytes - remaining
	}

	if result.HasSpace && remaining < g.config.LowSpaceThresholdBytes {
		result.LowSpace = true
		g.warnLowSpace(targetPath, remaining)
	}

	return result, volume, nil
}

func (g *Guard) warnLowSpace(targetPath string, remaining int64) {
	metrics.LowSpaceWarnings.Inc()
	if ok, _ := g.warns.Allow(targetPath); !ok {
		return
	}
	g.logger.Warn("disk space is running low",
		zap.String("path", targetPath),
		zap.String("remaining_after_write", humanize.IBytes(uint64(max(remaining, 0)))),
		zap.String("threshold", humanize.IBytes(uint64(g.config.LowSpaceThresholdBytes))))
}

// Reserve atomically checks and reserves space for a prospective write.
// It returns a *domain.DownloadError of kind InsufficientSpace when the write
// does not fit, and fails closed when free space cannot be determined.
func (g *Guard) Reserve(requiredBytes int64, targetPath string) (port.Reservation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	result, volume, err := g.checkLocked(requiredBytes, targetPath)
	if err != nil {
		metrics.SpaceRejections.Inc()
		return nil, &domain.DownloadError{
			Kind:        domain.KindInsufficientSpace,
			NeededBytes: requiredBytes + g.config.SafetyBufferBytes,
			Err:         fmt.Errorf("could not determine free space: %w", err),
		}
	}
	if !result.HasSpace {
		metrics.SpaceRejections.Inc()
		return nil, g.insufficient(result)
	}

	g.addLocked(volume, result.RequiredBytes)
	return &reservation{guard: g, path: targetPath, volume: volume, bytes: result.RequiredBytes}, nil
}

// EstimateSize returns knownBytes, or the configured floor when unknown
func (g *Guard) EstimateSize(knownBytes int64) int64 {
	if knownBytes > 0 {
		return knownBytes
	}
	return g.config.UnknownSizeEstimateBytes
}

// Reserved returns bytes reserved but not yet written, across all volumes
func (g *Guard) Reserved() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.total
}

func (g *Guard) insufficient(result *port.SpaceCheckResult) *domain.DownloadError {
	usable := result.AvailableBytes - result.ReservedBytes
	return &domain.DownloadError{
		Kind:           domain.KindInsufficientSpace,
		NeededBytes:    result.RequiredBytes + result.BufferBytes,
		AvailableBytes: max(usable, 0),
		Err: fmt.Errorf("need %s plus a %s safety buffer, %s available",
			humanize.IBytes(uint64(result.RequiredBytes)),
			humanize.IBytes(uint64(result.BufferBytes)),
			humanize.IBytes(uint64(max(usable, 0)))),
	}
}

// addLocked must be called with g.mu held; n may be negative
func (g *Guard) addLocked(volume string, n int64) {
	left := g.reserved[volume] + n
	if left <= 0 {
		n -= left
		delete(g.reserved, volume)
	} else {
		g.reserved[volume] = left
	}
	g.total = max(g.total+n, 0)
	metrics.ReservedBytes.Set(float64(g.total))
}

func (g *Guard) release(volume string, n int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.addLocked(volume, -n)
}

type reservation struct {
	guard  *Guard
	path   string
	volume string

	mu       sync.Mutex
	bytes    int64
	released bool
}

func (r *reservation) Bytes() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bytes
}

// Grow raises the reservation to total, re-checking only the extra bytes
func (r *reservation) Grow(total int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return fmt.Errorf("reservation already released")
	}

	extra := total - r.bytes
	if extra <= 0 {
		return nil
	}

	g := r.guard
	g.mu.Lock()
	defer g.mu.Unlock()

	result, _, err := g.checkLocked(extra, r.path)
	if err != nil {
		metrics.SpaceRejections.Inc()
		return &domain.DownloadError{
			Kind:        domain.KindInsufficientSpace,
			NeededBytes: total + g.config.SafetyBufferBytes,
			Err:         fmt.Errorf("could not determine free space: %w", err),
		}
	}
	if !result.HasSpace {
		metrics.SpaceRejections.Inc()
		de := g.insufficient(result)
		de.NeededBytes = extra + result.BufferBytes
		return de
	}

	g.addLocked(r.volume, extra)
	r.bytes = total
	return nil
}

// Consume hands written bytes back; the disk itself now accounts for them
func (r *reservation) Consume(n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released || n <= 0 {
		return
	}
	if n > r.bytes {
		n = r.bytes
	}
	r.bytes -= n
	r.guard.release(r.volume, n)
}

func (r *reservation) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return
	}
	r.released = true
	r.guard.release(r.volume, r.bytes)
	r.bytes = 0
}
