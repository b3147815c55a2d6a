package space

import (
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vertextoedge/media-cache/internal/domain"
	"github.com/vertextoedge/media-cache/internal/port"
)

// mockDisk implements DiskUsageProvider for testing
type mockDisk struct {
	mu        sync.Mutex
	available int64
	err       error
	calls     int
}

func (m *mockDisk) GetDiskUsage(path string) (*port.DiskUsage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return &port.DiskUsage{
		Total:     uint64(m.available) * 4,
		Free:      uint64(m.available),
		Available: uint64(m.available),
		Used:      uint64(m.available) * 3,
		UsedPct:   75,
	}, nil
}

func newTestGuard(available int64) (*Guard, *mockDisk) {
	disk := &mockDisk{available: available}
	return NewGuard(DefaultConfig(), disk, zap.NewNop()), disk
}

func TestGuard_HasEnoughSpace(t *testing.T) {
	tests := []struct {
		name      string
		available int64
		required  int64
		want      bool
	}{
		{name: "600 MiB free, 50 MiB file", available: 600 * MiB, required: 50 * MiB, want: true},
		{name: "520 MiB free, 50 MiB file", available: 520 * MiB, required: 50 * MiB, want: false},
		{name: "exactly the buffer remains", available: 550 * MiB, required: 50 * MiB, want: true},
		{name: "one byte short of the buffer", available: 550*MiB - 1, required: 50 * MiB, want: false},
		{name: "zero size still needs the buffer", available: 400 * MiB, required: 0, want: false},
		{name: "plenty of room", available: 100 * GiB, required: 4 * GiB, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, _ := newTestGuard(tt.available)
			if got := g.HasEnoughSpace(tt.required, "/cache"); got != tt.want {
				t.Errorf("HasEnoughSpace() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGuard_FailsClosed(t *testing.T) {
	g, disk := newTestGuard(100 * GiB)
	disk.err = errors.New("no such file or directory")

	assert.False(t, g.HasEnoughSpace(1, "/missing"))

	_, err := g.AvailableSpace("/missing")
	assert.Error(t, err)

	_, err = g.Reserve(1, "/missing")
	require.Error(t, err)
	assert.Equal(t, domain.KindInsufficientSpace, domain.KindOf(err))
}

func TestGuard_CheckSpace(t *testing.T) {
	t.Run("reports shortfall", func(t *testing.T) {
		g, _ := newTestGuard(520 * MiB)
		result, err := g.CheckSpace(50*MiB, "/cache")
		require.NoError(t, err)
		assert.False(t, result.HasSpace)
		assert.Equal(t, 30*MiB, result.ShortfallBytes)
		assert.Equal(t, 500*MiB, result.BufferBytes)
	})

	t.Run("low space is a warning, not a failure", func(t *testing.T) {
		g, _ := newTestGuard(1 * GiB)
		result, err := g.CheckSpace(100*MiB, "/cache")
		require.NoError(t, err)
		assert.True(t, result.HasSpace)
		assert.True(t, result.LowSpace)
	})

	t.Run("above low space threshold", func(t *testing.T) {
		g, _ := newTestGuard(10 * GiB)
		result, err := g.CheckSpace(100*MiB, "/cache")
		require.NoError(t, err)
		assert.True(t, result.HasSpace)
		assert.False(t, result.LowSpace)
	})
}

func TestGuard_Reserve(t *testing.T) {
	g, _ := newTestGuard(1 * GiB)

	first, err := g.Reserve(300*MiB, "/cache")
	require.NoError(t, err)
	assert.Equal(t, 300*MiB, g.Reserved())

	// 1024 - 300 - 300 = 424 < 500
	_, err = g.Reserve(300*MiB, "/cache")
	require.Error(t, err)
	var de *domain.DownloadError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, domain.KindInsufficientSpace, de.Kind)
	assert.True(t, errors.Is(err, domain.ErrInsufficientSpace))
	assert.Equal(t, 800*MiB, de.NeededBytes)
	assert.Equal(t, 724*MiB, de.AvailableBytes)

	// Reserved bytes also count against plain checks
	assert.False(t, g.HasEnoughSpace(300*MiB, "/cache"))

	first.Release()
	first.Release()
	assert.Equal(t, int64(0), g.Reserved())

	second, err := g.Reserve(300*MiB, "/cache")
	require.NoError(t, err)
	second.Release()
}

// volumeDisk reports the same free space on two volumes told apart by path prefix
type volumeDisk struct {
	available int64
}

func (d *volumeDisk) GetDiskUsage(path string) (*port.DiskUsage, error) {
	volume := "usb"
	if strings.HasPrefix(path, "/cache") {
		volume = "internal"
	}
	return &port.DiskUsage{
		Total:     uint64(d.available) * 2,
		Available: uint64(d.available),
		VolumeID:  volume,
	}, nil
}

func TestGuard_ReservationsArePerVolume(t *testing.T) {
	g := NewGuard(DefaultConfig(), &volumeDisk{available: 1 * GiB}, zap.NewNop())

	onCache, err := g.Reserve(400*MiB, "/cache/a")
	require.NoError(t, err)

	// 1024 - 400 - 400 = 224 < 500 on the same volume
	_, err = g.Reserve(400*MiB, "/cache/b")
	assert.ErrorIs(t, err, domain.ErrInsufficientSpace)

	// The other volume does not see the reservation
	onUSB, err := g.Reserve(400*MiB, "/media/usb/a")
	require.NoError(t, err)
	assert.Equal(t, 800*MiB, g.Reserved())

	result, err := g.CheckSpace(0, "/media/usb/b")
	require.NoError(t, err)
	assert.Equal(t, 400*MiB, result.ReservedBytes)

	onCache.Consume(100 * MiB)
	result, err = g.CheckSpace(0, "/cache/c")
	require.NoError(t, err)
	assert.Equal(t, 300*MiB, result.ReservedBytes)

	onCache.Release()
	onUSB.Release()
	assert.Equal(t, int64(0), g.Reserved())
}

func TestReservation_GrowAndConsume(t *testing.T) {
	g, disk := newTestGuard(1 * GiB)

	r, err := g.Reserve(100*MiB, "/cache")
	require.NoError(t, err)

	require.NoError(t, r.Grow(400*MiB))
	assert.Equal(t, 400*MiB, r.Bytes())
	assert.Equal(t, 400*MiB, g.Reserved())

	// Growing past what the volume can hold fails and keeps the old reservation
	err = r.Grow(600 * MiB)
	require.Error(t, err)
	assert.Equal(t, domain.KindInsufficientSpace, domain.KindOf(err))
	assert.Equal(t, 400*MiB, r.Bytes())

	// Shrinking is a no-op
	require.NoError(t, r.Grow(10*MiB))
	assert.Equal(t, 400*MiB, r.Bytes())

	// Written bytes move from the reservation to the disk
	disk.mu.Lock()
	disk.available -= 150 * MiB
	disk.mu.Unlock()
	r.Consume(150 * MiB)
	assert.Equal(t, 250*MiB, g.Reserved())

	r.Consume(1 * GiB)
	assert.Equal(t, int64(0), g.Reserved())

	r.Release()
	assert.Equal(t, int64(0), g.Reserved())
	assert.Error(t, r.Grow(1))
}

func TestGuard_ConcurrentReservationsNeverOvercommit(t *testing.T) {
	// Room for exactly 5 reservations of 100 MiB above the buffer
	g, _ := newTestGuard(1000 * MiB)

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := g.Reserve(100*MiB, "/cache"); err == nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, granted)
	assert.Equal(t, 500*MiB, g.Reserved())
}

func TestGuard_EstimateSize(t *testing.T) {
	g, _ := newTestGuard(GiB)
	assert.Equal(t, int64(42), g.EstimateSize(42))
	assert.Equal(t, 100*MiB, g.EstimateSize(0))
	assert.Equal(t, 100*MiB, g.EstimateSize(-1))
}

func TestNewGuard_Defaults(t *testing.T) {
	g := NewGuard(nil, &mockDisk{}, zap.NewNop())
	cfg := g.Config()
	assert.Equal(t, 500*MiB, cfg.SafetyBufferBytes)
	assert.Equal(t, 2*GiB, cfg.LowSpaceThresholdBytes)
	assert.Equal(t, 100*MiB, cfg.UnknownSizeEstimateBytes)
}
