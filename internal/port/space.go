package port

// SpaceCheckResult contains detailed space availability information
type SpaceCheckResult struct {
	HasSpace       bool
	LowSpace       bool
	AvailableBytes int64
	ReservedBytes  int64
	RequiredBytes  int64
	BufferBytes    int64

	// ShortfallBytes is how much must be freed for the check to pass
	ShortfallBytes int64
}

// Reservation holds space promised to an in-flight download
type Reservation interface {
	// Bytes returns the currently reserved amount
	Bytes() int64
	// Grow raises the reservation to total bytes if the volume allows it
	Grow(total int64) error
	// Consume shrinks the reservation as bytes land on disk
	Consume(n int64)
	// Release returns the space to the pool, safe to call more than once
	Release()
}

// SpaceGuard defines the interface for disk space checks
type SpaceGuard interface {
	// AvailableSpace returns free bytes on the volume containing targetPath
	AvailableSpace(targetPath string) (int64, error)

	// HasEnoughSpace returns true if requiredBytes fit while keeping the safety buffer free
	HasEnoughSpace(requiredBytes int64, targetPath string) bool

	// CheckSpace returns detailed information about a prospective write
	CheckSpace(requiredBytes int64, targetPath string) (*SpaceCheckResult, error)

	// Reserve atomically checks and reserves space for a prospective write
	Reserve(requiredBytes int64, targetPath string) (Reservation, error)

	// EstimateSize returns knownBytes, or the configured floor when unknown
	EstimateSize(knownBytes int64) int64
}
