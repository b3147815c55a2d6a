package domain

import (
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
)

// Common domain errors
var (
	ErrNotFound      = errors.New("not found")
	ErrInvalidInput  = errors.New("invalid input")
	ErrNotCached     = errors.New("media not cached")
	ErrEmptyRemoteID = errors.New("remote id is required")
	ErrEmptySource   = errors.New("source url is required")

	// Download failure kinds, matchable with errors.Is
	ErrInsufficientSpace = errors.New("insufficient space")
	ErrDiskFull          = errors.New("disk full")
	ErrTransferFailed    = errors.New("transfer failed")
	ErrSourceUnavailable = errors.New("source unavailable")
	ErrIndexInconsistent = errors.New("index inconsistent with disk")
	ErrCanceled          = errors.New("download canceled")
)

// ErrorKind classifies a download failure for the UI layer.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindInsufficientSpace
	KindDiskFull
	KindTransferFailed
	KindSourceUnavailable
	KindIndexInconsistent
	KindCanceled
)

var kindNames = map[ErrorKind]string{
	KindNone:              "none",
	KindInsufficientSpace: "insufficient_space",
	KindDiskFull:          "disk_full",
	KindTransferFailed:    "transfer_failed",
	KindSourceUnavailable: "source_unavailable",
	KindIndexInconsistent: "index_inconsistent",
	KindCanceled:          "canceled",
}

var kindSentinels = map[ErrorKind]error{
	KindInsufficientSpace: ErrInsufficientSpace,
	KindDiskFull:          ErrDiskFull,
	KindTransferFailed:    ErrTransferFailed,
	KindSourceUnavailable: ErrSourceUnavailable,
	KindIndexInconsistent: ErrIndexInconsistent,
	KindCanceled:          ErrCanceled,
}

// String returns the stable name used in logs, metrics and JSON
func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// MarshalText lets ErrorKind render as its name in JSON
func (k ErrorKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText parses a kind name produced by MarshalText
func (k *ErrorKind) UnmarshalText(text []byte) error {
	for kind, name := range kindNames {
		if name == string(text) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("%w: unknown error kind %q", ErrInvalidInput, text)
}

// DownloadError is the only error type the download engine and the batch
// coordinator hand to callers.
type DownloadError struct {
	Kind     ErrorKind
	RemoteID string
	FileName string

	// NeededBytes and AvailableBytes are set for space related failures
	NeededBytes    int64
	AvailableBytes int64

	Err error
}

// NewDownloadError creates a new DownloadError
func NewDownloadError(kind ErrorKind, remoteID, fileName string, err error) *DownloadError {
	return &DownloadError{Kind: kind, RemoteID: remoteID, FileName: fileName, Err: err}
}

// Error returns the error message
func (e *DownloadError) Error() string {
	subject := e.FileName
	if subject == "" {
		subject = e.RemoteID
	}

	msg := e.Kind.String()
	if sentinel, ok := kindSentinels[e.Kind]; ok {
		msg = sentinel.Error()
	}
	if subject != "" {
		msg = subject + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error
func (e *DownloadError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel of the error's kind
func (e *DownloadError) Is(target error) bool {
	sentinel, ok := kindSentinels[e.Kind]
	return ok && sentinel == target
}

// UserMessage returns a message the UI can show as is
func (e *DownloadError) UserMessage() string {
	name := e.FileName
	if name == "" {
		name = e.RemoteID
	}

	switch e.Kind {
	case KindInsufficientSpace, KindDiskFull:
		need := e.NeededBytes - e.AvailableBytes
		if need > 0 {
			return fmt.Sprintf("Not enough disk space for %s. Free up at least %s and try again.", name, humanize.IBytes(uint64(need)))
		}
		return fmt.Sprintf("Not enough disk space for %s. Free up space and try again.", name)
	case KindSourceUnavailable:
		return fmt.Sprintf("%s could not be reached. It may have been removed or you may not have access.", name)
	case KindTransferFailed:
		return fmt.Sprintf("Downloading %s failed. Check your connection and try again.", name)
	case KindCanceled:
		return fmt.Sprintf("Download of %s was canceled.", name)
	default:
		return e.Error()
	}
}

// KindOf returns the kind of a download error, or KindNone
func KindOf(err error) ErrorKind {
	var de *DownloadError
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindNone
}

// IsRetryable returns true if the caller may retry the download as is
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransferFailed
}

// IsSpaceError returns true for both the pre-flight and the mid-transfer
// out of space failures
func IsSpaceError(err error) bool {
	k := KindOf(err)
	return k == KindInsufficientSpace || k == KindDiskFull
}
