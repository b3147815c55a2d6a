package filesystem

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrLocked is returned when another process holds the lock
var ErrLocked = errors.New("lock is held by another process")

// Lock is an exclusive advisory lock on a file, held until Unlock or process exit
type Lock struct {
	file *os.File
}

// LockPath returns the lock file guarding a cache root. It sits next to the
// root so that clearing the cache never removes it.
func LockPath(rootDir string) string {
	return filepath.Clean(rootDir) + ".lock"
}

// AcquireLock takes the lock at path without blocking. It returns ErrLocked
// if another holder has it.
func AcquireLock(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create lock dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}

	if err := tryLock(f); err != nil {
		f.Close()
		if errors.Is(err, ErrLocked) {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("failed to lock %s: %w", path, err)
	}
	return &Lock{file: f}, nil
}

// Unlock releases the lock. It is safe to call on a nil Lock.
func (l *Lock) Unlock() error {
	if l == nil || l.file == nil {
		return nil
	}
	err := unlock(l.file)
	if closeErr := l.file.Close(); err == nil {
		err = closeErr
	}
	l.file = nil
	return err
}
