package filesystem

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireLockIsExclusive(t *testing.T) {
	path := LockPath(filepath.Join(t.TempDir(), "cache"))

	first, err := AcquireLock(path)
	require.NoError(t, err)

	second, err := AcquireLock(path)
	assert.ErrorIs(t, err, ErrLocked)
	assert.Nil(t, second)

	require.NoError(t, first.Unlock())

	third, err := AcquireLock(path)
	require.NoError(t, err)
	assert.NoError(t, third.Unlock())
}

func TestLockPathIsOutsideRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "cache")
	assert.Equal(t, root+".lock", LockPath(root+string(filepath.Separator)))
	assert.NoError(t, (*Lock)(nil).Unlock())
}
