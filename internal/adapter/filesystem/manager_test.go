package filesystem

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)
	return m
}

func TestNewManagerRequiresRoot(t *testing.T) {
	_, err := NewManager("")
	assert.Error(t, err)
}

func TestRemoteIDRoundTrip(t *testing.T) {
	for _, id := range []string{"1", "album/photo 7", "ÄÖÜ", "id:with*chars?"} {
		dir := EncodeRemoteID(id)
		assert.NotContains(t, dir, "/")
		got, ok := DecodeRemoteID(dir)
		require.True(t, ok, id)
		assert.Equal(t, id, got)
	}
}

func TestLongRemoteIDIsHashed(t *testing.T) {
	id := strings.Repeat("x", maxReversibleIDLen+1)
	dir := EncodeRemoteID(id)

	assert.True(t, strings.HasPrefix(dir, hashedDirPrefix))
	assert.Equal(t, dir, EncodeRemoteID(id))
	_, ok := DecodeRemoteID(dir)
	assert.False(t, ok)
}

func TestSanitizeFileName(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"photo.jpg", "photo.jpg"},
		{"../../etc/passwd", "passwd"},
		{`dir\clip.mp4`, "clip.mp4"},
		{"what?.mov", "what_.mov"},
		{"tab\tname.png", "tab_name.png"},
		{"..", "media"},
		{"", "media"},
		{" trailing. ", "trailing"},
		{"sneaky.part", "sneaky.part.bin"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeFileName(tt.input))
		})
	}
}

func TestCachePath(t *testing.T) {
	m := newTestManager(t)

	path := m.CachePath("", "album/1", "a.jpg")
	assert.Equal(t, filepath.Join(m.RootDir(), EncodeRemoteID("album/1"), "a.jpg"), path)

	custom := t.TempDir()
	path = m.CachePath(custom, "album/1", "a.jpg")
	assert.Equal(t, filepath.Join(custom, EncodeRemoteID("album/1"), "a.jpg"), path)
}

func TestTempFileCommit(t *testing.T) {
	m := newTestManager(t)
	dest := m.CachePath("", "r1", "clip.mp4")

	tmp, err := m.CreateTempFile(dest)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(tmp.Name(), TempSuffix))
	assert.Equal(t, filepath.Dir(dest), filepath.Dir(tmp.Name()))

	_, err = tmp.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, tmp.Close())

	assert.False(t, m.FileExists(dest))
	require.NoError(t, m.CommitTempFile(tmp.Name(), dest))
	assert.True(t, m.FileExists(dest))

	size, err := m.GetFileSize(dest)
	require.NoError(t, err)
	assert.Equal(t, int64(5), size)
}

func TestCommitRejectsOtherDirectory(t *testing.T) {
	m := newTestManager(t)
	tmp, err := m.CreateTempFile(m.CachePath("", "r1", "a.bin"))
	require.NoError(t, err)
	tmp.Close()

	err = m.CommitTempFile(tmp.Name(), m.CachePath("", "r2", "a.bin"))
	assert.Error(t, err)
}

func TestDeleteRemovesEmptyEntryDir(t *testing.T) {
	m := newTestManager(t)
	dest := m.CachePath("", "r1", "a.bin")
	tmp, err := m.CreateTempFile(dest)
	require.NoError(t, err)
	tmp.Close()

	require.NoError(t, m.DeleteTempFile(tmp.Name()))
	_, err = os.Stat(filepath.Dir(dest))
	assert.True(t, os.IsNotExist(err))

	// Deleting twice is not an error
	assert.NoError(t, m.DeleteTempFile(tmp.Name()))
	assert.NoError(t, m.DeleteFile(dest))
}

func TestDeleteKeepsDirsOutsideRoot(t *testing.T) {
	m := newTestManager(t)

	// A sibling sharing the root's name as a prefix
	sibling := filepath.Join(m.RootDir()+"-old", "r1")
	require.NoError(t, os.MkdirAll(sibling, 0755))
	file := filepath.Join(sibling, "a.bin")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0644))

	require.NoError(t, m.DeleteFile(file))
	assert.NoFileExists(t, file)
	assert.DirExists(t, sibling)

	require.NoError(t, m.DeleteFile(filepath.Join(m.RootDir(), "missing.bin")))
	assert.DirExists(t, m.RootDir())
}

func TestListEntryFilesSkipsTempFiles(t *testing.T) {
	m := newTestManager(t)
	dest := m.CachePath("", "r1", "a.bin")
	require.NoError(t, os.MkdirAll(filepath.Dir(dest), 0755))
	require.NoError(t, os.WriteFile(dest, []byte("a"), 0644))
	require.NoError(t, os.WriteFile(dest+".abcd1234"+TempSuffix, []byte("b"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(m.RootDir(), "loose.txt"), []byte("c"), 0644))

	files, err := m.ListEntryFiles()
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{EncodeRemoteID("r1"): {dest}}, files)

	size, err := m.GetCacheSize()
	require.NoError(t, err)
	assert.Equal(t, int64(3), size)
}

func TestClearAll(t *testing.T) {
	m := newTestManager(t)
	for i := 0; i < 3; i++ {
		dest := m.CachePath("", fmt.Sprintf("r%d", i), "f.bin")
		require.NoError(t, os.MkdirAll(filepath.Dir(dest), 0755))
		require.NoError(t, os.WriteFile(dest, []byte("x"), 0644))
	}

	n, err := m.ClearAll()
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	entries, err := os.ReadDir(m.RootDir())
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.DirExists(t, m.RootDir())
}

func TestCleanOldTempFiles(t *testing.T) {
	m := newTestManager(t)
	dest := m.CachePath("", "r1", "a.bin")
	require.NoError(t, os.MkdirAll(filepath.Dir(dest), 0755))

	oldPart := dest + ".00000000" + TempSuffix
	newPart := dest + ".11111111" + TempSuffix
	require.NoError(t, os.WriteFile(oldPart, nil, 0644))
	require.NoError(t, os.WriteFile(newPart, nil, 0644))
	require.NoError(t, os.WriteFile(dest, nil, 0644))
	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(oldPart, old, old))

	n, err := m.CleanOldTempFiles(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoFileExists(t, oldPart)
	assert.FileExists(t, newPart)
	assert.FileExists(t, dest)
}

func TestGetDiskUsage(t *testing.T) {
	m := newTestManager(t)
	usage, err := m.GetDiskUsage("")
	require.NoError(t, err)
	assert.Greater(t, usage.Total, uint64(0))
	assert.LessOrEqual(t, usage.Available, usage.Total)
}
