package state

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := openTestStore(t)

	now := time.Now()
	in := []WatchedRoot{
		{Path: "/srv/www", FSType: "ext4", WatchedAt: now},
		{Path: "/home/dev/proj", FSType: "btrfs", WatchedAt: now.Add(-time.Hour)},
	}
	require.NoError(t, s.Save(in))

	out, err := s.Load()
	require.NoError(t, err)
	require.Len(t, out, 2)

	// Ordered by path.
	assert.Equal(t, "/home/dev/proj", out[0].Path)
	assert.Equal(t, "/srv/www", out[1].Path)
	assert.Equal(t, "ext4", out[1].FSType)
	assert.True(t, out[0].WatchedAt.Equal(now.Add(-time.Hour)))
}

func TestSaveReplaces(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Save([]WatchedRoot{{Path: "/a", FSType: "ext4", WatchedAt: time.Now()}}))
	require.NoError(t, s.Save([]WatchedRoot{{Path: "/b", FSType: "xfs", WatchedAt: time.Now()}}))

	out, err := s.Load()
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "/b", out[0].Path)
}

func TestLoadEmpty(t *testing.T) {
	s := openTestStore(t)

	out, err := s.Load()
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestOpenCreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "state.db")
	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	assert.FileExists(t, path)
}
