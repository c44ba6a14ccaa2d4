package cache

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreSetGetReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "configs_cache.json")

	s, err := NewStore(path)
	require.NoError(t, err)
	assert.False(t, s.IsLoaded())

	s.Set("A", "overall", "K", Value{"value": "v1"})

	got, ok := s.Get("A", "overall", "K")
	require.True(t, ok)
	assert.Equal(t, "v1", got["value"])

	// A second process opens the same file and must see the write.
	reader, err := NewStore(path)
	require.NoError(t, err)
	assert.True(t, reader.IsLoaded())
	got2, ok := reader.Get("A", "overall", "K")
	require.True(t, ok)
	assert.Equal(t, "v1", got2["value"])
}

func TestStoreDeleteIsNoOpWhenAbsent(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(filepath.Join(dir, "switches_cache.json"))
	require.NoError(t, err)
	s.Delete("A", "overall", "missing") // must not panic
}

func TestStoreReplaceClusterReturnsPrevious(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(filepath.Join(dir, "services_cache.json"))
	require.NoError(t, err)

	s.Set("A", "c1", "K1", Value{"value": "v1"})
	s.Set("A", "c1", "K2", Value{"value": "v2"})

	prev := s.ReplaceCluster("A", "c1", map[string]Value{"K1": {"value": "v1"}})
	assert.Len(t, prev, 2)
	assert.Contains(t, prev, "K2")

	cluster := s.Cluster("A", "c1")
	assert.Len(t, cluster, 1)
}

func TestWriterLockMutualExclusion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "huskar.writer")

	a := NewWriterLock(path)
	b := NewWriterLock(path)

	require.True(t, a.Acquire())
	assert.False(t, b.Acquire())

	require.True(t, a.Release())
	assert.True(t, b.Acquire())
	b.Release()
}

func TestWriterLockReacquireFromSameOwner(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "huskar.writer")
	a := NewWriterLock(path)
	require.True(t, a.Acquire())
	require.True(t, a.Acquire()) // idempotent re-acquire
	a.Release()
}
