package cache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tileview/internal/disklru"
)

func newTiered(t *testing.T, dir string) *Tiered {
	t.Helper()
	return New(Config{
		Dir:         dir,
		MemoryBytes: 1 << 20,
		DiskBytes:   1 << 20,
		AppVersion:  1,
	}, nil)
}

func TestTieredPersistsAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	c := newTiered(t, dir)
	require.True(t, c.HasDisk())

	c.PutAsync(key(1), []byte("tile one"))
	data, ok := c.Get(key(1))
	require.True(t, ok)
	assert.Equal(t, "tile one", string(data))
	require.NoError(t, c.Close())

	c = newTiered(t, dir)
	defer c.Close()

	data, ok = c.Get(key(1))
	require.True(t, ok)
	assert.Equal(t, "tile one", string(data))

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.DiskHits)
	assert.Equal(t, int64(len("tile one")), stats.MemoryBytes)

	// The disk hit was promoted to memory.
	_, ok = c.Get(key(1))
	require.True(t, ok)
	assert.Equal(t, int64(1), c.Stats().MemoryHits)
}

func TestTieredPutMemoryIsNotPersisted(t *testing.T) {
	dir := t.TempDir()
	c := newTiered(t, dir)
	c.PutMemory(key(1), []byte("volatile"))
	require.NoError(t, c.Close())

	c = newTiered(t, dir)
	defer c.Close()
	_, ok := c.Get(key(1))
	assert.False(t, ok)
	assert.Equal(t, int64(1), c.Stats().Misses)
}

func TestTieredMemoryOnly(t *testing.T) {
	c := New(Config{MemoryBytes: 100}, nil)
	defer c.Close()

	assert.False(t, c.HasDisk())
	c.PutAsync(key(1), []byte("x"))
	data, ok := c.Get(key(1))
	assert.True(t, ok)
	assert.Equal(t, "x", string(data))
	assert.NoError(t, c.Remove(key(1)))
	_, ok = c.Get(key(1))
	assert.False(t, ok)
}

func TestTieredDiskOnly(t *testing.T) {
	dir := t.TempDir()
	c := New(Config{Dir: dir, DiskBytes: 1 << 20, AppVersion: 1}, nil)
	c.PutAsync(key(7), []byte("disk"))
	require.NoError(t, c.Close())

	store, err := disklru.Open(dir, 1, 1, 1<<20)
	require.NoError(t, err)
	defer store.Close()

	snap, err := store.Get(key(7).String())
	require.NoError(t, err)
	require.NotNil(t, snap)
	defer snap.Close()
	data, err := snap.Bytes(0)
	require.NoError(t, err)
	assert.Equal(t, "disk", string(data))
}

func TestTieredUnusableDiskDegradesToMemory(t *testing.T) {
	file := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	c := New(Config{Dir: filepath.Join(file, "cache"), MemoryBytes: 100, DiskBytes: 100}, nil)
	defer c.Close()

	assert.False(t, c.HasDisk())
	c.PutAsync(key(1), []byte("x"))
	_, ok := c.Get(key(1))
	assert.True(t, ok)
}

func TestTieredCloseIsIdempotent(t *testing.T) {
	c := newTiered(t, t.TempDir())
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	// Writes after close stay in memory.
	c.PutAsync(key(1), []byte("x"))
	_, ok := c.Get(key(1))
	assert.True(t, ok)
}

func BenchmarkTieredDiskGet(b *testing.B) {
	dir := b.TempDir()
	cfg := Config{Dir: dir, DiskBytes: 1 << 30, AppVersion: 1, WriteQueue: 512}
	data := make([]byte, 16*1024)

	c := New(cfg, nil)
	for i := 0; i < 256; i++ {
		c.PutAsync(key(i), data)
	}
	if err := c.Close(); err != nil {
		b.Fatalf("Failed to close cache: %v", err)
	}

	c = New(cfg, nil)
	defer c.Close()

	b.SetBytes(int64(len(data)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, ok := c.Get(key(i % 256)); !ok {
			b.Fatalf("Missing tile %d", i%256)
		}
	}
}
