package cache

import (
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"tileview/internal/disklru"
	"tileview/internal/metrics"
	"tileview/internal/tile"
)

// DefaultWriteQueue bounds the number of disk writes waiting for the writer.
const DefaultWriteQueue = 256

type diskWrite struct {
	key  tile.Key
	data []byte
}

// Tiered puts a memory cache in front of a persistent journal store. Reads
// check memory first and promote disk hits into memory. Writes go to memory
// immediately and reach disk through a single background writer.
type Tiered struct {
	memory Cache
	disk   *disklru.Store
	log    *zap.Logger

	mu     sync.RWMutex
	closed bool
	writes chan diskWrite
	wg     sync.WaitGroup

	memoryHits    atomic.Int64
	diskHits      atomic.Int64
	misses        atomic.Int64
	droppedWrites atomic.Int64
	failedWrites  atomic.Int64
}

// Stats is a point-in-time view of the tiered cache.
type Stats struct {
	MemoryBytes   int64 `json:"memory_bytes"`
	DiskBytes     int64 `json:"disk_bytes"`
	DiskEntries   int   `json:"disk_entries"`
	MemoryHits    int64 `json:"memory_hits"`
	DiskHits      int64 `json:"disk_hits"`
	Misses        int64 `json:"misses"`
	PendingWrites int   `json:"pending_writes"`
	DroppedWrites int64 `json:"dropped_writes"`
	FailedWrites  int64 `json:"failed_writes"`
}

// NewTiered takes ownership of disk, which may be nil for a memory-only cache.
func NewTiered(memory Cache, disk *disklru.Store, queueSize int, log *zap.Logger) *Tiered {
	if log == nil {
		log = zap.NewNop()
	}
	if queueSize <= 0 {
		queueSize = DefaultWriteQueue
	}

	t := &Tiered{
		memory: memory,
		disk:   disk,
		log:    log,
		writes: make(chan diskWrite, queueSize),
	}
	if disk != nil {
		t.wg.Add(1)
		go t.runWriter()
	}
	return t
}

// Get returns the bytes for key from memory, or from disk, or reports a miss.
func (t *Tiered) Get(key tile.Key) ([]byte, bool) {
	if data, ok := t.memory.Get(key); ok {
		t.memoryHits.Add(1)
		metrics.CacheHits.WithLabelValues("memory").Inc()
		return data, true
	}

	if data, ok := t.getFromDisk(key); ok {
		t.memory.Set(key, data)
		t.diskHits.Add(1)
		metrics.CacheHits.WithLabelValues("disk").Inc()
		metrics.MemoryCacheBytes.Set(float64(t.memory.Size()))
		return data, true
	}

	t.misses.Add(1)
	metrics.CacheMisses.Inc()
	return nil, false
}

func (t *Tiered) getFromDisk(key tile.Key) ([]byte, bool) {
	if t.disk == nil {
		return nil, false
	}

	snap, err := t.disk.Get(key.String())
	if err != nil {
		t.log.Debug("Failed to read tile from disk cache", zap.Stringer("tile", key), zap.Error(err))
		return nil, false
	}
	if snap == nil {
		return nil, false
	}
	defer snap.Close()

	data, err := snap.Bytes(0)
	if err != nil {
		t.log.Warn("Failed to read tile from disk cache", zap.Stringer("tile", key), zap.Error(err))
		return nil, false
	}
	return data, true
}

// PutMemory stores data in the memory tier only.
func (t *Tiered) PutMemory(key tile.Key, data []byte) {
	t.memory.Set(key, data)
	metrics.CacheStores.WithLabelValues("memory", "ok").Inc()
	metrics.MemoryCacheBytes.Set(float64(t.memory.Size()))
}

// PutAsync stores data in memory now and queues it for the disk tier. When the
// queue is full the disk write is dropped.
func (t *Tiered) PutAsync(key tile.Key, data []byte) {
	t.PutMemory(key, data)
	if t.disk == nil {
		return
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return
	}

	select {
	case t.writes <- diskWrite{key: key, data: data}:
	default:
		t.droppedWrites.Add(1)
		metrics.CacheStores.WithLabelValues("disk", "dropped").Inc()
		t.log.Debug("Disk cache write queue full, dropping tile", zap.Stringer("tile", key))
	}
}

func (t *Tiered) runWriter() {
	defer t.wg.Done()

	for w := range t.writes {
		if err := t.writeToDisk(w); err != nil {
			t.failedWrites.Add(1)
			metrics.CacheStores.WithLabelValues("disk", "error").Inc()
			t.log.Warn("Failed to write tile to disk cache", zap.Stringer("tile", w.key), zap.Error(err))
			continue
		}
		metrics.CacheStores.WithLabelValues("disk", "ok").Inc()
	}
}

func (t *Tiered) writeToDisk(w diskWrite) error {
	ed, err := t.disk.Edit(w.key.String())
	if err != nil {
		return err
	}
	if ed == nil {
		// Someone else is writing this tile.
		return nil
	}
	defer ed.AbortUnlessCommitted()

	if err := ed.Set(0, w.data); err != nil {
		return err
	}
	return ed.Commit()
}

// Remove drops key from both tiers.
func (t *Tiered) Remove(key tile.Key) error {
	t.memory.Remove(key)
	if t.disk == nil {
		return nil
	}
	_, err := t.disk.Remove(key.String())
	return err
}

// Clear empties the memory tier.
func (t *Tiered) Clear() {
	t.memory.Clear()
	metrics.MemoryCacheBytes.Set(0)
}

func (t *Tiered) HasDisk() bool {
	return t.disk != nil
}

func (t *Tiered) Stats() Stats {
	s := Stats{
		MemoryBytes:   t.memory.Size(),
		MemoryHits:    t.memoryHits.Load(),
		DiskHits:      t.diskHits.Load(),
		Misses:        t.misses.Load(),
		PendingWrites: len(t.writes),
		DroppedWrites: t.droppedWrites.Load(),
		FailedWrites:  t.failedWrites.Load(),
	}
	if t.disk != nil {
		s.DiskBytes = t.disk.Size()
		s.DiskEntries = t.disk.Len()
	}
	return s
}

// Close writes out every queued tile, then closes the disk tier. It is safe
// to call more than once.
func (t *Tiered) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.writes)
	t.mu.Unlock()

	t.wg.Wait()

	var errs error
	if t.disk != nil {
		errs = multierr.Append(errs, t.disk.Close())
	}
	return errs
}
