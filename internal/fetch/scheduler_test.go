package fetch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tileview/internal/cache"
	"tileview/internal/decode"
	"tileview/internal/maplayer"
	"tileview/internal/netwatch"
	"tileview/internal/source"
	"tileview/internal/tile"
)

// fakeSource serves fixed bytes for every key.
type fakeSource struct {
	name    string
	data    []byte
	err     error
	network bool
	sync    bool
	persist bool
	block   bool

	fetches atomic.Int64

	mu     sync.Mutex
	stored map[tile.Key][]byte
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) Fetch(ctx context.Context, key tile.Key) ([]byte, error) {
	f.fetches.Add(1)
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.data, f.err
}

func (f *fakeSource) IsNetwork() bool     { return f.network }
func (f *fakeSource) IsSynchronous() bool { return f.sync }
func (f *fakeSource) ShouldPersist() bool { return f.persist }
func (f *fakeSource) Close() error        { return nil }

type fakeSink struct {
	fakeSource
}

func (f *fakeSink) Store(_ context.Context, key tile.Key, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stored == nil {
		f.stored = make(map[tile.Key][]byte)
	}
	f.stored[key] = data
	return nil
}

func (f *fakeSink) Stored(key tile.Key) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.stored[key]
	return data, ok
}

type result struct {
	key tile.Key
	bmp *decode.Bitmap
}

// chanDelegate finishes every request and forwards the result.
type chanDelegate struct {
	s       *Scheduler
	results chan result
}

func (d *chanDelegate) TileReady(key tile.Key, bmp *decode.Bitmap) {
	d.s.FinishRequest(key)
	d.results <- result{key: key, bmp: bmp}
}

func (d *chanDelegate) wait(t *testing.T) result {
	t.Helper()
	select {
	case r := <-d.results:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("no tile delivered")
		return result{}
	}
}

func tilePNG(t *testing.T, key tile.Key) []byte {
	t.Helper()
	data, err := source.Render(key, 16)
	require.NoError(t, err)
	return data
}

func newTestScheduler(t *testing.T, reach netwatch.Reachability) (*Scheduler, *cache.Tiered, *chanDelegate) {
	t.Helper()
	tiered := cache.NewTiered(cache.NewMemoryCache(1<<20), nil, 0, nil)
	t.Cleanup(func() { tiered.Close() })

	s := NewScheduler(Config{Workers: 2}, tiered, decode.Std{}, reach, nil)
	d := &chanDelegate{s: s, results: make(chan result, 64)}
	s.SetDelegate(d)
	t.Cleanup(s.Stop)
	return s, tiered, d
}

var key = tile.New("50K", 10, 10)

func TestRequestIfAbsentDeduplicates(t *testing.T) {
	s, _, d := newTestScheduler(t, nil)
	src := &fakeSource{name: "slow", data: tilePNG(t, key)}
	s.SetSources([]source.Source{src})

	var queued atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.RequestIfAbsent(key) {
				queued.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1), queued.Load())
	assert.Equal(t, int64(49), s.Stats().Deduplicated)

	s.Start()
	r := d.wait(t)
	assert.Equal(t, key, r.key)
	require.NotNil(t, r.bmp)
	assert.Equal(t, int64(1), src.fetches.Load())

	select {
	case extra := <-d.results:
		t.Fatalf("unexpected second delivery for %v", extra.key)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRequestUsesSynchronousSourcesInline(t *testing.T) {
	s, tiered, _ := newTestScheduler(t, nil)
	syncSrc := &fakeSource{name: "archive", data: tilePNG(t, key), sync: true}
	asyncSrc := &fakeSource{name: "web", data: tilePNG(t, key)}
	s.SetSources([]source.Source{syncSrc, asyncSrc})

	bmp := s.Request(key, true)
	require.NotNil(t, bmp)
	assert.Equal(t, 16, bmp.Width)
	assert.False(t, s.IsRequested(key))
	assert.Equal(t, int64(0), asyncSrc.fetches.Load())

	// Kept in memory so the archive is not asked again.
	bmp = s.Request(key, false)
	require.NotNil(t, bmp)
	assert.Equal(t, int64(1), syncSrc.fetches.Load())
	assert.Equal(t, int64(1), tiered.Stats().MemoryHits)
}

func TestRequestQueuesAsyncMiss(t *testing.T) {
	s, tiered, d := newTestScheduler(t, nil)
	web := &fakeSource{name: "web", data: tilePNG(t, key), persist: true}
	s.SetSources([]source.Source{web})

	assert.Nil(t, s.Request(key, false))
	assert.False(t, s.IsRequested(key), "no queueing without asyncOK")

	assert.Nil(t, s.Request(key, true))
	assert.True(t, s.IsRequested(key))
	assert.Equal(t, int64(0), web.fetches.Load(), "async sources are not tried inline")

	s.Start()
	r := d.wait(t)
	require.NotNil(t, r.bmp)
	assert.Equal(t, int64(1), web.fetches.Load())

	data, ok := tiered.Get(key)
	require.True(t, ok)
	assert.Equal(t, web.data, data)
	assert.NotNil(t, s.Request(key, true), "now served from cache")
}

func TestQueuedMissIsNotLookedUpTwice(t *testing.T) {
	s, tiered, d := newTestScheduler(t, nil)
	archive := &fakeSource{name: "archive", sync: true}
	web := &fakeSource{name: "web", data: tilePNG(t, key)}
	s.SetSources([]source.Source{archive, web})

	assert.Nil(t, s.Request(key, true))
	s.Start()
	require.NotNil(t, d.wait(t).bmp)

	assert.Equal(t, int64(1), archive.fetches.Load())
	assert.Equal(t, int64(1), web.fetches.Load())
	assert.Equal(t, int64(1), tiered.Stats().Misses)

	// A direct request still walks the cache and every source.
	other := tile.New("50K", 3, 3)
	s.RequestIfAbsent(other)
	require.NotNil(t, d.wait(t).bmp)
	assert.Equal(t, int64(2), archive.fetches.Load())
	assert.Equal(t, int64(2), tiered.Stats().Misses)
}

func TestWorkersSkipNetworkSourcesWhenOffline(t *testing.T) {
	s, _, d := newTestScheduler(t, netwatch.Static(false))
	web := &fakeSource{name: "web", data: tilePNG(t, key), network: true}
	s.SetSources([]source.Source{web})
	s.Start()

	require.True(t, s.RequestIfAbsent(key))
	r := d.wait(t)
	assert.Nil(t, r.bmp)
	assert.Equal(t, int64(0), web.fetches.Load())
	assert.Equal(t, int64(1), s.Stats().Exhausted)
}

func TestSourcesAreTriedInOrder(t *testing.T) {
	s, _, d := newTestScheduler(t, nil)
	failing := &fakeSource{name: "broken", err: errors.New("boom")}
	empty := &fakeSource{name: "empty"}
	good := &fakeSource{name: "good", data: tilePNG(t, key)}
	never := &fakeSource{name: "never", data: tilePNG(t, key)}
	s.SetSources([]source.Source{failing, empty, good, never})
	s.Start()

	s.RequestIfAbsent(key)
	require.NotNil(t, d.wait(t).bmp)
	assert.Equal(t, int64(1), failing.fetches.Load())
	assert.Equal(t, int64(1), empty.fetches.Load())
	assert.Equal(t, int64(1), good.fetches.Load())
	assert.Equal(t, int64(0), never.fetches.Load())
	assert.Equal(t, int64(1), s.Stats().FetchErrors)
}

func TestPersistedTilesReachSinks(t *testing.T) {
	s, _, d := newTestScheduler(t, nil)
	sink := &fakeSink{fakeSource: fakeSource{name: "redis"}}
	web := &fakeSource{name: "web", data: tilePNG(t, key), persist: true}
	s.SetSources([]source.Source{sink, web})
	s.Start()

	s.RequestIfAbsent(key)
	require.NotNil(t, d.wait(t).bmp)
	require.Eventually(t, func() bool {
		_, ok := sink.Stored(key)
		return ok
	}, time.Second, 5*time.Millisecond)
	got, _ := sink.Stored(key)
	assert.Equal(t, web.data, got)
}

func TestUnpersistedTilesSkipSinks(t *testing.T) {
	s, _, _ := newTestScheduler(t, nil)
	sink := &fakeSink{fakeSource: fakeSource{name: "redis"}}
	archive := &fakeSource{name: "archive", data: tilePNG(t, key), sync: true}
	s.SetSources([]source.Source{archive, sink})

	require.NotNil(t, s.Request(key, false))
	s.Stop()
	_, ok := sink.Stored(key)
	assert.False(t, ok)
}

func TestUndecodableTileIsDropped(t *testing.T) {
	s, tiered, d := newTestScheduler(t, nil)
	tiered.PutMemory(key, []byte("garbage"))
	s.Start()

	s.RequestIfAbsent(key)
	assert.Nil(t, d.wait(t).bmp)
	_, ok := tiered.Get(key)
	assert.False(t, ok)
}

func TestClearDropsPendingRequests(t *testing.T) {
	s, _, _ := newTestScheduler(t, nil)
	other := tile.New("50K", 11, 10)

	require.True(t, s.RequestIfAbsent(key))
	require.True(t, s.RequestIfAbsent(other))
	assert.Equal(t, 2, s.Stats().Pending)

	s.Clear()
	st := s.Stats()
	assert.Equal(t, 0, st.Pending)
	assert.Equal(t, 0, st.Outstanding)
	assert.True(t, s.RequestIfAbsent(key))
}

func TestFinishRequestAllowsRerequest(t *testing.T) {
	s, _, _ := newTestScheduler(t, nil)

	require.True(t, s.RequestIfAbsent(key))
	assert.False(t, s.RequestIfAbsent(key))
	s.FinishRequest(key)
	assert.True(t, s.RequestIfAbsent(key))
}

func TestStopCancelsInFlightFetches(t *testing.T) {
	s, _, _ := newTestScheduler(t, nil)
	blocking := &fakeSource{name: "hang", block: true}
	s.SetSources([]source.Source{blocking})
	s.Start()
	s.RequestIfAbsent(key)
	require.Eventually(t, func() bool { return blocking.fetches.Load() == 1 }, time.Second, time.Millisecond)

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}
	assert.False(t, s.RequestIfAbsent(tile.New("50K", 1, 1)))
}

func TestResolveUsesAllSources(t *testing.T) {
	s, tiered, _ := newTestScheduler(t, nil)
	synthetic := source.NewSynthetic(source.SyntheticConfig{}, maplayer.Default())
	s.SetSources([]source.Source{synthetic})

	data, ok := s.Resolve(context.Background(), key)
	require.True(t, ok)
	assert.NotEmpty(t, data)
	assert.Equal(t, int64(1), synthetic.Fetches())
	assert.True(t, tiered.Stats().MemoryBytes > 0)

	_, ok = s.Resolve(context.Background(), tile.New("nope", 0, 0))
	assert.False(t, ok)
}
