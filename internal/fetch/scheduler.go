// Package fetch finds tile bytes for the renderer. Cheap lookups run on the
// caller's goroutine; everything else is queued for a small pool of workers
// that report back through a Delegate.
package fetch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"tileview/internal/cache"
	"tileview/internal/decode"
	"tileview/internal/metrics"
	"tileview/internal/netwatch"
	"tileview/internal/source"
	"tileview/internal/tile"
)

const (
	DefaultWorkers = 2
	tracerName     = "tileview/internal/fetch"
)

// Delegate receives the result of every queued request. bmp is nil when no
// source had the tile or it could not be decoded. TileReady is called on a
// worker goroutine.
type Delegate interface {
	TileReady(key tile.Key, bmp *decode.Bitmap)
}

type Config struct {
	Workers int
}

type Stats struct {
	Requests     int64 `json:"requests"`
	Deduplicated int64 `json:"deduplicated"`
	Fetches      int64 `json:"fetches"`
	FetchErrors  int64 `json:"fetch_errors"`
	Exhausted    int64 `json:"exhausted"`
	Pending      int   `json:"pending"`
	Outstanding  int   `json:"outstanding"`
}

type sourceSet struct {
	all   []source.Source
	sync  []source.Source
	async []source.Source
}

// Scheduler owns the set of outstanding tile requests. A key stays requested
// from the moment it is queued until the renderer calls FinishRequest, so a
// tile is never fetched twice concurrently.
type Scheduler struct {
	cfg     Config
	cache   *cache.Tiered
	decoder decode.Decoder
	reach   netwatch.Reachability
	log     *zap.Logger
	tracer  trace.Tracer

	sources atomic.Pointer[sourceSet]

	// requests maps every outstanding key to whether Request already looked
	// it up in the cache and the synchronous sources.
	mu       sync.Mutex
	cond     *sync.Cond
	requests map[tile.Key]bool
	queue    []tile.Key
	delegate Delegate
	started  bool
	stopped  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	sinks  sync.WaitGroup

	requested    atomic.Int64
	deduplicated atomic.Int64
	fetches      atomic.Int64
	fetchErrors  atomic.Int64
	exhausted    atomic.Int64
}

func NewScheduler(cfg Config, tiered *cache.Tiered, decoder decode.Decoder, reach netwatch.Reachability, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if reach == nil {
		reach = netwatch.Static(true)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg:      cfg,
		cache:    tiered,
		decoder:  decoder,
		reach:    reach,
		log:      log,
		tracer:   otel.Tracer(tracerName),
		requests: make(map[tile.Key]bool),
		ctx:      ctx,
		cancel:   cancel,
	}
	s.cond = sync.NewCond(&s.mu)
	s.sources.Store(&sourceSet{})
	return s
}

// SetSources replaces the sources, in priority order. Requests already being
// resolved keep using the previous list.
func (s *Scheduler) SetSources(sources []source.Source) {
	set := &sourceSet{all: append([]source.Source(nil), sources...)}
	for _, src := range sources {
		if src.IsSynchronous() {
			set.sync = append(set.sync, src)
		} else {
			set.async = append(set.async, src)
		}
	}
	s.sources.Store(set)

	names := make([]string, 0, len(sources))
	for _, src := range sources {
		names = append(names, src.Name())
	}
	s.log.Info("Tile sources configured", zap.Strings("sources", names), zap.Int("synchronous", len(set.sync)))
}

func (s *Scheduler) Sources() []source.Source {
	return s.sources.Load().all
}

func (s *Scheduler) SetDelegate(d Delegate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delegate = d
}

// Start launches the workers.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true

	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	s.log.Info("Fetch workers started", zap.Int("workers", s.cfg.Workers))
}

// Stop cancels in-flight fetches, wakes idle workers and waits for them and
// for pending sink writes to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.cancel()
	s.cond.Broadcast()
	s.mu.Unlock()

	s.wg.Wait()
	s.sinks.Wait()
	s.log.Info("Fetch workers stopped")
}

// Request looks for key in the cache and the synchronous sources on the
// calling goroutine. On a miss it queues the key for the workers when asyncOK
// is set, and returns nil.
func (s *Scheduler) Request(key tile.Key, asyncOK bool) *decode.Bitmap {
	data, fromCache := s.lookup(s.ctx, key, s.sources.Load().sync)
	if data != nil {
		if bmp := s.decode(key, data, fromCache); bmp != nil {
			return bmp
		}
	}

	if asyncOK {
		s.enqueue(key, true)
	}
	return nil
}

// RequestIfAbsent queues key unless a request for it already exists. It
// reports whether the key was queued.
func (s *Scheduler) RequestIfAbsent(key tile.Key) bool {
	return s.enqueue(key, false)
}

func (s *Scheduler) enqueue(key tile.Key, lookedUp bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return false
	}
	if _, ok := s.requests[key]; ok {
		s.deduplicated.Add(1)
		metrics.FetchDeduplicated.Inc()
		return false
	}

	s.requests[key] = lookedUp
	s.queue = append(s.queue, key)
	s.requested.Add(1)
	metrics.FetchQueueDepth.Set(float64(len(s.queue)))
	s.cond.Signal()
	return true
}

// Clear drops every request that no worker has picked up yet.
func (s *Scheduler) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range s.queue {
		delete(s.requests, key)
	}
	clear(s.queue)
	s.queue = s.queue[:0]
	metrics.FetchQueueDepth.Set(0)
}

// FinishRequest forgets key once its result has been consumed, allowing it to
// be requested again.
func (s *Scheduler) FinishRequest(key tile.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.requests, key)
}

// IsRequested reports whether a request for key is queued or in flight.
func (s *Scheduler) IsRequested(key tile.Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.requests[key]
	return ok
}

// Resolve looks key up in the cache and in every source, on the calling
// goroutine. The result is written back like a worker's.
func (s *Scheduler) Resolve(ctx context.Context, key tile.Key) ([]byte, bool) {
	data, _ := s.lookup(ctx, key, s.sources.Load().all)
	return data, data != nil
}

// next pops the oldest queued key and reports whether Request already looked
// it up inline.
func (s *Scheduler) next() (tile.Key, bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.queue) == 0 && !s.stopped {
		s.cond.Wait()
	}
	if s.stopped {
		return tile.Key{}, false, false
	}

	key := s.queue[0]
	s.queue[0] = tile.Key{}
	s.queue = s.queue[1:]
	metrics.FetchQueueDepth.Set(float64(len(s.queue)))
	return key, s.requests[key], true
}

func (s *Scheduler) worker() {
	defer s.wg.Done()

	for {
		key, lookedUp, ok := s.next()
		if !ok {
			return
		}

		ctx, span := s.tracer.Start(s.ctx, "fetch.Resolve",
			trace.WithAttributes(attribute.String("tile.key", key.String())),
		)
		var (
			bmp       *decode.Bitmap
			data      []byte
			fromCache bool
		)
		if lookedUp {
			data = s.lookupSources(ctx, key, s.sources.Load().async)
		} else {
			data, fromCache = s.lookup(ctx, key, s.sources.Load().all)
		}
		if data != nil {
			bmp = s.decode(key, data, fromCache)
		} else {
			s.exhausted.Add(1)
		}
		span.SetAttributes(attribute.Bool("tile.found", bmp != nil))
		span.End()

		s.mu.Lock()
		d := s.delegate
		s.mu.Unlock()
		if d == nil {
			s.FinishRequest(key)
			continue
		}
		d.TileReady(key, bmp)
	}
}

// lookup returns the bytes for key from the cache or from the first source
// that has them, and whether they came from the cache.
func (s *Scheduler) lookup(ctx context.Context, key tile.Key, sources []source.Source) ([]byte, bool) {
	if data, ok := s.cache.Get(key); ok {
		return data, true
	}
	return s.lookupSources(ctx, key, sources), false
}

// lookupSources returns the bytes from the first source that has key and
// writes them back.
func (s *Scheduler) lookupSources(ctx context.Context, key tile.Key, sources []source.Source) []byte {
	for _, src := range sources {
		if src.IsNetwork() && !s.reach.Reachable() {
			continue
		}

		data := s.fetchFrom(ctx, src, key)
		if len(data) == 0 {
			continue
		}
		s.writeBack(key, data, src)
		return data
	}
	return nil
}

func (s *Scheduler) fetchFrom(ctx context.Context, src source.Source, key tile.Key) []byte {
	s.fetches.Add(1)
	start := time.Now()
	data, err := src.Fetch(ctx, key)
	metrics.FetchDuration.WithLabelValues(src.Name()).Observe(time.Since(start).Seconds())

	switch {
	case err != nil:
		s.fetchErrors.Add(1)
		metrics.Fetches.WithLabelValues(src.Name(), "error").Inc()
		if ctx.Err() == nil {
			s.log.Debug("Tile fetch failed",
				zap.String("source", src.Name()),
				zap.Stringer("tile", key),
				zap.Error(err),
			)
		}
		return nil
	case len(data) == 0:
		metrics.Fetches.WithLabelValues(src.Name(), "miss").Inc()
		return nil
	default:
		metrics.Fetches.WithLabelValues(src.Name(), "hit").Inc()
		return data
	}
}

func (s *Scheduler) writeBack(key tile.Key, data []byte, from source.Source) {
	if !from.ShouldPersist() {
		s.cache.PutMemory(key, data)
		return
	}
	s.cache.PutAsync(key, data)

	for _, src := range s.sources.Load().all {
		sink, ok := src.(source.Sink)
		if !ok || src == from {
			continue
		}
		if src.IsNetwork() && !s.reach.Reachable() {
			continue
		}
		s.storeInSink(sink, src.Name(), key, data)
	}
}

func (s *Scheduler) storeInSink(sink source.Sink, name string, key tile.Key, data []byte) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.sinks.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.sinks.Done()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := sink.Store(ctx, key, data); err != nil {
			s.log.Warn("Failed to store tile", zap.String("sink", name), zap.Stringer("tile", key), zap.Error(err))
		}
	}()
}

func (s *Scheduler) decode(key tile.Key, data []byte, fromCache bool) *decode.Bitmap {
	bmp, err := s.decoder.Decode(data)
	if err != nil {
		metrics.DecodeFailures.Inc()
		s.log.Debug("Failed to decode tile", zap.Stringer("tile", key), zap.Bool("cached", fromCache), zap.Error(err))
		if fromCache {
			if err := s.cache.Remove(key); err != nil {
				s.log.Warn("Failed to drop undecodable tile from cache", zap.Stringer("tile", key), zap.Error(err))
			}
		}
		return nil
	}
	return bmp
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	pending, outstanding := len(s.queue), len(s.requests)
	s.mu.Unlock()

	return Stats{
		Requests:     s.requested.Load(),
		Deduplicated: s.deduplicated.Load(),
		Fetches:      s.fetches.Load(),
		FetchErrors:  s.fetchErrors.Load(),
		Exhausted:    s.exhausted.Load(),
		Pending:      pending,
		Outstanding:  outstanding,
	}
}
