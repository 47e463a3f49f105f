package render

import "time"

type BudgetConfig struct {
	AsyncFetches int
	SyncFetches  int
	SoftDeadline time.Duration
	HardDeadline time.Duration
}

func DefaultBudgetConfig() BudgetConfig {
	return BudgetConfig{
		AsyncFetches: 4,
		SyncFetches:  1,
		SoftDeadline: 10 * time.Millisecond,
		HardDeadline: 200 * time.Millisecond,
	}
}

// Budget limits the fetch work one frame may start. Once it is exceeded the
// frame draws only what is already on the GPU.
type Budget struct {
	now            func() time.Time
	remainingAsync int
	remainingSync  int
	softDeadline   time.Time
	hardDeadline   time.Time
	noAsync        bool
}

// NewBudget starts a budget for a frame that began at start. now is read by
// IsExceeded; nil means time.Now.
func NewBudget(cfg BudgetConfig, start time.Time, now func() time.Time) *Budget {
	if now == nil {
		now = time.Now
	}
	return &Budget{
		now:            now,
		remainingAsync: cfg.AsyncFetches,
		remainingSync:  cfg.SyncFetches,
		softDeadline:   start.Add(cfg.SoftDeadline),
		hardDeadline:   start.Add(cfg.HardDeadline),
	}
}

// IsExceeded is true once the soft deadline has passed with no synchronous
// fetches left, or once the hard deadline has passed.
func (b *Budget) IsExceeded() bool {
	t := b.now()
	if !t.After(b.softDeadline) {
		return false
	}
	return b.remainingSync <= 0 || t.After(b.hardDeadline)
}

// CanAsyncFetch reports whether misses may be queued for the fetch workers.
// Every miss is queued until the deadlines stop the frame from fetching, so a
// tile no source has cannot hold back the rest of the viewport.
func (b *Budget) CanAsyncFetch() bool {
	return !b.noAsync
}

// FetchSuccess records a tile that was fetched in time to be drawn.
func (b *Budget) FetchSuccess() {
	b.remainingSync--
}

// FetchFailure records a tile that could not be drawn this frame.
func (b *Budget) FetchFailure() {
	if !b.noAsync {
		b.remainingAsync--
	}
}

func (b *Budget) SetNoAsyncFetches() {
	b.noAsync = true
}

func (b *Budget) RemainingAsync() int { return b.remainingAsync }
func (b *Budget) RemainingSync() int  { return b.remainingSync }
