// Package disklru implements a size-bounded, crash-tolerant key/value store on
// the local filesystem. Every entry holds a fixed number of values, each in its
// own file. An append-only journal records edits, commits, removals and reads;
// it is replayed on open and periodically compacted. Least recently used
// entries are evicted on a background goroutine once the store grows past its
// maximum size.
package disklru

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"tileview/internal/lru"
	"tileview/internal/metrics"
)

// compactThreshold is the number of redundant journal records tolerated before
// the journal is rewritten.
const compactThreshold = 2000

// anySequence disables the snapshot staleness check in edit.
const anySequence = -1

var (
	ErrClosed         = errors.New("disklru: store is closed")
	ErrInvalidKey     = errors.New("disklru: keys must not contain spaces or line breaks")
	ErrCorruptJournal = errors.New("disklru: corrupt journal")
	ErrEditFailed     = errors.New("disklru: edit failed and the entry was removed")

	errJournalUnavailable = errors.New("disklru: journal is unavailable")
)

type Option func(*Store)

func WithLogger(log *zap.Logger) Option {
	return func(s *Store) {
		s.log = log
	}
}

// Store is safe for concurrent use.
type Store struct {
	mu sync.Mutex

	dir        string
	appVersion int
	valueCount int
	maxSize    int64
	size       int64

	entries      *lru.Map[string, *entry]
	journal      *os.File
	writer       *bufio.Writer
	redundantOps int
	nextSeq      int64
	closed       bool

	cleanup chan struct{}
	done    chan struct{}
	log     *zap.Logger
}

// Open opens the store in dir, creating it if needed. A journal written by a
// different app version or value count, or one that cannot be parsed, causes
// the directory to be wiped and a fresh store to be created.
func Open(dir string, appVersion, valueCount int, maxSize int64, opts ...Option) (*Store, error) {
	if maxSize <= 0 {
		panic("disklru: maxSize must be positive")
	}
	if valueCount <= 0 {
		panic("disklru: valueCount must be positive")
	}

	s := &Store{
		dir:        dir,
		appVersion: appVersion,
		valueCount: valueCount,
		maxSize:    maxSize,
		entries:    lru.New[string, *entry](),
		cleanup:    make(chan struct{}, 1),
		done:       make(chan struct{}),
		log:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	if err := s.load(); err != nil {
		return nil, err
	}

	go s.runCleanup()

	s.log.Info("Opened tile store",
		zap.String("dir", dir),
		zap.Int("entries", s.entries.Len()),
		zap.Int64("size", s.size),
		zap.Int64("max_size", maxSize),
	)
	metrics.DiskStoreBytes.Set(float64(s.size))
	return s, nil
}

func (s *Store) load() error {
	torn, err := s.readJournal()
	switch {
	case err == nil:
		// A torn tail would corrupt the next appended record.
		if s.processJournal() || torn {
			return s.rebuildJournal()
		}
		return s.openJournalForAppend()
	case errors.Is(err, fs.ErrNotExist):
		return s.rebuildJournal()
	default:
		s.log.Warn("Tile store journal is unreadable, starting empty",
			zap.String("dir", s.dir),
			zap.Error(err),
		)
		metrics.JournalResets.Inc()
		if err := s.wipe(); err != nil {
			return err
		}
		return s.rebuildJournal()
	}
}

func (s *Store) wipe() error {
	s.entries.Clear()
	s.size = 0
	s.redundantOps = 0
	if err := os.RemoveAll(s.dir); err != nil {
		return fmt.Errorf("failed to wipe store directory: %w", err)
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create store directory: %w", err)
	}
	return nil
}

func validateKey(key string) error {
	if key == "" || strings.ContainsAny(key, " \n\r") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

func (s *Store) checkOpen() error {
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Get returns a snapshot of the entry for key, or nil if there is no readable
// entry. All value files are opened before Get returns, so the snapshot is not
// affected by later commits. The caller must close the snapshot.
func (s *Store) Get(key string) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if err := validateKey(key); err != nil {
		return nil, err
	}

	ent, ok := s.entries.Get(key)
	if !ok || !ent.readable {
		return nil, nil
	}

	files := make([]*os.File, s.valueCount)
	for i := range files {
		f, err := os.Open(ent.cleanPath(s.dir, i))
		if err != nil {
			for _, opened := range files[:i] {
				opened.Close()
			}
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("failed to open value %d of %q: %w", i, key, err)
			}
			// Someone removed our files behind our back.
			if ent.editor == nil {
				if err := s.removeEntryLocked(ent); err != nil {
					s.log.Warn("Failed to drop damaged tile store entry", zap.String("key", key), zap.Error(err))
				}
			}
			return nil, nil
		}
		files[i] = f
	}

	s.redundantOps++
	if err := s.appendRecord(recordRead, key, ""); err != nil {
		s.log.Warn("Failed to record read", zap.String("key", key), zap.Error(err))
	}
	if s.compactionRequired() {
		s.scheduleCleanup()
	}

	return &Snapshot{
		store:   s,
		key:     key,
		seq:     ent.seq,
		files:   files,
		lengths: append([]int64(nil), ent.lengths...),
	}, nil
}

// Edit returns an editor for key, or nil if another edit is in progress.
func (s *Store) Edit(key string) (*Editor, error) {
	return s.edit(key, anySequence)
}

func (s *Store) edit(key string, seq int64) (*Editor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if err := validateKey(key); err != nil {
		return nil, err
	}

	ent, ok := s.entries.Get(key)
	if seq != anySequence && (!ok || ent.seq != seq) {
		// The snapshot is stale.
		return nil, nil
	}
	if !ok {
		ent = newEntry(key, s.valueCount)
		s.entries.Put(key, ent)
	} else if ent.editor != nil {
		return nil, nil
	}

	ed := &Editor{store: s, entry: ent, written: make([]bool, s.valueCount)}
	ent.editor = ed

	// The DIRTY record must reach the journal before any file is written.
	if err := s.appendRecord(recordDirty, key, ""); err != nil {
		ent.editor = nil
		if !ent.readable {
			s.entries.Remove(key)
		}
		return nil, err
	}
	return ed, nil
}

func (s *Store) completeEdit(ed *Editor, success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	return s.completeEditLocked(ed, success)
}

func (s *Store) completeEditLocked(ed *Editor, success bool) error {
	ent := ed.entry
	if ent.editor != ed {
		panic(fmt.Sprintf("disklru: editor for %q is no longer current", ent.key))
	}

	// A first commit must provide every value.
	if success && !ent.readable {
		for i := 0; i < s.valueCount; i++ {
			if !ed.written[i] {
				_ = s.completeEditLocked(ed, false)
				panic(fmt.Sprintf("disklru: newly created entry %q did not write value %d", ent.key, i))
			}
			if _, err := os.Stat(ent.dirtyPath(s.dir, i)); err != nil {
				return multierr.Append(ErrEditFailed, s.completeEditLocked(ed, false))
			}
		}
	}

	var errs error
	for i := 0; i < s.valueCount; i++ {
		dirty := ent.dirtyPath(s.dir, i)
		if !success {
			errs = multierr.Append(errs, removeIfExists(dirty))
			continue
		}

		fi, err := os.Stat(dirty)
		if err != nil {
			// Value not rewritten by this edit; the previous one stays.
			continue
		}
		if err := os.Rename(dirty, ent.cleanPath(s.dir, i)); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("failed to commit value %d of %q: %w", i, ent.key, err))
			success = false
			continue
		}
		s.size += fi.Size() - ent.lengths[i]
		ent.lengths[i] = fi.Size()
	}

	s.redundantOps++
	ent.editor = nil
	if ent.readable || success {
		ent.readable = true
		errs = multierr.Append(errs, s.appendRecord(recordClean, ent.key, ent.lengthsString()))
		if success {
			ent.seq = s.nextSeq
			s.nextSeq++
		}
	} else {
		for i := 0; i < s.valueCount; i++ {
			errs = multierr.Append(errs, removeIfExists(ent.cleanPath(s.dir, i)))
			s.size -= ent.lengths[i]
			ent.lengths[i] = 0
		}
		s.entries.Remove(ent.key)
		errs = multierr.Append(errs, s.appendRecord(recordRemove, ent.key, ""))
	}

	metrics.DiskStoreBytes.Set(float64(s.size))
	if s.size > s.maxSize || s.compactionRequired() {
		s.scheduleCleanup()
	}
	return errs
}

// Remove drops the entry for key. It returns false if there is no such entry
// or it is currently being edited.
func (s *Store) Remove(key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkOpen(); err != nil {
		return false, err
	}
	if err := validateKey(key); err != nil {
		return false, err
	}

	ent, ok := s.entries.Peek(key)
	if !ok || ent.editor != nil {
		return false, nil
	}
	return true, s.removeEntryLocked(ent)
}

func (s *Store) removeEntryLocked(ent *entry) error {
	var errs error
	for i := 0; i < s.valueCount; i++ {
		path := ent.cleanPath(s.dir, i)
		if err := removeIfExists(path); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("failed to delete %s: %w", path, err))
		}
		s.size -= ent.lengths[i]
		ent.lengths[i] = 0
	}

	s.redundantOps++
	s.entries.Remove(ent.key)
	errs = multierr.Append(errs, s.appendRecord(recordRemove, ent.key, ""))

	metrics.DiskStoreBytes.Set(float64(s.size))
	if s.compactionRequired() {
		s.scheduleCleanup()
	}
	return errs
}

func (s *Store) compactionRequired() bool {
	return s.redundantOps >= compactThreshold && s.redundantOps >= s.entries.Len()
}

// scheduleCleanup wakes the cleanup goroutine. Must be called with s.mu held
// on an open store.
func (s *Store) scheduleCleanup() {
	select {
	case s.cleanup <- struct{}{}:
	default:
	}
}

func (s *Store) runCleanup() {
	defer close(s.done)

	for range s.cleanup {
		s.mu.Lock()
		if !s.closed {
			s.trimLocked()
			if s.compactionRequired() {
				if err := s.rebuildJournal(); err != nil {
					s.log.Warn("Failed to compact tile store journal", zap.Error(err))
				} else {
					metrics.JournalCompactions.Inc()
					s.log.Debug("Compacted tile store journal", zap.Int("entries", s.entries.Len()))
				}
			}
		}
		s.mu.Unlock()
	}
}

// trimLocked evicts least recently used entries until the store fits.
// Entries under edit are skipped.
func (s *Store) trimLocked() {
	if s.size <= s.maxSize {
		return
	}
	for _, key := range s.entries.Keys() {
		if s.size <= s.maxSize {
			return
		}
		ent, _ := s.entries.Peek(key)
		if ent.editor != nil {
			continue
		}
		if err := s.removeEntryLocked(ent); err != nil {
			s.log.Warn("Failed to evict tile store entry", zap.String("key", key), zap.Error(err))
		}
		metrics.DiskStoreEvictions.Inc()
	}
}

// Size returns the total length of all committed values.
func (s *Store) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

func (s *Store) MaxSize() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxSize
}

// SetMaxSize changes the bound; shrinking it trims in the background.
func (s *Store) SetMaxSize(maxSize int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxSize = maxSize
	if !s.closed {
		s.scheduleCleanup()
	}
}

// Len returns the number of entries, including ones being created.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries.Len()
}

func (s *Store) Dir() string {
	return s.dir
}

// Flush trims the store and forces buffered journal data to disk.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkOpen(); err != nil {
		return err
	}
	s.trimLocked()
	if err := s.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush journal: %w", err)
	}
	return nil
}

// Close aborts in-flight edits, trims the store and releases the journal.
// Closing a store twice panics.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		panic("disklru: store closed twice")
	}

	var errs error
	for _, key := range s.entries.Keys() {
		ent, ok := s.entries.Peek(key)
		if ok && ent.editor != nil {
			errs = multierr.Append(errs, s.completeEditLocked(ent.editor, false))
		}
	}
	s.trimLocked()

	if s.writer != nil {
		errs = multierr.Append(errs, s.writer.Flush())
		errs = multierr.Append(errs, s.journal.Close())
		s.journal, s.writer = nil, nil
	}
	s.closed = true
	close(s.cleanup)
	s.mu.Unlock()

	<-s.done
	return errs
}

// Delete closes the store and removes its directory.
func (s *Store) Delete() error {
	err := s.Close()
	return multierr.Append(err, os.RemoveAll(s.dir))
}

// abandon stops the store without aborting edits or trimming, leaving the
// directory as a crashed process would.
func (s *Store) abandon() {
	s.mu.Lock()
	if s.journal != nil {
		_ = s.journal.Close()
		s.journal, s.writer = nil, nil
	}
	s.closed = true
	close(s.cleanup)
	s.mu.Unlock()
	<-s.done
}
