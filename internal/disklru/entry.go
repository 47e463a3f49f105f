package disklru

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/multierr"
)

type entry struct {
	key      string
	lengths  []int64
	readable bool
	editor   *Editor
	seq      int64
}

func newEntry(key string, valueCount int) *entry {
	return &entry{key: key, lengths: make([]int64, valueCount)}
}

func (e *entry) cleanPath(dir string, i int) string {
	return filepath.Join(dir, e.key+"."+strconv.Itoa(i))
}

func (e *entry) dirtyPath(dir string, i int) string {
	return e.cleanPath(dir, i) + ".tmp"
}

// lengthsString renders " len0 len1 ..." for CLEAN records.
func (e *entry) lengthsString() string {
	var b strings.Builder
	for _, n := range e.lengths {
		b.WriteByte(' ')
		b.WriteString(strconv.FormatInt(n, 10))
	}
	return b.String()
}

// Editor stages new values for one entry. Values not set keep their previous
// contents; a brand new entry must set every value before Commit.
// An editor must be used from a single goroutine.
type Editor struct {
	store     *Store
	entry     *entry
	written   []bool
	hasErrors bool
	committed bool
}

func (e *Editor) Key() string {
	return e.entry.key
}

// Set writes value index. A failed write makes the following Commit remove
// the entry.
func (e *Editor) Set(index int, value []byte) error {
	s := e.store
	if index < 0 || index >= s.valueCount {
		panic(fmt.Sprintf("disklru: value index %d out of range [0,%d)", index, s.valueCount))
	}

	s.mu.Lock()
	if e.entry.editor != e {
		s.mu.Unlock()
		panic(fmt.Sprintf("disklru: editor for %q is no longer current", e.entry.key))
	}
	if !e.entry.readable {
		e.written[index] = true
	}
	path := e.entry.dirtyPath(s.dir, index)
	s.mu.Unlock()

	if err := os.WriteFile(path, value, 0o644); err != nil {
		e.hasErrors = true
		return fmt.Errorf("failed to write value %d of %q: %w", index, e.entry.key, err)
	}
	return nil
}

// Commit publishes the staged values.
func (e *Editor) Commit() error {
	if e.hasErrors {
		err := e.store.completeEdit(e, false)
		_, rerr := e.store.Remove(e.entry.key)
		return multierr.Combine(ErrEditFailed, err, rerr)
	}
	if err := e.store.completeEdit(e, true); err != nil {
		return err
	}
	e.committed = true
	return nil
}

// Abort discards the staged values.
func (e *Editor) Abort() error {
	return e.store.completeEdit(e, false)
}

// AbortUnlessCommitted is meant for defer after a successful Edit.
func (e *Editor) AbortUnlessCommitted() {
	if e.committed {
		return
	}
	e.store.mu.Lock()
	current := e.entry.editor == e && !e.store.closed
	e.store.mu.Unlock()
	if current {
		_ = e.Abort()
	}
}

// Snapshot is a consistent view of one entry's values.
type Snapshot struct {
	store   *Store
	key     string
	seq     int64
	files   []*os.File
	lengths []int64
}

func (s *Snapshot) Key() string {
	return s.key
}

func (s *Snapshot) Length(index int) int64 {
	return s.lengths[index]
}

func (s *Snapshot) Reader(index int) io.Reader {
	return s.files[index]
}

// Bytes reads value index in full.
func (s *Snapshot) Bytes(index int) ([]byte, error) {
	buf := make([]byte, s.lengths[index])
	if _, err := io.ReadFull(s.files[index], buf); err != nil {
		return nil, fmt.Errorf("failed to read value %d of %q: %w", index, s.key, err)
	}
	return buf, nil
}

// Edit returns an editor for this entry, or nil if the entry changed since the
// snapshot was taken or another edit is in progress.
func (s *Snapshot) Edit() (*Editor, error) {
	return s.store.edit(s.key, s.seq)
}

func (s *Snapshot) Close() error {
	var errs error
	for _, f := range s.files {
		errs = multierr.Append(errs, f.Close())
	}
	return errs
}
