package disklru

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	journalFile    = "journal"
	journalTmpFile = "journal.tmp"

	magic         = "tileview.disklru"
	formatVersion = "1"

	recordClean  = "CLEAN"
	recordDirty  = "DIRTY"
	recordRemove = "REMOVE"
	recordRead   = "READ"
)

// errTornLine marks a final journal line that was cut short by a crash.
var errTornLine = errors.New("disklru: unterminated journal line")

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) {
			if line == "" {
				return "", io.EOF
			}
			return "", errTornLine
		}
		return "", err
	}
	return strings.TrimSuffix(line, "\n"), nil
}

// readJournal replays the journal into s.entries. It reports whether the last
// line was torn, returns an error wrapping fs.ErrNotExist when there is no
// journal yet and ErrCorruptJournal when the file cannot be trusted.
func (s *Store) readJournal() (bool, error) {
	f, err := os.Open(s.journalPath())
	if err != nil {
		return false, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	header := make([]string, 5)
	for i := range header {
		line, err := readLine(r)
		if err != nil {
			return false, fmt.Errorf("%w: truncated header: %v", ErrCorruptJournal, err)
		}
		header[i] = line
	}

	if header[0] != magic ||
		header[1] != formatVersion ||
		header[2] != strconv.Itoa(s.appVersion) ||
		header[3] != strconv.Itoa(s.valueCount) ||
		header[4] != "" {
		return false, fmt.Errorf("%w: unexpected header %q", ErrCorruptJournal, header)
	}

	lines, torn := 0, false
	for {
		line, err := readLine(r)
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, errTornLine) {
			torn = true
			break
		}
		if err != nil {
			return false, fmt.Errorf("failed to read journal: %w", err)
		}
		if err := s.readJournalLine(line); err != nil {
			return false, err
		}
		lines++
	}

	s.redundantOps = lines - s.entries.Len()
	return torn, nil
}

func (s *Store) readJournalLine(line string) error {
	parts := strings.Split(line, " ")
	if len(parts) < 2 {
		return fmt.Errorf("%w: unexpected line %q", ErrCorruptJournal, line)
	}

	kind, key := parts[0], parts[1]
	if kind == recordRemove && len(parts) == 2 {
		s.entries.Remove(key)
		return nil
	}

	ent, ok := s.entries.Get(key)
	if !ok {
		ent = newEntry(key, s.valueCount)
		s.entries.Put(key, ent)
	}

	switch {
	case kind == recordClean && len(parts) == 2+s.valueCount:
		ent.readable = true
		ent.editor = nil
		for i, field := range parts[2:] {
			n, err := strconv.ParseInt(field, 10, 64)
			if err != nil || n < 0 {
				return fmt.Errorf("%w: bad length in line %q", ErrCorruptJournal, line)
			}
			ent.lengths[i] = n
		}
	case kind == recordDirty && len(parts) == 2:
		ent.editor = &Editor{store: s, entry: ent, written: make([]bool, s.valueCount)}
	case kind == recordRead && len(parts) == 2:
		// Replaying the read already refreshed the entry's recency.
	default:
		return fmt.Errorf("%w: unexpected line %q", ErrCorruptJournal, line)
	}
	return nil
}

// processJournal computes the initial size and drops entries that were being
// edited when the previous process stopped, or whose files do not match the
// journal. It reports whether anything was dropped.
func (s *Store) processJournal() bool {
	_ = removeIfExists(filepath.Join(s.dir, journalTmpFile))

	dropped := false
	for _, key := range s.entries.Keys() {
		ent, _ := s.entries.Peek(key)
		if ent.editor == nil && s.filesMatch(ent) {
			for _, n := range ent.lengths {
				s.size += n
			}
			continue
		}

		ent.editor = nil
		for i := 0; i < s.valueCount; i++ {
			_ = removeIfExists(ent.cleanPath(s.dir, i))
			_ = removeIfExists(ent.dirtyPath(s.dir, i))
		}
		s.entries.Remove(key)
		dropped = true
	}
	return dropped
}

func (s *Store) filesMatch(ent *entry) bool {
	for i, n := range ent.lengths {
		fi, err := os.Stat(ent.cleanPath(s.dir, i))
		if err != nil || fi.Size() != n {
			return false
		}
	}
	return true
}

// rebuildJournal writes a compact journal holding one line per live entry and
// atomically replaces the current one.
func (s *Store) rebuildJournal() error {
	if s.journal != nil {
		_ = s.writer.Flush()
		_ = s.journal.Close()
		s.journal, s.writer = nil, nil
	}

	tmpPath := filepath.Join(s.dir, journalTmpFile)
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("failed to create journal: %w", err)
	}

	w := bufio.NewWriter(f)
	fmt.Fprintf(w, "%s\n%s\n%d\n%d\n\n", magic, formatVersion, s.appVersion, s.valueCount)
	s.entries.Range(func(key string, ent *entry) bool {
		if ent.editor != nil {
			fmt.Fprintf(w, "%s %s\n", recordDirty, key)
		} else {
			fmt.Fprintf(w, "%s %s%s\n", recordClean, key, ent.lengthsString())
		}
		return true
	})

	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("failed to write journal: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync journal: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close journal: %w", err)
	}
	if err := os.Rename(tmpPath, s.journalPath()); err != nil {
		return fmt.Errorf("failed to replace journal: %w", err)
	}

	s.redundantOps = 0
	return s.openJournalForAppend()
}

func (s *Store) openJournalForAppend() error {
	f, err := os.OpenFile(s.journalPath(), os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	s.journal = f
	s.writer = bufio.NewWriter(f)
	return nil
}

// appendRecord writes one journal line and flushes it, so the journal on disk
// never lags behind the files it describes.
func (s *Store) appendRecord(kind, key string, extra string) error {
	if s.writer == nil {
		return errJournalUnavailable
	}
	if _, err := s.writer.WriteString(kind + " " + key + extra + "\n"); err != nil {
		return fmt.Errorf("failed to append journal record: %w", err)
	}
	if err := s.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush journal: %w", err)
	}
	return nil
}

func (s *Store) journalPath() string {
	return filepath.Join(s.dir, journalFile)
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
