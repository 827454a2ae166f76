// Package walio implements the append-only, rotating JSON-lines WAL
// shared by dated and collection mode, plus crash recovery.
//
// Grounded on cmd/dbsp/sink_file.go's JSON-Lines FileSink (explicit
// os.OpenFile + json.Encoder, mutex-guarded) and on
// original_source/dated_fast_persist.py's _rotate_wal (numbered segment
// files, directory fsync on rotation, skipped where the platform
// doesn't support it).
package walio

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/ariyn/fastpersist/internal/fastpersist/errs"
	"github.com/ariyn/fastpersist/internal/fastpersist/events"
)

var segmentRE = regexp.MustCompile(`^wal_(\d{6})\.jsonl$`)

// Writer owns the currently-open WAL segment for one storage scope
// (a date directory in dated mode, a date subdirectory in collection
// mode) and rotates it on size/age thresholds.
type Writer struct {
	mu sync.Mutex

	dir     string
	maxSize int64
	maxAge  time.Duration
	sink    events.Sink

	file    *os.File
	enc     *json.Encoder
	seq     int
	size    int64
	count   int
	openAt  time.Time
}

// Open prepares dir for appends, picking the next sequence number after
// whatever segments already exist (e.g. from a prior crashed run that
// WalRecovery has not yet cleaned up). It does not open a segment file
// until the first Append, mirroring the original's lazy
// "current_wal_file is None" rotation trigger.
func Open(dir string, maxSize int64, maxAge time.Duration, sink events.Sink) (*Writer, error) {
	if sink == nil {
		sink = events.Noop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir wal dir %s: %w", dir, err)
	}
	maxSeq, err := maxExistingSequence(dir)
	if err != nil {
		return nil, err
	}
	return &Writer{dir: dir, maxSize: maxSize, maxAge: maxAge, sink: sink, seq: maxSeq}, nil
}

func maxExistingSequence(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read wal dir %s: %w", dir, err)
	}
	max := 0
	for _, e := range entries {
		m := segmentRE.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		n, _ := strconv.Atoi(m[1])
		if n > max {
			max = n
		}
	}
	return max, nil
}

// Append marshals line to JSON, writes it as one newline-terminated
// record, and fsyncs before returning — the durability contract is
// write+fsync per line, matching the original's
// f.write(); f.flush(); os.fsync(f.fileno()).
func (w *Writer) Append(line any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		if err := w.openNextLocked(); err != nil {
			return err
		}
	}

	b, err := json.Marshal(line)
	if err != nil {
		return fmt.Errorf("marshal wal line: %w", err)
	}
	b = append(b, '\n')

	n, err := w.file.Write(b)
	if err != nil {
		return &errs.WalIoError{Path: w.file.Name(), Reason: err}
	}
	if err := w.file.Sync(); err != nil {
		return &errs.WalIoError{Path: w.file.Name(), Reason: err}
	}
	w.size += int64(n)
	w.count++
	return nil
}

// ShouldRotate reports whether the current segment has crossed a
// rotation threshold.
func (w *Writer) ShouldRotate() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.shouldRotateLocked()
}

func (w *Writer) shouldRotateLocked() bool {
	if w.file == nil {
		return false
	}
	if w.maxSize > 0 && w.size >= w.maxSize {
		return true
	}
	if w.maxAge > 0 && time.Since(w.openAt) >= w.maxAge {
		return true
	}
	return false
}

// Rotate closes and fsyncs the current segment (if any) and opens the
// next one. It returns the path of the segment that was just closed, or
// "" if nothing was open.
func (w *Writer) Rotate() (closedPath string, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rotateLocked()
}

func (w *Writer) rotateLocked() (string, error) {
	closedPath := ""
	if w.file != nil {
		closedPath = w.file.Name()
		if err := w.closeCurrentLocked(); err != nil {
			return "", err
		}
	}
	if err := w.openNextLocked(); err != nil {
		return closedPath, err
	}
	return closedPath, nil
}

func (w *Writer) closeCurrentLocked() error {
	if w.file == nil {
		return nil
	}
	if err := w.file.Sync(); err != nil {
		w.sink.Warnf("wal: fsync on close failed for %s: %v", w.file.Name(), err)
	}
	name := w.file.Name()
	if err := w.file.Close(); err != nil {
		return &errs.WalIoError{Path: name, Reason: err}
	}
	w.file = nil
	return nil
}

func (w *Writer) openNextLocked() error {
	w.seq++
	path := filepath.Join(w.dir, segmentName(w.seq))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return &errs.WalIoError{Path: path, Reason: err}
	}
	w.file = f
	w.size = 0
	w.count = 0
	w.openAt = time.Now()
	fsyncDir(w.dir, w.sink)
	return nil
}

// fsyncDir attempts to fsync the directory entry for a newly created
// file. Not every platform supports this; failure is logged, not fatal
// — see SPEC_FULL.md invariant 6.
func fsyncDir(dir string, sink events.Sink) {
	d, err := os.Open(dir)
	if err != nil {
		sink.Warnf("wal: could not open dir %s for fsync: %v", dir, err)
		return
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		sink.Warnf("wal: directory fsync unsupported or failed for %s: %v", dir, err)
	}
}

// Stats returns the current segment's size, line count, and sequence
// number, for get_stats().
func (w *Writer) Stats() (size int64, count int, sequence int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size, w.count, w.seq
}

// CurrentPath returns the path of the currently open segment, or "" if none is open.
func (w *Writer) CurrentPath() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return ""
	}
	return w.file.Name()
}

// Close flushes and closes the current segment, if any.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeCurrentLocked()
}

func segmentName(seq int) string {
	return fmt.Sprintf("wal_%06d.jsonl", seq)
}

// ListSegments returns the WAL segment paths in dir, ordered by
// ascending sequence number.
func ListSegments(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read wal dir %s: %w", dir, err)
	}
	type seg struct {
		seq  int
		path string
	}
	var segs []seg
	for _, e := range entries {
		m := segmentRE.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		n, _ := strconv.Atoi(m[1])
		segs = append(segs, seg{seq: n, path: filepath.Join(dir, e.Name())})
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].seq < segs[j].seq })
	paths := make([]string, len(segs))
	for i, s := range segs {
		paths[i] = s.path
	}
	return paths, nil
}

// DeleteSegmentsExcept removes every WAL segment in dir except keep
// (which may be "" to delete all of them), matching the original's
// _cleanup_old_wals policy: delete unconditionally after a successful
// flush, relying on idempotent upserts as the safety margin if a
// segment resurfaces due to a partial cleanup.
func DeleteSegmentsExcept(dir string, keep string) error {
	segs, err := ListSegments(dir)
	if err != nil {
		return err
	}
	for _, p := range segs {
		if p == keep {
			continue
		}
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove wal segment %s: %w", p, err)
		}
	}
	return nil
}
