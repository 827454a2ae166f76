package walio

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/ariyn/fastpersist/internal/fastpersist/events"
)

// ReplayLines reads every complete, newline-terminated JSON line in
// path and invokes apply with its raw bytes, in file order. A torn
// tail — a partial line left by a crash mid-write — is dropped silently
// once detected; every earlier line in the file is still delivered. A
// malformed line before the tail is also dropped, but warns through
// sink first, per SPEC_FULL.md §4.D.
//
// Grounded on original_source/dated_fast_persist.py's _recover_from_wal,
// which reads each WAL file line by line and tolerates the case where
// the last line is incomplete.
func ReplayLines(path string, sink events.Sink, apply func(json.RawMessage) error) error {
	if sink == nil {
		sink = events.Noop()
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open wal segment %s: %w", path, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for {
		line, err := r.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				// Whatever is left in `line` is a torn tail (no
				// trailing newline was ever written for it) — drop it.
				return nil
			}
			return fmt.Errorf("read wal segment %s: %w", path, err)
		}
		line = line[:len(line)-1] // strip trailing \n
		if len(line) == 0 {
			continue
		}
		var probe json.RawMessage
		if err := json.Unmarshal(line, &probe); err != nil {
			sink.Warnf("wal: dropping malformed line in %s: %v", path, err)
			continue
		}
		if err := apply(probe); err != nil {
			return err
		}
	}
}

// ReplayAll replays every segment in dir, in sequence order, returning
// the list of segment paths it successfully read to completion (which
// the caller may then delete once the recovered batch has been
// committed to ColDB).
func ReplayAll(dir string, sink events.Sink, apply func(json.RawMessage) error) (processed []string, err error) {
	if sink == nil {
		sink = events.Noop()
	}
	segs, err := ListSegments(dir)
	if err != nil {
		return nil, err
	}
	for _, path := range segs {
		if err := ReplayLines(path, sink, apply); err != nil {
			sink.Warnf("wal: recovery of %s failed: %v", path, err)
			return processed, err
		}
		processed = append(processed, path)
	}
	return processed, nil
}
