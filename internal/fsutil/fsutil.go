// Package fsutil implements the Paths & State Store contract (§4.C1):
// exclusive-locked, size-capped JSON and JSONL read/write with atomic
// temp-file-and-rename writes. Every mutation in the coordinator goes
// through this package so the "pull, pull, write, emit" rule (§2) and the
// durability invariants (§5, §8.1) hold in one place.
package fsutil

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
	"github.com/sessionmesh/coordinator/internal/paths"
)

// Size caps from §4.C1.
const (
	MaxJSONLEntries = 10_000
	MaxJSONLBytes   = 8 << 20 // 8 MB
	MaxJSONBytes    = 4 << 20 // 4 MB
)

// Lock acquires an exclusive advisory lock on the sibling lock file for
// target, for the duration of a read-modify-write cycle. The returned
// release function must be deferred immediately; it is safe to call it
// exactly once. Locking never crosses more than one file at a time (§5).
func Lock(target string) (release func(), err error) {
	lockPath := paths.LockFile(target)
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o700); err != nil {
		return nil, fmt.Errorf("fsutil: creating lock dir: %w", err)
	}
	fl := flock.New(lockPath)
	if err := fl.Lock(); err != nil {
		return nil, fmt.Errorf("fsutil: acquiring lock %s: %w", lockPath, err)
	}
	return func() { _ = fl.Unlock() }, nil
}

// ReadJSON reads a JSON document into v, returning false and a zero-value
// v if the file is missing. Oversized files are rejected rather than
// silently truncated, since a single JSON document cannot be safely
// prefix-read.
func ReadJSON(path string, v interface{}) (found bool, err error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("fsutil: stat %s: %w", path, err)
	}
	if info.Size() > MaxJSONBytes {
		return false, fmt.Errorf("fsutil: %s exceeds %d byte JSON cap", path, MaxJSONBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("fsutil: reading %s: %w", path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("fsutil: parsing %s: %w", path, err)
	}
	return true, nil
}

// WriteJSON atomically writes v to path via a temp file in the same
// directory followed by rename, so readers never observe a torn write.
func WriteJSON(path string, v interface{}) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("fsutil: creating dir for %s: %w", path, err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("fsutil: marshaling %s: %w", path, err)
	}
	if len(data) > MaxJSONBytes {
		return fmt.Errorf("fsutil: marshaled %s exceeds %d byte JSON cap", path, MaxJSONBytes)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("fsutil: creating temp file for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("fsutil: writing temp file for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("fsutil: closing temp file for %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("fsutil: renaming into %s: %w", path, err)
	}
	return nil
}

// WithLockedJSON performs a locked read-modify-write cycle against a JSON
// file: it acquires the sibling lock, reads the current value (or the
// zero value if missing) into v, invokes mutate, and writes v back if
// mutate returns true. mutate must not perform its own I/O that could
// suspend while holding a second lock (§5).
func WithLockedJSON(path string, v interface{}, mutate func(found bool) (write bool, err error)) error {
	release, err := Lock(path)
	if err != nil {
		return err
	}
	defer release()

	found, err := ReadJSON(path, v)
	if err != nil {
		return err
	}
	write, err := mutate(found)
	if err != nil {
		return err
	}
	if !write {
		return nil
	}
	return WriteJSON(path, v)
}

// AppendJSONL appends one JSON-encoded line to path under an exclusive
// lock, creating the file and its parent directory if needed.
func AppendJSONL(path string, v interface{}) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("fsutil: creating dir for %s: %w", path, err)
	}
	release, err := Lock(path)
	if err != nil {
		return err
	}
	defer release()

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("fsutil: marshaling append to %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("fsutil: opening %s for append: %w", path, err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("fsutil: appending to %s: %w", path, err)
	}
	return nil
}

// ReadJSONLTail reads up to limit records (capped at MaxJSONLEntries, and
// to the last MaxJSONLBytes of the file) from the tail of a JSONL file,
// passing each record's raw bytes to unmarshalLine. It tolerates both newline-delimited
// and concatenated JSON objects (no separators) by scanning brace depth
// over the raw bytes, recovering from a torn trailing write. Returns a
// warning string when the size cap truncated the result.
func ReadJSONLTail(path string, limit int, unmarshalLine func(raw []byte) error) (warning string, err error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("fsutil: reading %s: %w", path, err)
	}

	capped := false
	if len(data) > MaxJSONLBytes {
		data = data[len(data)-MaxJSONLBytes:]
		capped = true
	}
	objects := scanJSONObjects(data)
	if limit <= 0 || limit > MaxJSONLEntries {
		limit = MaxJSONLEntries
	}
	if len(objects) > limit {
		objects = objects[len(objects)-limit:]
		capped = true
	}
	for _, obj := range objects {
		if len(bytes.TrimSpace(obj)) == 0 {
			continue
		}
		if err := unmarshalLine(obj); err != nil {
			// A single corrupt record is skipped, not fatal (§7.3).
			warning = fmt.Sprintf("skipped malformed record in %s: %v", filepath.Base(path), err)
			continue
		}
	}
	if capped && warning == "" {
		warning = fmt.Sprintf("%s: result truncated to the most recent %d entries", filepath.Base(path), limit)
	}
	return warning, nil
}

// scanJSONObjects splits raw into top-level JSON object byte slices by
// brace-depth scanning, independent of whether the source used newline
// separators, was written by concurrent appenders, or has a trailing torn
// write. An object whose braces are still unbalanced at the end of its
// line (a torn or corrupt record) is dropped, and scanning resumes on the
// next line.
func scanJSONObjects(raw []byte) [][]byte {
	var out [][]byte
	depth := 0
	start := -1
	inString := false
	escaped := false
	for i, b := range raw {
		if b == '\n' {
			// JSONL records never span lines; an unbalanced record ends here.
			inString, escaped = false, false
			if depth > 0 {
				depth, start = 0, -1
			}
			continue
		}
		if inString {
			switch {
			case escaped:
				escaped = false
			case b == '\\':
				escaped = true
			case b == '"':
				inString = false
			}
			continue
		}
		switch b {
		case '"':
			inString = true
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			depth--
			if depth == 0 && start >= 0 {
				out = append(out, raw[start:i+1])
				start = -1
			}
		}
	}
	return out
}

// TruncateFile empties a file (used by the messaging fabric's
// read-and-clear consume semantics, §3.3 invariant #1). It must be called
// while holding the file's lock.
func TruncateFile(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("fsutil: truncating %s: %w", path, err)
	}
	return f.Close()
}

// TruncateToTail rewrites path to keep only its last keep lines, via a
// temp-file-and-rename so readers never observe a torn intermediate
// state. It must be called while holding the file's lock, matching
// TruncateFile's convention. Used by GC's activity-log retention rule
// (§4.C1) rather than TruncateFile's truncate-to-empty, since a trimmed
// tail must survive the rewrite.
func TruncateToTail(path string, keep int) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("fsutil: opening %s: %w", path, err)
	}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), MaxJSONLBytes)
	var tail []string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		tail = append(tail, line)
		if len(tail) > keep {
			tail = tail[1:]
		}
	}
	scanErr := scanner.Err()
	f.Close()
	if scanErr != nil && scanErr != io.EOF {
		return fmt.Errorf("fsutil: scanning %s: %w", path, scanErr)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("fsutil: creating temp file for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	w := bufio.NewWriter(tmp)
	for _, line := range tail {
		if _, err := w.WriteString(line); err != nil {
			tmp.Close()
			return fmt.Errorf("fsutil: writing temp file for %s: %w", path, err)
		}
		if _, err := w.WriteString("\n"); err != nil {
			tmp.Close()
			return fmt.Errorf("fsutil: writing temp file for %s: %w", path, err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("fsutil: flushing temp file for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("fsutil: closing temp file for %s: %w", path, err)
	}
	return os.Rename(tmpName, path)
}

// CountLines returns the number of JSONL lines currently in path, without
// parsing them, used for queue-depth checks.
func CountLines(path string) (int, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), MaxJSONLBytes)
	n := 0
	for scanner.Scan() {
		if len(bytes.TrimSpace(scanner.Bytes())) > 0 {
			n++
		}
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		return n, err
	}
	return n, nil
}
