package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
)

// FileSink appends entries to a JSONL file, one object per line.
// Writes are serialized; each line is a single O_APPEND write so concurrent
// processes sharing the file do not interleave entries.
type FileSink struct {
	path string
	mu   sync.Mutex
}

// NewFileSink creates a sink writing to path. The file and its directory
// are created on first append.
func NewFileSink(path string) *FileSink {
	return &FileSink{path: path}
}

// Path returns the backing file.
func (s *FileSink) Path() string { return s.path }

// Append writes e as one line.
func (s *FileSink) Append(ctx context.Context, e Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.RecordID == "" {
		return fmt.Errorf("audit: entry RecordID is required")
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("audit: marshal entry: %w", err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("audit: create directory: %w", err)
	}
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("audit: open log: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("audit: append: %w", err)
	}
	return f.Close()
}

// ListAudit returns matching entries in timestamp order. A missing file yields
// no entries; malformed lines are skipped.
func (s *FileSink) ListAudit(ctx context.Context, q Query) ([]Entry, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("audit: open log: %w", err)
	}
	defer func() { _ = f.Close() }()

	var out []Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4<<20)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		if q.Match(e) {
			out = append(out, e)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("audit: scan log: %w", err)
	}

	slices.SortStableFunc(out, func(a, b Entry) int { return a.Timestamp.Compare(b.Timestamp) })
	return q.Tail(out), nil
}
