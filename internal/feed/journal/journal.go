// Package journal implements a change feed over append-only JSONL files in
// a shared directory, one file per table. Any number of processes may
// append; subscribers follow the files with fsnotify.
//
// It gives stores without a native notification channel (SQLite, or
// several simulator processes) the same replay-then-live semantics as the
// in-process broker.
package journal

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Iron-Ham/coedit/internal/errors"
	"github.com/Iron-Ham/coedit/internal/feed"
	"github.com/Iron-Ham/coedit/internal/logging"
	"github.com/Iron-Ham/coedit/internal/record"
)

const fileExt = ".jsonl"

// line is the on-disk form of a change.
type line struct {
	Type   feed.ChangeType `json:"type"`
	Record record.Record   `json:"record"`
	At     time.Time       `json:"at"`
}

type subscription struct {
	table  string
	h      feed.Handler
	offset int64
}

// Journal is a feed.Source and feed.Publisher backed by a directory.
type Journal struct {
	dir    string
	logger *logging.Logger
	snap   feed.Snapshotter

	writeMu sync.Mutex

	mu      sync.Mutex
	subs    map[*subscription]struct{}
	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	done    chan struct{}
}

// Option configures a Journal.
type Option func(*Journal)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option { return func(j *Journal) { j.logger = l } }

// WithSnapshotter replays from an authoritative store instead of folding
// the journal.
func WithSnapshotter(s feed.Snapshotter) Option { return func(j *Journal) { j.snap = s } }

// New creates a Journal in dir, creating the directory if needed.
func New(dir string, opts ...Option) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("journal: create directory: %w", err)
	}
	j := &Journal{
		dir:    dir,
		logger: logging.NopLogger(),
		subs:   make(map[*subscription]struct{}),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j, nil
}

func (j *Journal) path(table string) string {
	return filepath.Join(j.dir, table+fileExt)
}

// Publish appends c to its table's journal. Replay and control changes are
// ignored.
func (j *Journal) Publish(c feed.Change) {
	if err := j.Append(c); err != nil {
		j.logger.Error("journal append failed", "table", c.Table, "error", err)
	}
}

// Append is Publish with the error returned.
func (j *Journal) Append(c feed.Change) error {
	switch c.Type {
	case feed.Insert, feed.Update, feed.Delete:
	default:
		return nil
	}
	if c.Replay {
		return nil
	}
	data, err := json.Marshal(line{Type: c.Type, Record: c.Record, At: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("journal: marshal change: %w", err)
	}
	data = append(data, '\n')

	j.writeMu.Lock()
	defer j.writeMu.Unlock()

	f, err := os.OpenFile(j.path(c.Table), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("journal: open: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("journal: append: %w", err)
	}
	return f.Close()
}

// readFrom decodes complete lines starting at offset and returns the
// offset after the last complete line.
func (j *Journal) readFrom(table string, offset int64) ([]line, int64, error) {
	f, err := os.Open(j.path(table))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, offset, err
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, offset, err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, offset, err
	}
	end := bytes.LastIndexByte(data, '\n')
	if end < 0 {
		return nil, offset, nil
	}
	data = data[:end+1]

	var out []line
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), 4<<20)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var l line
		if err := json.Unmarshal(sc.Bytes(), &l); err != nil {
			j.logger.Warn("skipping malformed journal line", "table", table, "error", err)
			continue
		}
		out = append(out, l)
	}
	return out, offset + int64(len(data)), sc.Err()
}

// Snapshot folds the journal into the current rows of table, sorted by ID.
func (j *Journal) Snapshot(ctx context.Context, table string) ([]record.Record, error) {
	lines, _, err := j.readFrom(table, 0)
	if err != nil {
		return nil, err
	}
	return fold(lines), ctx.Err()
}

func fold(lines []line) []record.Record {
	state := make(map[string]record.Record)
	for _, l := range lines {
		if l.Type == feed.Delete {
			delete(state, l.Record.ID)
			continue
		}
		state[l.Record.ID] = l.Record
	}
	out := make([]record.Record, 0, len(state))
	for _, r := range state {
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b record.Record) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Subscribe replays table and then follows its journal file.
func (j *Journal) Subscribe(ctx context.Context, table string, h feed.Handler) (func(), error) {
	if err := j.ensureWatcher(); err != nil {
		return nil, errors.NewFeedError("watch journal", err).WithTable(table)
	}

	j.mu.Lock()
	lines, offset, err := j.readFrom(table, 0)
	if err != nil {
		j.mu.Unlock()
		return nil, errors.NewFeedError("read journal", err).WithTable(table)
	}
	rows := fold(lines)
	if j.snap != nil {
		if rows, err = j.snap.Snapshot(ctx, table); err != nil {
			j.mu.Unlock()
			return nil, errors.NewFeedError("replay failed", err).WithTable(table)
		}
	}
	sub := &subscription{table: table, h: h, offset: offset}
	j.subs[sub] = struct{}{}
	for _, r := range rows {
		h(feed.Change{Type: feed.Insert, Table: table, Record: r, Replay: true})
	}
	h(feed.Change{Type: feed.ReplayDone, Table: table})
	j.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			j.mu.Lock()
			delete(j.subs, sub)
			j.mu.Unlock()
		})
	}, nil
}

func (j *Journal) ensureWatcher() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.watcher != nil {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(j.dir); err != nil {
		_ = w.Close()
		return err
	}
	j.watcher = w
	j.stopCh = make(chan struct{})
	j.done = make(chan struct{})
	go j.watchLoop(w, j.stopCh, j.done)
	return nil
}

func (j *Journal) watchLoop(w *fsnotify.Watcher, stop, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			name := filepath.Base(ev.Name)
			if !strings.HasSuffix(name, fileExt) {
				continue
			}
			j.Poll(strings.TrimSuffix(name, fileExt))
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			j.logger.Error("journal watcher failed", "error", err)
			j.dropAll(err)
		}
	}
}

// Poll delivers any lines appended to table since each subscriber's last
// read. The watcher calls it on file events; callers may also call it
// directly.
func (j *Journal) Poll(table string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for sub := range j.subs {
		if sub.table != table {
			continue
		}
		lines, next, err := j.readFrom(table, sub.offset)
		if err != nil {
			j.logger.Warn("journal read failed", "table", table, "error", err)
			continue
		}
		sub.offset = next
		for _, l := range lines {
			sub.h(feed.Change{Type: l.Type, Table: table, Record: l.Record})
		}
	}
}

func (j *Journal) dropAll(cause error) {
	j.mu.Lock()
	subs := j.subs
	j.subs = make(map[*subscription]struct{})
	j.mu.Unlock()
	for sub := range subs {
		sub.h(feed.Change{Type: feed.Disconnected, Table: sub.table, Err: errors.NewFeedError("journal watcher failed", cause).WithTable(sub.table)})
	}
}

// Close stops the watcher. Subscribers receive Disconnected.
func (j *Journal) Close() error {
	j.mu.Lock()
	w, stop, done := j.watcher, j.stopCh, j.done
	j.watcher = nil
	j.mu.Unlock()
	if w == nil {
		return nil
	}
	close(stop)
	err := w.Close()
	<-done
	j.dropAll(errors.ErrFeedDisconnected)
	return err
}
