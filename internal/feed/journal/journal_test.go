package journal

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Iron-Ham/coedit/internal/feed"
	"github.com/Iron-Ham/coedit/internal/record"
)

type collector struct {
	mu      sync.Mutex
	changes []feed.Change
}

func (c *collector) handle(ch feed.Change) {
	c.mu.Lock()
	c.changes = append(c.changes, ch)
	c.mu.Unlock()
}

func (c *collector) snapshot() []feed.Change {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]feed.Change(nil), c.changes...)
}

func rec(id, title string) record.Record {
	return record.New(id, map[string]any{"title": title})
}

func TestJournal_SnapshotFolds(t *testing.T) {
	j, err := New(t.TempDir())
	require.NoError(t, err)
	defer j.Close()

	require.NoError(t, j.Append(feed.Change{Type: feed.Insert, Table: "tasks", Record: rec("t-2", "b")}))
	require.NoError(t, j.Append(feed.Change{Type: feed.Insert, Table: "tasks", Record: rec("t-1", "a")}))
	require.NoError(t, j.Append(feed.Change{Type: feed.Update, Table: "tasks", Record: rec("t-1", "a2")}))
	require.NoError(t, j.Append(feed.Change{Type: feed.Delete, Table: "tasks", Record: rec("t-2", "")}))
	require.NoError(t, j.Append(feed.Change{Type: feed.ReplayDone, Table: "tasks"}))

	rows, err := j.Snapshot(context.Background(), "tasks")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "t-1", rows[0].ID)
	assert.Equal(t, "a2", rows[0].String("title"))
}

func TestJournal_SubscribeReplaysThenFollows(t *testing.T) {
	dir := t.TempDir()
	j, err := New(dir)
	require.NoError(t, err)
	defer j.Close()

	require.NoError(t, j.Append(feed.Change{Type: feed.Insert, Table: "tasks", Record: rec("t-1", "a")}))

	var c collector
	cancel, err := j.Subscribe(context.Background(), "tasks", c.handle)
	require.NoError(t, err)
	defer cancel()

	got := c.snapshot()
	require.Len(t, got, 2)
	assert.True(t, got[0].Replay)
	assert.Equal(t, feed.ReplayDone, got[1].Type)

	// a second writer sharing the directory
	other, err := New(dir)
	require.NoError(t, err)
	defer other.Close()
	require.NoError(t, other.Append(feed.Change{Type: feed.Update, Table: "tasks", Record: rec("t-1", "b")}))
	require.NoError(t, other.Append(feed.Change{Type: feed.Insert, Table: "invoices", Record: rec("i-1", "x")}))

	j.Poll("tasks")

	got = c.snapshot()
	require.Len(t, got, 3)
	assert.Equal(t, feed.Update, got[2].Type)
	assert.Equal(t, "b", got[2].Record.String("title"))
	assert.False(t, got[2].Replay)
}

func TestJournal_IgnoresPartialLines(t *testing.T) {
	dir := t.TempDir()
	j, err := New(dir)
	require.NoError(t, err)
	defer j.Close()

	var c collector
	cancel, err := j.Subscribe(context.Background(), "tasks", c.handle)
	require.NoError(t, err)
	defer cancel()

	f, err := os.OpenFile(filepath.Join(dir, "tasks.jsonl"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"type":"insert","record":{"id":"t-9"`)
	require.NoError(t, err)
	j.Poll("tasks")
	assert.Len(t, c.snapshot(), 1, "only ReplayDone so far")

	_, err = f.WriteString(`,"fields":{"title":"z"}}}` + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	j.Poll("tasks")

	got := c.snapshot()
	require.Len(t, got, 2)
	assert.Equal(t, "t-9", got[1].Record.ID)
}

type fixedSnap []record.Record

func (s fixedSnap) Snapshot(context.Context, string) ([]record.Record, error) { return s, nil }

func TestJournal_WithSnapshotter(t *testing.T) {
	j, err := New(t.TempDir(), WithSnapshotter(fixedSnap{rec("t-5", "auth")}))
	require.NoError(t, err)
	defer j.Close()
	require.NoError(t, j.Append(feed.Change{Type: feed.Insert, Table: "tasks", Record: rec("t-1", "journal")}))

	var c collector
	cancel, err := j.Subscribe(context.Background(), "tasks", c.handle)
	require.NoError(t, err)
	defer cancel()

	got := c.snapshot()
	require.Len(t, got, 2)
	assert.Equal(t, "t-5", got[0].Record.ID)
}

func TestJournal_CloseDisconnects(t *testing.T) {
	j, err := New(t.TempDir())
	require.NoError(t, err)

	var c collector
	_, err = j.Subscribe(context.Background(), "tasks", c.handle)
	require.NoError(t, err)

	require.NoError(t, j.Close())
	got := c.snapshot()
	require.Len(t, got, 2)
	assert.Equal(t, feed.Disconnected, got[1].Type)
	assert.NoError(t, j.Close())
}
