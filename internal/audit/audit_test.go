package audit

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Iron-Ham/coedit/internal/diff"
)

func sampleSnapshot() diff.Snapshot {
	return diff.Snapshot{
		Old:         map[string]any{"title": "a"},
		New:         map[string]any{"title": "b"},
		ChangedKeys: []string{"title"},
	}
}

func TestNewEntry(t *testing.T) {
	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.FixedZone("X", 3600))
	e := NewEntry("tasks", "t-1", KindUpdate, "ana", `#1: title "a" → "b"`, sampleSnapshot(), at)

	assert.NotEmpty(t, e.ID)
	assert.Equal(t, []string{"title"}, e.Diff)
	assert.Equal(t, "b", e.NewSnapshot["title"])
	assert.Equal(t, time.UTC, e.Timestamp.Location())

	other := NewEntry("tasks", "t-1", KindUpdate, "ana", "", sampleSnapshot(), at)
	assert.NotEqual(t, e.ID, other.ID)
}

func TestFileSink_AppendAndList(t *testing.T) {
	ctx := context.Background()
	sink := NewFileSink(filepath.Join(t.TempDir(), "nested", "audit.jsonl"))

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	entries := []Entry{
		NewEntry("tasks", "t-1", KindCreate, "ana", "#1: created", diff.Snapshot{}, base.Add(2*time.Second)),
		NewEntry("tasks", "t-2", KindUpdate, "bo", "#2: updated", sampleSnapshot(), base.Add(1*time.Second)),
		NewEntry("tasks", "t-1", KindUpdate, "bo", "#1: updated", sampleSnapshot(), base.Add(3*time.Second)),
	}
	for _, e := range entries {
		require.NoError(t, sink.Append(ctx, e))
	}

	all, err := sink.ListAudit(ctx, Query{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "t-2", all[0].RecordID, "entries sorted by timestamp")

	t1, err := sink.ListAudit(ctx, Query{RecordID: "t-1"})
	require.NoError(t, err)
	require.Len(t, t1, 2)
	assert.Equal(t, KindCreate, t1[0].Kind)

	last, err := sink.ListAudit(ctx, Query{Actor: "bo", Limit: 1})
	require.NoError(t, err)
	require.Len(t, last, 1)
	assert.Equal(t, "#1: updated", last[0].Message)
}

func TestFileSink_MissingFileAndMalformedLines(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	sink := NewFileSink(path)

	got, err := sink.ListAudit(ctx, Query{})
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, sink.Append(ctx, NewEntry("tasks", "t-1", KindUpdate, "a", "m", diff.Snapshot{}, time.Now())))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, _ = f.WriteString("{broken\n\n")
	require.NoError(t, f.Close())

	got, err = sink.ListAudit(ctx, Query{})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestFileSink_RejectsEntryWithoutRecord(t *testing.T) {
	sink := NewFileSink(filepath.Join(t.TempDir(), "a.jsonl"))
	assert.Error(t, sink.Append(context.Background(), Entry{Message: "x"}))
}

func TestFileSink_ConcurrentAppends(t *testing.T) {
	ctx := context.Background()
	sink := NewFileSink(filepath.Join(t.TempDir(), "a.jsonl"))

	var wg sync.WaitGroup
	for range 50 {
		wg.Go(func() {
			_ = sink.Append(ctx, NewEntry("tasks", "t-1", KindUpdate, "a", "m", sampleSnapshot(), time.Now()))
		})
	}
	wg.Wait()

	got, err := sink.ListAudit(ctx, Query{})
	require.NoError(t, err)
	assert.Len(t, got, 50)
}

func TestQuery_Since(t *testing.T) {
	now := time.Now().UTC()
	q := Query{Since: now}
	assert.False(t, q.Match(Entry{Timestamp: now.Add(-time.Second)}))
	assert.True(t, q.Match(Entry{Timestamp: now}))
}
