package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Iron-Ham/coedit/internal/errors"
	"github.com/Iron-Ham/coedit/internal/event"
	"github.com/Iron-Ham/coedit/internal/feed"
	"github.com/Iron-Ham/coedit/internal/record"
	"github.com/Iron-Ham/coedit/internal/store/memstore"
)

const (
	testTimeout = 2 * time.Second
	testTick    = 10 * time.Millisecond
)

type recorder struct {
	mu     sync.Mutex
	events []event.Event
}

func (r *recorder) handle(e event.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) ofType(t string) []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []event.Event
	for _, e := range r.events {
		if e.EventType() == t {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	store  *memstore.Store
	broker *feed.Broker
	bus    *event.Bus
	events *recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{store: memstore.New(), bus: event.NewBus(), events: &recorder{}}
	f.broker = feed.NewBroker(f.store)
	f.store.SetPublisher(f.broker)
	f.bus.SubscribeAll(f.events.handle)
	return f
}

func (f *fixture) seed(t *testing.T, id string, fields map[string]any) record.Record {
	t.Helper()
	r, err := f.store.Insert(context.Background(), "tasks", record.New(id, fields))
	require.NoError(t, err)
	return r
}

func (f *fixture) cache(t *testing.T, opts ...Option) *Cache {
	t.Helper()
	c := New("tasks", f.store, append([]Option{WithBus(f.bus)}, opts...)...)
	fl, err := c.Attach(context.Background(), f.broker)
	require.NoError(t, err)
	t.Cleanup(fl.Close)
	return c
}

func TestParseMergePolicy(t *testing.T) {
	tests := []struct {
		in   string
		want MergePolicy
		ok   bool
	}{
		{"", MergeReplace, true},
		{"lww", MergeReplace, true},
		{"replace", MergeReplace, true},
		{"fields", MergeFields, true},
		{"crdt", MergeReplace, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ParseMergePolicy(tt.in)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.ok, ok)
		})
	}
}

func TestAttachReplaysTable(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "a", map[string]any{"title": "one"})
	f.seed(t, "b", map[string]any{"title": "two"})

	c := f.cache(t)
	require.Equal(t, 2, c.Len())
	list := c.List()
	assert.Equal(t, "a", list[0].ID)
	assert.Equal(t, "b", list[1].ID)
	require.Len(t, f.events.ofType(event.TypeFeedResynced), 1)
	assert.Equal(t, 2, f.events.ofType(event.TypeFeedResynced)[0].(event.FeedResyncedEvent).Count)
}

func TestLiveChanges(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.cache(t)

	var seen []Change
	c.Watch(func(ch Change) { seen = append(seen, ch) })

	r := f.seed(t, "a", map[string]any{"title": "one"})
	got, ok := c.Get(r.ID)
	require.True(t, ok)
	assert.Equal(t, "one", got.Get("title"))

	_, err := f.store.Update(ctx, "tasks", "a", record.Patch{"title": "uno"})
	require.NoError(t, err)
	got, _ = c.Get("a")
	assert.Equal(t, "uno", got.Get("title"))

	require.NoError(t, f.store.Delete(ctx, "tasks", "a"))
	_, ok = c.Get("a")
	assert.False(t, ok)

	require.Len(t, seen, 3)
	assert.True(t, seen[2].Deleted)
}

func TestApplyLocalIsImmediate(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "a", map[string]any{"title": "one"})
	c := f.cache(t)

	next, err := c.ApplyLocal("a", record.Patch{"title": "draft"})
	require.NoError(t, err)
	assert.Equal(t, "draft", next.Get("title"))
	assert.True(t, c.Pending("a"))

	stored, err := f.store.Get(context.Background(), "tasks", "a")
	require.NoError(t, err)
	assert.Equal(t, "one", stored.Get("title"), "store is untouched")

	c.Rollback("a")
	got, _ := c.Get("a")
	assert.Equal(t, "one", got.Get("title"))
	assert.False(t, c.Pending("a"))
	assert.Len(t, f.events.ofType(event.TypeRecordRolledBack), 1)
}

func TestApplyLocalUnknownRecord(t *testing.T) {
	f := newFixture(t)
	c := f.cache(t)
	_, err := c.ApplyLocal("missing", record.Patch{"title": "x"})
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestRollbackRestoresAbsentField(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "a", map[string]any{"title": "one"})
	c := f.cache(t)

	_, err := c.ApplyLocal("a", record.Patch{"notes": "hello"})
	require.NoError(t, err)
	_, err = c.ApplyLocal("a", record.Patch{"notes": "hello again"})
	require.NoError(t, err)

	c.Rollback("a", "notes")
	got, _ := c.Get("a")
	assert.False(t, got.Has("notes"), "stacked edits roll back to the oldest prior")
}

func TestCommitRemote(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "a", map[string]any{"title": "one"})
	c := f.cache(t)

	stored, err := c.CommitRemote(context.Background(), "a", record.Patch{"title": "two"})
	require.NoError(t, err)
	assert.Equal(t, "two", stored.Get("title"))
	assert.NotEmpty(t, stored.Get(record.FieldUpdatedAt))

	got, _ := c.Get("a")
	assert.Equal(t, "two", got.Get("title"))
	assert.Equal(t, stored.Get(record.FieldUpdatedAt), got.Get(record.FieldUpdatedAt))
	assert.False(t, c.Pending("a"))
}

func TestCommitRemoteFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "a", map[string]any{"title": "one", "quantity": 2})
	c := f.cache(t)
	f.store.FailNext(memstore.OpUpdate, errors.New("connection reset"))

	_, err := c.CommitRemote(context.Background(), "a", record.Patch{"title": "two"})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrCommitFailed)

	var ce *errors.CommitError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "a", ce.RecordID)
	assert.Equal(t, "title", ce.Field)
	assert.Equal(t, "two", ce.Attempted)

	got, _ := c.Get("a")
	assert.Equal(t, "one", got.Get("title"))
	assert.Equal(t, float64(2), got.Get("quantity"))
	assert.False(t, c.Pending("a"))
	assert.Len(t, f.events.ofType(event.TypeRecordRolledBack), 1)
}

func TestCommitRemoteKeepsOtherInFlightFields(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "a", map[string]any{"title": "one", "notes": "n"})
	c := f.cache(t, WithMergePolicy(MergeFields))

	_, err := c.ApplyLocal("a", record.Patch{"notes": "typing"})
	require.NoError(t, err)
	_, err = c.CommitRemote(context.Background(), "a", record.Patch{"title": "two"})
	require.NoError(t, err)

	got, _ := c.Get("a")
	assert.Equal(t, "two", got.Get("title"))
	assert.Equal(t, "typing", got.Get("notes"))
	assert.True(t, c.Pending("a"))
}

func TestMergeReplaceTakesRemoteRecord(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "a", map[string]any{"title": "one", "notes": "n"})
	c := f.cache(t)

	_, err := c.ApplyLocal("a", record.Patch{"notes": "typing"})
	require.NoError(t, err)
	_, err = f.store.Update(context.Background(), "tasks", "a", record.Patch{"title": "remote"})
	require.NoError(t, err)

	got, _ := c.Get("a")
	assert.Equal(t, "remote", got.Get("title"))
	assert.Equal(t, "n", got.Get("notes"), "last writer wins on the whole record")
}

func TestCommitRemoteWithoutFeed(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "a", map[string]any{"title": "one", "notes": "n"})
	c := New("tasks", f.store)
	require.NoError(t, c.Resync(context.Background()))

	_, err := c.ApplyLocal("a", record.Patch{"notes": "typing"})
	require.NoError(t, err)
	stored, err := c.CommitRemote(context.Background(), "a", record.Patch{"title": "two"})
	require.NoError(t, err)

	got, _ := c.Get("a")
	assert.Equal(t, "two", got.Get("title"))
	assert.Equal(t, stored.Get(record.FieldUpdatedAt), got.Get(record.FieldUpdatedAt))
	assert.Equal(t, "typing", got.Get("notes"), "other in-flight fields stay optimistic")
}

func TestRollbackTargetsLatestRemoteValue(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "a", map[string]any{"total_amount": 10})
	c := f.cache(t, WithMergePolicy(MergeFields))

	_, err := c.ApplyLocal("a", record.Patch{"total_amount": 20})
	require.NoError(t, err)
	_, err = f.store.Update(context.Background(), "tasks", "a", record.Patch{"total_amount": 30})
	require.NoError(t, err)
	got, _ := c.Get("a")
	assert.Equal(t, float64(20), got.Get("total_amount"))

	c.Rollback("a")
	got, _ = c.Get("a")
	assert.Equal(t, float64(30), got.Get("total_amount"))
}

func TestMergeFieldsKeepsInFlightFields(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "a", map[string]any{"title": "one", "notes": "n"})
	c := f.cache(t, WithMergePolicy(MergeFields))

	_, err := c.ApplyLocal("a", record.Patch{"notes": "typing"})
	require.NoError(t, err)
	_, err = f.store.Update(context.Background(), "tasks", "a", record.Patch{"title": "remote"})
	require.NoError(t, err)

	got, _ := c.Get("a")
	assert.Equal(t, "remote", got.Get("title"))
	assert.Equal(t, "typing", got.Get("notes"))
}

func TestResync(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := New("tasks", f.store, WithBus(f.bus))

	f.seed(t, "a", map[string]any{"title": "one"})
	f.seed(t, "b", map[string]any{"title": "two"})
	require.NoError(t, c.Resync(ctx))
	assert.Equal(t, 2, c.Len())

	f.store.FailNext(memstore.OpQuery, errors.New("timeout"))
	err := c.Resync(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrFetchFailed)
	assert.ErrorIs(t, err, errors.ErrFeedDisconnected)
	assert.True(t, errors.IsUserFacing(err))
	assert.Equal(t, 2, c.Len(), "failed resync keeps the view")

	evs := f.events.ofType(event.TypeFeedResynced)
	require.Len(t, evs, 2)
	assert.Contains(t, evs[1].(event.FeedResyncedEvent).Error, "timeout")
}

func TestDisconnectThenReplay(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "a", map[string]any{"title": "one"})
	c := New("tasks", f.store, WithBus(f.bus))
	f.seed(t, "b", map[string]any{"title": "two"})
	fl, err := c.Attach(context.Background(), f.broker, feed.WithReconnectDelay(100*time.Millisecond))
	require.NoError(t, err)
	defer fl.Close()
	require.Equal(t, 2, c.Len())

	f.broker.Drop("tasks", errors.New("socket closed"))
	require.Len(t, f.events.ofType(event.TypeFeedDisconnected), 1)
	// missed while disconnected
	require.NoError(t, f.store.Delete(context.Background(), "tasks", "b"))

	assert.Eventually(t, func() bool {
		return len(f.events.ofType(event.TypeFeedResynced)) == 2
	}, testTimeout, testTick)
	got, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, "one", got.Get("title"))
	_, ok = c.Get("b")
	assert.False(t, ok, "replay drops rows deleted while disconnected")
}

func TestHandleChangeIgnoresOtherTables(t *testing.T) {
	c := New("tasks", memstore.New())
	c.HandleChange(feed.Change{Type: feed.Insert, Table: "invoices", Record: record.New("x", nil)})
	assert.Equal(t, 0, c.Len())
}
