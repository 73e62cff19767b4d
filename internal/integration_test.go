// Package internal contains integration tests that verify the packages
// work together over a real SQL store and the file journal feed.
package internal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Iron-Ham/coedit/internal/cache"
	"github.com/Iron-Ham/coedit/internal/editor"
	"github.com/Iron-Ham/coedit/internal/errors"
	"github.com/Iron-Ham/coedit/internal/event"
	"github.com/Iron-Ham/coedit/internal/feed/journal"
	"github.com/Iron-Ham/coedit/internal/fieldlock"
	"github.com/Iron-Ham/coedit/internal/record"
	"github.com/Iron-Ham/coedit/internal/store/sqlstore"
)

type testClient struct {
	svc   *editor.Service
	cache *cache.Cache
	bus   *event.Bus
}

// newTestClient wires one editing client the way the CLI does, minus
// presence.
func newTestClient(t *testing.T, st *sqlstore.Store, j *journal.Journal, actor string) *testClient {
	t.Helper()
	ctx := context.Background()
	bus := event.NewBus()

	locks := fieldlock.NewRegistry(st, bus, fieldlock.WithLeaseTTL(30*time.Second))
	lf, err := locks.Attach(ctx, j)
	require.NoError(t, err)
	t.Cleanup(lf.Close)

	c := cache.New(record.TaskSchema.Table, st, cache.WithBus(bus))
	cf, err := c.Attach(ctx, j)
	require.NoError(t, err)
	t.Cleanup(cf.Close)

	svc, err := editor.NewService(editor.Config{
		ActorID: actor,
		Schema:  record.TaskSchema,
		Repo:    st,
		Locks:   locks,
		Cache:   c,
		Audit:   st,
		Bus:     bus,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close(context.Background()) })
	return &testClient{svc: svc, cache: c, bus: bus}
}

func TestJournalFeedKeepsClientsInSync(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	st, err := sqlstore.Open(ctx, sqlstore.SQLite, filepath.Join(dir, "coedit.db"), 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(ctx))

	j, err := journal.New(filepath.Join(dir, "journal"), journal.WithSnapshotter(st))
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	st.SetPublisher(j)

	ana := newTestClient(t, st, j, "ana")
	bob := newTestClient(t, st, j, "bob")

	rec, err := ana.svc.Create(ctx, map[string]any{record.FieldTitle: "Boiler"})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		_, ok := bob.cache.Get(rec.ID)
		return ok
	}, 2*time.Second, 10*time.Millisecond, "bob never saw the insert")

	// The store rejects a second holder even before bob's projection
	// catches up.
	require.NoError(t, ana.svc.Session(rec.ID, record.FieldTitle).BeginEdit(ctx, editor.TriggerPointer))
	err = bob.svc.Session(rec.ID, record.FieldTitle).BeginEdit(ctx, editor.TriggerPointer)
	assert.True(t, errors.Is(err, errors.ErrLockContention), "got %v", err)

	assert.Eventually(t, func() bool {
		owner, ok := bob.svc.LockedBy(rec.ID, record.FieldTitle)
		return ok && owner == "ana"
	}, 2*time.Second, 10*time.Millisecond, "bob never saw ana's lock")

	sess := ana.svc.Session(rec.ID, record.FieldTitle)
	require.NoError(t, sess.SetValue("Valve"))
	require.NoError(t, sess.Commit(ctx, editor.TriggerKeyboard))

	assert.Eventually(t, func() bool {
		r, ok := bob.cache.Get(rec.ID)
		_, locked := bob.svc.LockedBy(rec.ID, record.FieldTitle)
		return ok && r.String(record.FieldTitle) == "Valve" && !locked
	}, 2*time.Second, 10*time.Millisecond, "bob never saw the commit")

	require.NoError(t, bob.svc.Session(rec.ID, record.FieldTitle).BeginEdit(ctx, editor.TriggerPointer))
	require.NoError(t, bob.svc.Session(rec.ID, record.FieldTitle).Cancel(ctx, editor.TriggerBlur))

	rows, err := st.ListLocks(ctx)
	require.NoError(t, err)
	assert.Empty(t, rows)
}
