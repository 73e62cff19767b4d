package cluster

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Iron-Ham/coedit/internal/cache"
	"github.com/Iron-Ham/coedit/internal/editor"
	"github.com/Iron-Ham/coedit/internal/errors"
)

func newCluster(t *testing.T, mutate func(*Options)) *Cluster {
	t.Helper()
	opts := DefaultOptions()
	if mutate != nil {
		mutate(&opts)
	}
	c, err := New(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c
}

func TestNewRejectsEmptyCluster(t *testing.T) {
	_, err := New(context.Background(), Options{Clients: 0, Records: 1})
	assert.Error(t, err)
	_, err = New(context.Background(), Options{Clients: 1, Records: 0})
	assert.Error(t, err)
}

func TestNewSeedsRecords(t *testing.T) {
	c := newCluster(t, nil)
	require.Len(t, c.Records, 3)
	require.Len(t, c.Clients, 4)
	for _, cl := range c.Clients {
		assert.Equal(t, 3, cl.Cache.Len(), cl.ID)
	}
	assert.Equal(t, []string{"ana", "bo", "cy", "dee"},
		[]string{c.Clients[0].Actor, c.Clients[1].Actor, c.Clients[2].Actor, c.Clients[3].Actor})
}

func TestActorNamesStayUnique(t *testing.T) {
	c := newCluster(t, func(o *Options) { o.Clients = 10; o.Records = 1 })
	seen := map[string]bool{}
	for _, cl := range c.Clients {
		assert.False(t, seen[cl.Actor], cl.Actor)
		seen[cl.Actor] = true
	}
}

func TestTwoClientScenario(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, func(o *Options) { o.Clients = 2; o.Records = 1 })
	a, b := c.Clients[0], c.Clients[1]
	id := c.Records[0]

	require.NoError(t, a.Service.Session(id, "title").BeginEdit(ctx, editor.TriggerPointer))
	err := b.Service.Session(id, "title").BeginEdit(ctx, editor.TriggerPointer)
	assert.ErrorIs(t, err, errors.ErrLockContention)

	require.NoError(t, a.Service.Session(id, "title").SetValue("Renamed"))
	require.NoError(t, a.Service.Session(id, "title").Commit(ctx, editor.TriggerKeyboard))
	require.NoError(t, b.Service.Session(id, "title").BeginEdit(ctx, editor.TriggerPointer))

	got, ok := b.Cache.Get(id)
	require.True(t, ok)
	assert.Equal(t, "Renamed", got.Get("title"))
}

func TestRunConverges(t *testing.T) {
	c := newCluster(t, func(o *Options) { o.Rounds = 40 })
	rep, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, rep.OK(), "violations: %v", rep.Violations)
	assert.Equal(t, int64(4*40), rep.Attempts)
	assert.Equal(t, rep.Attempts, rep.Commits+rep.Contended+rep.Cancels)
	assert.Zero(t, rep.CommitFailures)
	assert.GreaterOrEqual(t, rep.AuditEntries, 3, "at least the creates")
}

func TestRunWithFaults(t *testing.T) {
	c := newCluster(t, func(o *Options) {
		o.Rounds = 40
		o.FaultRate = 0.3
		o.Seed = 7
	})
	rep, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, rep.OK(), "violations: %v", rep.Violations)
	assert.Positive(t, rep.CommitFailures)
}

func TestRunWithCrashes(t *testing.T) {
	c := newCluster(t, func(o *Options) {
		o.Clients = 6
		o.Rounds = 30
		o.CrashRate = 0.05
		o.Seed = 3
	})
	rep, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, rep.OK(), "violations: %v", rep.Violations)
	assert.Equal(t, rep.Crashes, int64(len(c.Clients)-len(c.Live())))
	if rep.Crashes > 0 {
		assert.Equal(t, int(rep.Crashes), rep.ExpiredLocks, "each crash abandons exactly one lock")
	}
	assert.Zero(t, rep.StalePresence)
}

func TestRunFieldMerge(t *testing.T) {
	c := newCluster(t, func(o *Options) {
		o.Rounds = 30
		o.FaultRate = 0.2
		o.Merge = cache.MergeFields
	})
	rep, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, rep.OK(), "violations: %v", rep.Violations)
}

func TestRunHonoursContext(t *testing.T) {
	c := newCluster(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
