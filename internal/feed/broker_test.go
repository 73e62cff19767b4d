package feed

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Iron-Ham/coedit/internal/errors"
	"github.com/Iron-Ham/coedit/internal/record"
)

type staticSnap struct {
	rows map[string][]record.Record
	err  error
}

func (s staticSnap) Snapshot(_ context.Context, table string) ([]record.Record, error) {
	return s.rows[table], s.err
}

type collector struct {
	mu      sync.Mutex
	changes []Change
}

func (c *collector) handle(ch Change) {
	c.mu.Lock()
	c.changes = append(c.changes, ch)
	c.mu.Unlock()
}

func (c *collector) types() []ChangeType {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []ChangeType
	for _, ch := range c.changes {
		out = append(out, ch.Type)
	}
	return out
}

func TestBroker_ReplayThenLive(t *testing.T) {
	snap := staticSnap{rows: map[string][]record.Record{
		"tasks": {record.New("t-1", nil), record.New("t-2", nil)},
	}}
	b := NewBroker(snap)

	var c collector
	cancel, err := b.Subscribe(context.Background(), "tasks", c.handle)
	require.NoError(t, err)
	defer cancel()

	b.Publish(Change{Type: Update, Table: "tasks", Record: record.New("t-1", map[string]any{"title": "x"})})
	b.Publish(Change{Type: Insert, Table: "invoices", Record: record.New("i-1", nil)})

	assert.Equal(t, []ChangeType{Insert, Insert, ReplayDone, Update}, c.types())
	assert.True(t, c.changes[0].Replay)
	assert.False(t, c.changes[3].Replay)
}

func TestBroker_Cancel(t *testing.T) {
	b := NewBroker(staticSnap{})
	var c collector
	cancel, err := b.Subscribe(context.Background(), "tasks", c.handle)
	require.NoError(t, err)

	cancel()
	cancel()
	b.Publish(Change{Type: Insert, Table: "tasks", Record: record.New("t-1", nil)})

	assert.Equal(t, []ChangeType{ReplayDone}, c.types())
	assert.Zero(t, b.Subscribers())
}

func TestBroker_DropDeliversDisconnected(t *testing.T) {
	b := NewBroker(staticSnap{})
	var tasks, invoices collector
	_, err := b.Subscribe(context.Background(), "tasks", tasks.handle)
	require.NoError(t, err)
	_, err = b.Subscribe(context.Background(), "invoices", invoices.handle)
	require.NoError(t, err)

	assert.Equal(t, 1, b.Drop("tasks", nil))
	b.Publish(Change{Type: Insert, Table: "tasks", Record: record.New("t-1", nil)})

	assert.Equal(t, []ChangeType{ReplayDone, Disconnected}, tasks.types())
	assert.ErrorIs(t, tasks.changes[1].Err, errors.ErrFeedDisconnected)
	assert.Equal(t, []ChangeType{ReplayDone}, invoices.types())
	assert.Equal(t, 1, b.Subscribers())
}

func TestBroker_ReplayFailure(t *testing.T) {
	b := NewBroker(staticSnap{err: errors.New("db down")})
	_, err := b.Subscribe(context.Background(), "tasks", func(Change) {})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrFeedDisconnected)
	assert.Zero(t, b.Subscribers())
}

func TestBroker_NoSnapshotter(t *testing.T) {
	_, err := NewBroker(nil).Subscribe(context.Background(), "tasks", func(Change) {})
	assert.Error(t, err)
}
