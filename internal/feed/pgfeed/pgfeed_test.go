package pgfeed

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Iron-Ham/coedit/internal/errors"
	"github.com/Iron-Ham/coedit/internal/feed"
	"github.com/Iron-Ham/coedit/internal/record"
	"github.com/Iron-Ham/coedit/internal/store"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		wantType feed.ChangeType
		complete bool
		wantErr  bool
	}{
		{
			name:     "update with fields",
			raw:      `{"table":"tasks","op":"update","id":"t-1","fields":{"title":"Boiler","quantity":2}}`,
			wantType: feed.Update,
			complete: true,
		},
		{
			name:     "oversized insert",
			raw:      `{"table":"tasks","op":"insert","id":"t-1"}`,
			wantType: feed.Insert,
		},
		{
			name:     "delete needs no fields",
			raw:      `{"table":"tasks","op":"delete","id":"t-1"}`,
			wantType: feed.Delete,
			complete: true,
		},
		{name: "truncate is rejected", raw: `{"table":"tasks","op":"truncate","id":"t-1"}`, wantErr: true},
		{name: "missing id", raw: `{"table":"tasks","op":"update"}`, wantErr: true},
		{name: "not json", raw: `LISTEN`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, complete, err := Decode(tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, c.Type)
			assert.Equal(t, "t-1", c.Record.ID)
			assert.Equal(t, tt.complete, complete)
		})
	}
}

func TestDecode_LockPayload(t *testing.T) {
	raw := `{"table":"field_locks","op":"insert","id":"task-123::title","fields":{"record_id":"task-123","field_name":"title","owner_id":"A","acquired_at":1700000000000,"renewed_at":1700000005000}}`
	c, complete, err := Decode(raw)
	require.NoError(t, err)
	require.True(t, complete)

	row := store.LockRowFromRecord(c.Record)
	assert.Equal(t, "task-123::title", row.Key())
	assert.Equal(t, "A", row.OwnerID)
	assert.Equal(t, int64(1700000005000), row.RenewedAt.UnixMilli())
}

type fakeConn struct {
	notes  chan string
	fail   chan error
	execs  []string
	closed bool
	mu     sync.Mutex
}

func newFakeConn() *fakeConn {
	return &fakeConn{notes: make(chan string, 16), fail: make(chan error, 1)}
}

func (c *fakeConn) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	c.mu.Lock()
	c.execs = append(c.execs, sql)
	c.mu.Unlock()
	return pgconn.CommandTag{}, nil
}

func (c *fakeConn) WaitForNotification(ctx context.Context) (*pgconn.Notification, error) {
	select {
	case p := <-c.notes:
		return &pgconn.Notification{Channel: DefaultChannel, Payload: p}, nil
	case err := <-c.fail:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Close(context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

type snap []record.Record

func (s snap) Snapshot(context.Context, string) ([]record.Record, error) { return s, nil }

type fetcher map[string]record.Record

func (f fetcher) Get(_ context.Context, table, id string) (record.Record, error) {
	r, ok := f[id]
	if !ok {
		return record.Record{}, store.ErrNotFound
	}
	return r, nil
}

type sink struct {
	mu  sync.Mutex
	got []feed.Change
}

func (s *sink) handle(c feed.Change) {
	s.mu.Lock()
	s.got = append(s.got, c)
	s.mu.Unlock()
}

func (s *sink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.got)
}

func (s *sink) at(i int) feed.Change {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.got[i]
}

func TestListener_ReplayThenNotifications(t *testing.T) {
	fc := newFakeConn()
	l := New("", snap{record.New("t-1", map[string]any{"title": "a"})},
		withDialer(func(context.Context) (conn, error) { return fc, nil }),
		WithFetcher(fetcher{"t-2": record.New("t-2", map[string]any{"title": "big"})}),
	)

	s := &sink{}
	cancel, err := l.Subscribe(context.Background(), "tasks", s.handle)
	require.NoError(t, err)
	assert.Equal(t, []string{`LISTEN "coedit_changes"`}, fc.execs)
	require.Equal(t, 2, s.len())
	assert.True(t, s.at(0).Replay)
	assert.Equal(t, feed.ReplayDone, s.at(1).Type)

	fc.notes <- `{"table":"invoices","op":"update","id":"i-1","fields":{}}`
	fc.notes <- `{"table":"tasks","op":"update","id":"t-1","fields":{"title":"b"}}`
	fc.notes <- `{"table":"tasks","op":"insert","id":"t-2"}`
	fc.notes <- `{"table":"tasks","op":"insert","id":"t-gone"}`
	fc.notes <- `{"table":"tasks","op":"delete","id":"t-1"}`

	require.Eventually(t, func() bool { return s.len() == 5 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "b", s.at(2).Record.Get("title"))
	assert.Equal(t, "big", s.at(3).Record.Get("title"), "oversized row fetched")
	assert.Equal(t, feed.Delete, s.at(4).Type)

	cancel()
	cancel()
	fc.mu.Lock()
	assert.True(t, fc.closed)
	fc.mu.Unlock()
}

func TestListener_ConnectionLoss(t *testing.T) {
	fc := newFakeConn()
	l := New("", snap{}, withDialer(func(context.Context) (conn, error) { return fc, nil }))

	s := &sink{}
	cancel, err := l.Subscribe(context.Background(), "tasks", s.handle)
	require.NoError(t, err)
	defer cancel()

	fc.fail <- errors.New("conn reset by peer")
	require.Eventually(t, func() bool { return s.len() == 2 }, time.Second, 5*time.Millisecond)

	c := s.at(1)
	assert.Equal(t, feed.Disconnected, c.Type)
	assert.ErrorIs(t, c.Err, errors.ErrFeedDisconnected)
	assert.True(t, errors.IsRetryable(c.Err))
}

func TestListener_DialFailure(t *testing.T) {
	l := New("", snap{}, withDialer(func(context.Context) (conn, error) {
		return nil, errors.New("no route to host")
	}))
	_, err := l.Subscribe(context.Background(), "tasks", func(feed.Change) {})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrFeedDisconnected)
}
