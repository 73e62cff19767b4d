// Package pgfeed is a feed.Source over Postgres LISTEN/NOTIFY. Row triggers
// installed by the sqlstore migrations notify one channel with a JSON
// payload per change; each subscription holds its own connection.
package pgfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/Iron-Ham/coedit/internal/errors"
	"github.com/Iron-Ham/coedit/internal/feed"
	"github.com/Iron-Ham/coedit/internal/logging"
	"github.com/Iron-Ham/coedit/internal/record"
)

// DefaultChannel is the channel the triggers notify.
const DefaultChannel = "coedit_changes"

// Payload is the trigger's notification body. Fields is omitted when the
// row did not fit the notification size limit.
type Payload struct {
	Table  string         `json:"table"`
	Op     string         `json:"op"`
	ID     string         `json:"id"`
	Fields map[string]any `json:"fields,omitempty"`
}

// Decode parses a notification payload. complete is false when the fields
// were dropped and the row must be fetched.
func Decode(raw string) (c feed.Change, complete bool, err error) {
	var p Payload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return feed.Change{}, false, fmt.Errorf("pgfeed: decode payload: %w", err)
	}
	if p.Table == "" || p.ID == "" {
		return feed.Change{}, false, fmt.Errorf("pgfeed: payload missing table or id")
	}
	t := feed.ChangeType(p.Op)
	switch t {
	case feed.Insert, feed.Update, feed.Delete:
	default:
		return feed.Change{}, false, fmt.Errorf("pgfeed: unknown op %q", p.Op)
	}
	c = feed.Change{Type: t, Table: p.Table, Record: record.New(p.ID, p.Fields)}
	return c, p.Fields != nil || t == feed.Delete, nil
}

// Fetcher loads a row whose notification carried no fields.
type Fetcher interface {
	Get(ctx context.Context, table, id string) (record.Record, error)
}

// conn is the part of *pgx.Conn the listener uses.
type conn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
	Close(ctx context.Context) error
}

// dialer opens a listening connection.
type dialer func(ctx context.Context) (conn, error)

// Listener implements feed.Source.
type Listener struct {
	dial    dialer
	channel string
	snap    feed.Snapshotter
	fetch   Fetcher
	logger  *logging.Logger
}

// Option configures a Listener.
type Option func(*Listener)

// WithChannel overrides DefaultChannel.
func WithChannel(ch string) Option { return func(l *Listener) { l.channel = ch } }

// WithFetcher sets the Fetcher for oversized rows.
func WithFetcher(f Fetcher) Option { return func(l *Listener) { l.fetch = f } }

// WithLogger sets the logger.
func WithLogger(lg *logging.Logger) Option { return func(l *Listener) { l.logger = lg } }

// withDialer replaces pgx.Connect in tests.
func withDialer(d dialer) Option { return func(l *Listener) { l.dial = d } }

// New creates a Listener for dsn. snap produces the replay burst.
func New(dsn string, snap feed.Snapshotter, opts ...Option) *Listener {
	l := &Listener{
		dial: func(ctx context.Context) (conn, error) {
			c, err := pgx.Connect(ctx, dsn)
			if err != nil {
				return nil, err
			}
			return c, nil
		},
		channel: DefaultChannel,
		snap:    snap,
		logger:  logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Subscribe implements feed.Source. LISTEN is issued before the replay
// snapshot is read so no change between the two is lost; a change seen in
// both is delivered twice, which replace-merging consumers absorb.
func (l *Listener) Subscribe(ctx context.Context, table string, h feed.Handler) (func(), error) {
	c, err := l.dial(ctx)
	if err != nil {
		return nil, errors.NewFeedError("connect", err).WithTable(table)
	}
	if _, err := c.Exec(ctx, "LISTEN "+pgx.Identifier{l.channel}.Sanitize()); err != nil {
		_ = c.Close(context.Background())
		return nil, errors.NewFeedError("listen", err).WithTable(table)
	}
	rows, err := l.snap.Snapshot(ctx, table)
	if err != nil {
		_ = c.Close(context.Background())
		return nil, errors.NewFeedError("replay failed", err).WithTable(table)
	}
	for _, r := range rows {
		h(feed.Change{Type: feed.Insert, Table: table, Record: r, Replay: true})
	}
	h(feed.Change{Type: feed.ReplayDone, Table: table})

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go l.loop(loopCtx, c, table, h, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}, nil
}

func (l *Listener) loop(ctx context.Context, c conn, table string, h feed.Handler, done chan struct{}) {
	defer close(done)
	defer func() { _ = c.Close(context.Background()) }()

	for {
		n, err := c.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.logger.Warn("notification wait failed", logging.KeyTable, table, "error", err)
			h(feed.Change{Type: feed.Disconnected, Table: table,
				Err: errors.NewFeedError("connection lost", err).WithTable(table)})
			return
		}
		change, complete, err := Decode(n.Payload)
		if err != nil {
			l.logger.Warn("dropping notification", "error", err)
			continue
		}
		if change.Table != table {
			continue
		}
		if !complete {
			if !l.complete(ctx, &change) {
				continue
			}
		}
		h(change)
	}
}

// complete fetches the fields of an oversized row. A row deleted in the
// meantime is skipped; its delete notification follows.
func (l *Listener) complete(ctx context.Context, c *feed.Change) bool {
	if l.fetch == nil {
		l.logger.Warn("oversized notification without fetcher", logging.KeyTable, c.Table, logging.KeyRecord, c.Record.ID)
		return false
	}
	r, err := l.fetch.Get(ctx, c.Table, c.Record.ID)
	if err != nil {
		if !errors.Is(err, errors.ErrNotFound) {
			l.logger.Warn("fetch after notification failed", logging.KeyTable, c.Table, logging.KeyRecord, c.Record.ID, "error", err)
		}
		return false
	}
	c.Record = r
	return true
}
