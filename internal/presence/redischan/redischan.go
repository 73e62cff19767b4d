// Package redischan is a presence.Channel over Redis, for clients in
// separate processes.
//
// Claims live in a hash keyed by connection ID with a sorted set holding
// each connection's last heartbeat. Every change is announced on a pub/sub
// channel; on each announcement and on every sync tick a connection
// re-reads the membership and hands it to its watchers.
package redischan

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/Iron-Ham/coedit/internal/logging"
	"github.com/Iron-Ham/coedit/internal/presence"
)

// Keys names the Redis keys of one presence group.
type Keys struct {
	Claims string // hash: conn ID -> claim JSON
	Seen   string // zset: conn ID -> last heartbeat (unix ms)
	Events string // pub/sub channel
}

// KeysFor returns the keys under prefix.
func KeysFor(prefix string) Keys {
	if prefix == "" {
		prefix = "coedit"
	}
	return Keys{
		Claims: prefix + ":presence:claims",
		Seen:   prefix + ":presence:seen",
		Events: prefix + ":presence:events",
	}
}

// Conn is one connection to the group.
type Conn struct {
	client  *redis.Client
	owned   bool
	keys    Keys
	id      string
	timeout time.Duration
	syncInt time.Duration
	now     func() time.Time
	logger  *logging.Logger

	mu       sync.Mutex
	watchers map[int]func([]presence.Claim)
	nextID   int
	cancel   context.CancelFunc
	done     chan struct{}
	closed   bool
}

// Option configures a Conn.
type Option func(*Conn)

// WithPrefix sets the key prefix.
func WithPrefix(p string) Option { return func(c *Conn) { c.keys = KeysFor(p) } }

// WithTimeout sets how long a member survives without a heartbeat.
func WithTimeout(d time.Duration) Option { return func(c *Conn) { c.timeout = d } }

// WithSyncInterval sets the period of the sweep and resend cycle.
func WithSyncInterval(d time.Duration) Option { return func(c *Conn) { c.syncInt = d } }

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option { return func(c *Conn) { c.logger = l } }

// Dial parses url, pings the server and returns a connection owning the
// client.
func Dial(ctx context.Context, url string, opts ...Option) (*Conn, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redischan: parse url: %w", err)
	}
	client := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redischan: connect: %w", err)
	}
	c := New(client, opts...)
	c.owned = true
	return c, nil
}

// New wraps an existing client. The client is not closed by Close.
func New(client *redis.Client, opts ...Option) *Conn {
	c := &Conn{
		client:   client,
		keys:     KeysFor(""),
		id:       uuid.NewString(),
		timeout:  presence.DefaultTimeout,
		syncInt:  5 * time.Second,
		now:      time.Now,
		logger:   logging.NopLogger(),
		watchers: make(map[int]func([]presence.Claim)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ID returns the connection ID.
func (c *Conn) ID() string { return c.id }

// EncodeClaim serializes a claim for the hash.
func EncodeClaim(cl presence.Claim) (string, error) {
	b, err := json.Marshal(cl)
	return string(b), err
}

// DecodeClaim parses a hash value.
func DecodeClaim(s string) (presence.Claim, error) {
	var cl presence.Claim
	err := json.Unmarshal([]byte(s), &cl)
	return cl, err
}

// Join implements presence.Channel.
func (c *Conn) Join(ctx context.Context, cl presence.Claim) error {
	now := c.now()
	cl.ConnID = c.id
	cl.SeenAt = now
	raw, err := EncodeClaim(cl)
	if err != nil {
		return fmt.Errorf("redischan: encode claim: %w", err)
	}
	_, err = c.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, c.keys.Claims, c.id, raw)
		p.ZAdd(ctx, c.keys.Seen, &redis.Z{Score: float64(now.UnixMilli()), Member: c.id})
		p.Publish(ctx, c.keys.Events, "join:"+c.id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redischan: join: %w", err)
	}
	return nil
}

// Leave implements presence.Channel.
func (c *Conn) Leave(ctx context.Context) error {
	_, err := c.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HDel(ctx, c.keys.Claims, c.id)
		p.ZRem(ctx, c.keys.Seen, c.id)
		p.Publish(ctx, c.keys.Events, "leave:"+c.id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redischan: leave: %w", err)
	}
	return nil
}

func (c *Conn) cutoff() string {
	return strconv.FormatInt(c.now().Add(-c.timeout).UnixMilli(), 10)
}

// Members implements presence.Channel. Members past the timeout are left
// out even before a sweep removes them.
func (c *Conn) Members(ctx context.Context) ([]presence.Claim, error) {
	ids, err := c.client.ZRangeByScore(ctx, c.keys.Seen, &redis.ZRangeBy{Min: c.cutoff(), Max: "+inf"}).Result()
	if err != nil {
		return nil, fmt.Errorf("redischan: list members: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	vals, err := c.client.HMGet(ctx, c.keys.Claims, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("redischan: read claims: %w", err)
	}
	out := make([]presence.Claim, 0, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		cl, err := DecodeClaim(s)
		if err != nil {
			c.logger.Warn("skipping malformed presence claim", "conn_id", ids[i], "error", err)
			continue
		}
		out = append(out, cl)
	}
	return out, nil
}

// Sweep removes members past the timeout and announces the change.
func (c *Conn) Sweep(ctx context.Context) (int, error) {
	stale, err := c.client.ZRangeByScore(ctx, c.keys.Seen, &redis.ZRangeBy{Min: "-inf", Max: "(" + c.cutoff()}).Result()
	if err != nil {
		return 0, fmt.Errorf("redischan: find stale members: %w", err)
	}
	if len(stale) == 0 {
		return 0, nil
	}
	members := make([]any, len(stale))
	for i, id := range stale {
		members[i] = id
	}
	_, err = c.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HDel(ctx, c.keys.Claims, stale...)
		p.ZRem(ctx, c.keys.Seen, members...)
		p.Publish(ctx, c.keys.Events, "sweep")
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("redischan: sweep: %w", err)
	}
	return len(stale), nil
}

// Watch implements presence.Channel. The first watcher starts the
// subscription and sync loop.
func (c *Conn) Watch(fn func([]presence.Claim)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.watchers[id] = fn
	if c.cancel == nil && !c.closed {
		ctx, cancel := context.WithCancel(context.Background())
		c.cancel = cancel
		c.done = make(chan struct{})
		go c.loop(ctx, c.done)
	}
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.watchers, id)
		c.mu.Unlock()
	}
}

func (c *Conn) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	sub := c.client.Subscribe(ctx, c.keys.Events)
	defer sub.Close()
	msgs := sub.Channel()

	ticker := time.NewTicker(c.syncInt)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-msgs:
			if !ok {
				return
			}
		case <-ticker.C:
			if _, err := c.Sweep(ctx); err != nil && ctx.Err() == nil {
				c.logger.Warn("presence sweep failed", "error", err)
			}
		}
		c.resend(ctx)
	}
}

func (c *Conn) resend(ctx context.Context) {
	members, err := c.Members(ctx)
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Warn("presence sync failed", "error", err)
		}
		return
	}
	c.mu.Lock()
	fns := make([]func([]presence.Claim), 0, len(c.watchers))
	for _, fn := range c.watchers {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(members)
	}
}

// Close implements presence.Channel.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	err := c.Leave(context.Background())
	if cancel != nil {
		cancel()
		<-done
	}
	if c.owned {
		if cerr := c.client.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
