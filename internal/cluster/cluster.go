// Package cluster runs several editing clients against one in-memory remote
// store, the way separate devices share a backend. It drives random edits
// concurrently, injects store faults and crashes, and checks afterwards that
// every client converged and that no field was ever held by two actors.
package cluster

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Iron-Ham/coedit/internal/cache"
	"github.com/Iron-Ham/coedit/internal/editor"
	"github.com/Iron-Ham/coedit/internal/errors"
	"github.com/Iron-Ham/coedit/internal/event"
	"github.com/Iron-Ham/coedit/internal/feed"
	"github.com/Iron-Ham/coedit/internal/fieldlock"
	"github.com/Iron-Ham/coedit/internal/logging"
	"github.com/Iron-Ham/coedit/internal/presence"
	"github.com/Iron-Ham/coedit/internal/pricing"
	"github.com/Iron-Ham/coedit/internal/record"
	"github.com/Iron-Ham/coedit/internal/store"
	"github.com/Iron-Ham/coedit/internal/store/memstore"
)

// ErrInjected is the error returned by faulted store operations.
var ErrInjected = errors.New("injected fault")

// Options sizes a simulation.
type Options struct {
	Clients int
	Records int
	Rounds  int
	// FaultRate is the probability that a record write or audit append
	// fails.
	FaultRate float64
	// CrashRate is the probability that a client crashes mid-edit,
	// abandoning its lock and presence.
	CrashRate float64
	Seed      int64
	LeaseTTL  time.Duration
	Merge     cache.MergePolicy
	Catalog   pricing.StaticCatalog
	Logger    *logging.Logger
}

// DefaultOptions returns a small, fault-free simulation.
func DefaultOptions() Options {
	return Options{
		Clients:  4,
		Records:  3,
		Rounds:   25,
		Seed:     1,
		LeaseTTL: fieldlock.DefaultLeaseTTL,
		Catalog: pricing.StaticCatalog{
			"WI-100": {UnitPrice: decimal.RequireFromString("120"), Category: "standard"},
			"WI-200": {UnitPrice: decimal.RequireFromString("80.50"), Category: "overtime"},
		},
	}
}

// Clock is a manually advanced clock shared by every client.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts at t.
func NewClock(t time.Time) *Clock { return &Clock{now: t} }

// Now returns the current time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Client is one simulated device.
type Client struct {
	ID      string
	Actor   string
	Service *editor.Service
	Locks   *fieldlock.Registry
	Cache   *cache.Cache
	Tracker *presence.Tracker

	conn      *presence.HubConn
	followers []*feed.Follower
	rng       *rand.Rand

	mu      sync.Mutex
	crashed bool
}

// Crashed reports whether the client was killed.
func (c *Client) Crashed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.crashed
}

// crash drops the client's connections without releasing anything.
func (c *Client) crash() {
	c.mu.Lock()
	c.crashed = true
	c.mu.Unlock()
	for _, f := range c.followers {
		f.Close()
	}
	c.conn.Drop()
}

func (c *Client) close(ctx context.Context) error {
	if c.Crashed() {
		return nil
	}
	err := c.Service.Close(ctx)
	for _, f := range c.followers {
		f.Close()
	}
	return errors.Join(err, c.Tracker.Close())
}

// Cluster is a shared store plus its clients.
type Cluster struct {
	Store   *memstore.Store
	Broker  *feed.Broker
	Hub     *presence.Hub
	Bus     *event.Bus
	Clock   *Clock
	Clients []*Client
	Records []string

	opts   Options
	logger *logging.Logger
	schema record.Schema

	faultMu  sync.Mutex
	faultRng *rand.Rand

	holdMu  sync.Mutex
	holders map[string]string // lock key -> actor, as observed by the harness

	stats counters
}

var actorNames = []string{"ana", "bo", "cy", "dee", "eli", "fay", "gus", "hal"}

// New builds a cluster and seeds its records through the first client.
func New(ctx context.Context, opts Options) (*Cluster, error) {
	if opts.Clients < 1 || opts.Records < 1 {
		return nil, fmt.Errorf("cluster needs at least one client and one record, got %d and %d",
			opts.Clients, opts.Records)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NopLogger()
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = fieldlock.DefaultLeaseTTL
	}

	c := &Cluster{
		Clock:    NewClock(time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)),
		Bus:      event.NewBus(event.WithLogger(opts.Logger.Slog())),
		opts:     opts,
		logger:   opts.Logger,
		schema:   record.TaskSchema,
		faultRng: rand.New(rand.NewPCG(uint64(opts.Seed), 0)),
		holders:  make(map[string]string),
	}
	c.Store = memstore.New(memstore.WithClock(c.Clock.Now))
	c.Broker = feed.NewBroker(c.Store)
	c.Store.SetPublisher(c.Broker)
	c.Hub = presence.NewHub(presence.WithHubClock(c.Clock.Now))
	c.stats.subscribe(c.Bus)

	for i := range opts.Clients {
		cl, err := c.newClient(ctx, i)
		if err != nil {
			return nil, err
		}
		c.Clients = append(c.Clients, cl)
	}

	seed := c.Clients[0].Service
	for i := range opts.Records {
		r, err := seed.Create(ctx, map[string]any{
			record.FieldTitle:             fmt.Sprintf("Job %d", i+1),
			record.FieldStatus:            "open",
			record.FieldWorkItem:          "WI-100",
			record.FieldQuantity:          1 + i,
			record.FieldPercentAdjustment: 100,
			record.FieldFlatAdjustment:    0,
		})
		if err != nil {
			return nil, fmt.Errorf("seed record %d: %w", i+1, err)
		}
		c.Records = append(c.Records, r.ID)
	}
	return c, nil
}

func (c *Cluster) newClient(ctx context.Context, i int) (*Client, error) {
	actor := actorNames[i%len(actorNames)]
	if i >= len(actorNames) {
		actor = fmt.Sprintf("%s%d", actor, i/len(actorNames)+1)
	}
	id := fmt.Sprintf("client-%d", i+1)
	log := c.logger.WithClient(id)

	cl := &Client{
		ID:    id,
		Actor: actor,
		conn:  c.Hub.Connect(),
		rng:   rand.New(rand.NewPCG(uint64(c.opts.Seed), uint64(i+1))),
	}
	cl.Locks = fieldlock.NewRegistry(c.Store, c.Bus,
		fieldlock.WithLeaseTTL(c.opts.LeaseTTL),
		fieldlock.WithClock(c.Clock.Now),
		fieldlock.WithLogger(log))
	lf, err := cl.Locks.Attach(ctx, c.Broker, feed.WithFollowLogger(log))
	if err != nil {
		return nil, fmt.Errorf("%s: attach locks: %w", id, err)
	}
	cl.Cache = cache.New(c.schema.Table, c.Store,
		cache.WithBus(c.Bus), cache.WithLogger(log), cache.WithMergePolicy(c.opts.Merge))
	cf, err := cl.Cache.Attach(ctx, c.Broker, feed.WithFollowLogger(log))
	if err != nil {
		lf.Close()
		return nil, fmt.Errorf("%s: attach cache: %w", id, err)
	}
	cl.followers = []*feed.Follower{lf, cf}
	cl.Tracker = presence.NewTracker(cl.conn, actor, actor,
		presence.WithBus(c.Bus), presence.WithLogger(log), presence.WithHeartbeat(0))

	cl.Service, err = editor.NewService(editor.Config{
		ClientID:     id,
		ActorID:      actor,
		Schema:       c.schema,
		Repo:         c.Store,
		Locks:        cl.Locks,
		Cache:        cl.Cache,
		Audit:        c.Store,
		Recalculator: pricing.NewRecalculator(pricing.DefaultRules(), c.opts.Catalog),
		Presence:     cl.Tracker,
		Bus:          c.Bus,
		Logger:       log,
		Now:          c.Clock.Now,
	})
	if err != nil {
		return nil, err
	}
	return cl, nil
}

// Live returns the clients that have not crashed.
func (c *Cluster) Live() []*Client {
	var out []*Client
	for _, cl := range c.Clients {
		if !cl.Crashed() {
			out = append(out, cl)
		}
	}
	return out
}

// EnableFaults makes record writes and audit appends fail at FaultRate.
func (c *Cluster) EnableFaults() {
	if c.opts.FaultRate <= 0 {
		return
	}
	c.Store.SetFault(func(op memstore.Op, table string) error {
		if op != memstore.OpUpdate && op != memstore.OpAppendAudit {
			return nil
		}
		c.faultMu.Lock()
		hit := c.faultRng.Float64() < c.opts.FaultRate
		c.faultMu.Unlock()
		if hit {
			return ErrInjected
		}
		return nil
	})
}

// DisableFaults stops fault injection.
func (c *Cluster) DisableFaults() { c.Store.SetFault(nil) }

// Close shuts every live client down.
func (c *Cluster) Close(ctx context.Context) error {
	var errs []error
	for _, cl := range c.Clients {
		if err := cl.close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", cl.ID, err))
		}
	}
	return errors.Join(errs...)
}

// claim records that actor now holds key and reports a violation when the
// harness already saw another holder.
func (c *Cluster) claim(key, actor string) {
	c.holdMu.Lock()
	prev, held := c.holders[key]
	if !held || prev == actor {
		c.holders[key] = actor
		c.holdMu.Unlock()
		return
	}
	c.holdMu.Unlock()
	c.stats.violate(fmt.Sprintf("%s acquired by %s while held by %s", key, actor, prev))
}

func (c *Cluster) unclaim(key, actor string) {
	c.holdMu.Lock()
	if c.holders[key] == actor {
		delete(c.holders, key)
	}
	c.holdMu.Unlock()
}

func lockKey(s *editor.Session) string { return store.LockKey(s.RecordID(), s.Field()) }
