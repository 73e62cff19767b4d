package cmd

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/shopspring/decimal"

	"github.com/Iron-Ham/coedit/internal/audit"
	"github.com/Iron-Ham/coedit/internal/cache"
	"github.com/Iron-Ham/coedit/internal/config"
	"github.com/Iron-Ham/coedit/internal/editor"
	"github.com/Iron-Ham/coedit/internal/event"
	"github.com/Iron-Ham/coedit/internal/feed"
	"github.com/Iron-Ham/coedit/internal/feed/journal"
	"github.com/Iron-Ham/coedit/internal/feed/pgfeed"
	"github.com/Iron-Ham/coedit/internal/fieldlock"
	"github.com/Iron-Ham/coedit/internal/logging"
	"github.com/Iron-Ham/coedit/internal/presence"
	"github.com/Iron-Ham/coedit/internal/presence/redischan"
	"github.com/Iron-Ham/coedit/internal/pricing"
	"github.com/Iron-Ham/coedit/internal/record"
	"github.com/Iron-Ham/coedit/internal/store"
	"github.com/Iron-Ham/coedit/internal/store/memstore"
	"github.com/Iron-Ham/coedit/internal/store/sqlstore"
)

// backend is the configured store, feed and audit log opened for one
// command invocation.
type backend struct {
	cfg    *config.Config
	logger *logging.Logger

	repo  store.Repository
	locks store.LockTable
	audit store.AuditLog
	feed  feed.Source

	closers []func() error
}

// publisherSetter is implemented by stores without native notifications.
type publisherSetter interface {
	SetPublisher(feed.Publisher)
}

type snapshotStore interface {
	store.Repository
	store.LockTable
	store.AuditLog
	feed.Snapshotter
	publisherSetter
}

// openBackend opens the store and feed named by cfg. SQLite databases are
// migrated on open; Postgres requires `coedit migrate`.
func openBackend(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*backend, error) {
	b := &backend{cfg: cfg, logger: logger}

	var st snapshotStore
	switch cfg.Store.Driver {
	case "memory":
		st = memstore.New()
	default:
		d, err := sqlstore.ParseDialect(cfg.Store.Driver)
		if err != nil {
			return nil, err
		}
		ss, err := sqlstore.Open(ctx, d, cfg.Store.DSN, cfg.Store.MaxOpenConns, sqlstore.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, ss.Close)
		if d == sqlstore.SQLite {
			if err := ss.Migrate(ctx); err != nil {
				b.Close()
				return nil, err
			}
		}
		st = ss
	}
	b.repo, b.locks, b.audit = st, st, st

	switch cfg.Feed.Transport {
	case "journal":
		j, err := journal.New(journalDir(cfg), journal.WithLogger(logger), journal.WithSnapshotter(st))
		if err != nil {
			b.Close()
			return nil, err
		}
		b.closers = append(b.closers, j.Close)
		st.SetPublisher(j)
		b.feed = j
	case "postgres":
		b.feed = pgfeed.New(cfg.Store.DSN, st,
			pgfeed.WithChannel(cfg.Feed.Channel),
			pgfeed.WithLogger(logger),
			pgfeed.WithFetcher(st))
	default:
		broker := feed.NewBroker(st)
		st.SetPublisher(broker)
		b.feed = broker
	}

	if cfg.Audit.Sink == "file" {
		b.audit = audit.NewFileSink(cfg.Audit.FilePath)
	}
	return b, nil
}

func journalDir(cfg *config.Config) string {
	if cfg.Feed.JournalDir != "" {
		return cfg.Feed.JournalDir
	}
	return filepath.Join(config.DataDir(), "journal")
}

// Close releases everything opened, newest first.
func (b *backend) Close() error {
	var first error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	b.closers = nil
	return first
}

// recalculator builds the pricing recalculator from configuration.
func recalculator(cfg config.PricingConfig) (*pricing.Recalculator, error) {
	rules := pricing.DefaultRules()
	if cfg.DesignatedCategory != "" {
		rules.DesignatedCategory = cfg.DesignatedCategory
	}
	if cfg.DesignatedFactor != "" {
		f, err := decimal.NewFromString(cfg.DesignatedFactor)
		if err != nil {
			return nil, fmt.Errorf("pricing.designated_factor: %w", err)
		}
		rules.DesignatedFactor = f
	}
	catalog, err := catalogFrom(cfg)
	if err != nil {
		return nil, err
	}
	return pricing.NewRecalculator(rules, catalog), nil
}

// catalogFrom parses the configured work item prices.
func catalogFrom(cfg config.PricingConfig) (pricing.StaticCatalog, error) {
	catalog := make(pricing.StaticCatalog, len(cfg.Catalog))
	for code, item := range cfg.Catalog {
		price, err := decimal.NewFromString(item.UnitPrice)
		if err != nil {
			return nil, fmt.Errorf("pricing.catalog.%s: %w", code, err)
		}
		catalog[code] = pricing.Item{UnitPrice: price, Category: item.Category}
	}
	return catalog, nil
}

// presenceChannel connects to the configured presence transport.
func presenceChannel(ctx context.Context, cfg *config.Config, logger *logging.Logger) (presence.Channel, error) {
	if cfg.Presence.Transport == "redis" {
		return redischan.Dial(ctx, cfg.Presence.RedisURL,
			redischan.WithPrefix(cfg.Presence.KeyPrefix),
			redischan.WithTimeout(cfg.Presence.Timeout()),
			redischan.WithLogger(logger))
	}
	return presence.NewHub(presence.WithTimeout(cfg.Presence.Timeout())).Connect(), nil
}

// client is one editing client over the backend, acting for an actor.
type client struct {
	svc     *editor.Service
	locks   *fieldlock.Registry
	cache   *cache.Cache
	tracker *presence.Tracker
	bus     *event.Bus

	followers []*feed.Follower
}

// newClient wires a lock registry and cache to the feed and builds an
// editing service for actor over schema.
func (b *backend) newClient(ctx context.Context, schema record.Schema, actor string) (*client, error) {
	recalc, err := recalculator(b.cfg.Pricing)
	if err != nil {
		return nil, err
	}
	merge, ok := cache.ParseMergePolicy(b.cfg.Cache.MergePolicy)
	if !ok {
		return nil, fmt.Errorf("unknown cache.merge_policy %q", b.cfg.Cache.MergePolicy)
	}

	logger := b.logger.WithActor(actor)
	bus := event.NewBus(event.WithLogger(logger.Slog()))
	c := &client{bus: bus}
	follow := []feed.FollowOption{feed.WithReconnectDelay(b.cfg.Feed.ReconnectDelay())}

	c.locks = fieldlock.NewRegistry(b.locks, bus,
		fieldlock.WithLeaseTTL(b.cfg.Locks.LeaseTTL()),
		fieldlock.WithHeartbeat(b.cfg.Locks.Heartbeat()),
		fieldlock.WithLogger(logger))
	lf, err := c.locks.Attach(ctx, b.feed, follow...)
	if err != nil {
		return nil, fmt.Errorf("follow locks: %w", err)
	}
	c.followers = append(c.followers, lf)
	c.locks.Start(ctx, actor)

	c.cache = cache.New(schema.Table, b.repo,
		cache.WithBus(bus), cache.WithLogger(logger), cache.WithMergePolicy(merge))
	rf, err := c.cache.Attach(ctx, b.feed, follow...)
	if err != nil {
		c.closeFollowers()
		return nil, fmt.Errorf("follow %s: %w", schema.Table, err)
	}
	c.followers = append(c.followers, rf)

	ch, err := presenceChannel(ctx, b.cfg, logger)
	if err != nil {
		c.closeFollowers()
		return nil, err
	}
	c.tracker = presence.NewTracker(ch, actor, actor,
		presence.WithBus(bus),
		presence.WithLogger(logger),
		presence.WithHeartbeat(b.cfg.Presence.Heartbeat()))

	c.svc, err = editor.NewService(editor.Config{
		ActorID:      actor,
		Schema:       schema,
		Repo:         b.repo,
		Locks:        c.locks,
		Cache:        c.cache,
		Audit:        b.audit,
		Recalculator: recalc,
		Presence:     c.tracker,
		Bus:          bus,
		Logger:       logger,
	})
	if err != nil {
		_ = c.tracker.Close()
		c.closeFollowers()
		return nil, err
	}
	return c, nil
}

func (c *client) closeFollowers() {
	c.locks.Stop()
	for _, f := range c.followers {
		f.Close()
	}
}

// Close releases the client's locks and presence and stops following.
func (c *client) Close(ctx context.Context) error {
	err := c.svc.Close(ctx)
	if terr := c.tracker.Close(); err == nil {
		err = terr
	}
	c.closeFollowers()
	return err
}
