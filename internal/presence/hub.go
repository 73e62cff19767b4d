package presence

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultTimeout is how long a member survives without a heartbeat.
const DefaultTimeout = 15 * time.Second

// Hub is an in-process presence group. Clients connect with Connect and
// get a Channel each.
type Hub struct {
	timeout time.Duration
	now     func() time.Time

	mu      sync.Mutex
	members map[string]Claim
	conns   map[string]*HubConn
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithTimeout sets the heartbeat timeout.
func WithTimeout(d time.Duration) HubOption {
	return func(h *Hub) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// WithHubClock overrides time.Now.
func WithHubClock(now func() time.Time) HubOption {
	return func(h *Hub) { h.now = now }
}

// NewHub creates an empty Hub.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		timeout: DefaultTimeout,
		now:     time.Now,
		members: make(map[string]Claim),
		conns:   make(map[string]*HubConn),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Connect opens a new connection to the group.
func (h *Hub) Connect() *HubConn {
	c := &HubConn{hub: h, id: uuid.NewString(), watchers: make(map[int]func([]Claim))}
	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
	return c
}

// Members returns the current membership ordered by connection ID.
func (h *Hub) Members() []Claim {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snapshotLocked()
}

func (h *Hub) snapshotLocked() []Claim {
	out := make([]Claim, 0, len(h.members))
	for _, m := range h.members {
		out = append(out, m)
	}
	sortClaims(out)
	return out
}

// Sweep runs one sync cycle: members whose last heartbeat is older than the
// timeout are dropped and every live connection receives the membership.
// It returns the number of members dropped.
func (h *Hub) Sweep() int {
	h.mu.Lock()
	cutoff := h.now().Add(-h.timeout)
	dropped := 0
	for id, m := range h.members {
		if m.SeenAt.Before(cutoff) {
			delete(h.members, id)
			dropped++
		}
	}
	h.mu.Unlock()

	h.broadcast()
	return dropped
}

// Run calls Sweep every interval until ctx ends.
func (h *Hub) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Sweep()
		}
	}
}

func (h *Hub) broadcast() {
	h.mu.Lock()
	snap := h.snapshotLocked()
	conns := make([]*HubConn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.deliver(snap)
	}
}

// HubConn is one connection to a Hub. It implements Channel.
type HubConn struct {
	hub *Hub
	id  string

	mu       sync.Mutex
	watchers map[int]func([]Claim)
	nextID   int
	dead     bool
}

// ID returns the connection ID.
func (c *HubConn) ID() string { return c.id }

func (c *HubConn) alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.dead
}

// Join implements Channel.
func (c *HubConn) Join(_ context.Context, claim Claim) error {
	if !c.alive() {
		return fmt.Errorf("presence: connection %s closed", c.id)
	}
	claim.ConnID = c.id
	claim.SeenAt = c.hub.now()
	c.hub.mu.Lock()
	c.hub.members[c.id] = claim
	c.hub.mu.Unlock()
	c.hub.broadcast()
	return nil
}

// Leave implements Channel.
func (c *HubConn) Leave(_ context.Context) error {
	c.hub.mu.Lock()
	_, ok := c.hub.members[c.id]
	delete(c.hub.members, c.id)
	c.hub.mu.Unlock()
	if ok {
		c.hub.broadcast()
	}
	return nil
}

// Members implements Channel.
func (c *HubConn) Members(_ context.Context) ([]Claim, error) {
	return c.hub.Members(), nil
}

// Watch implements Channel.
func (c *HubConn) Watch(fn func([]Claim)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.watchers[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.watchers, id)
		c.mu.Unlock()
	}
}

func (c *HubConn) deliver(snap []Claim) {
	c.mu.Lock()
	if c.dead {
		c.mu.Unlock()
		return
	}
	fns := make([]func([]Claim), 0, len(c.watchers))
	for _, fn := range c.watchers {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(slices.Clone(snap))
	}
}

// Drop cuts the connection without leaving, as a crashed client would.
// Its claim stays until a sweep finds the heartbeat lapsed.
func (c *HubConn) Drop() {
	c.mu.Lock()
	c.dead = true
	c.mu.Unlock()
	c.hub.mu.Lock()
	delete(c.hub.conns, c.id)
	c.hub.mu.Unlock()
}

// Close implements Channel.
func (c *HubConn) Close() error {
	err := c.Leave(context.Background())
	c.Drop()
	return err
}
