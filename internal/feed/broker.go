package feed

import (
	"context"
	"fmt"
	"sync"

	"github.com/Iron-Ham/coedit/internal/errors"
)

type brokerSub struct {
	id     uint64
	table  string
	h      Handler
	mu     sync.Mutex // serializes delivery to h
	closed bool
}

func (s *brokerSub) deliver(c Change) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.h(c)
}

func (s *brokerSub) close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	was := s.closed
	s.closed = true
	return !was
}

// Broker is an in-process Source and Publisher. Delivery is synchronous on
// the publisher's goroutine, so a store must publish after releasing its
// own locks.
type Broker struct {
	snap Snapshotter

	mu     sync.RWMutex
	subs   map[uint64]*brokerSub
	nextID uint64
}

// NewBroker creates a Broker that replays from snap.
func NewBroker(snap Snapshotter) *Broker {
	return &Broker{snap: snap, subs: make(map[uint64]*brokerSub)}
}

// SetSnapshotter replaces the replay source. Stores that own the broker
// call this once they are constructed.
func (b *Broker) SetSnapshotter(snap Snapshotter) {
	b.mu.Lock()
	b.snap = snap
	b.mu.Unlock()
}

// Subscribe registers h for table and delivers the replay burst before
// returning. Changes published during the replay are delivered after it.
func (b *Broker) Subscribe(ctx context.Context, table string, h Handler) (func(), error) {
	b.mu.Lock()
	snap := b.snap
	if snap == nil {
		b.mu.Unlock()
		return nil, fmt.Errorf("feed: broker has no snapshot source")
	}
	b.nextID++
	sub := &brokerSub{id: b.nextID, table: table, h: h}
	// hold delivery until the replay is out
	sub.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()

	rows, err := snap.Snapshot(ctx, table)
	if err != nil {
		sub.closed = true
		sub.mu.Unlock()
		b.remove(sub.id)
		return nil, errors.NewFeedError("replay failed", err).WithTable(table)
	}
	replay(table, rows, h)
	sub.mu.Unlock()

	return func() {
		sub.close()
		b.remove(sub.id)
	}, nil
}

func (b *Broker) remove(id uint64) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

func (b *Broker) subscribers(table string) []*brokerSub {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []*brokerSub
	for _, s := range b.subs {
		if table == "" || s.table == table {
			out = append(out, s)
		}
	}
	return out
}

// Publish delivers c to every subscriber of c.Table.
func (b *Broker) Publish(c Change) {
	for _, s := range b.subscribers(c.Table) {
		s.deliver(c)
	}
}

// Drop simulates a transport failure: every subscriber of table (all tables
// when empty) receives Disconnected and is removed.
func (b *Broker) Drop(table string, cause error) int {
	if cause == nil {
		cause = errors.ErrFeedDisconnected
	}
	n := 0
	for _, s := range b.subscribers(table) {
		s.deliver(Change{Type: Disconnected, Table: s.table, Err: cause})
		if s.close() {
			n++
		}
		b.remove(s.id)
	}
	return n
}

// Subscribers returns the number of live subscriptions.
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
