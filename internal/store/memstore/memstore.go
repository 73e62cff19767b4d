// Package memstore is an in-process implementation of the store ports. It
// backs the simulator and the tests of every package above the store.
//
// All state lives behind one mutex. Committed changes are published to an
// optional feed.Publisher after that mutex is released but in commit order,
// so feed handlers may read from the store but must not write to it.
package memstore

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Iron-Ham/coedit/internal/audit"
	"github.com/Iron-Ham/coedit/internal/feed"
	"github.com/Iron-Ham/coedit/internal/record"
	"github.com/Iron-Ham/coedit/internal/store"
)

// Op names a store operation for fault injection.
type Op string

const (
	OpGet           Op = "get"
	OpQuery         Op = "query"
	OpInsert        Op = "insert"
	OpUpdate        Op = "update"
	OpDelete        Op = "delete"
	OpInsertLock    Op = "insert_lock"
	OpDeleteLock    Op = "delete_lock"
	OpRenew         Op = "renew"
	OpDeleteExpired Op = "delete_expired"
	OpListLocks     Op = "list_locks"
	OpAppendAudit   Op = "append_audit"
	OpListAudit     Op = "list_audit"
)

// FaultFunc decides whether an operation fails. A non-nil return is the
// error the operation reports; nothing is mutated.
type FaultFunc func(op Op, table string) error

// Store implements store.Repository, store.LockTable, store.AuditLog and
// feed.Snapshotter in memory.
type Store struct {
	mu      sync.RWMutex
	tables  map[string]map[string]record.Record
	serials map[string]float64
	locks   map[string]store.LockRow
	entries []audit.Entry

	fault    FaultFunc
	failNext map[Op][]error

	outbox []feed.Change
	pub    feed.Publisher
	// pubMu is taken before mu, never after, and keeps publish order equal
	// to commit order
	pubMu sync.Mutex
	now   func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithPublisher publishes every committed change to p.
func WithPublisher(p feed.Publisher) Option { return func(s *Store) { s.pub = p } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// WithFault installs a fault function.
func WithFault(f FaultFunc) Option { return func(s *Store) { s.fault = f } }

// New creates an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		tables:   make(map[string]map[string]record.Record),
		serials:  make(map[string]float64),
		locks:    make(map[string]store.LockRow),
		failNext: make(map[Op][]error),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetPublisher replaces the publisher.
func (s *Store) SetPublisher(p feed.Publisher) {
	s.mu.Lock()
	s.pub = p
	s.mu.Unlock()
}

// SetFault replaces the fault function. nil disables injection.
func (s *Store) SetFault(f FaultFunc) {
	s.mu.Lock()
	s.fault = f
	s.mu.Unlock()
}

// FailNext makes the next call of op fail with err. Calls queue up.
func (s *Store) FailNext(op Op, err error) {
	s.mu.Lock()
	s.failNext[op] = append(s.failNext[op], err)
	s.mu.Unlock()
}

// injected must be called with s.mu held for writing.
func (s *Store) injected(op Op, table string) error {
	if q := s.failNext[op]; len(q) > 0 {
		err := q[0]
		s.failNext[op] = q[1:]
		return fmt.Errorf("memstore: %s %s: %w", op, table, err)
	}
	if s.fault != nil {
		if err := s.fault(op, table); err != nil {
			return fmt.Errorf("memstore: %s %s: %w", op, table, err)
		}
	}
	return nil
}

// commit queues changes, releases s.mu and flushes the queue. The caller
// must hold s.mu for writing.
func (s *Store) commit(changes ...feed.Change) {
	s.outbox = append(s.outbox, changes...)
	s.mu.Unlock()
	s.flush()
}

func (s *Store) flush() {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()

	s.mu.Lock()
	batch, pub := s.outbox, s.pub
	s.outbox = nil
	s.mu.Unlock()

	if pub == nil {
		return
	}
	for _, c := range batch {
		pub.Publish(c)
	}
}

func (s *Store) table(name string) map[string]record.Record {
	t, ok := s.tables[name]
	if !ok {
		t = make(map[string]record.Record)
		s.tables[name] = t
	}
	return t
}

// Get implements store.Repository.
func (s *Store) Get(_ context.Context, table, id string) (record.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected(OpGet, table); err != nil {
		return record.Record{}, err
	}
	r, ok := s.tables[table][id]
	if !ok {
		return record.Record{}, fmt.Errorf("%s/%s: %w", table, id, store.ErrNotFound)
	}
	return store.CloneFields(r), nil
}

// Query implements store.Repository. Results are ordered by serial then ID.
func (s *Store) Query(_ context.Context, table string, f store.Filter) ([]record.Record, error) {
	s.mu.Lock()
	if err := s.injected(OpQuery, table); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	var out []record.Record
	for _, r := range s.tables[table] {
		if f.Match(r) {
			out = append(out, store.CloneFields(r))
		}
	}
	s.mu.Unlock()

	sortRecords(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func sortRecords(rs []record.Record) {
	slices.SortFunc(rs, func(a, b record.Record) int {
		as, _ := a.Get(record.FieldSerial).(float64)
		bs, _ := b.Get(record.FieldSerial).(float64)
		if c := cmp.Compare(as, bs); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

// Insert implements store.Repository.
func (s *Store) Insert(_ context.Context, table string, r record.Record) (record.Record, error) {
	s.mu.Lock()
	if err := s.injected(OpInsert, table); err != nil {
		s.mu.Unlock()
		return record.Record{}, err
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	t := s.table(table)
	if _, exists := t[r.ID]; exists {
		s.mu.Unlock()
		return record.Record{}, fmt.Errorf("memstore: insert %s/%s: already exists", table, r.ID)
	}

	r = store.CloneFields(record.New(r.ID, r.Fields))
	stamp := record.Stamp(s.now())
	r.Fields[record.FieldCreatedAt] = stamp
	r.Fields[record.FieldUpdatedAt] = stamp
	serial, ok := r.Get(record.FieldSerial).(float64)
	if !ok || serial <= 0 {
		serial = s.serials[table] + 1
		r.Fields[record.FieldSerial] = serial
	}
	s.serials[table] = max(s.serials[table], serial)
	t[r.ID] = r

	out := store.CloneFields(r)
	s.commit(feed.Change{Type: feed.Insert, Table: table, Record: store.CloneFields(r)})
	return out, nil
}

// Update implements store.Repository.
func (s *Store) Update(_ context.Context, table, id string, patch record.Patch) (record.Record, error) {
	s.mu.Lock()
	if err := s.injected(OpUpdate, table); err != nil {
		s.mu.Unlock()
		return record.Record{}, err
	}
	cur, ok := s.tables[table][id]
	if !ok {
		s.mu.Unlock()
		return record.Record{}, fmt.Errorf("%s/%s: %w", table, id, store.ErrNotFound)
	}
	next := cur.Apply(patch)
	next.Fields[record.FieldUpdatedAt] = record.Stamp(s.now())
	s.tables[table][id] = next

	out := store.CloneFields(next)
	s.commit(feed.Change{Type: feed.Update, Table: table, Record: store.CloneFields(next)})
	return out, nil
}

// Delete implements store.Repository.
func (s *Store) Delete(_ context.Context, table, id string) error {
	s.mu.Lock()
	if err := s.injected(OpDelete, table); err != nil {
		s.mu.Unlock()
		return err
	}
	cur, ok := s.tables[table][id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%s/%s: %w", table, id, store.ErrNotFound)
	}
	delete(s.tables[table], id)
	s.commit(feed.Change{Type: feed.Delete, Table: table, Record: cur})
	return nil
}

// Snapshot implements feed.Snapshotter. The lock table is served as lock
// records.
func (s *Store) Snapshot(ctx context.Context, table string) ([]record.Record, error) {
	if table != store.LocksTable {
		return s.Query(ctx, table, store.Filter{})
	}
	rows, err := s.ListLocks(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]record.Record, len(rows))
	for i, l := range rows {
		out[i] = l.ToRecord()
	}
	return out, nil
}
