package presence

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/Iron-Ham/coedit/internal/errors"
	"github.com/Iron-Ham/coedit/internal/event"
	"github.com/Iron-Ham/coedit/internal/logging"
)

// DefaultHeartbeat is how often a tracked claim is re-announced.
const DefaultHeartbeat = 5 * time.Second

// Tracker announces one actor's presence on the record it has open and
// reports the other editors of that record.
type Tracker struct {
	ch        Channel
	actorID   string
	actorName string
	bus       *event.Bus
	logger    *logging.Logger
	heartbeat time.Duration

	mu        sync.RWMutex
	claim     Claim
	tracking  bool
	members   []Claim
	editors   []Claim
	observers []func(recordID string, editors []Claim)

	unwatch func()
	stopCh  chan struct{}
	doneCh  chan struct{}
	loopCtx <-chan struct{} // Done of the context the running loop was started with
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithBus publishes PresenceChangedEvents to bus.
func WithBus(bus *event.Bus) TrackerOption { return func(t *Tracker) { t.bus = bus } }

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) TrackerOption { return func(t *Tracker) { t.logger = l } }

// WithHeartbeat sets the re-announce interval. Zero disables the loop.
func WithHeartbeat(d time.Duration) TrackerOption {
	return func(t *Tracker) { t.heartbeat = d }
}

// NewTracker creates a Tracker for one actor over ch.
func NewTracker(ch Channel, actorID, actorName string, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		ch:        ch,
		actorID:   actorID,
		actorName: actorName,
		logger:    logging.NopLogger(),
		heartbeat: DefaultHeartbeat,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.unwatch = ch.Watch(t.onMembers)
	return t
}

// Track announces the actor on recordID in mode, replacing any previous
// claim, and keeps the claim alive with heartbeats.
func (t *Tracker) Track(ctx context.Context, recordID string, mode Mode) error {
	t.mu.Lock()
	t.claim = Claim{RecordID: recordID, ActorID: t.actorID, ActorName: t.actorName, Mode: mode}
	t.tracking = true
	t.editors = nil
	claim := t.claim
	t.mu.Unlock()

	if err := t.ch.Join(ctx, claim); err != nil {
		return err
	}
	t.startHeartbeat(ctx)
	return nil
}

// SetMode switches between viewing and editing the tracked record.
func (t *Tracker) SetMode(ctx context.Context, mode Mode) error {
	t.mu.Lock()
	if !t.tracking || t.claim.Mode == mode {
		t.mu.Unlock()
		return nil
	}
	t.claim.Mode = mode
	claim := t.claim
	t.mu.Unlock()
	return t.ch.Join(ctx, claim)
}

// Untrack withdraws the claim.
func (t *Tracker) Untrack(ctx context.Context) error {
	t.stopHeartbeat()
	t.mu.Lock()
	was := t.tracking
	t.tracking = false
	t.claim = Claim{}
	t.editors = nil
	t.mu.Unlock()
	if !was {
		return nil
	}
	return t.ch.Leave(ctx)
}

// Current returns the tracked record, if any.
func (t *Tracker) Current() (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.claim.RecordID, t.tracking
}

// Members returns the last membership snapshot.
func (t *Tracker) Members() []Claim {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Clone(t.members)
}

// Editors returns the other actors editing recordID.
func (t *Tracker) Editors(recordID string) []Claim {
	return Editors(t.Members(), recordID, t.actorID)
}

// Watch registers fn, called with the tracked record's other editors
// whenever that set changes.
func (t *Tracker) Watch(fn func(recordID string, editors []Claim)) {
	t.mu.Lock()
	t.observers = append(t.observers, fn)
	t.mu.Unlock()
}

func (t *Tracker) onMembers(members []Claim) {
	t.mu.Lock()
	t.members = members
	recordID := t.claim.RecordID
	if !t.tracking {
		t.mu.Unlock()
		return
	}
	editors := Editors(members, recordID, t.actorID)
	if sameActors(editors, t.editors) {
		t.mu.Unlock()
		return
	}
	t.editors = editors
	observers := slices.Clone(t.observers)
	t.mu.Unlock()

	if t.bus != nil {
		ids := make([]string, len(editors))
		for i, e := range editors {
			ids[i] = e.ActorID
		}
		t.bus.Publish(event.NewPresenceChangedEvent(recordID, ids))
	}
	for _, fn := range observers {
		fn(recordID, slices.Clone(editors))
	}
}

func sameActors(a, b []Claim) bool {
	return slices.EqualFunc(a, b, func(x, y Claim) bool { return x.ActorID == y.ActorID })
}

func (t *Tracker) startHeartbeat(ctx context.Context) {
	if t.heartbeat <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopCh != nil && !ended(t.loopCtx) {
		return
	}
	t.stopCh = make(chan struct{})
	t.doneCh = make(chan struct{})
	t.loopCtx = ctx.Done()
	go t.heartbeatLoop(ctx, t.stopCh, t.doneCh)
}

// ended reports whether a context Done channel is closed.
func ended(done <-chan struct{}) bool {
	select {
	case <-done:
		return true
	default:
		return false
	}
}

func (t *Tracker) stopHeartbeat() {
	t.mu.Lock()
	stop, done := t.stopCh, t.doneCh
	t.stopCh, t.doneCh = nil, nil
	t.mu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}
}

func (t *Tracker) heartbeatLoop(ctx context.Context, stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(t.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			t.mu.Lock()
			if t.stopCh == stop {
				t.stopCh, t.doneCh = nil, nil
			}
			t.mu.Unlock()
			return
		case <-stop:
			return
		case <-ticker.C:
			t.mu.RLock()
			claim, ok := t.claim, t.tracking
			t.mu.RUnlock()
			if !ok {
				continue
			}
			if err := t.ch.Join(ctx, claim); err != nil {
				t.logger.Warn("presence heartbeat failed", logging.KeyActor, t.actorID, "error", err)
			}
		}
	}
}

// Close untracks and closes the channel.
func (t *Tracker) Close() error {
	err := t.Untrack(context.Background())
	if t.unwatch != nil {
		t.unwatch()
	}
	return errors.Join(err, t.ch.Close())
}
