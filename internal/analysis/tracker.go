package analysis

import (
	"sync"
	"time"
)

// Snapshot is the observable state shown to the user.
type Snapshot struct {
	// Sequence increases with every state change; observers drop older snapshots.
	Sequence   uint64    `json:"sequence"`
	RequestID  string    `json:"request_id,omitempty"`
	Processing bool      `json:"processing"`
	Result     *Result   `json:"result,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Ticket identifies an issued request inside a Tracker.
type Ticket struct {
	ID  string
	seq uint64
}

// Tracker owns the shared "processing" and "latest result" state. Only the
// most recently issued request may publish into it; completions of older
// requests are reported as stale.
type Tracker struct {
	mu        sync.Mutex
	issued    uint64
	latest    Ticket
	inflight  map[uint64]struct{}
	result    *Result
	version   uint64
	updatedAt time.Time

	nextSub     int
	subscribers map[int]func(Snapshot)
	now         func() time.Time
}

// NewTracker creates an idle tracker.
func NewTracker() *Tracker {
	return &Tracker{
		inflight:    make(map[uint64]struct{}),
		subscribers: make(map[int]func(Snapshot)),
		now:         time.Now,
	}
}

// Begin issues a new request, making it the latest. When processing is true
// the request counts as in flight until Complete is called.
func (t *Tracker) Begin(requestID string, processing bool) Ticket {
	t.mu.Lock()
	t.issued++
	ticket := Ticket{ID: requestID, seq: t.issued}
	t.latest = ticket
	if processing {
		t.inflight[ticket.seq] = struct{}{}
	}
	snap, subs := t.changedLocked()
	t.mu.Unlock()

	notify(subs, snap)
	return ticket
}

// Complete records the outcome of ticket. It returns false, leaving shared
// state untouched, when a newer request has been issued since.
func (t *Tracker) Complete(ticket Ticket, result Result) bool {
	t.mu.Lock()
	delete(t.inflight, ticket.seq)
	if ticket.seq != t.latest.seq {
		t.mu.Unlock()
		return false
	}
	r := result
	t.result = &r
	snap, subs := t.changedLocked()
	t.mu.Unlock()

	notify(subs, snap)
	return true
}

// IsLatest reports whether ticket is still the most recently issued request.
func (t *Tracker) IsLatest(ticket Ticket) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return ticket.seq == t.latest.seq
}

// Processing reports whether the latest issued request is still running.
func (t *Tracker) Processing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.inflight[t.latest.seq]
	return ok
}

// Snapshot returns the current observable state.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

// Subscribe registers fn for every state change and returns a function that
// removes it. fn is called outside the tracker's lock.
func (t *Tracker) Subscribe(fn func(Snapshot)) func() {
	t.mu.Lock()
	id := t.nextSub
	t.nextSub++
	t.subscribers[id] = fn
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		delete(t.subscribers, id)
		t.mu.Unlock()
	}
}

func (t *Tracker) changedLocked() (Snapshot, []func(Snapshot)) {
	t.version++
	t.updatedAt = t.now()
	subs := make([]func(Snapshot), 0, len(t.subscribers))
	for _, fn := range t.subscribers {
		subs = append(subs, fn)
	}
	return t.snapshotLocked(), subs
}

func (t *Tracker) snapshotLocked() Snapshot {
	_, processing := t.inflight[t.latest.seq]
	snap := Snapshot{
		Sequence:   t.version,
		RequestID:  t.latest.ID,
		Processing: processing,
		UpdatedAt:  t.updatedAt,
	}
	if t.result != nil {
		r := *t.result
		snap.Result = &r
	}
	return snap
}

func notify(subs []func(Snapshot), snap Snapshot) {
	for _, fn := range subs {
		fn(snap)
	}
}
