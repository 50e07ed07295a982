package root

import (
	"fmt"
	"sync"

	"watchd/internal/pubsub"
)

// Disposition is the lifecycle stage of a client state assertion. It moves
// strictly forward: PendingEnter, Asserted, PendingLeave, Done.
type Disposition int

const (
	PendingEnter Disposition = iota
	Asserted
	PendingLeave
	Done
)

func (d Disposition) String() string {
	switch d {
	case PendingEnter:
		return "PendingEnter"
	case Asserted:
		return "Asserted"
	case PendingLeave:
		return "PendingLeave"
	case Done:
		return "Done"
	default:
		return fmt.Sprintf("Disposition(%d)", int(d))
	}
}

// ClientStateAssertion is one client's claim to a named logical state on a
// root, queued FIFO per name for fairness.
type ClientStateAssertion struct {
	// root is a strong reference: an outstanding assertion keeps its root
	// alive, exactly like the worker goroutine does.
	root *Root
	name string

	// disposition and enterPayload are guarded by the registry lock.
	disposition Disposition
	// enterPayload is broadcast exactly once, when the assertion is both
	// Asserted and at the front of its queue.
	enterPayload pubsub.Payload
}

// NewAssertion creates a PendingEnter assertion for a named state. It does
// nothing until queued.
func NewAssertion(r *Root, name string) *ClientStateAssertion {
	return &ClientStateAssertion{root: r, name: name}
}

// Name returns the state name this assertion claims.
func (a *ClientStateAssertion) Name() string {
	return a.name
}

// Root returns the root this assertion belongs to.
func (a *ClientStateAssertion) Root() *Root {
	return a.root
}

// Disposition returns the assertion's current lifecycle stage.
func (a *ClientStateAssertion) Disposition() Disposition {
	cs := a.root.assertedStates
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return a.disposition
}

// ClientStateAssertions maps each state name to a FIFO queue of
// assertions. All operations, and every read or write of an assertion's
// disposition or payload, happen under the registry's single lock; there is
// no per-name lock.
//
// Invariant: at most one assertion per name carries the Asserted-and-front
// combination that makes a state observable, and broadcast of a deferred
// payload happens exactly once.
type ClientStateAssertions struct {
	root *Root

	mu     sync.Mutex
	states map[string][]*ClientStateAssertion
}

func newClientStateAssertions(r *Root) *ClientStateAssertions {
	return &ClientStateAssertions{
		root:   r,
		states: make(map[string][]*ClientStateAssertion),
	}
}

// QueueAssertion appends the assertion to the queue for its name. It fails
// with ErrStateConflict while the previous assertion for that name has an
// unresolved lifecycle; queueing behind an entry that is Done but not yet
// removed is allowed.
func (cs *ClientStateAssertions) QueueAssertion(a *ClientStateAssertion) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	q := cs.states[a.name]
	if n := len(q); n > 0 {
		switch q[n-1].disposition {
		case PendingEnter, Asserted, PendingLeave:
			return fmt.Errorf("%w: %q", ErrStateConflict, a.name)
		}
	}
	cs.states[a.name] = append(q, a)
	cs.root.bumpStateTransition()
	return nil
}

// IsFront reports whether the assertion is the head of its name's queue.
func (cs *ClientStateAssertions) IsFront(a *ClientStateAssertion) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.isFrontLocked(a)
}

func (cs *ClientStateAssertions) isFrontLocked(a *ClientStateAssertion) bool {
	q := cs.states[a.name]
	return len(q) > 0 && q[0] == a
}

// IsStateAsserted reports whether the head assertion for name exists and
// carries the Asserted disposition.
func (cs *ClientStateAssertions) IsStateAsserted(name string) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	q := cs.states[name]
	return len(q) > 0 && q[0].disposition == Asserted
}

// Assert moves a queued assertion from PendingEnter to Asserted and stores
// its enter payload. If the assertion is the queue head the payload is
// broadcast immediately; otherwise the broadcast is deferred until removal
// of the entries ahead of it makes it the head. Idempotent for an already
// Asserted assertion.
//
// Asserting an assertion that was never queued, or one that has moved past
// Asserted, is a programming error.
func (cs *ClientStateAssertions) Assert(a *ClientStateAssertion, payload pubsub.Payload) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if !cs.isQueuedLocked(a) {
		panic(fmt.Sprintf("root: asserting state %q that is not queued", a.name))
	}

	switch a.disposition {
	case Asserted:
		return nil
	case PendingEnter:
	default:
		return fmt.Errorf("cannot assert state %q from disposition %s", a.name, a.disposition)
	}

	a.disposition = Asserted
	a.enterPayload = payload
	cs.root.bumpStateTransition()

	if cs.isFrontLocked(a) {
		cs.broadcastLocked(a)
	}
	return nil
}

// BeginLeave moves an Asserted assertion to PendingLeave, announcing that
// its holder is on the way out.
func (cs *ClientStateAssertions) BeginLeave(a *ClientStateAssertion) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if a.disposition != Asserted {
		return fmt.Errorf("cannot leave state %q from disposition %s", a.name, a.disposition)
	}
	a.disposition = PendingLeave
	cs.root.bumpStateTransition()
	return nil
}

// RemoveAssertion removes the assertion from its name's queue regardless of
// position, marking it Done. If the queue empties, the name entry is
// deleted. If removal exposes a new head that is already Asserted, its
// deferred payload is broadcast exactly once. Removing an assertion that is
// no longer queued returns false; losing that race is expected.
func (cs *ClientStateAssertions) RemoveAssertion(a *ClientStateAssertion) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	q := cs.states[a.name]
	for i, e := range q {
		if e != a {
			continue
		}
		a.disposition = Done
		q = append(q[:i:i], q[i+1:]...)
		if len(q) == 0 {
			delete(cs.states, a.name)
		} else {
			cs.states[a.name] = q
			if i == 0 && q[0].disposition == Asserted {
				cs.broadcastLocked(q[0])
			}
		}
		cs.root.bumpStateTransition()
		return true
	}
	return false
}

// broadcastLocked publishes an assertion's deferred enter payload, at most
// once.
func (cs *ClientStateAssertions) broadcastLocked(a *ClientStateAssertion) {
	if a.enterPayload == nil {
		return
	}
	payload := a.enterPayload
	a.enterPayload = nil
	cs.root.unilateral.Publish(payload)
}

func (cs *ClientStateAssertions) isQueuedLocked(a *ClientStateAssertion) bool {
	for _, e := range cs.states[a.name] {
		if e == a {
			return true
		}
	}
	return false
}

// AssertionStatus is the diagnostic snapshot of one queued assertion.
type AssertionStatus struct {
	Name        string `json:"name"`
	Disposition string `json:"disposition"`
}

// DebugStates returns a point-in-time snapshot of every name's queue,
// computed under the registry lock so it cannot tear.
func (cs *ClientStateAssertions) DebugStates() map[string][]AssertionStatus {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	out := make(map[string][]AssertionStatus, len(cs.states))
	for name, q := range cs.states {
		entries := make([]AssertionStatus, 0, len(q))
		for _, a := range q {
			entries = append(entries, AssertionStatus{
				Name:        a.name,
				Disposition: a.disposition.String(),
			})
		}
		out[name] = entries
	}
	return out
}
