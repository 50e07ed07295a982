package root

import (
	"errors"
	"testing"
	"time"

	"watchd/internal/pubsub"
)

// seedBehind appends an assertion directly to its name's queue, bypassing
// the conflict check. The public API serializes lifecycles per name, so
// multi-entry queues (and the deferred-broadcast handoff on removal) can
// only be exercised by seeding the queue in-package.
func seedBehind(cs *ClientStateAssertions, a *ClientStateAssertion) {
	cs.mu.Lock()
	cs.states[a.name] = append(cs.states[a.name], a)
	cs.mu.Unlock()
}

func recvPayload(t *testing.T, sub *pubsub.Subscription) pubsub.Payload {
	t.Helper()
	select {
	case p, ok := <-sub.C():
		if !ok {
			t.Fatal("subscription closed unexpectedly")
		}
		return p
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for broadcast")
	}
	return nil
}

func expectNoPayload(t *testing.T, sub *pubsub.Subscription) {
	t.Helper()
	select {
	case p := <-sub.C():
		t.Fatalf("unexpected broadcast: %v", p)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestAssertionLifecycle(t *testing.T) {
	r, _ := newTestRoot(t, nil)
	cs := r.Assertions()
	sub := r.Unilateral().Subscribe("test")

	a := NewAssertion(r, "deploy")
	if got := a.Disposition(); got != PendingEnter {
		t.Fatalf("fresh assertion disposition = %s, want PendingEnter", got)
	}
	if err := cs.QueueAssertion(a); err != nil {
		t.Fatalf("QueueAssertion failed: %v", err)
	}
	if !cs.IsFront(a) {
		t.Fatal("sole queued assertion should be front")
	}
	if cs.IsStateAsserted("deploy") {
		t.Fatal("state asserted before Assert")
	}

	payload := pubsub.Payload{"state-enter": "deploy"}
	if err := cs.Assert(a, payload); err != nil {
		t.Fatalf("Assert failed: %v", err)
	}
	if !cs.IsStateAsserted("deploy") {
		t.Fatal("state not asserted after Assert")
	}
	if got := recvPayload(t, sub); got["state-enter"] != "deploy" {
		t.Fatalf("broadcast payload = %v", got)
	}

	if err := cs.BeginLeave(a); err != nil {
		t.Fatalf("BeginLeave failed: %v", err)
	}
	if cs.IsStateAsserted("deploy") {
		t.Fatal("state still asserted after BeginLeave")
	}
	if got := a.Disposition(); got != PendingLeave {
		t.Fatalf("disposition after BeginLeave = %s", got)
	}

	if !cs.RemoveAssertion(a) {
		t.Fatal("RemoveAssertion returned false for queued assertion")
	}
	if got := a.Disposition(); got != Done {
		t.Fatalf("disposition after removal = %s", got)
	}
	if cs.RemoveAssertion(a) {
		t.Fatal("second removal should lose the race and return false")
	}
	if states := cs.DebugStates(); len(states) != 0 {
		t.Fatalf("queue entry not deleted after emptying: %v", states)
	}
}

func TestQueueAssertionConflict(t *testing.T) {
	r, _ := newTestRoot(t, nil)
	cs := r.Assertions()

	a := NewAssertion(r, "deploy")
	if err := cs.QueueAssertion(a); err != nil {
		t.Fatalf("QueueAssertion failed: %v", err)
	}

	for _, stage := range []string{"PendingEnter", "Asserted", "PendingLeave"} {
		b := NewAssertion(r, "deploy")
		if err := cs.QueueAssertion(b); !errors.Is(err, ErrStateConflict) {
			t.Fatalf("queue behind %s: err = %v, want ErrStateConflict", stage, err)
		}
		switch stage {
		case "PendingEnter":
			if err := cs.Assert(a, nil); err != nil {
				t.Fatalf("Assert failed: %v", err)
			}
		case "Asserted":
			if err := cs.BeginLeave(a); err != nil {
				t.Fatalf("BeginLeave failed: %v", err)
			}
		}
	}

	// Unrelated names never conflict.
	other := NewAssertion(r, "build")
	if err := cs.QueueAssertion(other); err != nil {
		t.Fatalf("QueueAssertion on distinct name failed: %v", err)
	}

	// Once the prior lifecycle fully resolves, the name is free again.
	if !cs.RemoveAssertion(a) {
		t.Fatal("RemoveAssertion failed")
	}
	c := NewAssertion(r, "deploy")
	if err := cs.QueueAssertion(c); err != nil {
		t.Fatalf("QueueAssertion after Done failed: %v", err)
	}
}

func TestAssertIdempotent(t *testing.T) {
	r, _ := newTestRoot(t, nil)
	cs := r.Assertions()
	sub := r.Unilateral().Subscribe("test")

	a := NewAssertion(r, "deploy")
	if err := cs.QueueAssertion(a); err != nil {
		t.Fatalf("QueueAssertion failed: %v", err)
	}
	if err := cs.Assert(a, pubsub.Payload{"n": 1}); err != nil {
		t.Fatalf("Assert failed: %v", err)
	}
	if err := cs.Assert(a, pubsub.Payload{"n": 2}); err != nil {
		t.Fatalf("repeated Assert should be a no-op, got %v", err)
	}

	if got := recvPayload(t, sub); got["n"] != 1 {
		t.Fatalf("broadcast payload = %v, want the first", got)
	}
	expectNoPayload(t, sub)
}

func TestAssertPastAsserted(t *testing.T) {
	r, _ := newTestRoot(t, nil)
	cs := r.Assertions()

	a := NewAssertion(r, "deploy")
	if err := cs.QueueAssertion(a); err != nil {
		t.Fatalf("QueueAssertion failed: %v", err)
	}
	if err := cs.Assert(a, nil); err != nil {
		t.Fatalf("Assert failed: %v", err)
	}
	if err := cs.BeginLeave(a); err != nil {
		t.Fatalf("BeginLeave failed: %v", err)
	}
	if err := cs.Assert(a, nil); err == nil {
		t.Fatal("Assert from PendingLeave should fail")
	}
}

func TestAssertNotQueuedPanics(t *testing.T) {
	r, _ := newTestRoot(t, nil)
	cs := r.Assertions()

	defer func() {
		if recover() == nil {
			t.Fatal("asserting an unqueued assertion should panic")
		}
	}()
	cs.Assert(NewAssertion(r, "deploy"), nil)
}

func TestBeginLeaveRequiresAsserted(t *testing.T) {
	r, _ := newTestRoot(t, nil)
	cs := r.Assertions()

	a := NewAssertion(r, "deploy")
	if err := cs.QueueAssertion(a); err != nil {
		t.Fatalf("QueueAssertion failed: %v", err)
	}
	if err := cs.BeginLeave(a); err == nil {
		t.Fatal("BeginLeave from PendingEnter should fail")
	}
}

func TestDeferredBroadcastOnHandoff(t *testing.T) {
	r, _ := newTestRoot(t, nil)
	cs := r.Assertions()
	sub := r.Unilateral().Subscribe("test")

	a := NewAssertion(r, "deploy")
	if err := cs.QueueAssertion(a); err != nil {
		t.Fatalf("QueueAssertion failed: %v", err)
	}
	if err := cs.Assert(a, pubsub.Payload{"holder": "a"}); err != nil {
		t.Fatalf("Assert failed: %v", err)
	}
	if got := recvPayload(t, sub); got["holder"] != "a" {
		t.Fatalf("head broadcast payload = %v", got)
	}

	b := NewAssertion(r, "deploy")
	seedBehind(cs, b)
	if err := cs.Assert(b, pubsub.Payload{"holder": "b"}); err != nil {
		t.Fatalf("Assert failed: %v", err)
	}
	// b is not the head yet: its payload stays deferred.
	expectNoPayload(t, sub)

	if !cs.RemoveAssertion(a) {
		t.Fatal("RemoveAssertion failed")
	}
	if got := recvPayload(t, sub); got["holder"] != "b" {
		t.Fatalf("handoff broadcast payload = %v", got)
	}
	if !cs.IsFront(b) || !cs.IsStateAsserted("deploy") {
		t.Fatal("b should be the asserted head after handoff")
	}

	// The deferred payload is broadcast exactly once.
	if !cs.RemoveAssertion(b) {
		t.Fatal("RemoveAssertion failed")
	}
	expectNoPayload(t, sub)
}

func TestRemoveNonHeadNoBroadcast(t *testing.T) {
	r, _ := newTestRoot(t, nil)
	cs := r.Assertions()
	sub := r.Unilateral().Subscribe("test")

	a := NewAssertion(r, "deploy")
	if err := cs.QueueAssertion(a); err != nil {
		t.Fatalf("QueueAssertion failed: %v", err)
	}
	b := NewAssertion(r, "deploy")
	seedBehind(cs, b)

	if !cs.RemoveAssertion(b) {
		t.Fatal("RemoveAssertion failed")
	}
	expectNoPayload(t, sub)
	if !cs.IsFront(a) {
		t.Fatal("a should remain the head")
	}
	if got := cs.DebugStates()["deploy"]; len(got) != 1 {
		t.Fatalf("queue length = %d, want 1", len(got))
	}
}

func TestDebugStatesSnapshot(t *testing.T) {
	r, _ := newTestRoot(t, nil)
	cs := r.Assertions()

	a := NewAssertion(r, "deploy")
	if err := cs.QueueAssertion(a); err != nil {
		t.Fatalf("QueueAssertion failed: %v", err)
	}
	if err := cs.Assert(a, nil); err != nil {
		t.Fatalf("Assert failed: %v", err)
	}
	b := NewAssertion(r, "build")
	if err := cs.QueueAssertion(b); err != nil {
		t.Fatalf("QueueAssertion failed: %v", err)
	}

	states := cs.DebugStates()
	if len(states) != 2 {
		t.Fatalf("snapshot has %d names, want 2", len(states))
	}
	if got := states["deploy"][0].Disposition; got != "Asserted" {
		t.Fatalf("deploy disposition = %q", got)
	}
	if got := states["build"][0].Disposition; got != "PendingEnter" {
		t.Fatalf("build disposition = %q", got)
	}
}

func TestAssertionTransitionsBumpCounter(t *testing.T) {
	r, _ := newTestRoot(t, nil)
	cs := r.Assertions()

	before := r.StateTransCount()
	a := NewAssertion(r, "deploy")
	if err := cs.QueueAssertion(a); err != nil {
		t.Fatalf("QueueAssertion failed: %v", err)
	}
	if err := cs.Assert(a, nil); err != nil {
		t.Fatalf("Assert failed: %v", err)
	}
	if err := cs.BeginLeave(a); err != nil {
		t.Fatalf("BeginLeave failed: %v", err)
	}
	if !cs.RemoveAssertion(a) {
		t.Fatal("RemoveAssertion failed")
	}
	if got := r.StateTransCount() - before; got < 4 {
		t.Fatalf("state-transition counter advanced %d times, want >= 4", got)
	}
}
