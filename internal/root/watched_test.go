package root

import (
	"errors"
	"sync"
	"testing"

	"watchd/internal/config"
)

func TestRegisterResolveRemove(t *testing.T) {
	r, _ := newTestRoot(t, nil)
	t.Cleanup(func() { r.RemoveFromWatched() })

	if err := Register(r); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	got, ok := Resolve(r.Path)
	if !ok || got != r {
		t.Fatal("Resolve did not return the registered root")
	}

	dup, _ := New(r.Path, "tmpfs", true, config.Default(), newFakeView(), nil)
	if err := Register(dup); !errors.Is(err, ErrAlreadyWatched) {
		t.Fatalf("duplicate Register: err = %v, want ErrAlreadyWatched", err)
	}
	dup.Cancel()

	if !r.RemoveFromWatched() {
		t.Fatal("RemoveFromWatched returned false for registered root")
	}
	if r.RemoveFromWatched() {
		t.Fatal("second RemoveFromWatched should return false")
	}
	if _, ok := Resolve(r.Path); ok {
		t.Fatal("root still resolvable after removal")
	}
}

func TestRemoveFromWatchedChecksIdentity(t *testing.T) {
	a, _ := newTestRoot(t, nil)
	if err := Register(a); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	t.Cleanup(func() { a.RemoveFromWatched() })

	// A stale root for the same path must not evict its replacement.
	stale, _ := New(a.Path, "tmpfs", true, config.Default(), newFakeView(), nil)
	stale.Cancel()
	if stale.RemoveFromWatched() {
		t.Fatal("stale root removed the live registration")
	}
	if _, ok := Resolve(a.Path); !ok {
		t.Fatal("live registration lost")
	}
}

func TestAllOrderedByPath(t *testing.T) {
	base := LiveCount()

	for i := 0; i < 3; i++ {
		r, _ := newTestRoot(t, nil)
		if err := Register(r); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
		t.Cleanup(func() { r.RemoveFromWatched() })
	}

	all := All()
	if len(all) != base+3 {
		t.Fatalf("LiveCount = %d, want %d", len(all), base+3)
	}
	for i := 1; i < len(all); i++ {
		if all[i-1].Path >= all[i].Path {
			t.Fatalf("All not sorted: %q before %q", all[i-1].Path, all[i].Path)
		}
	}
}

func TestWatchAndUnwatch(t *testing.T) {
	var hookMu sync.Mutex
	hookCalls := 0
	hook := func() {
		hookMu.Lock()
		hookCalls++
		hookMu.Unlock()
	}

	path := t.TempDir()
	r, err := Watch(path, "tmpfs", true, config.Default(), newFakeView(), hook)
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	t.Cleanup(func() {
		r.Cancel()
		r.RemoveFromWatched()
		r.StopThreads()
	})

	waitFor(t, "initial crawl", r.DoneInitial)
	hookMu.Lock()
	afterWatch := hookCalls
	hookMu.Unlock()
	if afterWatch != 1 {
		t.Fatalf("save hook called %d times after Watch, want 1", afterWatch)
	}

	if err := Unwatch(path); err != nil {
		t.Fatalf("Unwatch failed: %v", err)
	}
	if !r.Cancelled() {
		t.Fatal("root not cancelled after Unwatch")
	}
	if _, ok := Resolve(path); ok {
		t.Fatal("root still registered after Unwatch")
	}
	hookMu.Lock()
	afterUnwatch := hookCalls
	hookMu.Unlock()
	if afterUnwatch != 2 {
		t.Fatalf("save hook called %d times after Unwatch, want 2", afterUnwatch)
	}

	if err := Unwatch(path); !errors.Is(err, ErrNotWatched) {
		t.Fatalf("second Unwatch: err = %v, want ErrNotWatched", err)
	}
}

func TestStopWatchExactlyOnce(t *testing.T) {
	r, _ := newTestRoot(t, nil)
	r.Start()
	if err := Register(r); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	t.Cleanup(func() { r.RemoveFromWatched() })

	const callers = 16
	results := make(chan bool, callers)
	var start sync.WaitGroup
	start.Add(1)
	for i := 0; i < callers; i++ {
		go func() {
			start.Wait()
			results <- r.StopWatch()
		}()
	}
	start.Done()

	wins := 0
	for i := 0; i < callers; i++ {
		if <-results {
			wins++
		}
	}
	if wins != 1 {
		t.Fatalf("StopWatch returned true %d times, want exactly 1", wins)
	}
	if !r.Cancelled() {
		t.Fatal("root not cancelled after StopWatch")
	}
}
