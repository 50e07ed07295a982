package cookie

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// observeLoop simulates the worker: it polls the directory and notifies the
// matcher of every file it finds.
func observeLoop(s *Sync, dir string, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-time.After(5 * time.Millisecond):
			entries, err := os.ReadDir(dir)
			if err != nil {
				continue
			}
			for _, e := range entries {
				s.Notify(filepath.Join(dir, e.Name()))
			}
		}
	}
}

func TestSyncObserved(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	stop := make(chan struct{})
	defer close(stop)
	go observeLoop(s, dir, stop)

	if err := s.Sync(context.Background(), 2*time.Second); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if s.Outstanding() != 0 {
		t.Errorf("expected no outstanding waits, got %d", s.Outstanding())
	}

	// The cookie file is removed after the wait resolves.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected cookie cleaned up, found %d entries", len(entries))
	}
}

func TestSyncTimeout(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	// Nobody observes: the wait must time out, not hang.
	err := s.Sync(context.Background(), 50*time.Millisecond)
	if !errors.Is(err, ErrSyncTimeout) {
		t.Fatalf("expected ErrSyncTimeout, got %v", err)
	}
}

func TestAbortFailsWaiters(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	cause := errors.New("root cancelled")

	done := make(chan error, 1)
	go func() {
		done <- s.Sync(context.Background(), 5*time.Second)
	}()

	// Wait for the cookie to land before aborting.
	deadline := time.Now().Add(2 * time.Second)
	for s.Outstanding() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	s.Abort(cause)

	select {
	case err := <-done:
		if !errors.Is(err, cause) {
			t.Errorf("expected abort cause, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Sync did not resolve after Abort")
	}

	// Future syncs fail immediately.
	if err := s.Sync(context.Background(), time.Second); !errors.Is(err, cause) {
		t.Errorf("expected immediate failure after abort, got %v", err)
	}
}

func TestIsCookiePath(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	cookie := filepath.Join(dir, s.prefix+"abc")
	if !s.IsCookiePath(cookie) {
		t.Errorf("expected %q recognized as cookie", cookie)
	}
	if s.IsCookiePath(filepath.Join(dir, "regular.txt")) {
		t.Error("regular file misidentified as cookie")
	}
	if s.IsCookiePath(filepath.Join(dir, "sub", s.prefix+"abc")) {
		t.Error("cookie name outside the cookie dir misidentified")
	}
}
