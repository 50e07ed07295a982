// Package cookie implements the sync-to-now consistency checkpoint for a
// watched root.
//
// A caller drops a uniquely named cookie file into the watched tree and
// blocks until the root's worker observes its creation event. When the wait
// resolves, every filesystem event up to the moment the cookie was written
// has been processed.
package cookie

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrSyncTimeout is returned when the worker fails to observe a cookie
// within the caller's deadline.
var ErrSyncTimeout = errors.New("timed out waiting for cookie")

// Sync creates cookie files and matches them against observed events.
type Sync struct {
	dir    string
	prefix string

	mu    sync.Mutex
	waits map[string]chan struct{}
	// abortErr, once set, fails all current and future waits.
	abortErr error
}

// New returns a Sync writing cookies directly under dir, which must be
// inside the watched tree.
func New(dir string) *Sync {
	return &Sync{
		dir:    dir,
		prefix: fmt.Sprintf(".watchd-cookie-%d-", os.Getpid()),
		waits:  make(map[string]chan struct{}),
	}
}

// Sync writes a fresh cookie and blocks until it is observed, the timeout
// elapses, or the root aborts outstanding waits.
func (s *Sync) Sync(ctx context.Context, timeout time.Duration) error {
	path := filepath.Join(s.dir, s.prefix+uuid.NewString())

	s.mu.Lock()
	if s.abortErr != nil {
		err := s.abortErr
		s.mu.Unlock()
		return err
	}
	observed := make(chan struct{})
	s.waits[path] = observed
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.waits, path)
		s.mu.Unlock()
		os.Remove(path)
	}()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create cookie %s: %w", path, err)
	}
	f.Close()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-observed:
		// The channel is closed either on observation or on abort;
		// distinguish the two.
		s.mu.Lock()
		err := s.abortErr
		s.mu.Unlock()
		return err
	case <-timer.C:
		return fmt.Errorf("%w after %v", ErrSyncTimeout, timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Notify reports an observed path to the cookie matcher. Called from the
// root's worker for every created file under the cookie directory.
func (s *Sync) Notify(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ch, ok := s.waits[path]; ok {
		close(ch)
		delete(s.waits, path)
	}
}

// Abort fails every outstanding wait with err and causes future Sync calls
// to fail immediately. Used when the root is cancelled.
func (s *Sync) Abort(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.abortErr != nil {
		return
	}
	s.abortErr = err
	for path, ch := range s.waits {
		close(ch)
		delete(s.waits, path)
	}
}

// IsCookiePath reports whether path names one of our cookie files.
func (s *Sync) IsCookiePath(path string) bool {
	return filepath.Dir(path) == s.dir &&
		strings.HasPrefix(filepath.Base(path), s.prefix)
}

// Outstanding returns the number of waits currently in flight.
func (s *Sync) Outstanding() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waits)
}
