package root

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"watchd/internal/ignore"
	"watchd/internal/view"
)

// fakeView is an in-memory QueryableView for exercising root policy
// without a real filesystem watch.
type fakeView struct {
	mu         sync.Mutex
	crawls     int
	crawlErr   error
	tombstones map[string]time.Time
	live       int
	ageOuts    int

	ch        chan view.Change
	overflow  atomic.Bool
	closeOnce sync.Once
}

func newFakeView() *fakeView {
	return &fakeView{
		tombstones: make(map[string]time.Time),
		ch:         make(chan view.Change, 256),
	}
}

func (f *fakeView) FullCrawl(ctx context.Context, ign *ignore.Set) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.crawls++
	return f.crawlErr
}

func (f *fakeView) Changes() <-chan view.Change { return f.ch }

func (f *fakeView) Overflowed() bool { return f.overflow.Load() }

func (f *fakeView) ClearOverflow() { f.overflow.Store(false) }

func (f *fakeView) EntryCount() int { f.mu.Lock(); defer f.mu.Unlock(); return f.live }

func (f *fakeView) AgeOut(minAge time.Duration) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.ageOuts++
	cutoff := time.Now().Add(-minAge)
	n := 0
	for path, deletedAt := range f.tombstones {
		if deletedAt.Before(cutoff) {
			delete(f.tombstones, path)
			n++
		}
	}
	return n
}

func (f *fakeView) Close() error {
	f.closeOnce.Do(func() { close(f.ch) })
	return nil
}

func (f *fakeView) push(c view.Change) {
	f.ch <- c
}

func (f *fakeView) crawlCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.crawls
}

func (f *fakeView) ageOutCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ageOuts
}

func (f *fakeView) addTombstone(path string, deletedAt time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tombstones[path] = deletedAt
}

func (f *fakeView) tombstoneCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tombstones)
}
