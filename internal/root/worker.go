package root

import (
	"context"
	"errors"
	"fmt"
	"time"

	"watchd/internal/cookie"
	"watchd/internal/view"
)

// housekeepInterval is how often the worker wakes to evaluate recrawl, GC,
// and reap conditions when the change stream is quiet.
const housekeepInterval = time.Second

// run is the worker goroutine: the single owner of crawling. It holds a
// strong reference to the root for its whole life, so the root cannot be
// torn down before the worker has observed cancellation and exited.
func (r *Root) run() {
	defer close(r.workerDone)

	ticker := time.NewTicker(housekeepInterval)
	defer ticker.Stop()

	for !r.Cancelled() {
		if reason, due := r.takeScheduledRecrawl(); due {
			if err := r.crawl(reason); err != nil {
				if r.Cancelled() {
					return
				}
				r.FailWatch(fmt.Sprintf("crawl failed: %v", err))
				return
			}
		}

		select {
		case c, ok := <-r.vw.Changes():
			if !ok {
				// The view closed underneath us. During shutdown that
				// is the expected wakeup; otherwise the watch is dead.
				if !r.Cancelled() {
					r.FailWatch("change stream closed unexpectedly")
				}
				return
			}
			r.observeChange(c)
			// Drain whatever else is ready before housekeeping.
			for more := true; more; {
				select {
				case c, ok := <-r.vw.Changes():
					if !ok {
						more = false
						continue
					}
					r.observeChange(c)
				default:
					more = false
				}
			}
		case <-ticker.C:
		case <-r.cancelCh:
			return
		}

		if r.vw.Overflowed() {
			r.vw.ClearOverflow()
			r.ScheduleRecrawl("change buffer overflow")
		}
		r.ConsiderAgeOut()
		if r.ConsiderReap() {
			r.log.Info("root is idle, reaping",
				"idle_reap_age", r.idleReapAge)
			r.RemoveFromWatched()
			if r.saveHook != nil {
				r.saveHook()
			}
			r.Cancel()
			// The worker cannot go through StopThreads (it would wait on
			// itself), but the view must still be released or its watch
			// descriptors and goroutine outlive the reaped root.
			r.vw.Close()
			return
		}
	}
}

// observeChange feeds one view change into settle tracking and cookie
// matching.
func (r *Root) observeChange(c view.Change) {
	r.lastActivity.Store(c.When.UnixNano())

	if !c.Deleted && r.cookies.IsCookiePath(c.Path) {
		r.cookies.Notify(c.Path)
	}
}

// takeScheduledRecrawl consumes a pending recrawl request, reporting
// whether one was due.
func (r *Root) takeScheduledRecrawl() (string, bool) {
	r.recrawlInfo.mu.Lock()
	defer r.recrawlInfo.mu.Unlock()

	if !r.recrawlInfo.shouldRecrawl {
		return "", false
	}
	r.recrawlInfo.shouldRecrawl = false
	return r.recrawlInfo.warning, true
}

// crawl performs one full crawl pass on the worker goroutine.
func (r *Root) crawl(reason string) error {
	initial := !r.inner.doneInitial.Load()
	if initial {
		r.recrawlInfo.mu.Lock()
		r.recrawlInfo.crawlStart = time.Now()
		r.recrawlInfo.mu.Unlock()
		r.log.Info("starting initial crawl")
	} else {
		r.RecrawlTriggered(reason)
	}

	if err := r.vw.FullCrawl(r.ctx, r.Ignore); err != nil {
		return err
	}

	r.recrawlInfo.mu.Lock()
	r.recrawlInfo.crawlFinish = time.Now()
	elapsed := r.recrawlInfo.crawlFinish.Sub(r.recrawlInfo.crawlStart)
	r.recrawlInfo.mu.Unlock()

	if initial {
		r.inner.doneInitial.Store(true)
		r.bumpStateTransition()
	}
	r.log.Info("crawl complete",
		"elapsed", elapsed, "entries", r.vw.EntryCount())
	return nil
}

// ScheduleRecrawl requests a full re-scan because incremental event
// delivery can no longer be trusted. Idempotent and safe from any
// goroutine; the worker picks the request up on its next iteration.
func (r *Root) ScheduleRecrawl(reason string) {
	r.recrawlInfo.mu.Lock()
	defer r.recrawlInfo.mu.Unlock()

	if !r.recrawlInfo.shouldRecrawl {
		r.log.Warn("scheduling recrawl", "reason", reason)
	}
	r.recrawlInfo.shouldRecrawl = true
	r.recrawlInfo.warning = reason
}

// RecrawlTriggered records that a scheduled recrawl is actually beginning.
// Called by the worker.
func (r *Root) RecrawlTriggered(reason string) {
	r.recrawlInfo.mu.Lock()
	defer r.recrawlInfo.mu.Unlock()

	r.recrawlInfo.count++
	r.recrawlInfo.warning = fmt.Sprintf(
		"Recrawled this watch %d times, most recently because: %s",
		r.recrawlInfo.count, reason)
	r.recrawlInfo.crawlStart = time.Now()
	r.recrawlInfo.crawlFinish = time.Time{}
}

// ConsiderAgeOut runs an age-out pass if one is due. A zero gc interval
// disables aging entirely. Worker-only: lastReap has no lock.
func (r *Root) ConsiderAgeOut() {
	if r.gcInterval == 0 {
		return
	}
	now := time.Now()
	if now.Sub(r.inner.lastReap) <= r.gcInterval {
		return
	}
	r.inner.lastReap = now
	r.PerformAgeOut(r.gcAge)
}

// PerformAgeOut purges entries the view has marked deleted whose deletion
// age exceeds minAge. Entries younger than minAge survive so that
// sync-to-now and cursor-based delta queries can still observe recently
// deleted files.
func (r *Root) PerformAgeOut(minAge time.Duration) {
	start := time.Now()
	purged := r.vw.AgeOut(minAge)
	if purged > 0 {
		r.log.Info("aged out deleted entries",
			"purged", purged, "min_age", minAge, "elapsed", time.Since(start))
	}
}

// WaitForSettle blocks until the root has seen no filesystem activity for
// period. It resolves immediately if the root has already been idle that
// long, and resolves with ErrCancelled if the root is cancelled first.
func (r *Root) WaitForSettle(ctx context.Context, period time.Duration) error {
	r.NoteCommand()
	if err := r.watchOK(); err != nil {
		return err
	}
	if r.Cancelled() {
		return ErrCancelled
	}
	if period <= 0 {
		period = r.settlePeriod
	}

	for {
		idle := time.Since(time.Unix(0, r.lastActivity.Load()))
		if idle >= period {
			return nil
		}

		timer := time.NewTimer(period - idle)
		select {
		case <-timer.C:
			// New activity may have arrived while we slept; loop and
			// re-check.
		case <-r.cancelCh:
			timer.Stop()
			return ErrCancelled
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// SyncToNow injects a cookie into the watched tree and blocks until the
// worker observes it, bounding "all events up to this instant have been
// processed". The error distinguishes success (nil), ErrTimeout, and
// ErrCancelled.
func (r *Root) SyncToNow(ctx context.Context, timeout time.Duration) error {
	r.NoteCommand()
	if err := r.watchOK(); err != nil {
		return err
	}
	if r.Cancelled() {
		return ErrCancelled
	}

	err := r.cookies.Sync(ctx, timeout)
	if errors.Is(err, cookie.ErrSyncTimeout) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}
