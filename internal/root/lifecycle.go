package root

import (
	"fmt"
	"time"
)

// Cancel requests cancellation of the root. The first caller to flip the
// flag returns true ("caused the cancellation"); every later caller gets
// false. The flag is monotonic and never reset.
//
// Cancellation is a one-way broadcast: the worker stops producing new work
// as soon as it observes the flag, and every blocking wait resolves as a
// failure rather than hanging.
func (r *Root) Cancel() bool {
	if !r.inner.cancelled.CompareAndSwap(false, true) {
		return false
	}
	close(r.cancelCh)
	r.ctxCancel()
	r.cookies.Abort(ErrCancelled)
	r.bumpStateTransition()
	r.log.Info("root cancelled")
	return true
}

// Cancelled reports whether Cancel has been called. Once true it is never
// observed false again, from any goroutine.
func (r *Root) Cancelled() bool {
	return r.inner.cancelled.Load()
}

// FailWatch records a permanent, irrecoverable watch failure. Only the
// first non-empty reason sticks; all subsequent operations report it
// instead of attempting work. Failing the watch also cancels it.
func (r *Root) FailWatch(reason string) {
	if reason == "" {
		return
	}
	r.failureMu.Lock()
	already := r.failureReason != ""
	if !already {
		r.failureReason = reason
	}
	r.failureMu.Unlock()

	if already {
		return
	}
	r.log.Error("watch failed", "reason", reason)
	r.bumpStateTransition()
	r.Cancel()
}

// Failure returns the recorded failure reason, empty if the watch is
// healthy.
func (r *Root) Failure() string {
	r.failureMu.Lock()
	defer r.failureMu.Unlock()
	return r.failureReason
}

// watchOK returns the error every operation reports once the watch has
// permanently failed.
func (r *Root) watchOK() error {
	if reason := r.Failure(); reason != "" {
		return fmt.Errorf("%w: %s", ErrWatchFailed, reason)
	}
	return nil
}

// stopThreadsGrace bounds how long StopThreads waits before treating the
// worker as irrevocably detached.
const stopThreadsGrace = 5 * time.Second

// StopThreads signals the worker to exit its loop and returns once it has
// done so, or once it is certain to observe cancellation on its own. The
// worker is never joined; it holds its own strong reference to the root and
// polls the cancellation flag at every iteration and every blocking point.
func (r *Root) StopThreads() {
	// Closing the view wakes the worker out of a blocking read on the
	// change stream even if cancellation has not been requested.
	r.vw.Close()

	if !r.started.Load() {
		return
	}
	select {
	case <-r.workerDone:
	case <-time.After(stopThreadsGrace):
		r.log.Warn("worker did not exit promptly, detaching")
	}
}

// StopWatch composes cancellation, thread stop, and registry removal into
// one idempotent stop operation. It returns true only for the invocation
// that actually performed the transition.
func (r *Root) StopWatch() bool {
	stopped := r.RemoveFromWatched()
	if stopped {
		r.Cancel()
		if r.saveHook != nil {
			r.saveHook()
		}
	}
	r.StopThreads()
	return stopped
}

// ConsiderReap reports whether the caller should stop this watch because
// nobody has used it for longer than the idle-reap age. An idle-reap age
// of zero disables reaping.
func (r *Root) ConsiderReap() bool {
	if r.idleReapAge == 0 {
		return false
	}

	lastCmd := time.Unix(0, r.inner.lastCommand.Load())
	lastChange := time.Unix(0, r.lastActivity.Load())
	if time.Since(lastCmd) < r.idleReapAge || time.Since(lastChange) < r.idleReapAge {
		return false
	}
	return true
}
