package root

import "errors"

// Sentinel errors for the expected failure modes of root operations.
// Structural invariant violations (malformed assertion queues) are
// programming errors and panic instead.
var (
	// ErrStateConflict is returned when a client state is queued for a
	// name whose previous assertion has not fully resolved.
	ErrStateConflict = errors.New("client state is already queued or asserted")

	// ErrAlreadyCancelled reports that somebody else's cancellation got
	// there first. Informational, not a failure.
	ErrAlreadyCancelled = errors.New("root is already cancelled")

	// ErrTimeout is returned when a blocking wait exceeds its deadline.
	ErrTimeout = errors.New("timed out waiting on root")

	// ErrCancelled is returned when a blocking wait resolves because the
	// root was cancelled rather than because its condition was met.
	ErrCancelled = errors.New("root was cancelled")

	// ErrWatchFailed wraps the permanent failure reason of an unusable
	// watch.
	ErrWatchFailed = errors.New("watch is unusable")

	// ErrAlreadyWatched is returned when registering a root for a path
	// that already has one.
	ErrAlreadyWatched = errors.New("root is already being watched")

	// ErrNotWatched is returned when resolving a path nobody watches.
	ErrNotWatched = errors.New("path is not being watched")
)
