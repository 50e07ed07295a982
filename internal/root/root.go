// Package root implements the per-directory control object of watchd.
//
// A Root tracks one watched directory tree. It coordinates an unbounded
// number of client-facing goroutines with the single worker goroutine that
// owns crawling, and it manages the root's whole lifecycle from
// construction to cancellation.
//
// Shared state is partitioned three ways and the partition is load-bearing:
// single-word flags and counters (cancellation, initial-crawl-done, the
// state-transition counter, the last-command timestamp) are atomics;
// composite structures (triggers, cursors, client state assertions, the
// query set, recrawl bookkeeping) each have their own lock; everything else
// is immutable after construction. Never hold the assertion-registry lock
// while taking another lock.
package root

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"watchd/internal/config"
	"watchd/internal/cookie"
	"watchd/internal/ignore"
	"watchd/internal/logging"
	"watchd/internal/pubsub"
	"watchd/internal/trigger"
	"watchd/internal/view"
)

// QueryableView is the crawling/event backend a Root is constructed with.
// The root holds one shared reference for its lifetime and never closes
// over its internals.
type QueryableView interface {
	FullCrawl(ctx context.Context, ign *ignore.Set) error
	Changes() <-chan view.Change
	Overflowed() bool
	ClearOverflow()
	AgeOut(minAge time.Duration) int
	EntryCount() int
	Close() error
}

// RootConfig is the immutable identity of a watched root. Fixed at
// construction; safe to read from any goroutine without synchronization.
type RootConfig struct {
	// Path is the absolute path of the watched directory.
	Path string
	// FSType names the filesystem the root lives on, as reported by the
	// platform probe.
	FSType string
	// CaseSensitive reports whether the filesystem distinguishes case.
	CaseSensitive bool
	// Ignore is the computed ignore set for this root.
	Ignore *ignore.Set
}

// RecrawlInfo is the mutable recrawl bookkeeping, guarded as a single unit.
type RecrawlInfo struct {
	mu sync.Mutex
	// count is how many times this root has been recrawled.
	count uint64
	// shouldRecrawl is set when incremental event delivery can no longer
	// be trusted. The first crawl is itself a scheduled recrawl.
	shouldRecrawl bool
	// warning is the most recent ad-hoc warning message.
	warning     string
	crawlStart  time.Time
	crawlFinish time.Time
}

// inner is the worker-owned state block. Per-field sharing rules are
// documented on each field.
type inner struct {
	// doneInitial flips false to true exactly once, after the first full
	// crawl completes. Atomic because client goroutines read it for
	// diagnostics and waits.
	doneInitial atomic.Bool

	// cancelled flips false to true exactly once, in Cancel. Never reset.
	cancelled atomic.Bool

	// cursors maps cursor name to the last observed tick, monotonically
	// non-decreasing per key.
	cursorMu sync.Mutex
	cursors  map[string]uint64

	// lastCommand is the unix-nano timestamp of the most recent client
	// command, written by client goroutines and read by the worker for
	// idle-reap decisions.
	lastCommand atomic.Int64

	// lastReap is only touched on the worker goroutine.
	lastReap time.Time
}

// QueryHandle identifies one in-flight query against a root, for
// diagnostics only. The root does not own the query.
type QueryHandle struct {
	Name    string
	Started time.Time
}

// Root is the control object for one watched directory tree.
//
// Lifetime: every client call site, the watched-root registry, and the
// worker goroutine hold strong references. The worker is detached and never
// joined; it exits cooperatively when it observes cancellation, and the
// Root cannot be collected while it runs.
type Root struct {
	RootConfig

	cfg *config.Config

	// Timing policy, fixed at construction.
	settlePeriod time.Duration
	gcInterval   time.Duration
	gcAge        time.Duration
	idleReapAge  time.Duration

	// triggers maps trigger name to definition. Mutation serialized.
	triggerMu sync.Mutex
	triggers  map[string]*trigger.Def

	cookies    *cookie.Sync
	unilateral *pubsub.Publisher

	recrawlInfo RecrawlInfo

	// failureReason is set at most once; a non-empty value marks the
	// watch permanently unusable.
	failureMu     sync.Mutex
	failureReason string

	// stateTransCount advances on every externally observable state
	// transition, letting callers detect concurrent changes between two
	// observations.
	stateTransCount atomic.Uint32

	assertedStates *ClientStateAssertions

	inner inner

	// queries references all outstanding query handles, diagnostics only.
	queryMu sync.Mutex
	queries map[*QueryHandle]struct{}

	vw QueryableView

	// saveHook, when non-nil, is invoked after registry changes so the
	// process can persist its watch list.
	saveHook func()

	// lastActivity is the unix-nano timestamp of the most recent
	// filesystem activity, maintained by the worker for settle waits.
	lastActivity atomic.Int64

	// cancelCh closes when Cancel succeeds; every blocking wait selects
	// on it.
	cancelCh chan struct{}
	// workerDone closes when the worker goroutine exits.
	workerDone chan struct{}
	// ctx mirrors cancelCh for callees that take a context; Cancel
	// cancels both.
	ctx       context.Context
	ctxCancel context.CancelFunc

	startOnce sync.Once
	started   atomic.Bool
	log       *slog.Logger
}

// New constructs a Root over an already-built view. The worker goroutine
// does not start until Start is called.
func New(path, fsType string, caseSensitive bool, cfg *config.Config, vw QueryableView, saveHook func()) (*Root, error) {
	ign, err := ignore.Compute(path, cfg)
	if err != nil {
		return nil, err
	}

	r := &Root{
		RootConfig: RootConfig{
			Path:          path,
			FSType:        fsType,
			CaseSensitive: caseSensitive,
			Ignore:        ign,
		},
		cfg:          cfg,
		settlePeriod: cfg.Settle(),
		gcInterval:   cfg.GCInterval(),
		gcAge:        cfg.GCAge(),
		idleReapAge:  cfg.IdleReapAge(),
		triggers:     make(map[string]*trigger.Def),
		cookies:      cookie.New(path),
		unilateral:   pubsub.NewPublisher(),
		queries:      make(map[*QueryHandle]struct{}),
		vw:           vw,
		saveHook:     saveHook,
		cancelCh:     make(chan struct{}),
		workerDone:   make(chan struct{}),
		log: logging.Default().WithComponent("root").
			With(slog.String("root", path)),
	}
	r.inner.cursors = make(map[string]uint64)
	r.assertedStates = newClientStateAssertions(r)
	r.ctx, r.ctxCancel = context.WithCancel(context.Background())

	// The first crawl is a scheduled recrawl with no warning attached.
	r.recrawlInfo.shouldRecrawl = true
	r.lastActivity.Store(time.Now().UnixNano())
	r.inner.lastCommand.Store(time.Now().UnixNano())
	return r, nil
}

// Start launches the worker goroutine. Idempotent.
func (r *Root) Start() {
	r.startOnce.Do(func() {
		r.started.Store(true)
		go r.run()
	})
}

// View returns the view this root was constructed with.
func (r *Root) View() QueryableView {
	return r.vw
}

// Unilateral returns the root's broadcast channel for push notifications.
func (r *Root) Unilateral() *pubsub.Publisher {
	return r.unilateral
}

// Assertions returns the client-state assertion registry.
func (r *Root) Assertions() *ClientStateAssertions {
	return r.assertedStates
}

// Config returns the root's parsed configuration.
func (r *Root) Config() *config.Config {
	return r.cfg
}

// StateTransCount returns the current state-transition counter. Two equal
// observations bracket a window with no externally visible transitions.
func (r *Root) StateTransCount() uint32 {
	return r.stateTransCount.Load()
}

func (r *Root) bumpStateTransition() {
	r.stateTransCount.Add(1)
}

// NoteCommand records client activity for idle-reap accounting. Every
// client-facing operation calls it.
func (r *Root) NoteCommand() {
	r.inner.lastCommand.Store(time.Now().UnixNano())
}

// DefineTrigger registers or replaces a trigger definition.
func (r *Root) DefineTrigger(def *trigger.Def) {
	r.NoteCommand()
	r.triggerMu.Lock()
	r.triggers[def.Name] = def
	r.triggerMu.Unlock()
	r.bumpStateTransition()
}

// Trigger looks up a trigger definition by name.
func (r *Root) Trigger(name string) (*trigger.Def, bool) {
	r.triggerMu.Lock()
	defer r.triggerMu.Unlock()
	d, ok := r.triggers[name]
	return d, ok
}

// DeleteTrigger removes a trigger definition, reporting whether it existed.
func (r *Root) DeleteTrigger(name string) bool {
	r.NoteCommand()
	r.triggerMu.Lock()
	defer r.triggerMu.Unlock()
	if _, ok := r.triggers[name]; !ok {
		return false
	}
	delete(r.triggers, name)
	r.bumpStateTransition()
	return true
}

// TriggerList serializes every trigger definition to its structured
// diagnostic form.
func (r *Root) TriggerList() []map[string]any {
	r.triggerMu.Lock()
	defer r.triggerMu.Unlock()

	out := make([]map[string]any, 0, len(r.triggers))
	for _, d := range r.triggers {
		out = append(out, d.Diagnostic())
	}
	return out
}

// CursorTick returns the last observed tick for a named cursor.
func (r *Root) CursorTick(name string) (uint64, bool) {
	r.inner.cursorMu.Lock()
	defer r.inner.cursorMu.Unlock()
	t, ok := r.inner.cursors[name]
	return t, ok
}

// AdvanceCursor raises a cursor to tick and returns the stored value.
// Ticks are monotonically non-decreasing per cursor; attempts to move one
// backwards keep the stored value.
func (r *Root) AdvanceCursor(name string, tick uint64) uint64 {
	r.NoteCommand()
	r.inner.cursorMu.Lock()
	defer r.inner.cursorMu.Unlock()

	if cur, ok := r.inner.cursors[name]; ok && cur >= tick {
		return cur
	}
	r.inner.cursors[name] = tick
	return tick
}

// DeleteCursor forgets a named cursor, reporting whether it existed.
func (r *Root) DeleteCursor(name string) bool {
	r.NoteCommand()
	r.inner.cursorMu.Lock()
	defer r.inner.cursorMu.Unlock()
	if _, ok := r.inner.cursors[name]; !ok {
		return false
	}
	delete(r.inner.cursors, name)
	return true
}

// RegisterQuery adds an in-flight query handle for diagnostics.
func (r *Root) RegisterQuery(h *QueryHandle) {
	r.NoteCommand()
	r.queryMu.Lock()
	r.queries[h] = struct{}{}
	r.queryMu.Unlock()
}

// UnregisterQuery removes a query handle.
func (r *Root) UnregisterQuery(h *QueryHandle) {
	r.queryMu.Lock()
	delete(r.queries, h)
	r.queryMu.Unlock()
}

// DoneInitial reports whether the first full crawl has completed.
func (r *Root) DoneInitial() bool {
	return r.inner.doneInitial.Load()
}
