package root

import (
	"fmt"
	"sort"
	"sync"

	"watchd/internal/config"
)

// watched is the process-wide registry of active roots. Guarded by its own
// lock; only insert, remove, and enumerate are exposed.
var watched = struct {
	mu    sync.Mutex
	roots map[string]*Root
}{
	roots: make(map[string]*Root),
}

// Register inserts the root into the process-wide registry. Fails with
// ErrAlreadyWatched when the path already has a live root.
func Register(r *Root) error {
	watched.mu.Lock()
	if _, ok := watched.roots[r.Path]; ok {
		watched.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyWatched, r.Path)
	}
	watched.roots[r.Path] = r
	watched.mu.Unlock()

	if r.saveHook != nil {
		r.saveHook()
	}
	return nil
}

// RemoveFromWatched detaches the root from the registry, reporting whether
// this call performed the removal.
func (r *Root) RemoveFromWatched() bool {
	watched.mu.Lock()
	defer watched.mu.Unlock()

	if watched.roots[r.Path] != r {
		return false
	}
	delete(watched.roots, r.Path)
	return true
}

// Resolve finds the live root for a path.
func Resolve(path string) (*Root, bool) {
	watched.mu.Lock()
	defer watched.mu.Unlock()
	r, ok := watched.roots[path]
	return r, ok
}

// All returns the live roots, ordered by path.
func All() []*Root {
	watched.mu.Lock()
	defer watched.mu.Unlock()

	out := make([]*Root, 0, len(watched.roots))
	for _, r := range watched.roots {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// LiveCount returns the number of registered roots.
func LiveCount() int {
	watched.mu.Lock()
	defer watched.mu.Unlock()
	return len(watched.roots)
}

// Watch builds a root over the view, registers it, and starts its worker.
// The usual entry point for establishing a new watch.
func Watch(path, fsType string, caseSensitive bool, cfg *config.Config, vw QueryableView, saveHook func()) (*Root, error) {
	r, err := New(path, fsType, caseSensitive, cfg, vw, saveHook)
	if err != nil {
		return nil, err
	}
	if err := Register(r); err != nil {
		return nil, err
	}
	r.Start()
	r.log.Info("now watching", "fstype", fsType)
	return r, nil
}

// Unwatch stops the watch for a path. Reports ErrNotWatched for unknown
// paths and ErrAlreadyCancelled when another caller's stop got there first.
func Unwatch(path string) error {
	r, ok := Resolve(path)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotWatched, path)
	}
	if !r.StopWatch() {
		return ErrAlreadyCancelled
	}
	return nil
}
