// Package view implements the queryable view backing a watched root: a
// recursive fsnotify watch plus an entry table with deletion tombstones.
//
// The view produces the raw change stream; consistency policy (settling,
// recrawls, cookies) lives with the root that owns the view.
package view

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"watchd/internal/ignore"
	"watchd/internal/logging"
)

// Change is one observed filesystem change.
type Change struct {
	Path    string
	Deleted bool
	When    time.Time
}

// entry is the view's record of one path under the root.
type entry struct {
	exists    bool
	isDir     bool
	mtime     time.Time
	size      int64
	deletedAt time.Time
}

// View watches one directory tree.
type View struct {
	root string
	fw   *fsnotify.Watcher
	log  *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	ign     *ignore.Set

	changes    chan Change
	overflowed atomic.Bool

	closeOnce sync.Once
	wg        sync.WaitGroup
}

const changeBuffer = 1024

// New creates a view over rootPath. The view is inert until FullCrawl runs.
func New(rootPath string) (*View, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	v := &View{
		root:    rootPath,
		fw:      fw,
		log:     logging.Default().WithComponent("view").With(slog.String("root", rootPath)),
		entries: make(map[string]*entry),
		changes: make(chan Change, changeBuffer),
	}

	v.wg.Add(1)
	go v.run()
	return v, nil
}

// Root returns the watched root path.
func (v *View) Root() string {
	return v.root
}

// Changes delivers observed changes. The channel is closed when the view
// is closed.
func (v *View) Changes() <-chan Change {
	return v.changes
}

// Overflowed reports whether changes were dropped since the last call to
// ClearOverflow. A consumer seeing this should schedule a recrawl.
func (v *View) Overflowed() bool {
	return v.overflowed.Load()
}

// ClearOverflow resets the overflow indicator.
func (v *View) ClearOverflow() {
	v.overflowed.Store(false)
}

// EntryCount returns the number of live (non-tombstoned) entries.
func (v *View) EntryCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()

	n := 0
	for _, e := range v.entries {
		if e.exists {
			n++
		}
	}
	return n
}

// FullCrawl walks the tree, establishing watches and refreshing the entry
// table. Entries that have vanished since the previous crawl become
// tombstones. Safe to call again for a recrawl.
func (v *View) FullCrawl(ctx context.Context, ign *ignore.Set) error {
	v.mu.Lock()
	v.ign = ign
	seen := make(map[string]struct{}, len(v.entries))
	v.mu.Unlock()

	err := filepath.WalkDir(v.root, func(path string, d fs.DirEntry, err error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			// A path that disappeared mid-crawl is handled below as a
			// tombstone; anything else is worth a warning, not a failure.
			if !os.IsNotExist(err) {
				v.log.Warn("crawl error", "path", path, "error", err)
			}
			return nil
		}
		rel, rerr := filepath.Rel(v.root, path)
		if rerr != nil {
			return nil
		}
		if ign != nil && ign.Ignored(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if werr := v.fw.Add(path); werr != nil {
				v.log.Warn("cannot watch directory", "path", path, "error", werr)
			}
		}
		info, ierr := d.Info()
		if ierr != nil {
			return nil
		}
		seen[path] = struct{}{}
		v.record(path, info.IsDir(), info.ModTime(), info.Size())
		return nil
	})
	if err != nil {
		return err
	}

	// Anything not seen by this crawl is gone.
	now := time.Now()
	v.mu.Lock()
	for path, e := range v.entries {
		if !e.exists {
			continue
		}
		if _, ok := seen[path]; !ok {
			e.exists = false
			e.deletedAt = now
			v.emitLocked(Change{Path: path, Deleted: true, When: now})
		}
	}
	v.mu.Unlock()
	return nil
}

// AgeOut purges tombstones whose deletion age exceeds minAge and returns
// the number purged.
func (v *View) AgeOut(minAge time.Duration) int {
	cutoff := time.Now().Add(-minAge)

	v.mu.Lock()
	defer v.mu.Unlock()

	n := 0
	for path, e := range v.entries {
		if !e.exists && e.deletedAt.Before(cutoff) {
			delete(v.entries, path)
			n++
		}
	}
	return n
}

// Close stops the watch and closes the change stream. Idempotent.
func (v *View) Close() error {
	var err error
	v.closeOnce.Do(func() {
		err = v.fw.Close()
		v.wg.Wait()
		close(v.changes)
	})
	return err
}

// record upserts an entry without emitting a change.
func (v *View) record(path string, isDir bool, mtime time.Time, size int64) {
	v.mu.Lock()
	defer v.mu.Unlock()

	e, ok := v.entries[path]
	if !ok {
		e = &entry{}
		v.entries[path] = e
	}
	e.exists = true
	e.isDir = isDir
	e.mtime = mtime
	e.size = size
	e.deletedAt = time.Time{}
}

// run translates fsnotify events into changes until the watcher closes.
func (v *View) run() {
	defer v.wg.Done()

	for {
		select {
		case ev, ok := <-v.fw.Events:
			if !ok {
				return
			}
			v.handleEvent(ev)
		case err, ok := <-v.fw.Errors:
			if !ok {
				return
			}
			// Errors from the kernel queue mean we may have missed
			// events; force the consumer to recrawl.
			v.log.Warn("watcher error", "error", err)
			v.overflowed.Store(true)
		}
	}
}

func (v *View) handleEvent(ev fsnotify.Event) {
	rel, err := filepath.Rel(v.root, ev.Name)
	if err != nil {
		return
	}

	v.mu.Lock()
	ign := v.ign
	v.mu.Unlock()
	if ign != nil && ign.Ignored(rel) {
		return
	}

	now := time.Now()

	switch {
	case ev.Op.Has(fsnotify.Remove) || ev.Op.Has(fsnotify.Rename):
		v.markDeleted(ev.Name, now)

	case ev.Op.Has(fsnotify.Create):
		info, serr := os.Stat(ev.Name)
		if serr != nil {
			// Created and removed before we could look; report it as a
			// deletion so consumers see the churn.
			v.markDeleted(ev.Name, now)
			return
		}
		if info.IsDir() {
			if werr := v.fw.Add(ev.Name); werr != nil {
				v.log.Warn("cannot watch directory", "path", ev.Name, "error", werr)
			}
			// Files may have landed in the new directory before the
			// watch was in place.
			v.scanNewDir(ev.Name, now)
		}
		v.record(ev.Name, info.IsDir(), info.ModTime(), info.Size())
		v.emit(Change{Path: ev.Name, When: now})

	case ev.Op.Has(fsnotify.Write) || ev.Op.Has(fsnotify.Chmod):
		info, serr := os.Stat(ev.Name)
		if serr != nil {
			v.markDeleted(ev.Name, now)
			return
		}
		v.record(ev.Name, info.IsDir(), info.ModTime(), info.Size())
		v.emit(Change{Path: ev.Name, When: now})
	}
}

// markDeleted tombstones a path and everything recorded beneath it.
func (v *View) markDeleted(path string, now time.Time) {
	prefix := path + string(os.PathSeparator)

	v.mu.Lock()
	defer v.mu.Unlock()

	for p, e := range v.entries {
		if !e.exists {
			continue
		}
		if p == path || strings.HasPrefix(p, prefix) {
			e.exists = false
			e.deletedAt = now
			v.emitLocked(Change{Path: p, Deleted: true, When: now})
		}
	}
}

// scanNewDir records the contents of a directory created after the initial
// crawl.
func (v *View) scanNewDir(dir string, now time.Time) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, de := range entries {
		path := filepath.Join(dir, de.Name())
		rel, rerr := filepath.Rel(v.root, path)
		if rerr != nil {
			continue
		}
		v.mu.Lock()
		ign := v.ign
		v.mu.Unlock()
		if ign != nil && ign.Ignored(rel) {
			continue
		}
		info, ierr := de.Info()
		if ierr != nil {
			continue
		}
		if info.IsDir() {
			if werr := v.fw.Add(path); werr != nil {
				v.log.Warn("cannot watch directory", "path", path, "error", werr)
			}
			v.scanNewDir(path, now)
		}
		v.record(path, info.IsDir(), info.ModTime(), info.Size())
		v.emit(Change{Path: path, When: now})
	}
}

func (v *View) emit(c Change) {
	select {
	case v.changes <- c:
	default:
		v.overflowed.Store(true)
	}
}

// emitLocked is emit for callers already holding v.mu. The channel send
// itself does not need the lock; the name records the calling convention.
func (v *View) emitLocked(c Change) {
	select {
	case v.changes <- c:
	default:
		v.overflowed.Store(true)
	}
}
