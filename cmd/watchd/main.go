// watchd watches directory trees and answers consistency queries about them.
//
//	watchd daemon [dir ...]   Run the watch daemon in the foreground
//	watchd watch <dir>        Add a directory to the saved watch list
//	watchd unwatch <dir>      Remove a directory from the saved watch list
//	watchd list               Print the saved watch list
//	watchd status             Show daemon status and watched roots
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"watchd/internal/config"
	"watchd/internal/logging"
	"watchd/internal/root"
	"watchd/internal/state"
	"watchd/internal/view"
)

var (
	statePath = flag.String("state", "", "path to the state database (default: platform data dir)")
	logLevel  = flag.String("log-level", "info", "log level: debug, info, warn, error")
	logOutput = flag.String("log-output", "stderr", "log output: stdout, stderr, file, both")
)

func main() {
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	cmd := flag.Arg(0)

	switch cmd {
	case "daemon":
		cmdDaemon(flag.Args()[1:])
	case "watch":
		if flag.NArg() < 2 {
			fmt.Fprintln(os.Stderr, "Usage: watchd watch <dir>")
			os.Exit(1)
		}
		cmdWatch(flag.Arg(1))
	case "unwatch":
		if flag.NArg() < 2 {
			fmt.Fprintln(os.Stderr, "Usage: watchd unwatch <dir>")
			os.Exit(1)
		}
		cmdUnwatch(flag.Arg(1))
	case "list":
		cmdList()
	case "status":
		cmdStatus()
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `watchd - directory watching daemon

Usage: watchd [options] <command> [args]

Commands:
  daemon [dir ...]  Run the daemon in the foreground, restoring saved
                    watches and additionally watching the given directories
  watch <dir>       Add a directory to the saved watch list
  unwatch <dir>     Remove a directory from the saved watch list
  list              Print the saved watch list
  status            Show daemon status and watched roots
  help              Show this help message

Options:
  -state <path>       Path to the state database
  -log-level <level>  debug, info, warn, error (default: info)
  -log-output <dst>   stdout, stderr, file, both (default: stderr)`)
}

func stateDBPath() string {
	if *statePath != "" {
		return *statePath
	}
	return filepath.Join(config.PlatformDataDir(), "state.db")
}

func pidFilePath() string {
	return filepath.Join(config.PlatformDataDir(), "watchd.pid")
}

func setupLogging() {
	level, err := logging.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid log level: %v\n", err)
		os.Exit(1)
	}
	cfg := logging.DefaultConfig()
	cfg.Level = level
	cfg.Output = *logOutput
	l, err := logging.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logging: %v\n", err)
		os.Exit(1)
	}
	logging.SetDefault(l)
}

func openStore() *state.Store {
	store, err := state.Open(stateDBPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening state database: %v\n", err)
		os.Exit(1)
	}
	return store
}

func cmdDaemon(extra []string) {
	setupLogging()
	log := logging.Default().WithComponent("daemon")

	store := openStore()
	defer store.Close()

	saved, err := store.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading watch list: %v\n", err)
		os.Exit(1)
	}

	// Saved watches first, then any extra directories from the command
	// line. Duplicates resolve to the already-registered root.
	paths := make([]string, 0, len(saved)+len(extra))
	for _, w := range saved {
		paths = append(paths, w.Path)
	}
	paths = append(paths, extra...)

	saveHook := func() {
		roots := root.All()
		list := make([]state.WatchedRoot, 0, len(roots))
		for _, r := range roots {
			list = append(list, state.WatchedRoot{
				Path:      r.Path,
				FSType:    r.FSType,
				WatchedAt: time.Now(),
			})
		}
		if err := store.Save(list); err != nil {
			log.Error("saving watch list failed", "error", err)
		}
	}

	started := 0
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			log.Error("resolving watch path failed", "path", p, "error", err)
			continue
		}
		if _, ok := root.Resolve(abs); ok {
			continue
		}
		if err := establishWatch(abs, saveHook); err != nil {
			log.Error("establishing watch failed", "path", abs, "error", err)
			continue
		}
		started++
	}
	if started == 0 && len(paths) > 0 {
		fmt.Fprintln(os.Stderr, "No watches could be established")
		os.Exit(1)
	}
	log.Info("daemon running", "watches", root.LiveCount(), "state", stateDBPath())

	writePIDFile()
	defer os.Remove(pidFilePath())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	log.Info("shutting down", "signal", sig.String())

	for _, r := range root.All() {
		r.StopWatch()
	}
}

func establishWatch(path string, saveHook func()) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", path)
	}

	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	vw, err := view.New(path)
	if err != nil {
		return err
	}

	_, err = root.Watch(path, probeFSType(path), probeCaseSensitive(path), cfg, vw, saveHook)
	if err != nil {
		vw.Close()
		return err
	}
	return nil
}

func cmdWatch(dir string) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error resolving path: %v\n", err)
		os.Exit(1)
	}
	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		fmt.Fprintf(os.Stderr, "Not a watchable directory: %s\n", abs)
		os.Exit(1)
	}

	store := openStore()
	defer store.Close()

	roots, err := store.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading watch list: %v\n", err)
		os.Exit(1)
	}
	for _, w := range roots {
		if w.Path == abs {
			fmt.Printf("Already watching: %s\n", abs)
			return
		}
	}
	roots = append(roots, state.WatchedRoot{
		Path:      abs,
		FSType:    probeFSType(abs),
		WatchedAt: time.Now(),
	})
	if err := store.Save(roots); err != nil {
		fmt.Fprintf(os.Stderr, "Error saving watch list: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Added to watch list: %s\n", abs)
	fmt.Println("The daemon picks this up on its next start.")
}

func cmdUnwatch(dir string) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error resolving path: %v\n", err)
		os.Exit(1)
	}

	store := openStore()
	defer store.Close()

	roots, err := store.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading watch list: %v\n", err)
		os.Exit(1)
	}
	kept := roots[:0]
	for _, w := range roots {
		if w.Path != abs {
			kept = append(kept, w)
		}
	}
	if len(kept) == len(roots) {
		fmt.Fprintf(os.Stderr, "Not in watch list: %s\n", abs)
		os.Exit(1)
	}
	if err := store.Save(kept); err != nil {
		fmt.Fprintf(os.Stderr, "Error saving watch list: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Removed from watch list: %s\n", abs)
}

func cmdList() {
	store := openStore()
	defer store.Close()

	roots, err := store.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading watch list: %v\n", err)
		os.Exit(1)
	}
	if len(roots) == 0 {
		fmt.Println("Watch list is empty.")
		return
	}
	sort.Slice(roots, func(i, j int) bool { return roots[i].Path < roots[j].Path })
	for _, w := range roots {
		fmt.Printf("%s  (%s, since %s)\n", w.Path, w.FSType, w.WatchedAt.Format(time.RFC3339))
	}
}

func cmdStatus() {
	fmt.Println("=== watchd Status ===")
	fmt.Println()

	pidData, err := os.ReadFile(pidFilePath())
	if err != nil {
		fmt.Println("Daemon Status: NOT RUNNING")
	} else {
		pid, _ := strconv.Atoi(strings.TrimSpace(string(pidData)))
		if processExists(pid) {
			fmt.Printf("Daemon Status: RUNNING (PID %d)\n", pid)
		} else {
			fmt.Printf("Daemon Status: STALE PID FILE (PID %d not found)\n", pid)
		}
	}
	fmt.Println()

	store := openStore()
	defer store.Close()

	roots, err := store.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading watch list: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Watched Roots:")
	if len(roots) == 0 {
		fmt.Println("  (none)")
		return
	}
	for _, w := range roots {
		fmt.Printf("  - %s (%s)\n", w.Path, w.FSType)
	}

	// When called inside the daemon process (tests, embedding), live root
	// diagnostics are available too.
	if statuses := root.StatusForAllRoots(); len(statuses) > 0 {
		fmt.Println()
		fmt.Println("Live Roots:")
		data, _ := json.MarshalIndent(statuses, "  ", "  ")
		fmt.Printf("  %s\n", data)
	}
}

// Helper functions

func writePIDFile() {
	path := pidFilePath()
	os.MkdirAll(filepath.Dir(path), 0755)
	os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0644)
}

func processExists(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On Unix, FindProcess always succeeds. Send signal 0 to check if process exists.
	err = process.Signal(syscall.Signal(0))
	return err == nil
}

// probeFSType reports the filesystem type hosting path. On Linux it scans
// the mount table for the longest mount-point prefix; elsewhere the type is
// not cheaply discoverable and is reported as unknown.
func probeFSType(path string) string {
	if runtime.GOOS != "linux" {
		return "unknown"
	}
	f, err := os.Open("/proc/self/mounts")
	if err != nil {
		return "unknown"
	}
	defer f.Close()

	best := ""
	fsType := "unknown"
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 3 {
			continue
		}
		mount, typ := fields[1], fields[2]
		if mount == "/" || strings.HasPrefix(path, mount+"/") || path == mount {
			if len(mount) > len(best) {
				best = mount
				fsType = typ
			}
		}
	}
	return fsType
}

// probeCaseSensitive checks whether the filesystem at dir distinguishes
// case, by creating a probe file and looking for it under a case-flipped
// name.
func probeCaseSensitive(dir string) bool {
	f, err := os.CreateTemp(dir, ".watchd-case-probe-*a")
	if err != nil {
		return runtime.GOOS != "darwin" && runtime.GOOS != "windows"
	}
	name := f.Name()
	f.Close()
	defer os.Remove(name)

	flipped := filepath.Join(dir, strings.ToUpper(filepath.Base(name)))
	_, err = os.Stat(flipped)
	return os.IsNotExist(err)
}
