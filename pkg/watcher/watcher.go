// Package watcher is the Change Watcher (C4): an fsnotify-driven
// native watch per collection backed by a periodic full snapshot
// scan, debounced/coalesced into incremental_update jobs. Grounded on
// the teacher's pkg/watcher/service.go (fsnotify event loop, per-path
// debounce, ignored-directory filters) generalized from one base
// directory to N named collections, and on original_source's
// file_change_service.py for the periodic snapshot-diff scan the
// teacher's native watcher alone doesn't cover.
package watcher

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/fsnotify/fsnotify"

	"vaultindex/pkg/logger"
	"vaultindex/pkg/parser"
	"vaultindex/pkg/queue"
)

const defaultScanInterval = 300 * time.Second
const defaultDebounce = 2 * time.Second

type changeKind string

const (
	changeAdded    changeKind = "added"
	changeModified changeKind = "modified"
	changeDeleted  changeKind = "deleted"
)

// fileSnapshot is one tracked file's fingerprint for the periodic scan.
type fileSnapshot struct {
	Hash    string    `json:"hash"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

type snapshotState struct {
	Snapshot map[string]fileSnapshot `json:"snapshot"`
	LastScan time.Time                `json:"last_scan"`
}

type watchedCollection struct {
	name           string
	sourcePath     string
	ignorePatterns []string
	scanInterval   time.Duration
	debounceDelay  time.Duration

	mu      sync.RWMutex
	enabled bool

	pendingMu sync.Mutex
	pending   map[string]changeKind
	flush     func(func())

	snapshotMu sync.Mutex
	snapshot   map[string]fileSnapshot
	lastScan   time.Time

	stop chan struct{}
}

// WatchStatus is the listing shape the control API exposes for
// watcher/list_watches.
type WatchStatus struct {
	Name                string
	SourcePath          string
	Enabled             bool
	LastScan            time.Time
	TrackedFiles         int
	ScanIntervalSeconds int
	DebounceMillis      int
	PendingChanges      int
}

// Watcher owns a single fsnotify.Watcher shared across every
// registered collection; events are routed to their owning collection
// by longest-prefix match on source_path.
type Watcher struct {
	queue   *queue.Queue
	dataDir string

	fsWatcher *fsnotify.Watcher

	mu          sync.RWMutex
	collections map[string]*watchedCollection

	stop chan struct{}
	wg   sync.WaitGroup
}

func New(q *queue.Queue, dataDir string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(dataDir, "watcher"), 0755); err != nil {
		return nil, fmt.Errorf("create watcher state dir: %w", err)
	}
	return &Watcher{
		queue:       q,
		dataDir:     dataDir,
		fsWatcher:   fw,
		collections: map[string]*watchedCollection{},
		stop:        make(chan struct{}),
	}, nil
}

// Start launches the shared fsnotify event loop. Call AddWatch for
// each collection before or after Start.
func (w *Watcher) Start() {
	w.wg.Add(1)
	go w.eventLoop()
}

func (w *Watcher) Stop() {
	close(w.stop)
	w.fsWatcher.Close()
	w.wg.Wait()

	w.mu.Lock()
	for _, c := range w.collections {
		close(c.stop)
	}
	w.mu.Unlock()
}

// AddWatch registers a collection for native + periodic watching,
// restoring its last snapshot from disk if one was persisted.
func (w *Watcher) AddWatch(name, sourcePath string, ignorePatterns []string, scanIntervalSeconds, debounceMillis int, enabled bool) error {
	scanInterval := time.Duration(scanIntervalSeconds) * time.Second
	if scanInterval <= 0 {
		scanInterval = defaultScanInterval
	}
	debounceDelay := time.Duration(debounceMillis) * time.Millisecond
	if debounceDelay <= 0 {
		debounceDelay = defaultDebounce
	}

	col := &watchedCollection{
		name:           name,
		sourcePath:     sourcePath,
		ignorePatterns: ignorePatterns,
		scanInterval:   scanInterval,
		debounceDelay:  debounceDelay,
		enabled:        enabled,
		pending:        map[string]changeKind{},
		snapshot:       map[string]fileSnapshot{},
		stop:           make(chan struct{}),
	}
	col.flush = debounce.New(debounceDelay)

	if state, err := w.loadState(name); err == nil {
		col.snapshot = state.Snapshot
		col.lastScan = state.LastScan
	}

	if err := w.addDirsRecursive(sourcePath); err != nil {
		return fmt.Errorf("watch %s: %w", sourcePath, err)
	}

	w.mu.Lock()
	w.collections[name] = col
	w.mu.Unlock()

	w.wg.Add(1)
	go w.scanLoop(col)
	return nil
}

// RemoveWatch stops watching a collection and drops its persisted
// state.
func (w *Watcher) RemoveWatch(name string) error {
	w.mu.Lock()
	col, ok := w.collections[name]
	if ok {
		delete(w.collections, name)
	}
	w.mu.Unlock()
	if !ok {
		return fmt.Errorf("collection %s is not watched", name)
	}
	close(col.stop)
	return os.Remove(w.statePath(name))
}

func (w *Watcher) setEnabled(name string, enabled bool) error {
	w.mu.RLock()
	col, ok := w.collections[name]
	w.mu.RUnlock()
	if !ok {
		return fmt.Errorf("collection %s is not watched", name)
	}
	col.mu.Lock()
	col.enabled = enabled
	col.mu.Unlock()
	return nil
}

func (w *Watcher) Enable(name string) error  { return w.setEnabled(name, true) }
func (w *Watcher) Disable(name string) error { return w.setEnabled(name, false) }

// ScanNow runs an immediate synchronous full snapshot scan, used by
// the watcher/scan_now control API endpoint.
func (w *Watcher) ScanNow(name string) error {
	w.mu.RLock()
	col, ok := w.collections[name]
	w.mu.RUnlock()
	if !ok {
		return fmt.Errorf("collection %s is not watched", name)
	}
	return w.scanCollection(col)
}

func (w *Watcher) ListWatches() []WatchStatus {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]WatchStatus, 0, len(w.collections))
	for _, c := range w.collections {
		c.mu.RLock()
		enabled := c.enabled
		c.mu.RUnlock()
		c.pendingMu.Lock()
		pending := len(c.pending)
		c.pendingMu.Unlock()
		c.snapshotMu.Lock()
		tracked := len(c.snapshot)
		lastScan := c.lastScan
		c.snapshotMu.Unlock()
		out = append(out, WatchStatus{
			Name:                c.name,
			SourcePath:          c.sourcePath,
			Enabled:             enabled,
			LastScan:            lastScan,
			TrackedFiles:        tracked,
			ScanIntervalSeconds: int(c.scanInterval / time.Second),
			DebounceMillis:      int(c.debounceDelay / time.Millisecond),
			PendingChanges:      pending,
		})
	}
	return out
}

func (w *Watcher) addDirsRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.fsWatcher.Add(path)
		}
		return nil
	})
}

func (w *Watcher) eventLoop() {
	defer w.wg.Done()
	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			logger.Error("watcher: fsnotify error: %v", err)
		case <-w.stop:
			return
		}
	}
}

func (w *Watcher) collectionFor(path string) *watchedCollection {
	w.mu.RLock()
	defer w.mu.RUnlock()
	var best *watchedCollection
	for _, c := range w.collections {
		if strings.HasPrefix(path, c.sourcePath) {
			if best == nil || len(c.sourcePath) > len(best.sourcePath) {
				best = c
			}
		}
	}
	return best
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	col := w.collectionFor(event.Name)
	if col == nil {
		return
	}
	col.mu.RLock()
	enabled := col.enabled
	col.mu.RUnlock()
	if !enabled {
		return
	}

	if event.Op&fsnotify.Create == fsnotify.Create {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			_ = w.fsWatcher.Add(event.Name)
			return
		}
	}

	if !parser.IsSupported(event.Name) {
		return
	}
	relPath, err := filepath.Rel(col.sourcePath, event.Name)
	if err != nil {
		return
	}
	if matchesIgnore(relPath, col.ignorePatterns) {
		return
	}

	kind := classify(event.Op)
	col.pendingMu.Lock()
	col.pending[relPath] = kind
	col.pendingMu.Unlock()

	col.flush(func() { w.flushCollection(col) })
}

func classify(op fsnotify.Op) changeKind {
	switch {
	case op&fsnotify.Remove == fsnotify.Remove, op&fsnotify.Rename == fsnotify.Rename:
		return changeDeleted
	case op&fsnotify.Create == fsnotify.Create:
		return changeAdded
	default:
		return changeModified
	}
}

// flushCollection drains a collection's coalesced pending changes into
// a single EnqueueIncremental call. The queue itself resolves whether
// this becomes a new job, a merge into a queued one, or a buffered
// changeset behind a running job (see queue.EnqueueIncremental).
func (w *Watcher) flushCollection(col *watchedCollection) {
	col.pendingMu.Lock()
	pending := col.pending
	col.pending = map[string]changeKind{}
	col.pendingMu.Unlock()

	if len(pending) == 0 {
		return
	}

	var added, modified, deleted []string
	for path, kind := range pending {
		switch kind {
		case changeAdded:
			added = append(added, path)
		case changeDeleted:
			deleted = append(deleted, path)
		default:
			modified = append(modified, path)
		}
	}

	if _, err := w.queue.EnqueueIncremental(col.name, added, modified, deleted); err != nil {
		logger.WarnWithFields(nil, map[string]interface{}{
			"collection": col.name, "error": err.Error(),
		}, "failed to enqueue incremental update from watcher")
	}
}

func (w *Watcher) scanLoop(col *watchedCollection) {
	defer w.wg.Done()
	ticker := time.NewTicker(col.scanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			col.mu.RLock()
			enabled := col.enabled
			col.mu.RUnlock()
			if enabled {
				if err := w.scanCollection(col); err != nil {
					logger.WarnWithFields(nil, map[string]interface{}{
						"collection": col.name, "error": err.Error(),
					}, "periodic scan failed")
				}
			}
		case <-col.stop:
			return
		case <-w.stop:
			return
		}
	}
}

// scanCollection walks the full tree, diffs against the last known
// snapshot by size+modtime (falling back to a content hash when
// either differs), and enqueues any drift as an incremental_update --
// the safety net for changes fsnotify missed (editor atomic-rename
// saves, the process being down, network filesystems).
func (w *Watcher) scanCollection(col *watchedCollection) error {
	current := map[string]fileSnapshot{}
	err := filepath.WalkDir(col.sourcePath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(col.sourcePath, path)
		if relErr != nil || rel == "." {
			return nil
		}
		if d.IsDir() {
			if matchesIgnore(d.Name(), col.ignorePatterns) {
				return filepath.SkipDir
			}
			return nil
		}
		if !parser.IsSupported(path) || matchesIgnore(rel, col.ignorePatterns) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		snap := fileSnapshot{Size: info.Size(), ModTime: info.ModTime()}
		if prev, ok := col.snapshot[rel]; !ok || prev.Size != snap.Size || !prev.ModTime.Equal(snap.ModTime) {
			if data, rerr := os.ReadFile(path); rerr == nil {
				sum := sha256.Sum256(data)
				snap.Hash = hex.EncodeToString(sum[:])
			}
		} else {
			snap.Hash = prev.Hash
		}
		current[rel] = snap
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan %s: %w", col.sourcePath, err)
	}

	var added, modified, deleted []string
	for rel, snap := range current {
		if prev, ok := col.snapshot[rel]; !ok {
			added = append(added, rel)
		} else if prev.Hash != snap.Hash {
			modified = append(modified, rel)
		}
	}
	for rel := range col.snapshot {
		if _, ok := current[rel]; !ok {
			deleted = append(deleted, rel)
		}
	}

	col.snapshotMu.Lock()
	col.snapshot = current
	col.lastScan = time.Now()
	col.snapshotMu.Unlock()
	if err := w.persistState(col); err != nil {
		logger.WarnWithFields(nil, map[string]interface{}{
			"collection": col.name, "error": err.Error(),
		}, "failed to persist watcher state")
	}

	if len(added)+len(modified)+len(deleted) == 0 {
		return nil
	}
	_, err = w.queue.EnqueueIncremental(col.name, added, modified, deleted)
	return err
}

func (w *Watcher) statePath(name string) string {
	return filepath.Join(w.dataDir, "watcher", name+".json")
}

func (w *Watcher) persistState(col *watchedCollection) error {
	col.snapshotMu.Lock()
	state := snapshotState{Snapshot: col.snapshot, LastScan: col.lastScan}
	col.snapshotMu.Unlock()

	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return os.WriteFile(w.statePath(col.name), data, 0644)
}

func (w *Watcher) loadState(name string) (snapshotState, error) {
	data, err := os.ReadFile(w.statePath(name))
	if err != nil {
		return snapshotState{}, err
	}
	var state snapshotState
	if err := json.Unmarshal(data, &state); err != nil {
		return snapshotState{}, err
	}
	return state, nil
}

func matchesIgnore(name string, patterns []string) bool {
	for _, pat := range patterns {
		if pat == "" {
			continue
		}
		if name == pat || strings.Contains(name, pat) {
			return true
		}
	}
	return false
}
