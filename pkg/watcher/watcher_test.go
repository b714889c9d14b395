package watcher

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"vaultindex/pkg/queue"
)

func openTestQueue(t *testing.T) *queue.Queue {
	t.Helper()
	dir := t.TempDir()
	q, err := queue.Open(filepath.Join(dir, "jobs.db"), 2)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	return q
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestAddWatch_DetectsNewFileViaFSNotify(t *testing.T) {
	q := openTestQueue(t)
	root := t.TempDir()
	vaultPath := filepath.Join(root, "vault_a")
	if err := os.MkdirAll(vaultPath, 0755); err != nil {
		t.Fatal(err)
	}

	w, err := New(q, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := w.AddWatch("vault_a", vaultPath, nil, 3600, 50, true); err != nil {
		t.Fatal(err)
	}
	w.Start()
	defer w.Stop()

	if err := os.WriteFile(filepath.Join(vaultPath, "note.md"), []byte("# Hi\n\nbody"), 0644); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, func() bool {
		active, ok := q.ActiveForCollection("vault_a")
		return ok && active == queue.KindIncremental
	})
}

func TestDisable_SuppressesFSEvents(t *testing.T) {
	q := openTestQueue(t)
	root := t.TempDir()
	vaultPath := filepath.Join(root, "vault_a")
	if err := os.MkdirAll(vaultPath, 0755); err != nil {
		t.Fatal(err)
	}

	w, err := New(q, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := w.AddWatch("vault_a", vaultPath, nil, 3600, 50, true); err != nil {
		t.Fatal(err)
	}
	if err := w.Disable("vault_a"); err != nil {
		t.Fatal(err)
	}
	w.Start()
	defer w.Stop()

	if err := os.WriteFile(filepath.Join(vaultPath, "note.md"), []byte("# Hi\n\nbody"), 0644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(300 * time.Millisecond)
	if _, ok := q.ActiveForCollection("vault_a"); ok {
		t.Fatal("expected no job enqueued while disabled")
	}
}

func TestScanNow_DetectsDriftMissedByFSNotify(t *testing.T) {
	q := openTestQueue(t)
	root := t.TempDir()
	vaultPath := filepath.Join(root, "vault_a")
	if err := os.MkdirAll(vaultPath, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(vaultPath, "note.md"), []byte("# Hi\n\nbody"), 0644); err != nil {
		t.Fatal(err)
	}

	w, err := New(q, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	// long scan interval: AddWatch's initial state has no snapshot, so
	// the first ScanNow call should detect note.md as "added" and
	// enqueue without relying on fsnotify at all.
	if err := w.AddWatch("vault_a", vaultPath, nil, 3600, 50, true); err != nil {
		t.Fatal(err)
	}

	if err := w.ScanNow("vault_a"); err != nil {
		t.Fatal(err)
	}

	active, ok := q.ActiveForCollection("vault_a")
	if !ok || active != queue.KindIncremental {
		t.Fatalf("expected incremental_update job from scan, got ok=%v kind=%s", ok, active)
	}
}

func TestScanNow_IsStableOnSecondPass(t *testing.T) {
	q := openTestQueue(t)
	root := t.TempDir()
	vaultPath := filepath.Join(root, "vault_a")
	if err := os.MkdirAll(vaultPath, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(vaultPath, "note.md"), []byte("# Hi\n\nbody"), 0644); err != nil {
		t.Fatal(err)
	}

	w, err := New(q, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := w.AddWatch("vault_a", vaultPath, nil, 3600, 50, true); err != nil {
		t.Fatal(err)
	}
	if err := w.ScanNow("vault_a"); err != nil {
		t.Fatal(err)
	}
	if err := w.ScanNow("vault_a"); err != nil {
		t.Fatal(err)
	}

	jobs, err := q.ListForCollection("vault_a", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected only the first scan to enqueue a job, got %d jobs", len(jobs))
	}
}

func TestRemoveWatch_StopsTrackingAndDeletesState(t *testing.T) {
	q := openTestQueue(t)
	root := t.TempDir()
	vaultPath := filepath.Join(root, "vault_a")
	if err := os.MkdirAll(vaultPath, 0755); err != nil {
		t.Fatal(err)
	}

	dataDir := t.TempDir()
	w, err := New(q, dataDir)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.AddWatch("vault_a", vaultPath, nil, 3600, 50, true); err != nil {
		t.Fatal(err)
	}
	if err := w.ScanNow("vault_a"); err != nil {
		t.Fatal(err)
	}
	if err := w.RemoveWatch("vault_a"); err != nil {
		t.Fatal(err)
	}
	if len(w.ListWatches()) != 0 {
		t.Fatal("expected no watches after remove")
	}
}

func TestListWatches_ReportsConfiguredCollections(t *testing.T) {
	q := openTestQueue(t)
	root := t.TempDir()
	vaultPath := filepath.Join(root, "vault_a")
	if err := os.MkdirAll(vaultPath, 0755); err != nil {
		t.Fatal(err)
	}

	w, err := New(q, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := w.AddWatch("vault_a", vaultPath, []string{".obsidian"}, 120, 500, true); err != nil {
		t.Fatal(err)
	}

	statuses := w.ListWatches()
	if len(statuses) != 1 || statuses[0].Name != "vault_a" || !statuses[0].Enabled {
		t.Fatalf("unexpected watch status: %+v", statuses)
	}
	if statuses[0].ScanIntervalSeconds != 120 || statuses[0].DebounceMillis != 500 {
		t.Fatalf("unexpected config in status: %+v", statuses[0])
	}
}
