package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadBootstrap_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadBootstrap(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Queue.MaxConcurrent != 3 {
		t.Fatalf("expected default max_concurrent=3, got %d", cfg.Queue.MaxConcurrent)
	}
}

func TestLoadBootstrap_PartialOverridesMergeWithDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bootstrap.toml")
	contents := "data_dir = \"/tmp/custom\"\n\n[queue]\nmax_concurrent = 7\n"
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadBootstrap(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DataDir != "/tmp/custom" {
		t.Fatalf("expected overridden data_dir, got %s", cfg.DataDir)
	}
	if cfg.Queue.MaxConcurrent != 7 {
		t.Fatalf("expected overridden max_concurrent=7, got %d", cfg.Queue.MaxConcurrent)
	}
	if cfg.Server.Addr != ":8088" {
		t.Fatalf("expected default server addr to survive merge, got %s", cfg.Server.Addr)
	}
}

func TestMergeCollectionDefaults(t *testing.T) {
	partial := Collection{ChunkSize: 500}
	merged := MergeCollectionDefaults(partial)
	if merged.ChunkSize != 500 {
		t.Fatalf("expected explicit chunk size preserved, got %d", merged.ChunkSize)
	}
	if merged.EmbeddingModel != "nomic-embed-text" {
		t.Fatalf("expected default embedding model filled in, got %s", merged.EmbeddingModel)
	}
}

func TestDiff_ChunkSizeChangeNeedsReindex(t *testing.T) {
	old := MergeCollectionDefaults(Collection{})
	updated := old
	updated.ChunkSize = 2000

	d := Diff(old, updated)
	if !d.NeedsReindex {
		t.Fatalf("expected chunk size change to require reindex")
	}
	if d.NeedsIncrementalUpdate {
		t.Fatalf("unrelated change should not trigger incremental update")
	}
}

func TestDiff_IgnorePatternsNeedsIncrementalUpdate(t *testing.T) {
	old := MergeCollectionDefaults(Collection{})
	updated := old
	updated.IgnorePatterns = append([]string{"drafts"}, old.IgnorePatterns...)

	d := Diff(old, updated)
	if !d.NeedsIncrementalUpdate {
		t.Fatalf("expected ignore pattern change to require incremental update")
	}
	if d.NeedsReindex {
		t.Fatalf("ignore pattern change alone should not force reindex")
	}
}
