package parser

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParse_UsesFirstHeadingAsTitle(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "note.md")
	if err := os.WriteFile(path, []byte("# My Note\n\nBody text.\n"), 0644); err != nil {
		t.Fatal(err)
	}

	doc, err := Parse(path, "note.md")
	if err != nil {
		t.Fatal(err)
	}
	if doc.Title != "My Note" {
		t.Fatalf("expected title from heading, got %q", doc.Title)
	}
	if doc.ContentHash == "" {
		t.Fatalf("expected non-empty content hash")
	}
}

func TestParse_FallsBackToFilename(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "untitled.md")
	if err := os.WriteFile(path, []byte("no heading here"), 0644); err != nil {
		t.Fatal(err)
	}

	doc, err := Parse(path, "untitled.md")
	if err != nil {
		t.Fatal(err)
	}
	if doc.Title != "untitled" {
		t.Fatalf("expected filename fallback title, got %q", doc.Title)
	}
}

func TestIsSupported(t *testing.T) {
	cases := map[string]bool{
		"note.md":    true,
		"note.txt":   true,
		"note.MD":    true,
		"image.png":  false,
		"script.go":  false,
		"noext_file": false,
	}
	for path, want := range cases {
		if got := IsSupported(path); got != want {
			t.Errorf("IsSupported(%q) = %v, want %v", path, got, want)
		}
	}
}
