// Package parser implements the Markdown parser/chunker collaborator's
// parse half named in spec.md §1/§4.3: file path -> (content, metadata).
// Title extraction is grounded on the teacher's
// database.Repository.extractTitle (first-heading-else-filename).
package parser

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// Document is the parsed result for one file.
type Document struct {
	RelativePath string
	Content      string
	Title        string
	ContentHash  string
	Size         int64
	ModifiedTime time.Time
}

var headingPattern = regexp.MustCompile(`(?m)^#\s+(.+)$`)

// Parse reads a file from disk and extracts title + content hash.
// relativePath is kept separate from the absolute disk path because
// chunk identity (spec.md §3) is keyed on the path relative to the
// collection's source_path, not the host filesystem layout.
func Parse(absPath, relativePath string) (*Document, error) {
	info, err := os.Stat(absPath)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, err
	}

	content := string(data)
	sum := sha256.Sum256(data)

	return &Document{
		RelativePath: relativePath,
		Content:      content,
		Title:        extractTitle(content, relativePath),
		ContentHash:  hex.EncodeToString(sum[:]),
		Size:         info.Size(),
		ModifiedTime: info.ModTime(),
	}, nil
}

// extractTitle prefers the first level-1 Markdown heading, falling
// back to the filename without extension -- the teacher's exact rule.
func extractTitle(content, path string) string {
	if m := headingPattern.FindStringSubmatch(content); m != nil {
		return strings.TrimSpace(m[1])
	}
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// IsSupported reports whether path has an extension the indexing
// pipeline should parse, per spec.md §4.4's ".md, .txt" filter.
func IsSupported(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".md" || ext == ".txt"
}
