package config

import "encoding/json"

// Collection is the per-collection config named in spec.md §3: chunk
// size, chunk overlap, embedding-model id, ignore patterns (matched as
// exact names or substrings, not globs), schedule, and
// whether the collection is enabled for watching. It merges onto
// defaults field-by-field the way the teacher's config.mergeWithDefaults
// does, using >0/!="" as the "unset" sentinel.
type Collection struct {
	ChunkSize       int      `json:"chunk_size"`
	ChunkOverlap    int      `json:"chunk_overlap"`
	MinChunkSize    int      `json:"min_chunk_size"`
	ChunkStrategy   string   `json:"chunk_strategy"`
	EmbeddingModel  string   `json:"embedding_model"`
	IgnorePatterns  []string `json:"ignore_patterns"`
	ScheduleSeconds int      `json:"schedule_seconds"`
	Enabled         bool     `json:"enabled"`
	DebounceMillis  int      `json:"debounce_millis"`
}

// DefaultCollection mirrors the teacher's setDefaults: heading
// chunking at 1000/200/100, ollama's default embedding model, a
// 300s periodic scan (spec.md §4.4 default), 2s debounce.
func DefaultCollection() Collection {
	return Collection{
		ChunkSize:       1000,
		ChunkOverlap:    200,
		MinChunkSize:    100,
		ChunkStrategy:   "heading",
		EmbeddingModel:  "nomic-embed-text",
		IgnorePatterns:  []string{".obsidian", ".trash", "templates"},
		ScheduleSeconds: 300,
		Enabled:         true,
		DebounceMillis:  2000,
	}
}

// MergeCollectionDefaults fills zero-valued fields of partial from
// defaults, matching the teacher's mergeWithDefaults field-by-field
// guard style.
func MergeCollectionDefaults(partial Collection) Collection {
	d := DefaultCollection()
	if partial.ChunkSize <= 0 {
		partial.ChunkSize = d.ChunkSize
	}
	if partial.ChunkOverlap <= 0 {
		partial.ChunkOverlap = d.ChunkOverlap
	}
	if partial.MinChunkSize <= 0 {
		partial.MinChunkSize = d.MinChunkSize
	}
	if partial.ChunkStrategy == "" {
		partial.ChunkStrategy = d.ChunkStrategy
	}
	if partial.EmbeddingModel == "" {
		partial.EmbeddingModel = d.EmbeddingModel
	}
	if len(partial.IgnorePatterns) == 0 {
		partial.IgnorePatterns = d.IgnorePatterns
	}
	if partial.ScheduleSeconds <= 0 {
		partial.ScheduleSeconds = d.ScheduleSeconds
	}
	if partial.DebounceMillis <= 0 {
		partial.DebounceMillis = d.DebounceMillis
	}
	return partial
}

// Marshal/Unmarshal are thin wrappers kept symmetric with the teacher's
// JSON-file persistence style; the registry stores the result as a
// single JSON column rather than a standalone file.
func (c Collection) Marshal() ([]byte, error) {
	return json.Marshal(c)
}

func UnmarshalCollection(data []byte) (Collection, error) {
	var c Collection
	if len(data) == 0 {
		return MergeCollectionDefaults(c), nil
	}
	if err := json.Unmarshal(data, &c); err != nil {
		return Collection{}, err
	}
	return MergeCollectionDefaults(c), nil
}

// Diff reports which fields changed between old and updated that
// require scheduling a reindex (chunking/embedding-model changes) vs.
// an incremental_update (ignore-pattern changes), per spec.md §4.2
// update_config semantics.
type ConfigDiff struct {
	NeedsReindex           bool
	NeedsIncrementalUpdate bool
}

func Diff(old, updated Collection) ConfigDiff {
	var d ConfigDiff
	if old.ChunkSize != updated.ChunkSize ||
		old.ChunkOverlap != updated.ChunkOverlap ||
		old.ChunkStrategy != updated.ChunkStrategy ||
		old.EmbeddingModel != updated.EmbeddingModel {
		d.NeedsReindex = true
	}
	if !stringsEqual(old.IgnorePatterns, updated.IgnorePatterns) {
		d.NeedsIncrementalUpdate = true
	}
	return d
}

func stringsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
