// Package indexing is the Indexing Pipeline (C3): the per-file
// sub-pipeline (parse -> chunk -> embed -> upsert) wired as queue job
// handlers for index/reindex/incremental_update/delete/validate.
// Grounded on the teacher's pkg/indexing/pipeline.go for its bounded
// worker-pool/semaphore idiom (IndexAll's maxConcurrentEnqueue
// pattern), generalized from a single local vault to N collections and
// from notebit's ai/database/files trio to chunker+embedding+
// vectorstore+registry.
package indexing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"vaultindex/pkg/apierr"
	"vaultindex/pkg/chunker"
	"vaultindex/pkg/embedding"
	"vaultindex/pkg/logger"
	"vaultindex/pkg/parser"
	"vaultindex/pkg/queue"
	"vaultindex/pkg/registry"
	"vaultindex/pkg/vectorstore"
)

// Options configures the pipeline's file-level concurrency and
// progress-reporting cadence.
type Options struct {
	Concurrency   int // bounded worker count per job, teacher's semaphore pattern
	ProgressEvery int // report progress every N processed files
}

func DefaultOptions() Options {
	return Options{Concurrency: 4, ProgressEvery: 5}
}

type Pipeline struct {
	registry   *registry.Registry
	vectors    *vectorstore.Store
	embeddings *embedding.Service
	opts       Options
}

func New(reg *registry.Registry, vectors *vectorstore.Store, embeddings *embedding.Service, opts Options) *Pipeline {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultOptions().Concurrency
	}
	if opts.ProgressEvery <= 0 {
		opts.ProgressEvery = DefaultOptions().ProgressEvery
	}
	return &Pipeline{registry: reg, vectors: vectors, embeddings: embeddings, opts: opts}
}

// RegisterHandlers wires every job kind this pipeline knows how to run
// onto the queue, in the order cmd/vaultindexd boots them.
func (p *Pipeline) RegisterHandlers(q *queue.Queue) {
	q.RegisterHandler(queue.KindIndex, p.handleIndex)
	q.RegisterHandler(queue.KindReindex, p.handleReindex)
	q.RegisterHandler(queue.KindIncremental, p.handleIncremental)
	q.RegisterHandler(queue.KindDelete, p.handleDelete)
	q.RegisterHandler(queue.KindValidate, p.handleValidate)
}

func (p *Pipeline) handleIndex(rc *queue.RunContext) error {
	return p.runFull(rc, "index", false)
}

func (p *Pipeline) handleReindex(rc *queue.RunContext) error {
	var payload queue.ReindexPayload
	if err := json.Unmarshal([]byte(rc.Job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("decode reindex payload: %w", err)
	}
	return p.runFull(rc, "reindex", payload.Force)
}

// runFull walks every supported file under the collection's
// source_path and (re)builds its vector namespace from scratch, per
// spec.md §4.3's index/reindex description.
func (p *Pipeline) runFull(rc *queue.RunContext, kind string, force bool) error {
	col, err := p.registry.Get(rc.Job.CollectionName, nil)
	if err != nil {
		return err
	}
	ns, err := p.vectors.Create(col.Name, force)
	if err != nil {
		return err
	}

	filesList, err := discoverFiles(col.SourcePath, col.Config.IgnorePatterns)
	if err != nil {
		return fmt.Errorf("discover files: %w", err)
	}
	if kind == "index" && len(filesList) == 0 {
		return apierr.InvalidArgumentf("collection %s has no indexable files under %s", col.Name, col.SourcePath)
	}

	strat := chunker.New(col.Config.ChunkStrategy, chunker.Options{
		ChunkSize:    col.Config.ChunkSize,
		ChunkOverlap: col.Config.ChunkOverlap,
		MinChunkSize: col.Config.MinChunkSize,
	})

	processed, chunksTotal, errCount, err := p.processFiles(rc, ns, strat, col.Name, col.SourcePath, filesList)
	if err != nil {
		return err
	}
	succeeded := processed - errCount

	logger.InfoWithFields(rc.Context, map[string]interface{}{
		"collection": col.Name,
		"kind":       kind,
		"files":      succeeded,
		"chunks":     chunksTotal,
		"errors":     errCount,
	}, "indexing run complete")

	return p.registry.ApplyJobResult(col.Name, registry.Outcome{
		Kind:          kind,
		Success:       true,
		DocumentCount: succeeded,
		ChunkCount:    chunksTotal,
	})
}

// processFiles runs indexFile over every path with bounded concurrency
// (the teacher's IndexAll semaphore idiom), checking pause/cancel
// before dispatching each unit of work and reporting progress every
// ProgressEvery completions.
func (p *Pipeline) processFiles(rc *queue.RunContext, ns vectorstore.Namespace, strat chunker.Strategy, collection, sourcePath string, paths []string) (processed, chunksTotal, errCount int, err error) {
	total := len(paths)
	var processedN, chunksN, errN atomic.Int64
	var reportMu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, p.opts.Concurrency)

	for _, relPath := range paths {
		if werr := rc.WaitWhilePaused(rc.Context); werr != nil {
			wg.Wait()
			return int(processedN.Load()), int(chunksN.Load()), int(errN.Load()), werr
		}
		select {
		case <-rc.Context.Done():
			wg.Wait()
			return int(processedN.Load()), int(chunksN.Load()), int(errN.Load()), rc.Context.Err()
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(rp string) {
			defer wg.Done()
			defer func() { <-sem }()

			n, ferr := p.indexFile(rc.Context, ns, strat, collection, sourcePath, rp)
			if ferr != nil {
				errN.Add(1)
				logger.WarnWithFields(rc.Context, map[string]interface{}{
					"path": rp, "error": ferr.Error(),
				}, "failed to index file")
			} else {
				chunksN.Add(int64(n))
			}
			done := processedN.Add(1)

			reportMu.Lock()
			if int(done)%p.opts.ProgressEvery == 0 || int(done) == total {
				pct := 100.0
				if total > 0 {
					pct = float64(done) / float64(total) * 100
				}
				rc.Report(queue.Progress{
					Percent:          pct,
					CurrentFile:      rp,
					FilesProcessed:   int(done),
					TotalFiles:       total,
					DocumentsCreated: int(done) - int(errN.Load()),
					ChunksCreated:    int(chunksN.Load()),
					ErrorsCount:      int(errN.Load()),
				})
			}
			reportMu.Unlock()
		}(relPath)
	}
	wg.Wait()
	return int(processedN.Load()), int(chunksN.Load()), int(errN.Load()), nil
}

// indexFile parses, chunks, embeds, and upserts one file. Chunk ids
// are deterministic (spec.md §3: sha256 of collection+path+index) so
// re-running index/reindex over an unchanged file overwrites the same
// vector rows rather than duplicating them.
func (p *Pipeline) indexFile(ctx context.Context, ns vectorstore.Namespace, strat chunker.Strategy, collection, sourcePath, relPath string) (int, error) {
	doc, err := parser.Parse(filepath.Join(sourcePath, relPath), relPath)
	if err != nil {
		return 0, fmt.Errorf("parse: %w", err)
	}
	chunks, err := strat.Chunk(doc.Content)
	if err != nil {
		return 0, fmt.Errorf("chunk: %w", err)
	}
	if len(chunks) == 0 {
		return 0, nil
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}
	vectors, err := p.embeddings.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("embed: %w", err)
	}

	items := make([]vectorstore.Item, len(chunks))
	for i, c := range chunks {
		items[i] = vectorstore.Item{
			ID:     ChunkID(collection, relPath, i),
			Vector: vectors[i],
			Metadata: map[string]string{
				"path":         relPath,
				"title":        doc.Title,
				"heading":      c.Heading,
				"chunk_index":  strconv.Itoa(i),
				"total_chunks": strconv.Itoa(len(chunks)),
				"content":      c.Content,
				"content_hash": doc.ContentHash,
			},
		}
	}
	if err := ns.Upsert(ctx, items); err != nil {
		return 0, fmt.Errorf("upsert: %w", err)
	}
	return len(chunks), nil
}

// ChunkID is the deterministic chunk identity rule from spec.md §3.
// Exported so pkg/query's adjacent-chunk lookup can address the same
// vector store record by id instead of re-deriving the hash scheme.
func ChunkID(collection, relPath string, index int) string {
	sum := sha256.Sum256([]byte(collection + "\x00" + relPath + "\x00" + strconv.Itoa(index)))
	return hex.EncodeToString(sum[:])[:32]
}

// handleIncremental applies a watcher-supplied changeset: modified
// files are re-chunked in place, added files are chunked fresh,
// deleted files have their chunks removed (spec.md §4.4).
func (p *Pipeline) handleIncremental(rc *queue.RunContext) error {
	var payload queue.IncrementalPayload
	if err := json.Unmarshal([]byte(rc.Job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("decode incremental payload: %w", err)
	}

	col, err := p.registry.Get(rc.Job.CollectionName, nil)
	if err != nil {
		return err
	}
	ns, err := p.vectors.Open(col.Name)
	if err != nil {
		return err
	}
	strat := chunker.New(col.Config.ChunkStrategy, chunker.Options{
		ChunkSize:    col.Config.ChunkSize,
		ChunkOverlap: col.Config.ChunkOverlap,
		MinChunkSize: col.Config.MinChunkSize,
	})

	for _, relPath := range payload.Modified {
		if _, err := ns.DeleteWhere(rc.Context, vectorstore.Filter{"path": relPath}); err != nil {
			return fmt.Errorf("clear stale chunks for %s: %w", relPath, err)
		}
	}

	touched := make([]string, 0, len(payload.Added)+len(payload.Modified))
	touched = append(touched, payload.Added...)
	touched = append(touched, payload.Modified...)

	_, chunksTouched, errCount, err := p.processFiles(rc, ns, strat, col.Name, col.SourcePath, touched)
	if err != nil {
		return err
	}

	deletedChunks := 0
	for _, relPath := range payload.Deleted {
		n, derr := ns.DeleteWhere(rc.Context, vectorstore.Filter{"path": relPath})
		if derr != nil {
			return fmt.Errorf("delete chunks for %s: %w", relPath, derr)
		}
		deletedChunks += n
	}

	total, err := ns.Count(rc.Context)
	if err != nil {
		return fmt.Errorf("count namespace: %w", err)
	}

	logger.InfoWithFields(rc.Context, map[string]interface{}{
		"collection": col.Name,
		"added":      len(payload.Added),
		"modified":   len(payload.Modified),
		"deleted":    len(payload.Deleted),
		"errors":     errCount,
		"chunks":     chunksTouched,
	}, "incremental update complete")

	return p.registry.ApplyJobResult(col.Name, registry.Outcome{
		Kind:          "incremental_update",
		Success:       true,
		DocumentDelta: len(payload.Added) - len(payload.Deleted),
		ChunkCount:    total,
	})
}

// handleDelete tears down a collection's vector namespace and its
// registry row, after the server has already validated the deletion
// token (spec.md §7).
func (p *Pipeline) handleDelete(rc *queue.RunContext) error {
	name := rc.Job.CollectionName
	if err := p.vectors.Delete(name); err != nil {
		return fmt.Errorf("delete vector namespace: %w", err)
	}
	if err := p.registry.Remove(name); err != nil {
		return fmt.Errorf("remove registry row: %w", err)
	}
	return nil
}

// handleValidate revalidates a collection's composed health without
// mutating counters; it runs for jobs of kind validate.
func (p *Pipeline) handleValidate(rc *queue.RunContext) error {
	report, err := p.registry.Health(rc.Job.CollectionName)
	if err != nil {
		return err
	}
	if !report.Healthy {
		return fmt.Errorf("collection %s failed health validation", rc.Job.CollectionName)
	}
	return nil
}

// discoverFiles walks sourcePath for supported files, skipping any
// directory whose name matches an ignore pattern outright and any
// path containing one as a substring (spec.md §4.4's ignore filter).
func discoverFiles(sourcePath string, ignore []string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(sourcePath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(sourcePath, path)
		if relErr != nil || rel == "." {
			return nil
		}
		if d.IsDir() {
			if matchesIgnore(d.Name(), ignore) {
				return filepath.SkipDir
			}
			return nil
		}
		if !parser.IsSupported(path) {
			return nil
		}
		if matchesIgnore(rel, ignore) {
			return nil
		}
		out = append(out, rel)
		return nil
	})
	return out, err
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
