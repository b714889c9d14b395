// Package query is the Query Path (C6): embed a query, ask the vector
// store for nearest neighbors, threshold-filter and truncate, then
// optionally attach adjacent-chunk context. Grounded on the teacher's
// database.Repository.SearchSimilar / cosineSimilarity
// (pkg/database/vector.go), generalized from a single local vault's
// SQLite chunk table to the pluggable vectorstore.Namespace interface
// so the same path works against any collection's namespace.
//
// This path never touches the job queue or writes to the registry; it
// only reads the registry for vault_info and the vector store for
// hits, per spec.md §4.6's budget note.
package query

import (
	"context"
	"sort"
	"strconv"
	"time"

	"vaultindex/pkg/apierr"
	"vaultindex/pkg/embedding"
	"vaultindex/pkg/indexing"
	"vaultindex/pkg/registry"
	"vaultindex/pkg/vectorstore"
)

// Hit is one ranked result, with optional adjacent-chunk context.
type Hit struct {
	ID          string            `json:"id"`
	Path        string            `json:"path"`
	Title       string            `json:"title"`
	Heading     string            `json:"heading"`
	Content     string            `json:"content"`
	ChunkIndex  int               `json:"chunk_index"`
	TotalChunks int               `json:"total_chunks"`
	Score       float32           `json:"score"`
	Metadata    map[string]string `json:"-"`
	Context     *Context          `json:"context,omitempty"`
}

// Context holds the leading/trailing snippet of a hit's neighboring
// chunks in the same file (spec.md §4.6 step 6).
type Context struct {
	Before string `json:"before,omitempty"`
	After  string `json:"after,omitempty"`
}

// VaultInfo is the subset of a collection's registry record worth
// echoing back alongside search results.
type VaultInfo struct {
	Name          string `json:"name"`
	DocumentCount int    `json:"document_count"`
	ChunkCount    int    `json:"chunk_count"`
	HealthStatus  string `json:"health_status"`
}

// Response is the shape spec.md §4.6 step 7 names:
// { results[], total_found, search_time_ms, vault_info }.
type Response struct {
	Results      []Hit     `json:"results"`
	TotalFound   int       `json:"total_found"`
	SearchTimeMs int64     `json:"search_time_ms"`
	VaultInfo    VaultInfo `json:"vault_info"`
}

// Request bundles a search call's parameters.
type Request struct {
	Collection     string
	QueryText      string
	Limit          int
	Threshold      float32
	Filters        vectorstore.Filter
	AttachContext  bool
}

// candidateCap implements spec.md §4.6 step 3: Search asks the vector
// store for min(2*limit, candidateCap) neighbors so the
// threshold filter in step 4 still has enough headroom to return
// `limit` results after dropping low-scoring hits.
const candidateCap = 100

// Path is the Query Path service: it reads the registry (for
// existence/health) and the vector store (for hits), but never the
// job queue.
type Path struct {
	registry   *registry.Registry
	vectors    *vectorstore.Store
	embeddings *embedding.Service
}

func New(reg *registry.Registry, vectors *vectorstore.Store, embeddings *embedding.Service) *Path {
	return &Path{registry: reg, vectors: vectors, embeddings: embeddings}
}

// Search runs the algorithm in spec.md §4.6.
func (p *Path) Search(ctx context.Context, req Request) (*Response, error) {
	started := time.Now()

	if req.Limit <= 0 {
		req.Limit = 10
	}

	col, err := p.registry.Get(req.Collection, nil)
	if err != nil {
		return nil, err
	}

	ns, err := p.vectors.Open(req.Collection)
	if err != nil {
		return nil, apierr.Wrap(apierr.Unavailable, "vector namespace unreachable", err)
	}
	if err := ns.Health(ctx); err != nil {
		return nil, apierr.Wrap(apierr.Unavailable, "vector namespace unhealthy", err)
	}

	vectors, err := p.embeddings.EmbedBatch(ctx, []string{req.QueryText})
	if err != nil {
		return nil, apierr.Wrap(apierr.Unavailable, "embedding query failed", err)
	}
	if len(vectors) == 0 {
		return nil, apierr.New(apierr.Internal, "embedding provider returned no vector")
	}
	queryVector := vectors[0]

	k := req.Limit * 2
	if k <= 0 || k > candidateCap {
		k = candidateCap
	}
	candidates, err := ns.Query(ctx, queryVector, k, req.Filters)
	if err != nil {
		return nil, apierr.Wrap(apierr.Unavailable, "vector search failed", err)
	}

	hits := make([]Hit, 0, len(candidates))
	for _, c := range candidates {
		score := clamp01(c.Score)
		if score < req.Threshold {
			continue
		}
		hits = append(hits, hitFromResult(c, score))
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	totalFound := len(hits)
	if len(hits) > req.Limit {
		hits = hits[:req.Limit]
	}

	if req.AttachContext {
		for i := range hits {
			hits[i].Context = p.adjacentContext(ctx, ns, req.Collection, hits[i])
		}
	}

	return &Response{
		Results:      hits,
		TotalFound:   totalFound,
		SearchTimeMs: time.Since(started).Milliseconds(),
		VaultInfo: VaultInfo{
			Name:          col.Name,
			DocumentCount: col.DocumentCount,
			ChunkCount:    col.ChunkCount,
			HealthStatus:  col.HealthStatus,
		},
	}, nil
}

func hitFromResult(r vectorstore.QueryResult, score float32) Hit {
	md := r.Metadata
	idx, _ := strconv.Atoi(md["chunk_index"])
	total, _ := strconv.Atoi(md["total_chunks"])
	return Hit{
		ID:          r.ID,
		Path:        md["path"],
		Title:       md["title"],
		Heading:     md["heading"],
		Content:     md["content"],
		ChunkIndex:  idx,
		TotalChunks: total,
		Score:       score,
		Metadata:    md,
	}
}

// adjacentContext fetches the chunk_index-1 and chunk_index+1 chunks
// of the same file and exposes their content as leading/trailing
// snippets (spec.md §4.6 step 6). Chunk ids are deterministic
// (indexing.ChunkID), so each neighbor is a single point lookup rather
// than a full-namespace scan.
func (p *Path) adjacentContext(ctx context.Context, ns vectorstore.Namespace, collection string, hit Hit) *Context {
	if hit.Path == "" {
		return nil
	}
	out := &Context{}
	if hit.ChunkIndex > 0 {
		if before, ok := p.lookupChunk(ctx, ns, collection, hit.Path, hit.ChunkIndex-1); ok {
			out.Before = before
		}
	}
	if hit.TotalChunks == 0 || hit.ChunkIndex+1 < hit.TotalChunks {
		if after, ok := p.lookupChunk(ctx, ns, collection, hit.Path, hit.ChunkIndex+1); ok {
			out.After = after
		}
	}
	if out.Before == "" && out.After == "" {
		return nil
	}
	return out
}

func (p *Path) lookupChunk(ctx context.Context, ns vectorstore.Namespace, collection, path string, index int) (string, bool) {
	item, ok, err := ns.Get(ctx, indexing.ChunkID(collection, path, index))
	if err != nil || !ok {
		return "", false
	}
	return item.Metadata["content"], true
}

func clamp01(s float32) float32 {
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}
