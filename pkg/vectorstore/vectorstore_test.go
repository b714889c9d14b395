package vectorstore

import (
	"context"
	"testing"

	"vaultindex/pkg/apierr"
)

func TestStore_CreateOpenQueryDelete(t *testing.T) {
	store := NewStore(t.TempDir())
	ctx := context.Background()

	ns, err := store.Create("vault_a", false)
	if err != nil {
		t.Fatalf("create namespace: %v", err)
	}

	items := []Item{
		{ID: "a1", Vector: []float32{1, 0, 0}, Metadata: map[string]string{"file": "one.md"}},
		{ID: "a2", Vector: []float32{0, 1, 0}, Metadata: map[string]string{"file": "two.md"}},
		{ID: "a3", Vector: []float32{0.9, 0.1, 0}, Metadata: map[string]string{"file": "one.md"}},
	}
	if err := ns.Upsert(ctx, items); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	count, err := ns.Count(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected 3 items, got %d", count)
	}

	results, err := ns.Query(ctx, []float32{1, 0, 0}, 2, nil)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].ID != "a1" {
		t.Fatalf("expected closest match a1 first, got %s", results[0].ID)
	}
	if results[0].Score < results[1].Score {
		t.Fatalf("expected descending score order")
	}

	n, err := ns.DeleteWhere(ctx, Filter{"file": "one.md"})
	if err != nil {
		t.Fatalf("delete where: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 deletions for file one.md, got %d", n)
	}

	count, _ = ns.Count(ctx)
	if count != 1 {
		t.Fatalf("expected 1 remaining item, got %d", count)
	}
}

func TestStore_CreateTwiceWithoutForceConflicts(t *testing.T) {
	store := NewStore(t.TempDir())
	if _, err := store.Create("vault_b", false); err != nil {
		t.Fatalf("first create: %v", err)
	}
	_, err := store.Create("vault_b", false)
	if apierr.CodeOf(err) != apierr.Conflict {
		t.Fatalf("expected conflict error, got %v", err)
	}
}

func TestStore_CreateWithForceRecreates(t *testing.T) {
	store := NewStore(t.TempDir())
	ctx := context.Background()

	ns, err := store.Create("vault_c", false)
	if err != nil {
		t.Fatal(err)
	}
	if err := ns.Upsert(ctx, []Item{{ID: "x", Vector: []float32{1, 1}}}); err != nil {
		t.Fatal(err)
	}

	ns2, err := store.Create("vault_c", true)
	if err != nil {
		t.Fatalf("force recreate: %v", err)
	}
	count, _ := ns2.Count(ctx)
	if count != 0 {
		t.Fatalf("expected fresh namespace to be empty, got %d items", count)
	}
}

func TestNamespace_GetRoutesThroughBloomAndCache(t *testing.T) {
	store := NewStore(t.TempDir())
	ctx := context.Background()

	ns, err := store.Create("vault_get", false)
	if err != nil {
		t.Fatalf("create namespace: %v", err)
	}

	if _, ok, err := ns.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected a bloom-negative miss, got ok=%v err=%v", ok, err)
	}

	item := Item{ID: "chunk-1", Vector: []float32{1, 0}, Metadata: map[string]string{"content_hash": "abc"}}
	if err := ns.Upsert(ctx, []Item{item}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, ok, err := ns.Get(ctx, "chunk-1")
	if err != nil || !ok {
		t.Fatalf("expected a hit after upsert, got ok=%v err=%v", ok, err)
	}
	if got.Metadata["content_hash"] != "abc" {
		t.Fatalf("unexpected metadata on Get: %+v", got.Metadata)
	}

	if err := ns.Delete(ctx, []string{"chunk-1"}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, err := ns.Get(ctx, "chunk-1"); err != nil || ok {
		t.Fatalf("expected a miss after delete, got ok=%v err=%v", ok, err)
	}
}

func TestStore_OpenMissingNotFound(t *testing.T) {
	store := NewStore(t.TempDir())
	_, err := store.Open("nope")
	if apierr.CodeOf(err) != apierr.NotFound {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestCosineSimilarity_OrthogonalIsZero(t *testing.T) {
	s := cosineSimilarity([]float32{1, 0}, []float32{0, 1})
	if s != 0 {
		t.Fatalf("expected 0 similarity for orthogonal vectors, got %f", s)
	}
}

func TestEncodeDecodeRecord_RoundTrip(t *testing.T) {
	vec := []float32{0.5, -0.25, 3.0}
	meta := map[string]string{"file": "note.md", "chunk_index": "2"}

	data, err := encodeRecord(vec, meta)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	gotVec, gotMeta, err := decodeRecord(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(gotVec) != len(vec) {
		t.Fatalf("vector length mismatch: got %d want %d", len(gotVec), len(vec))
	}
	for i := range vec {
		if gotVec[i] != vec[i] {
			t.Fatalf("vector[%d] mismatch: got %f want %f", i, gotVec[i], vec[i])
		}
	}
	if gotMeta["file"] != "note.md" {
		t.Fatalf("metadata round-trip failed: %+v", gotMeta)
	}
}
