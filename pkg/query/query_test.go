package query

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"vaultindex/pkg/config"
	"vaultindex/pkg/embedding"
	"vaultindex/pkg/indexing"
	"vaultindex/pkg/queue"
	"vaultindex/pkg/registry"
	"vaultindex/pkg/tokens"
	"vaultindex/pkg/vectorstore"
)

func waitForJobTerminal(t *testing.T, q *queue.Queue, collection string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := q.ActiveForCollection(collection); !ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("job did not reach a terminal state before timeout")
}

// fakeProvider embeds text into a 3-dim vector that is a pure function
// of word overlap with a small fixed vocabulary, so queries sharing
// vocabulary with a chunk score higher than ones that don't.
type fakeProvider struct{}

func (fakeProvider) Name() string         { return "fake" }
func (fakeProvider) Dimension(string) int { return 3 }
func (fakeProvider) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		lower := strings.ToLower(t)
		out[i] = []float32{
			float32(strings.Count(lower, "alpha")) + 0.1,
			float32(strings.Count(lower, "beta")) + 0.1,
			float32(strings.Count(lower, "gamma")) + 0.1,
		}
	}
	return out, nil
}

func setupIndexedVault(t *testing.T) (*Path, string) {
	t.Helper()
	dir := t.TempDir()
	store := vectorstore.NewStore(filepath.Join(dir, "vectors"))
	issuer := tokens.NewIssuer([]byte("test"))
	reg, err := registry.Open(filepath.Join(dir, "collections.db"), store, issuer)
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	embSvc := embedding.NewService(8)
	embSvc.Register(fakeProvider{})
	if err := embSvc.SetCurrent("fake"); err != nil {
		t.Fatal(err)
	}

	vaultPath := filepath.Join(dir, "vault_a")
	if err := os.MkdirAll(filepath.Join(vaultPath, ".obsidian"), 0755); err != nil {
		t.Fatal(err)
	}
	files := map[string]string{
		"alpha.md": "# Alpha\n\n" + strings.Repeat("alpha word here. ", 40) + "\n\n## Second\n\n" + strings.Repeat("alpha again here. ", 40),
		"beta.md":  "# Beta\n\n" + strings.Repeat("beta word here. ", 20),
	}
	for rel, content := range files {
		if err := os.WriteFile(filepath.Join(vaultPath, rel), []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := reg.Create("vault_a", vaultPath, "", config.Collection{}); err != nil {
		t.Fatal(err)
	}

	pipe := indexing.New(reg, store, embSvc, indexing.Options{Concurrency: 2, ProgressEvery: 1})
	q, err := queue.Open(filepath.Join(dir, "jobs.db"), 2)
	if err != nil {
		t.Fatal(err)
	}
	pipe.RegisterHandlers(q)
	if _, err := q.Create(queue.KindIndex, "vault_a", queue.IndexPayload{SourcePath: vaultPath}, 0, 1); err != nil {
		t.Fatal(err)
	}
	q.Start()
	waitForJobTerminal(t, q, "vault_a")
	q.Stop()

	return New(reg, store, embSvc), dir
}

func TestSearch_ReturnsRelevantHitAboveThreshold(t *testing.T) {
	path, _ := setupIndexedVault(t)

	resp, err := path.Search(context.Background(), Request{
		Collection: "vault_a",
		QueryText:  "tell me about alpha",
		Limit:      5,
		Threshold:  0,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Results) == 0 {
		t.Fatal("expected at least one result")
	}
	if resp.Results[0].Path != "alpha.md" {
		t.Fatalf("expected top hit from alpha.md, got %s", resp.Results[0].Path)
	}
	if resp.VaultInfo.Name != "vault_a" {
		t.Fatalf("unexpected vault_info: %+v", resp.VaultInfo)
	}
}

func TestSearch_ThresholdMonotonicity(t *testing.T) {
	path, _ := setupIndexedVault(t)

	low, err := path.Search(context.Background(), Request{
		Collection: "vault_a", QueryText: "alpha word", Limit: 10, Threshold: 0,
	})
	if err != nil {
		t.Fatal(err)
	}
	high, err := path.Search(context.Background(), Request{
		Collection: "vault_a", QueryText: "alpha word", Limit: 10, Threshold: 0.99,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(high.Results) > len(low.Results) {
		t.Fatalf("raising threshold must never add results: low=%d high=%d", len(low.Results), len(high.Results))
	}
}

func TestSearch_LimitTruncatesButReportsTotalFound(t *testing.T) {
	path, _ := setupIndexedVault(t)

	resp, err := path.Search(context.Background(), Request{
		Collection: "vault_a", QueryText: "alpha", Limit: 1, Threshold: 0,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Results) != 1 {
		t.Fatalf("expected exactly 1 result after truncation, got %d", len(resp.Results))
	}
	if resp.TotalFound < len(resp.Results) {
		t.Fatalf("total_found must be >= len(results), got total=%d results=%d", resp.TotalFound, len(resp.Results))
	}
}

func TestSearch_AttachesAdjacentChunkContext(t *testing.T) {
	path, _ := setupIndexedVault(t)

	resp, err := path.Search(context.Background(), Request{
		Collection:    "vault_a",
		QueryText:     "alpha",
		Limit:         10,
		Threshold:     0,
		AttachContext: true,
	})
	if err != nil {
		t.Fatal(err)
	}

	var sawContext bool
	for _, hit := range resp.Results {
		if hit.Path == "alpha.md" && hit.Context != nil && (hit.Context.Before != "" || hit.Context.After != "") {
			sawContext = true
		}
	}
	if !sawContext {
		t.Fatal("expected at least one alpha.md hit to carry adjacent-chunk context")
	}
}

func TestSearch_UnknownCollectionReturnsNotFound(t *testing.T) {
	path, _ := setupIndexedVault(t)

	_, err := path.Search(context.Background(), Request{
		Collection: "does_not_exist", QueryText: "anything", Limit: 5,
	})
	if err == nil {
		t.Fatal("expected not_found error for unknown collection")
	}
}
