package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"vaultindex/pkg/config"
	"vaultindex/pkg/embedding"
	"vaultindex/pkg/eventbus"
	"vaultindex/pkg/indexing"
	"vaultindex/pkg/query"
	"vaultindex/pkg/queue"
	"vaultindex/pkg/registry"
	"vaultindex/pkg/tokens"
	"vaultindex/pkg/vectorstore"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()

	store := vectorstore.NewStore(filepath.Join(dir, "vectors"))
	issuer := tokens.NewIssuer([]byte("test"))
	reg, err := registry.Open(filepath.Join(dir, "collections.db"), store, issuer)
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}

	embSvc := embedding.NewService(8)
	embSvc.Register(constProvider{})
	if err := embSvc.SetCurrent("fake"); err != nil {
		t.Fatal(err)
	}

	bus := eventbus.New()
	bus.Run()
	t.Cleanup(bus.Stop)

	q, err := queue.Open(filepath.Join(dir, "jobs.db"), 2)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	q.SetEventBus(bus)
	pipe := indexing.New(reg, store, embSvc, indexing.Options{Concurrency: 2, ProgressEvery: 1})
	pipe.RegisterHandlers(q)
	q.Start()
	t.Cleanup(q.Stop)

	qp := query.New(reg, store, embSvc)

	srv := New(config.ServerConfig{Addr: ":0"}, reg, q, nil, bus, qp)
	return srv
}

// constProvider is a trivial deterministic embedding provider: every
// text maps to the same 2-dim vector, enough to drive indexing/search
// through the HTTP layer without caring about relevance.
type constProvider struct{}

func (constProvider) Name() string         { return "fake" }
func (constProvider) Dimension(string) int { return 2 }
func (constProvider) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0}
	}
	return out, nil
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Echo().ServeHTTP(rec, req)
	return rec
}

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

func TestCreateCollection_EnqueuesIndexJobAndReturns201(t *testing.T) {
	srv := newTestServer(t)
	vaultPath := t.TempDir()
	if err := os.WriteFile(filepath.Join(vaultPath, "note.md"), []byte("# Note\n\nsome content here"), 0644); err != nil {
		t.Fatal(err)
	}

	rec := doJSON(t, srv, http.MethodPost, "/collections", createCollectionRequest{
		Name:       "vault_a",
		SourcePath: vaultPath,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var view collectionView
	if err := json.NewDecoder(rec.Body).Decode(&view); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if view.Name != "vault_a" {
		t.Fatalf("unexpected name in response: %+v", view)
	}

	waitForJobTerminal(t, srv.queue, "vault_a")
}

func TestGetCollectionStatus_UnknownReturns404(t *testing.T) {
	srv := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/collections/does_not_exist", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
	var env errorEnvelope
	if err := json.NewDecoder(rec.Body).Decode(&env); err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	if env.Code == "" {
		t.Fatal("expected a non-empty error code")
	}
}

func TestSearchCollection_ReturnsResultsAfterIndexing(t *testing.T) {
	srv := newTestServer(t)
	vaultPath := t.TempDir()
	if err := os.WriteFile(filepath.Join(vaultPath, "note.md"), []byte("# Note\n\nsome content about widgets"), 0644); err != nil {
		t.Fatal(err)
	}

	rec := doJSON(t, srv, http.MethodPost, "/collections", createCollectionRequest{
		Name:       "vault_b",
		SourcePath: vaultPath,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create collection: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	waitForJobTerminal(t, srv.queue, "vault_b")

	searchRec := doJSON(t, srv, http.MethodPost, "/collections/vault_b/search", searchRequest{
		Query: "widgets", Limit: 5, Threshold: 0,
	})
	if searchRec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", searchRec.Code, searchRec.Body.String())
	}
	var resp query.Response
	if err := json.NewDecoder(searchRec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode search response: %v", err)
	}
	if len(resp.Results) == 0 {
		t.Fatal("expected at least one search result")
	}
}

func TestPauseCollection_NoActiveJobReturnsPreconditionFailed(t *testing.T) {
	srv := newTestServer(t)
	vaultPath := t.TempDir()
	if err := os.WriteFile(filepath.Join(vaultPath, "note.md"), []byte("# Note\n\ncontent"), 0644); err != nil {
		t.Fatal(err)
	}
	rec := doJSON(t, srv, http.MethodPost, "/collections", createCollectionRequest{
		Name:       "vault_c",
		SourcePath: vaultPath,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create collection: expected 201, got %d", rec.Code)
	}
	waitForJobTerminal(t, srv.queue, "vault_c")

	pauseRec := doJSON(t, srv, http.MethodPost, "/collections/vault_c/pause", nil)
	if pauseRec.Code != http.StatusPreconditionFailed {
		t.Fatalf("expected 412, got %d: %s", pauseRec.Code, pauseRec.Body.String())
	}
}

func TestDeleteCollection_RequiresValidToken(t *testing.T) {
	srv := newTestServer(t)
	vaultPath := t.TempDir()
	if err := os.WriteFile(filepath.Join(vaultPath, "note.md"), []byte("# Note\n\ncontent"), 0644); err != nil {
		t.Fatal(err)
	}
	rec := doJSON(t, srv, http.MethodPost, "/collections", createCollectionRequest{
		Name:       "vault_d",
		SourcePath: vaultPath,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create collection: expected 201, got %d", rec.Code)
	}
	waitForJobTerminal(t, srv.queue, "vault_d")

	badDelete := doJSON(t, srv, http.MethodDelete, "/collections/vault_d?confirmation_token=bogus", nil)
	if badDelete.Code == http.StatusAccepted {
		t.Fatal("expected deletion to be rejected without a valid token")
	}

	tokenRec := doJSON(t, srv, http.MethodPost, "/collections/vault_d/deletion_token", nil)
	if tokenRec.Code != http.StatusOK {
		t.Fatalf("expected 200 issuing token, got %d: %s", tokenRec.Code, tokenRec.Body.String())
	}
	var tok struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(tokenRec.Body).Decode(&tok); err != nil {
		t.Fatalf("decode token response: %v", err)
	}

	goodDelete := doJSON(t, srv, http.MethodDelete, "/collections/vault_d?confirmation_token="+tok.Token, nil)
	if goodDelete.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", goodDelete.Code, goodDelete.Body.String())
	}
}
