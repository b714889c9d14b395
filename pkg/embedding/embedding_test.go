package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestOllamaProvider_Embed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ollamaEmbeddingRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		resp := ollamaEmbeddingResponse{Embedding: []float32{1, 2, 3}, Model: req.Model}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	p := NewOllamaProvider(OllamaConfig{BaseURL: server.URL, Model: "nomic-embed-text", RequestsPerSec: 100})
	vectors, err := p.Embed(context.Background(), []string{"hello", "world"})
	if err != nil {
		t.Fatalf("embed failed: %v", err)
	}
	if len(vectors) != 2 {
		t.Fatalf("expected 2 vectors, got %d", len(vectors))
	}
	if len(vectors[0]) != 3 {
		t.Fatalf("expected vector length 3, got %d", len(vectors[0]))
	}
}

func TestOllamaProvider_RetriesOn500(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(ollamaEmbeddingResponse{Embedding: []float32{1}, Model: "m"})
	}))
	defer server.Close()

	p := NewOllamaProvider(OllamaConfig{BaseURL: server.URL, RequestsPerSec: 100})
	_, err := p.Embed(context.Background(), []string{"hi"})
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
}

func TestService_EmbedBatch_SplitsIntoBatches(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		_ = json.NewEncoder(w).Encode(ollamaEmbeddingResponse{Embedding: []float32{1}, Model: "m"})
	}))
	defer server.Close()

	svc := NewService(2)
	svc.Register(NewOllamaProvider(OllamaConfig{BaseURL: server.URL, RequestsPerSec: 100}))
	if err := svc.SetCurrent("ollama"); err != nil {
		t.Fatal(err)
	}

	texts := []string{"a", "b", "c", "d", "e"}
	vectors, err := svc.EmbedBatch(context.Background(), texts)
	if err != nil {
		t.Fatalf("embed batch failed: %v", err)
	}
	if len(vectors) != len(texts) {
		t.Fatalf("expected %d vectors, got %d", len(texts), len(vectors))
	}
	if calls != len(texts) {
		t.Fatalf("expected one http call per text (provider has no native batch API), got %d", calls)
	}
}

func TestService_SetCurrent_UnknownProvider(t *testing.T) {
	svc := NewService(10)
	if err := svc.SetCurrent("missing"); err == nil {
		t.Fatalf("expected error selecting unknown provider")
	}
}
