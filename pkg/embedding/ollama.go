package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"vaultindex/pkg/retry"
)

// OllamaProvider calls a local Ollama server's /api/embeddings
// endpoint, grounded on the teacher's ai.OllamaProvider, with
// golang.org/x/time/rate throttling added per spec.md §5's per-call
// deadline/backoff requirement (grounded on bobmcallan-vire's ASX
// client rate.Limiter usage).
type OllamaProvider struct {
	baseURL    string
	model      string
	httpClient *http.Client
	limiter    *rate.Limiter
}

type OllamaConfig struct {
	BaseURL        string
	Model          string
	Timeout        time.Duration
	RequestsPerSec int
}

func NewOllamaProvider(cfg OllamaConfig) *OllamaProvider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	model := cfg.Model
	if model == "" {
		model = "nomic-embed-text"
	}
	rps := cfg.RequestsPerSec
	if rps <= 0 {
		rps = 5
	}

	return &OllamaProvider{
		baseURL:    baseURL,
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(rps), rps),
	}
}

func (p *OllamaProvider) Name() string { return "ollama" }

type ollamaEmbeddingRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type ollamaEmbeddingResponse struct {
	Embedding []float32 `json:"embedding"`
	Model     string    `json:"model"`
}

func (p *OllamaProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		v, err := p.embedOne(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("ollama embed text %d: %w", i, err)
		}
		vectors[i] = v
	}
	return vectors, nil
}

func (p *OllamaProvider) embedOne(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("text cannot be empty")
	}

	var result []float32
	err := retry.Do(ctx, retry.Default(), isRetryableHTTPError, func(ctx context.Context) error {
		if err := p.limiter.Wait(ctx); err != nil {
			return err
		}

		body, err := json.Marshal(ollamaEmbeddingRequest{Model: p.model, Input: text})
		if err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"api/embeddings", bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := p.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode != http.StatusOK {
			return &httpStatusError{status: resp.StatusCode, body: string(respBody)}
		}

		var parsed ollamaEmbeddingResponse
		if err := json.Unmarshal(respBody, &parsed); err != nil {
			return err
		}
		if len(parsed.Embedding) == 0 {
			return fmt.Errorf("no embedding data in response")
		}
		result = parsed.Embedding
		return nil
	})
	return result, err
}

func (p *OllamaProvider) Dimension(model string) int {
	dims := map[string]int{
		"nomic-embed-text":  768,
		"mxbai-embed-large": 1024,
		"all-minilm":        384,
	}
	if d, ok := dims[model]; ok {
		return d
	}
	return 768
}

type httpStatusError struct {
	status int
	body   string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("http status %d: %s", e.status, e.body)
}

// isRetryableHTTPError treats 5xx and connection errors as transient
// (taxonomy 3 in spec.md §7); 4xx responses are not retried.
func isRetryableHTTPError(err error) bool {
	if se, ok := err.(*httpStatusError); ok {
		return se.status >= 500
	}
	return true
}
