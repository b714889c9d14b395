package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"vaultindex/pkg/retry"
)

// OpenAIProvider calls the OpenAI embeddings endpoint, grounded on the
// teacher's ai.OpenAIProvider shape (referenced from ai/service.go's
// provider registration, not fully retained verbatim since the
// teacher's OpenAI client internals are behind its own HTTP plumbing
// this module reimplements directly against net/http).
type OpenAIProvider struct {
	apiKey     string
	model      string
	httpClient *http.Client
	limiter    *rate.Limiter
}

type OpenAIConfig struct {
	APIKey         string
	Model          string
	Timeout        time.Duration
	RequestsPerSec int
}

func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	model := cfg.Model
	if model == "" {
		model = "text-embedding-3-small"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	rps := cfg.RequestsPerSec
	if rps <= 0 {
		rps = 5
	}
	return &OpenAIProvider{
		apiKey:     cfg.APIKey,
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(rps), rps),
	}
}

func (p *OpenAIProvider) Name() string { return "openai" }

type openAIEmbeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type openAIEmbeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

func (p *OpenAIProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if p.apiKey == "" {
		return nil, fmt.Errorf("openai: no API key configured")
	}

	var result [][]float32
	err := retry.Do(ctx, retry.Default(), isRetryableHTTPError, func(ctx context.Context) error {
		if err := p.limiter.Wait(ctx); err != nil {
			return err
		}

		body, err := json.Marshal(openAIEmbeddingRequest{Model: p.model, Input: texts})
		if err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://api.openai.com/v1/embeddings", bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+p.apiKey)

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

		var parsed openAIEmbeddingResponse
		if err := json.Unmarshal(respBody, &parsed); err != nil {
			return err
		}

		vectors := make([][]float32, len(texts))
		for _, d := range parsed.Data {
			if d.Index >= 0 && d.Index < len(vectors) {
				vectors[d.Index] = d.Embedding
			}
		}
		result = vectors
		return nil
	})
	return result, err
}

func (p *OpenAIProvider) Dimension(model string) int {
	dims := map[string]int{
		"text-embedding-3-small": 1536,
		"text-embedding-3-large": 3072,
		"text-embedding-ada-002": 1536,
	}
	if d, ok := dims[model]; ok {
		return d
	}
	return 1536
}
