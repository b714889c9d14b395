// Package embedding is the batch text->vector collaborator named in
// spec.md §1: a fixed dimension per model, OpenAI and Ollama providers,
// grounded on the teacher's pkg/ai package (service.go, ollama.go,
// openai.go, types.go). A Service holds one process-wide current
// provider, chosen by name with SetCurrent; a collection's
// embedding_model config field does not select the provider or model.
package embedding

import "context"

// Provider is the embedding collaborator contract.
type Provider interface {
	Name() string
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension(model string) int
}

// Service resolves a Provider by name and splits input into batches,
// grounded on the teacher's ai.Service.GenerateEmbeddingsBatch. Retry
// and rate limiting happen inside each provider, not here.
type Service struct {
	providers map[string]Provider
	current   string
	batchSize int
}

func NewService(batchSize int) *Service {
	if batchSize <= 0 {
		batchSize = 32
	}
	return &Service{providers: map[string]Provider{}, batchSize: batchSize}
}

func (s *Service) Register(p Provider) {
	s.providers[p.Name()] = p
}

func (s *Service) SetCurrent(name string) error {
	if _, ok := s.providers[name]; !ok {
		return &unknownProviderError{name}
	}
	s.current = name
	return nil
}

func (s *Service) Current() (Provider, error) {
	p, ok := s.providers[s.current]
	if !ok {
		return nil, &unknownProviderError{s.current}
	}
	return p, nil
}

// EmbedBatch embeds texts in groups of batchSize, concatenating
// results in input order -- mirrors the teacher's batch loop in
// ai.Service.GenerateEmbeddingsBatch.
func (s *Service) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	provider, err := s.Current()
	if err != nil {
		return nil, err
	}

	var out [][]float32
	for start := 0; start < len(texts); start += s.batchSize {
		end := start + s.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		vectors, err := provider.Embed(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vectors...)
	}
	return out, nil
}

type unknownProviderError struct{ name string }

func (e *unknownProviderError) Error() string {
	return "embedding: unknown provider " + e.name
}
