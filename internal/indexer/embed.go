package indexer

import (
	"context"
	"fmt"
	"os"

	openai "github.com/sashabaranov/go-openai"

	"github.com/quarry-lab/conductor/internal/config"
	"github.com/quarry-lab/conductor/internal/metrics"
)

// Embedder turns text into vectors. Batched: one call per chunk set.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// OpenAIEmbedder calls an embeddings endpoint speaking the OpenAI dialect.
type OpenAIEmbedder struct {
	client *openai.Client
	model  string
}

func NewOpenAIEmbedder(cfg config.ProviderConfig, model string) (*OpenAIEmbedder, error) {
	apiKey := os.Getenv(cfg.APIKeyEnv)
	if apiKey == "" && cfg.APIKeyEnv != "" {
		return nil, fmt.Errorf("indexer: env %s is not set", cfg.APIKeyEnv)
	}
	clientConfig := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	return &OpenAIEmbedder{
		client: openai.NewClientWithConfig(clientConfig),
		model:  model,
	}, nil
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(e.model),
	})
	if err != nil {
		metrics.EmbeddingRequests.WithLabelValues(e.model, "error").Inc()
		return nil, fmt.Errorf("indexer: embed %d texts: %w", len(texts), err)
	}
	if len(resp.Data) != len(texts) {
		metrics.EmbeddingRequests.WithLabelValues(e.model, "error").Inc()
		return nil, fmt.Errorf("indexer: got %d embeddings for %d texts", len(resp.Data), len(texts))
	}
	metrics.EmbeddingRequests.WithLabelValues(e.model, "ok").Inc()

	vecs := make([][]float32, len(texts))
	for _, d := range resp.Data {
		vecs[d.Index] = d.Embedding
	}
	return vecs, nil
}
