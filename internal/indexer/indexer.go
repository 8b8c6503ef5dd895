// Package indexer stores extracted document chunks in a vector database and
// answers semantic queries over them. It backs the file service's PDF
// indexing and the doc_search tool.
package indexer

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quarry-lab/conductor/internal/config"
	"github.com/quarry-lab/conductor/internal/store"
)

// Chunk is one retrieved passage.
type Chunk struct {
	FileID   string  `json:"file_id"`
	Filename string  `json:"filename"`
	Text     string  `json:"text"`
	Score    float64 `json:"score"`
}

// Service embeds chunks and round-trips them through the vector store.
// Points are scoped to their owner in the payload; every query filters on it.
type Service struct {
	cfg    config.IndexerConfig
	embed  Embedder
	qdrant *Qdrant
	logger *zap.Logger
}

func New(cfg config.IndexerConfig, embed Embedder, qdrant *Qdrant, logger *zap.Logger) *Service {
	return &Service{cfg: cfg, embed: embed, qdrant: qdrant, logger: logger}
}

// Index embeds the chunks and stores one point per chunk. The returned ids
// let the caller delete the vectors when the file goes away.
func (s *Service) Index(ctx context.Context, userID string, meta store.FileMeta, chunks []string) ([]string, error) {
	if len(chunks) == 0 {
		return nil, nil
	}
	vecs, err := s.embed.Embed(ctx, chunks)
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(chunks))
	points := make([]Point, len(chunks))
	for i, text := range chunks {
		ids[i] = uuid.New().String()
		points[i] = Point{
			ID:     ids[i],
			Vector: vecs[i],
			Payload: map[string]any{
				"user_id":         userID,
				"file_id":         meta.FileID,
				"conversation_id": meta.ConversationID,
				"filename":        meta.Filename,
				"chunk":           i,
				"text":            text,
			},
		}
	}
	if err := s.qdrant.Upsert(ctx, points); err != nil {
		return nil, err
	}
	return ids, nil
}

// Remove deletes the given vectors.
func (s *Service) Remove(ctx context.Context, _ string, vectorIDs []string) error {
	return s.qdrant.Delete(ctx, vectorIDs)
}

// Search returns the user's best-matching chunks for a query.
func (s *Service) Search(ctx context.Context, userID, query string, limit int) ([]Chunk, error) {
	vecs, err := s.embed.Embed(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("indexer: expected one query embedding, got %d", len(vecs))
	}
	if limit <= 0 {
		limit = s.cfg.TopK
	}

	filter := map[string]any{
		"must": []map[string]any{
			{"key": "user_id", "match": map[string]any{"value": userID}},
		},
	}
	hits, err := s.qdrant.Query(ctx, vecs[0], filter, limit, s.cfg.ScoreThreshold)
	if err != nil {
		return nil, err
	}

	chunks := make([]Chunk, 0, len(hits))
	for _, h := range hits {
		c := Chunk{Score: h.Score}
		c.FileID, _ = h.Payload["file_id"].(string)
		c.Filename, _ = h.Payload["filename"].(string)
		c.Text, _ = h.Payload["text"].(string)
		chunks = append(chunks, c)
	}
	return chunks, nil
}
