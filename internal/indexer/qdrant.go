package indexer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/quarry-lab/conductor/internal/circuitbreaker"
	"github.com/quarry-lab/conductor/internal/metrics"
	"github.com/quarry-lab/conductor/internal/tracing"
)

// ErrUnavailable marks transient vector-store failures.
var ErrUnavailable = errors.New("indexer: vector store unavailable")

const maxResponseBytes = 4 << 20

// Point is one stored chunk vector with its payload.
type Point struct {
	ID      string         `json:"id"`
	Vector  []float32      `json:"vector"`
	Payload map[string]any `json:"payload,omitempty"`
}

// ScoredPoint is a query hit.
type ScoredPoint struct {
	ID      string
	Score   float64
	Payload map[string]any
}

// Qdrant is a minimal HTTP client for one collection.
type Qdrant struct {
	baseURL    string
	collection string
	client     *http.Client
	breaker    *circuitbreaker.Breaker
	logger     *zap.Logger
}

// NewQdrant creates the client. The breaker is optional.
func NewQdrant(baseURL, collection string, timeout time.Duration, breaker *circuitbreaker.Breaker, logger *zap.Logger) *Qdrant {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Qdrant{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		collection: collection,
		client:     &http.Client{Timeout: timeout},
		breaker:    breaker,
		logger:     logger,
	}
}

// Upsert writes points into the collection.
func (q *Qdrant) Upsert(ctx context.Context, points []Point) error {
	body := map[string]any{"points": points}
	err := q.do(ctx, "upsert", http.MethodPut,
		"/collections/"+q.collection+"/points?wait=true", body, nil)
	metrics.VectorOps.WithLabelValues("upsert", statusLabel(err)).Inc()
	return err
}

// Delete removes points by id.
func (q *Qdrant) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	body := map[string]any{"points": ids}
	err := q.do(ctx, "delete", http.MethodPost,
		"/collections/"+q.collection+"/points/delete?wait=true", body, nil)
	metrics.VectorOps.WithLabelValues("delete", statusLabel(err)).Inc()
	return err
}

type queryRequest struct {
	Query          []float32      `json:"query"`
	Limit          int            `json:"limit"`
	ScoreThreshold *float64       `json:"score_threshold,omitempty"`
	WithPayload    bool           `json:"with_payload"`
	Filter         map[string]any `json:"filter,omitempty"`
}

type queryResponse struct {
	Result struct {
		Points []struct {
			ID      any            `json:"id"`
			Score   float64        `json:"score"`
			Payload map[string]any `json:"payload"`
		} `json:"points"`
	} `json:"result"`
}

// Query runs a nearest-neighbour search with an optional payload filter.
func (q *Qdrant) Query(ctx context.Context, vector []float32, filter map[string]any, limit int, threshold float64) ([]ScoredPoint, error) {
	req := queryRequest{Query: vector, Limit: limit, WithPayload: true, Filter: filter}
	if threshold > 0 {
		req.ScoreThreshold = &threshold
	}
	var resp queryResponse
	err := q.do(ctx, "query", http.MethodPost,
		"/collections/"+q.collection+"/points/query", req, &resp)
	metrics.VectorOps.WithLabelValues("query", statusLabel(err)).Inc()
	if err != nil {
		return nil, err
	}

	hits := make([]ScoredPoint, 0, len(resp.Result.Points))
	for _, p := range resp.Result.Points {
		hits = append(hits, ScoredPoint{
			ID:      fmt.Sprintf("%v", p.ID),
			Score:   p.Score,
			Payload: p.Payload,
		})
	}
	return hits, nil
}

func (q *Qdrant) do(ctx context.Context, op, method, path string, reqBody, respBody any) error {
	fn := func(ctx context.Context) error {
		return q.doOnce(ctx, method, path, reqBody, respBody)
	}

	var err error
	if q.breaker != nil {
		err = q.breaker.Execute(ctx, fn)
		if errors.Is(err, circuitbreaker.ErrOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
			err = fmt.Errorf("%w: circuit open", ErrUnavailable)
		}
	} else {
		err = fn(ctx)
	}
	if err != nil {
		q.logger.Warn("Vector store operation failed",
			zap.String("op", op), zap.Error(err))
	}
	return err
}

func (q *Qdrant) doOnce(ctx context.Context, method, path string, reqBody, respBody any) error {
	raw, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("indexer: marshal request: %w", err)
	}

	url := q.baseURL + path
	ctx, span := tracing.StartHTTPSpan(ctx, method, url)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)

	resp, err := q.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("indexer: qdrant status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if respBody != nil {
		if err := json.Unmarshal(body, respBody); err != nil {
			return fmt.Errorf("indexer: decode response: %w", err)
		}
	}
	return nil
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
