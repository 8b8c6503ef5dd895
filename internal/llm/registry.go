package llm

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	retry "github.com/avast/retry-go/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/quarry-lab/conductor/internal/config"
)

// Registry resolves provider ids to ready-to-use clients. Each registered
// client is wrapped with a token-bucket rate limiter and transient retries.
type Registry struct {
	logger    *zap.Logger
	defaultID string

	mu      sync.RWMutex
	entries map[string]*entry
}

type entry struct {
	client  Client
	models  map[string]string
	limiter *rate.Limiter
}

// NewRegistry builds clients for every configured provider.
func NewRegistry(cfg config.ProvidersConfig, logger *zap.Logger) (*Registry, error) {
	r := &Registry{
		logger:    logger,
		defaultID: cfg.Default,
		entries:   make(map[string]*entry, len(cfg.Entries)),
	}
	for id, pc := range cfg.Entries {
		var (
			base Client
			err  error
		)
		switch pc.Kind {
		case "anthropic":
			base, err = NewAnthropicClient(id, pc)
		default:
			base, err = NewOpenAIClient(id, pc)
		}
		if err != nil {
			return nil, err
		}
		r.entries[id] = &entry{
			client:  base,
			models:  pc.Models,
			limiter: newLimiter(pc.RateLimit, pc.Burst),
		}
		logger.Info("Registered model provider",
			zap.String("provider", id),
			zap.String("kind", pc.Kind),
			zap.Float64("rate_limit", pc.RateLimit),
		)
	}
	return r, nil
}

func newLimiter(limit float64, burst int) *rate.Limiter {
	if limit <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(limit), burst)
}

// Client returns the wrapped client for a provider id; the empty id resolves
// to the configured default.
func (r *Registry) Client(id string) (Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if id == "" {
		id = r.defaultID
	}
	e, ok := r.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, id)
	}
	return &wrapped{provider: id, entry: e, logger: r.logger}, nil
}

// ModelFor resolves the model id for a role ("default", "fast", role names).
// Unknown roles fall back to the provider's default model.
func (r *Registry) ModelFor(id, role string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if id == "" {
		id = r.defaultID
	}
	e, ok := r.entries[id]
	if !ok {
		return ""
	}
	if m, ok := e.models[role]; ok {
		return m
	}
	return e.models["default"]
}

// SetRateLimit replaces a provider's token bucket; used by config hot reload.
func (r *Registry) SetRateLimit(id string, limit float64, burst int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		e.limiter = newLimiter(limit, burst)
	}
}

// wrapped adds the rate limiter and the transient retry policy (2 retries)
// around a provider client.
type wrapped struct {
	provider string
	entry    *entry
	logger   *zap.Logger
}

func (w *wrapped) Provider() string { return w.provider }

func (w *wrapped) Chat(ctx context.Context, req Request) (Response, error) {
	var resp Response
	err := retry.Do(
		func() error {
			if err := w.entry.limiter.Wait(ctx); err != nil {
				return err
			}
			var err error
			resp, err = w.entry.client.Chat(ctx, req)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.LastErrorOnly(true),
		retry.RetryIf(IsTransient),
		retry.DelayType(func(n uint, _ error, _ *retry.Config) time.Duration {
			base := 500 * time.Millisecond << n
			return base + time.Duration(rand.Int63n(int64(base/2)))
		}),
		retry.OnRetry(func(n uint, err error) {
			w.logger.Warn("Retrying model call",
				zap.String("provider", w.provider),
				zap.Uint("attempt", n+1),
				zap.Error(err),
			)
		}),
	)
	return resp, err
}
