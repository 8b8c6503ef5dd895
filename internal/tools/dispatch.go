package tools

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quarry-lab/conductor/internal/messages"
	"github.com/quarry-lab/conductor/internal/metrics"
)

// Dispatch runs one tool call and always returns a tool message: failures,
// timeouts, and unknown tools become textual results so the agent loop keeps
// going.
func (r *Registry) Dispatch(ctx context.Context, call messages.ToolCall, timeout time.Duration) messages.Message {
	start := time.Now()
	result, status := r.dispatch(ctx, call, timeout)
	metrics.RecordToolInvocation(call.Name, status, time.Since(start).Seconds())
	return messages.NewTool(result, call.Name, call.ID)
}

func (r *Registry) dispatch(ctx context.Context, call messages.ToolCall, timeout time.Duration) (string, string) {
	tool, ok := r.Get(call.Name)
	if !ok {
		return fmt.Sprintf("Error: unknown tool %q", call.Name), "unknown"
	}

	params, err := r.validate(call.Name, Normalize(call.Arguments))
	if err != nil {
		return "Error: " + err.Error(), "bad_args"
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	result, err := tool.Invoke(ctx, params)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		r.logger.Warn("Tool timed out",
			zap.String("tool", call.Name),
			zap.Duration("timeout", timeout),
		)
		return fmt.Sprintf("Error: tool %s timed out after %s", call.Name, timeout), "timeout"
	case errors.Is(err, context.Canceled):
		return fmt.Sprintf("Error: tool %s was cancelled", call.Name), "cancelled"
	case err != nil:
		r.logger.Warn("Tool failed",
			zap.String("tool", call.Name),
			zap.Error(err),
		)
		return fmt.Sprintf("Error: tool %s failed: %v", call.Name, err), "error"
	}
	return result, "ok"
}

// DispatchParallel fans out independent calls on a bounded worker pool,
// returning results in call order. Search fan-out is the only caller; every
// other site dispatches sequentially.
func (r *Registry) DispatchParallel(ctx context.Context, calls []messages.ToolCall, timeout time.Duration, maxWorkers int) []messages.Message {
	if len(calls) <= 1 || maxWorkers <= 1 {
		out := make([]messages.Message, len(calls))
		for i, call := range calls {
			out[i] = r.Dispatch(ctx, call, timeout)
		}
		return out
	}

	out := make([]messages.Message, len(calls))
	sem := make(chan struct{}, maxWorkers)
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call messages.ToolCall) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			out[i] = r.Dispatch(ctx, call, timeout)
		}(i, call)
	}
	wg.Wait()
	return out
}
