// Package interceptor records model traffic for the streaming UI. Every
// completion that passes through a Recorder is tagged with the owning agent's
// identity and queued until the node drains it.
package interceptor

import (
	"context"
	"time"

	"github.com/quarry-lab/conductor/internal/llm"
	"github.com/quarry-lab/conductor/internal/messages"
	"github.com/quarry-lab/conductor/internal/metrics"
)

// Stream distinguishes normal completions from format-repair retries.
type Stream string

const (
	StreamPrimary Stream = "primary"
	StreamFixing  Stream = "fixing"
)

// Recorder wraps a model client. It implements llm.Client so agents use it in
// place of the raw client. Recorders belong to a single node goroutine; they
// are not safe for concurrent use.
type Recorder struct {
	client    llm.Client
	agentType string
	stream    Stream

	calls    int
	captured []messages.Message
	usage    messages.Usage
}

// NewRecorder creates a recorder tagging captures with agentType.
func NewRecorder(client llm.Client, agentType string, stream Stream) *Recorder {
	return &Recorder{client: client, agentType: agentType, stream: stream}
}

// Provider passes through to the wrapped client.
func (r *Recorder) Provider() string { return r.client.Provider() }

// Chat invokes the model and captures the tagged completion.
func (r *Recorder) Chat(ctx context.Context, req llm.Request) (llm.Response, error) {
	start := time.Now()
	resp, err := r.client.Chat(ctx, req)
	r.calls++

	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.RecordModelCall(r.client.Provider(), string(r.stream), status,
		time.Since(start).Seconds(), resp.Usage.PromptTokens, resp.Usage.CompletionTokens)

	if err != nil {
		return resp, err
	}

	tagged := resp.Message.WithAgentType(r.agentType)
	tagged.Kwargs[messages.KwargUsage] = resp.Usage
	r.captured = append(r.captured, tagged)
	r.usage.Add(resp.Usage)

	resp.Message = tagged
	return resp, nil
}

// Record captures a message the recorder did not produce itself, typically a
// tool result emitted between model calls.
func (r *Recorder) Record(m messages.Message) {
	r.captured = append(r.captured, m.WithAgentType(r.agentType))
}

// Drain returns everything captured since the last drain, in call order.
func (r *Recorder) Drain() []messages.Message {
	out := r.captured
	r.captured = nil
	return out
}

// CallCount reports how many model calls went through, drained or not.
func (r *Recorder) CallCount() int { return r.calls }

// Usage reports the cumulative token accounting.
func (r *Recorder) Usage() messages.Usage { return r.usage }

// AgentType returns the identity this recorder tags with.
func (r *Recorder) AgentType() string { return r.agentType }

// Pair bundles the primary and fixing recorders one agent uses.
type Pair struct {
	Primary *Recorder
	Fixing  *Recorder
}

// NewPair creates both recorders over the same client and identity.
func NewPair(client llm.Client, agentType string) Pair {
	return Pair{
		Primary: NewRecorder(client, agentType, StreamPrimary),
		Fixing:  NewRecorder(client, agentType, StreamFixing),
	}
}

// Drain merges both streams, primary first.
func (p Pair) Drain() []messages.Message {
	out := p.Primary.Drain()
	return append(out, p.Fixing.Drain()...)
}

// Usage sums both streams' token accounting.
func (p Pair) Usage() messages.Usage {
	u := p.Primary.Usage()
	u.Add(p.Fixing.Usage())
	return u
}
