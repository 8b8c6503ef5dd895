// Package llm provides the model-provider layer: a narrow chat client
// interface, OpenAI-compatible and Anthropic implementations, and a registry
// that wires retries and rate limits around them.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net"

	"github.com/quarry-lab/conductor/internal/messages"
)

// ErrProviderNotFound indicates the requested provider id is not registered.
var ErrProviderNotFound = errors.New("llm: provider not found")

// ToolSpec describes one tool offered to the model. Schema is a full JSON
// Schema object for the tool's parameters.
type ToolSpec struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// Request is one chat invocation.
type Request struct {
	Model     string
	System    string
	Messages  []messages.Message
	Tools     []ToolSpec
	MaxTokens int
	// JSONMode asks the provider for a JSON-only completion where supported.
	JSONMode bool
}

// Response carries the completion and its token accounting.
type Response struct {
	Message messages.Message
	Usage   messages.Usage
}

// Client is the narrow surface the rest of the system sees. Implementations
// must be safe for concurrent use.
type Client interface {
	Chat(ctx context.Context, req Request) (Response, error)
	Provider() string
}

// Source resolves provider clients and model ids per role. *Registry is the
// production implementation.
type Source interface {
	Client(id string) (Client, error)
	ModelFor(id, role string) string
}

// IsTransient classifies provider failures the caller may retry: rate limits,
// server errors, and dropped connections. Context cancellation is permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var se statusErr
	if errors.As(err, &se) {
		code := se.statusCode()
		return code == 408 || code == 429 || code >= 500
	}
	return false
}

// statusErr is satisfied by the provider SDK error types via the adapters in
// openai.go and anthropic.go.
type statusErr interface {
	error
	statusCode() int
}

type httpStatusErr struct {
	err  error
	code int
}

func (e httpStatusErr) Error() string   { return e.err.Error() }
func (e httpStatusErr) Unwrap() error   { return e.err }
func (e httpStatusErr) statusCode() int { return e.code }
