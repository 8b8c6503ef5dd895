// Package tools implements the uniform tool surface agents call through:
// schema generation, parameter normalization, and bounded dispatch.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/invopop/jsonschema"
	"go.uber.org/zap"

	"github.com/quarry-lab/conductor/internal/llm"
)

// ErrBadArgs indicates a call was missing required parameters.
var ErrBadArgs = errors.New("tools: bad arguments")

// Params holds normalized tool parameters.
type Params map[string]any

// String returns a string parameter, rendering non-strings with %v.
func (p Params) String(key string) string {
	v, ok := p[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// Int returns an integer parameter, tolerating float decoding.
func (p Params) Int(key string) (int, bool) {
	switch v := p[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

// StringSlice returns a list parameter. A bare string reads as a one-element
// list so models can pass either form.
func (p Params) StringSlice(key string) []string {
	switch v := p[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprintf("%v", item))
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	default:
		return nil
	}
}

// Tool is one callable capability offered to models.
type Tool interface {
	Name() string
	Description() string
	Schema() json.RawMessage
	Invoke(ctx context.Context, params Params) (string, error)
}

// GenerateSchema reflects a parameter struct into a JSON Schema object.
func GenerateSchema[T any]() json.RawMessage {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	var v T
	schema := reflector.Reflect(v)
	raw, err := json.Marshal(schema)
	if err != nil {
		// Reflection of a plain struct cannot fail to marshal.
		panic(fmt.Sprintf("tools: marshal schema: %v", err))
	}
	return raw
}

// regEntry caches the schema's parameter names so dispatch can validate
// without re-parsing per call.
type regEntry struct {
	tool     Tool
	known    map[string]bool
	required []string
}

// Registry holds the tools available to one agent or subgraph.
type Registry struct {
	logger *zap.Logger

	mu      sync.RWMutex
	entries map[string]*regEntry
	order   []string
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		logger:  logger,
		entries: make(map[string]*regEntry),
	}
}

// Register adds a tool. Re-registering a name replaces it.
func (r *Registry) Register(t Tool) {
	entry := &regEntry{tool: t, known: make(map[string]bool)}

	var schema struct {
		Properties map[string]json.RawMessage `json:"properties"`
		Required   []string                   `json:"required"`
	}
	if err := json.Unmarshal(t.Schema(), &schema); err == nil {
		for name := range schema.Properties {
			entry.known[name] = true
		}
		entry.required = schema.Required
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[t.Name()]; !exists {
		r.order = append(r.order, t.Name())
	}
	r.entries[t.Name()] = entry
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return e.tool, true
}

// Specs renders every registered tool for a model call, in registration order.
func (r *Registry) Specs() []llm.ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]llm.ToolSpec, 0, len(r.order))
	for _, name := range r.order {
		e := r.entries[name]
		out = append(out, llm.ToolSpec{
			Name:        e.tool.Name(),
			Description: e.tool.Description(),
			Schema:      e.tool.Schema(),
		})
	}
	return out
}

// Names lists registered tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// validate drops unknown parameters (with a warning) and enforces required
// ones.
func (r *Registry) validate(name string, params Params) (Params, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return params, nil
	}
	if len(e.known) > 0 {
		for key := range params {
			if !e.known[key] {
				r.logger.Warn("Ignoring unknown tool parameter",
					zap.String("tool", name),
					zap.String("param", key),
				)
				delete(params, key)
			}
		}
	}
	for _, req := range e.required {
		if _, ok := params[req]; !ok {
			return nil, fmt.Errorf("%w: %s requires %q", ErrBadArgs, name, req)
		}
	}
	return params, nil
}
