// Package subgraph defines the contract between the planner and the workflow
// graphs it can hand a conversation to, plus the registry of available ones.
package subgraph

import (
	"context"
	"sort"
	"sync"

	"github.com/quarry-lab/conductor/internal/graph"
	"github.com/quarry-lab/conductor/internal/messages"
)

// Request carries everything a subgraph needs about the conversation it is
// being invoked for.
type Request struct {
	RunID          string
	UserID         string
	ConversationID string
	// Text is the user's request verbatim.
	Text string
	// Provider selects the model provider; empty means the default.
	Provider string
	// FileIDs are the store ids of the files referenced by the request.
	FileIDs []string
	// DirectoryContent lists the referenced filenames, newline separated,
	// for prompts that describe the working directory.
	DirectoryContent string
	// History is the prior conversation, oldest first.
	History []messages.Message
}

// InputMapper shapes a request into the subgraph's initial state update.
type InputMapper func(req Request) map[string]any

// OutputMapper extracts the user-facing final message from the finished
// state.
type OutputMapper func(s *graph.State) messages.Message

// Subgraph is one registered workflow a planner can route to.
type Subgraph struct {
	Name        string
	Description string
	Graph       *graph.Runnable
	Input       InputMapper
	Output      OutputMapper
	// Cleanup releases per-conversation resources after the run, if any.
	Cleanup func(ctx context.Context, req Request)
}

// Invoke runs the subgraph over the request's initial state.
func (s *Subgraph) Invoke(ctx context.Context, req Request, opts graph.Options) (*graph.Result, error) {
	return s.Graph.Invoke(ctx, s.Input(req), opts)
}

// Resume continues the subgraph's paused run with the user's answer.
func (s *Subgraph) Resume(ctx context.Context, runID, userInput string, opts graph.Options) (*graph.Result, error) {
	return s.Graph.Resume(ctx, runID, userInput, opts)
}

// Factory builds subgraph instances on demand. Construction is deferred to
// the moment a run routes into the subgraph so per-conversation resources
// (a sandbox, request-bound tools) are only acquired when actually needed.
type Factory struct {
	Name        string
	Description string
	Build       func(ctx context.Context, req Request) (*Subgraph, error)
}

// Registry holds the subgraph factories a deployment offers. A session builds
// a per-request catalogue from it, since availability depends on the request
// (the data-science graph needs a CSV).
type Registry struct {
	mu        sync.RWMutex
	factories map[string]*Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]*Factory)}
}

// Register adds or replaces a factory under its name.
func (r *Registry) Register(f *Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[f.Name] = f
}

// Get looks a factory up by name.
func (r *Registry) Get(name string) (*Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[name]
	return f, ok
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Catalogue resolves a name list into factories, skipping unknown names. The
// planner advertises exactly this set to the model.
func (r *Registry) Catalogue(names []string) []*Factory {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Factory, 0, len(names))
	for _, name := range names {
		if f, ok := r.factories[name]; ok {
			out = append(out, f)
		}
	}
	return out
}
