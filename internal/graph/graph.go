package graph

import (
	"context"
	"fmt"

	"github.com/quarry-lab/conductor/internal/messages"
)

// Synthetic terminal nodes.
const (
	Start = "__start__"
	End   = "__end__"
)

// NodeFunc is one unit of state transition. It returns a partial update, or a
// Command to jump, or an Interrupt to suspend; errors finalize the run.
type NodeFunc func(ctx context.Context, s *State) (NodeResult, error)

// NodeResult carries a node's outcome. At most one of Command and Interrupt
// may be set; Update applies in every case except Interrupt.
type NodeResult struct {
	Update    map[string]any
	Command   *Command
	Interrupt *Interrupt
}

// Command jumps to a named node, optionally updating state first.
type Command struct {
	Goto   string
	Update map[string]any
}

// Interrupt suspends the run until the user answers. Payload is the frame
// shown to the client.
type Interrupt struct {
	Payload messages.Message
}

// InterruptWith is the NodeResult a node returns to suspend.
func InterruptWith(payload messages.Message) (NodeResult, error) {
	return NodeResult{Interrupt: &Interrupt{Payload: payload}}, nil
}

// RouterFunc picks the next node from committed state.
type RouterFunc func(s *State) string

// StateGraph is the builder. Construct, add nodes and edges, then Compile.
type StateGraph struct {
	name         string
	schema       Schema
	nodes        map[string]NodeFunc
	edges        map[string]string
	conditionals map[string]RouterFunc
	entry        string
}

// NewStateGraph starts a graph over the given schema.
func NewStateGraph(name string, schema Schema) *StateGraph {
	return &StateGraph{
		name:         name,
		schema:       schema,
		nodes:        make(map[string]NodeFunc),
		edges:        make(map[string]string),
		conditionals: make(map[string]RouterFunc),
	}
}

// AddNode registers a node.
func (g *StateGraph) AddNode(name string, fn NodeFunc) *StateGraph {
	g.nodes[name] = fn
	return g
}

// AddEdge adds a static edge from -> to. to may be End.
func (g *StateGraph) AddEdge(from, to string) *StateGraph {
	if from == Start {
		g.entry = to
		return g
	}
	g.edges[from] = to
	return g
}

// AddConditionalEdge routes from through a function of the committed state.
func (g *StateGraph) AddConditionalEdge(from string, router RouterFunc) *StateGraph {
	g.conditionals[from] = router
	return g
}

// SetEntryPoint names the first node; equivalent to AddEdge(Start, name).
func (g *StateGraph) SetEntryPoint(name string) *StateGraph {
	g.entry = name
	return g
}

// Compile validates the topology and returns a Runnable.
func (g *StateGraph) Compile() (*Runnable, error) {
	if g.entry == "" {
		return nil, fmt.Errorf("graph %s: no entry point", g.name)
	}
	if _, ok := g.nodes[g.entry]; !ok {
		return nil, fmt.Errorf("graph %s: entry node %q not registered", g.name, g.entry)
	}
	for from, to := range g.edges {
		if _, ok := g.nodes[from]; !ok {
			return nil, fmt.Errorf("graph %s: edge from unknown node %q", g.name, from)
		}
		if to != End {
			if _, ok := g.nodes[to]; !ok {
				return nil, fmt.Errorf("graph %s: edge %q -> unknown node %q", g.name, from, to)
			}
		}
	}
	for from := range g.conditionals {
		if _, ok := g.nodes[from]; !ok {
			return nil, fmt.Errorf("graph %s: conditional edge from unknown node %q", g.name, from)
		}
	}
	// Nodes without an outgoing edge are legal: they must return a Command,
	// and a missing next node is diagnosed at runtime as a fatal run error.
	return &Runnable{graph: g}, nil
}
