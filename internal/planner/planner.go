// Package planner routes each request: its single agent either answers the
// user directly or hands the conversation to a workflow from the per-request
// catalogue.
package planner

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/quarry-lab/conductor/internal/agent"
	"github.com/quarry-lab/conductor/internal/config"
	"github.com/quarry-lab/conductor/internal/graph"
	"github.com/quarry-lab/conductor/internal/llm"
	"github.com/quarry-lab/conductor/internal/messages"
	"github.com/quarry-lab/conductor/internal/subgraph"
	"github.com/quarry-lab/conductor/internal/tools"
)

// Name is the routing agent's identity; terminal messages are tagged
// "<name>_end" and handoffs "<name>_subgraph_<workflow>".
const Name = "planner"

// FieldChoice holds the routed workflow name between nodes.
const FieldChoice = "choice"

// Node names.
const (
	nodeChoose   = "planner"
	nodeSubgraph = "subgraph"
)

const promptTemplate = `%s

You can answer the user directly, or hand the conversation to one of the
workflows below when it clearly fits the request.

Available workflows:
%s

To hand off, respond with exactly <choice>workflow_name</choice> and nothing
else. To answer yourself, just answer; never use the choice tag otherwise.`

// Planner holds the deployment-level pieces every run shares.
type Planner struct {
	cfg    *config.Config
	models llm.Source
	snaps  graph.SnapshotStore
	logger *zap.Logger
}

// New wires a planner.
func New(cfg *config.Config, models llm.Source, snaps graph.SnapshotStore, logger *zap.Logger) *Planner {
	return &Planner{cfg: cfg, models: models, snaps: snaps, logger: logger}
}

// Run is one request's routing execution. It owns the built subgraph
// instance so an interrupted workflow can be resumed.
type Run struct {
	planner   *Planner
	req       subgraph.Request
	catalogue map[string]*subgraph.Factory
	agent     *agent.Agent
	runnable  *graph.Runnable
	emit      func(graph.Event)
	system    string

	chosen *subgraph.Subgraph
}

// NewRun prepares a routing run over the request's catalogue. system is the
// per-request system prompt (date, retrieval and dataset preambles).
func (p *Planner) NewRun(req subgraph.Request, catalogue []*subgraph.Factory, system string, emit func(graph.Event)) (*Run, error) {
	client, err := p.models.Client(req.Provider)
	if err != nil {
		return nil, fmt.Errorf("planner: %w", err)
	}
	ag, err := agent.New(client, agent.Config{
		Name:      Name,
		AgentType: Name + "_end",
		Model:     p.models.ModelFor(req.Provider, "planner"),
		MaxIters:  p.cfg.Agents.MaxAgentIters,
	}, p.logger)
	if err != nil {
		return nil, err
	}

	r := &Run{
		planner:   p,
		req:       req,
		catalogue: make(map[string]*subgraph.Factory, len(catalogue)),
		agent:     ag,
		emit:      emit,
		system:    fmt.Sprintf(promptTemplate, system, catalogueXML(catalogue)),
	}
	for _, f := range catalogue {
		r.catalogue[f.Name] = f
	}

	g := graph.NewStateGraph(Name, graph.BaseSchema().Merge(graph.Schema{
		FieldChoice: {Kind: graph.KindString, Reduce: graph.Replace},
	}))
	g.AddNode(nodeChoose, r.chooseNode)
	g.AddNode(nodeSubgraph, r.subgraphNode)
	g.AddEdge(graph.Start, nodeChoose)
	g.AddEdge(nodeChoose, graph.End)
	g.AddEdge(nodeSubgraph, graph.End)

	runnable, err := g.Compile()
	if err != nil {
		return nil, err
	}
	r.runnable = runnable.WithSnapshots(p.snaps).WithLogger(p.logger)
	return r, nil
}

// catalogueXML renders the workflows the model may choose from.
func catalogueXML(catalogue []*subgraph.Factory) string {
	if len(catalogue) == 0 {
		return "(none available)"
	}
	var sb strings.Builder
	for _, f := range catalogue {
		fmt.Fprintf(&sb, "<subgraph name=%q>%s</subgraph>\n", f.Name, f.Description)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (r *Run) opts() graph.Options {
	return graph.Options{
		RunID:       r.req.RunID,
		OnEvent:     r.emit,
		NodeTimeout: r.planner.cfg.Graph.NodeTimeout,
	}
}

func (r *Run) innerOpts(name string) graph.Options {
	o := r.opts()
	o.RunID = r.req.RunID + ":" + name
	return o
}

// Invoke starts the routing run.
func (r *Run) Invoke(ctx context.Context) (*graph.Result, error) {
	history := append(append([]messages.Message(nil), r.req.History...),
		messages.NewHuman(r.req.Text))
	return r.runnable.Invoke(ctx, map[string]any{
		graph.FieldInternalMessages: history,
	}, r.opts())
}

// Resume continues the run after an interrupt with the user's reply.
func (r *Run) Resume(ctx context.Context, input string) (*graph.Result, error) {
	return r.runnable.Resume(ctx, r.req.RunID, input, r.opts())
}

// PendingInterrupt returns the frame to replay after a reconnect, if the run
// is paused.
func (r *Run) PendingInterrupt(ctx context.Context) (*graph.Interrupt, bool) {
	return r.runnable.PendingInterrupt(ctx, r.req.RunID)
}

// Output extracts the run's terminal user-facing message.
func Output(s *graph.State) (messages.Message, bool) {
	return s.LastInternal()
}

func (r *Run) chooseNode(ctx context.Context, s *graph.State) (graph.NodeResult, error) {
	res := r.agent.Run(ctx, r.system, s.Messages(graph.FieldInternalMessages))
	captured := res.Captured

	name := chosenWorkflow(res.Final.Content)
	if name == "" || name == "end" || res.Err != nil {
		// Direct answer; already tagged "<planner>_end".
		return graph.NodeResult{Command: &graph.Command{
			Goto: graph.End,
			Update: map[string]any{
				graph.FieldInternalMessages: captured,
				graph.FieldMessages:         captured,
			},
		}}, nil
	}

	if _, ok := r.catalogue[name]; !ok {
		refusal := messages.NewAI(fmt.Sprintf(
			"I am not able to route to the %s subgraph as it is not available", name)).
			WithAgentType(Name + "_end").
			WithKwarg(messages.KwargErrorType, "non_existent_subgraph")
		captured = append(captured, refusal)
		return graph.NodeResult{Command: &graph.Command{
			Goto: graph.End,
			Update: map[string]any{
				graph.FieldInternalMessages: captured,
				graph.FieldMessages:         captured,
			},
		}}, nil
	}

	// Re-tag the handoff message with the routed workflow.
	if len(captured) > 0 {
		last := len(captured) - 1
		captured[last] = captured[last].WithAgentType(Name + "_subgraph_" + name)
	}
	return graph.NodeResult{Command: &graph.Command{
		Goto: nodeSubgraph,
		Update: map[string]any{
			FieldChoice:                 name,
			graph.FieldInternalMessages: captured,
			graph.FieldMessages:         captured,
		},
	}}, nil
}

// chosenWorkflow parses the <choice> tag from the routing completion.
func chosenWorkflow(content string) string {
	params, ok := tools.ParseTagBlock(content)
	if !ok {
		return ""
	}
	return strings.TrimSpace(params.String("choice"))
}

func (r *Run) subgraphNode(ctx context.Context, s *graph.State) (graph.NodeResult, error) {
	name := s.String(FieldChoice)

	if r.chosen == nil {
		factory, ok := r.catalogue[name]
		if !ok {
			return graph.NodeResult{}, fmt.Errorf("%w: %q", graph.ErrUnknownNode, name)
		}
		built, err := factory.Build(ctx, r.req)
		if err != nil {
			return r.subgraphFailure(name, err), nil
		}
		r.chosen = built
	}

	var innerRes *graph.Result
	var err error
	if input, resumed := s.ResumeInput(); resumed {
		innerRes, err = r.chosen.Resume(ctx, r.innerOpts(name).RunID, input, r.innerOpts(name))
	} else {
		innerRes, err = r.chosen.Invoke(ctx, r.req, r.innerOpts(name))
	}
	if err != nil {
		return r.subgraphFailure(name, err), nil
	}

	if innerRes.Status == graph.StatusInterrupted {
		return graph.NodeResult{Interrupt: innerRes.Interrupt}, nil
	}

	out := r.chosen.Output(innerRes.State)
	return graph.NodeResult{Update: map[string]any{
		graph.FieldInternalMessages: []messages.Message{out},
		graph.FieldMessages:         []messages.Message{out},
	}}, nil
}

func (r *Run) subgraphFailure(name string, err error) graph.NodeResult {
	r.planner.logger.Error("Subgraph run failed",
		zap.String("subgraph", name), zap.Error(err))
	msg := messages.NewAI(fmt.Sprintf("The %s workflow failed: %v", name, err)).
		WithAgentType(Name + "_end").
		WithKwarg(messages.KwargErrorType, "subgraph_failed")
	return graph.NodeResult{Update: map[string]any{
		graph.FieldInternalMessages: []messages.Message{msg},
		graph.FieldMessages:         []messages.Message{msg},
	}}
}
