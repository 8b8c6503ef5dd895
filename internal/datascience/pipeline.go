package datascience

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/quarry-lab/conductor/internal/agent"
	"github.com/quarry-lab/conductor/internal/config"
	"github.com/quarry-lab/conductor/internal/graph"
	"github.com/quarry-lab/conductor/internal/indexer"
	"github.com/quarry-lab/conductor/internal/llm"
	"github.com/quarry-lab/conductor/internal/messages"
	"github.com/quarry-lab/conductor/internal/sandbox"
	"github.com/quarry-lab/conductor/internal/subgraph"
	"github.com/quarry-lab/conductor/internal/tools"
)

// Structured outputs for the coordinator and reviewer roles.
const processSchema = `{
	"type": "object",
	"properties": {
		"next": {"type": "string"},
		"task": {"type": "string"}
	},
	"required": ["next"]
}`

const qualitySchema = `{
	"type": "object",
	"properties": {
		"passed": {"type": "boolean"},
		"reason": {"type": "string"}
	},
	"required": ["passed"]
}`

// reviewDecision is the reviewer's verdict as stored in state.
type reviewDecision struct {
	Passed bool   `json:"passed"`
	Reason string `json:"reason"`
}

// Builder constructs per-request pipeline instances. A fresh instance is
// built for each routed request because the specialist tools bind to that
// conversation's sandbox.
type Builder struct {
	cfg     *config.Config
	models  llm.Source
	sandbox *sandbox.Manager
	snaps   graph.SnapshotStore
	index   *indexer.Service
	logger  *zap.Logger
}

// NewBuilder wires the pipeline's deployment-level dependencies.
func NewBuilder(cfg *config.Config, models llm.Source, sb *sandbox.Manager, snaps graph.SnapshotStore, logger *zap.Logger) *Builder {
	return &Builder{cfg: cfg, models: models, sandbox: sb, snaps: snaps, logger: logger}
}

// WithDocSearch lets research agents retrieve from the user's indexed
// documents.
func (b *Builder) WithDocSearch(index *indexer.Service) *Builder {
	b.index = index
	return b
}

// Factory registers the pipeline in the subgraph catalogue.
func (b *Builder) Factory() *subgraph.Factory {
	return &subgraph.Factory{
		Name:        SubgraphName,
		Description: Description,
		Build:       b.build,
	}
}

func (b *Builder) build(_ context.Context, req subgraph.Request) (*subgraph.Subgraph, error) {
	client, err := b.models.Client(req.Provider)
	if err != nil {
		return nil, fmt.Errorf("data_science: %w", err)
	}
	binding := b.sandbox.Binding(req.UserID, req.ConversationID, req.FileIDs)

	p := &pipeline{
		binding:      binding,
		maxSelfLoops: b.cfg.Graph.MaxProcessSelfLoops,
		maxQARetries: b.cfg.Graph.MaxQARetries,
		logger:       b.logger,
	}
	var docSearch *tools.DocSearchTool
	if b.index != nil {
		docSearch = &tools.DocSearchTool{Index: b.index, UserID: req.UserID}
	}
	if err := p.buildAgents(client, b.models, req.Provider, b.cfg, binding, docSearch, b.logger); err != nil {
		return nil, err
	}

	runnable, err := p.graph()
	if err != nil {
		return nil, err
	}
	runnable.WithSnapshots(b.snaps).WithLogger(b.logger)

	sb := b.sandbox
	return &subgraph.Subgraph{
		Name:        SubgraphName,
		Description: Description,
		Graph:       runnable,
		Input:       inputState,
		Output:      outputState,
		Cleanup: func(ctx context.Context, req subgraph.Request) {
			sb.Cleanup(ctx, req.UserID, req.ConversationID)
		},
	}, nil
}

// inputState shapes a routed request into the pipeline's initial update.
func inputState(req subgraph.Request) map[string]any {
	return map[string]any{
		graph.FieldInternalMessages: []messages.Message{messages.NewHuman(req.Text)},
		FieldDirectoryContent:       req.DirectoryContent,
	}
}

// outputState extracts the final user-facing message.
func outputState(s *graph.State) messages.Message {
	last, ok := s.LastInternal()
	if !ok {
		last = messages.NewAI("")
	}
	return last.WithAgentType("data_science_end")
}

// pipeline is one request-bound instance: agents over a shared sandbox.
type pipeline struct {
	binding *sandbox.Binding

	hypothesis    *agent.Agent
	process       *agent.Agent
	coder         *agent.Agent
	visualization *agent.Agent
	search        *agent.Agent
	report        *agent.Agent
	quality       *agent.Agent
	note          *agent.Agent
	refiner       *agent.Agent

	maxSelfLoops int
	maxQARetries int
	logger       *zap.Logger
}

func (p *pipeline) buildAgents(client llm.Client, models llm.Source, provider string, cfg *config.Config, binding *sandbox.Binding, docSearch *tools.DocSearchTool, logger *zap.Logger) error {
	hypothesisTools := tools.NewRegistry(logger)
	tools.RegisterSearchTools(hypothesisTools)
	hypothesisTools.Register(&tools.ReadFileTool{Binding: binding})
	hypothesisTools.Register(&tools.DescribeDataTool{Binding: binding})
	if docSearch != nil {
		hypothesisTools.Register(docSearch)
	}

	coderTools := tools.NewRegistry(logger)
	coderTools.Register(&tools.ExecuteCodeTool{Binding: binding})
	coderTools.Register(&tools.PipInstallTool{Binding: binding})
	coderTools.Register(&tools.ListFilesTool{Binding: binding})
	coderTools.Register(&tools.DescribeDataTool{Binding: binding})

	vizTools := tools.NewRegistry(logger)
	vizTools.Register(&tools.ExecuteCodeTool{Binding: binding})

	searchTools := tools.NewRegistry(logger)
	tools.RegisterSearchTools(searchTools)
	if docSearch != nil {
		searchTools.Register(docSearch)
	}

	reportTools := tools.NewRegistry(logger)
	reportTools.Register(&tools.WriteFileTool{Binding: binding})
	reportTools.Register(&tools.ReadFileTool{Binding: binding})

	mk := func(role string, reg *tools.Registry, schema string) (*agent.Agent, error) {
		c := agent.Config{
			Name:      role,
			AgentType: "data_science_" + role,
			Model:     models.ModelFor(provider, role),
			Tools:     reg,
			MaxIters:  cfg.Agents.MaxAgentIters,
		}
		if schema != "" {
			c.OutputSchema = json.RawMessage(schema)
		}
		return agent.New(client, c, logger)
	}

	var err error
	if p.hypothesis, err = mk("hypothesis", hypothesisTools, ""); err != nil {
		return err
	}
	if p.process, err = mk("process", nil, processSchema); err != nil {
		return err
	}
	if p.coder, err = mk("coder", coderTools, ""); err != nil {
		return err
	}
	if p.visualization, err = mk("visualization", vizTools, ""); err != nil {
		return err
	}
	if p.search, err = mk("search", searchTools, ""); err != nil {
		return err
	}
	if p.report, err = mk("report", reportTools, ""); err != nil {
		return err
	}
	if p.quality, err = mk("quality_review", nil, qualitySchema); err != nil {
		return err
	}
	if p.note, err = mk("note_taker", nil, ""); err != nil {
		return err
	}
	p.refiner, err = mk("refiner", nil, "")
	return err
}

// graph wires the pipeline topology.
func (p *pipeline) graph() (*graph.Runnable, error) {
	g := graph.NewStateGraph(SubgraphName, StateSchema())
	g.AddNode(NodeHypothesis, p.hypothesisNode)
	g.AddNode(NodeHumanChoice, p.humanChoiceNode)
	g.AddNode(NodeProcess, p.processNode)
	g.AddNode(NodeCoder, p.coderNode)
	g.AddNode(NodeVisualization, p.visualizationNode)
	g.AddNode(NodeSearch, p.searchNode)
	g.AddNode(NodeReport, p.reportNode)
	g.AddNode(NodeQualityReview, p.qualityReviewNode)
	g.AddNode(NodeNoteTaker, p.noteNode)
	g.AddNode(NodeRefiner, p.refinerNode)
	g.AddNode(NodeCleanup, p.cleanupNode)

	g.AddEdge(graph.Start, NodeHypothesis)
	g.AddEdge(NodeHypothesis, NodeHumanChoice)
	g.AddConditionalEdge(NodeHumanChoice, p.routeHumanChoice)
	g.AddConditionalEdge(NodeProcess, p.routeProcess)
	g.AddEdge(NodeCoder, NodeQualityReview)
	g.AddEdge(NodeVisualization, NodeQualityReview)
	g.AddEdge(NodeSearch, NodeQualityReview)
	g.AddEdge(NodeReport, NodeQualityReview)
	g.AddConditionalEdge(NodeQualityReview, p.routeQualityReview)
	g.AddEdge(NodeNoteTaker, NodeProcess)
	g.AddEdge(NodeRefiner, NodeCleanup)
	g.AddEdge(NodeCleanup, graph.End)
	return g.Compile()
}

func (p *pipeline) hypothesisNode(ctx context.Context, s *graph.State) (graph.NodeResult, error) {
	history := s.Messages(graph.FieldInternalMessages)
	if mod := s.String(FieldModificationAreas); mod != "" {
		history = append(history, messages.NewHuman(
			"Revise the plan to address this feedback: "+mod))
	}
	res := p.hypothesis.Run(ctx, renderHypothesis(s), history)
	return graph.NodeResult{Update: map[string]any{
		FieldHypothesis:             res.Final.Content,
		graph.FieldInternalMessages: res.Captured,
		graph.FieldMessages:         res.Captured,
		graph.FieldSender:           NodeHypothesis,
	}}, nil
}

func (p *pipeline) humanChoiceNode(_ context.Context, s *graph.State) (graph.NodeResult, error) {
	input, resumed := s.ResumeInput()
	if !resumed {
		payload := messages.NewAI(s.String(FieldHypothesis)+"\n\n"+humanChoicePrompt).
			WithAgentType("data_science_human_choice")
		return graph.InterruptWith(payload)
	}

	update := map[string]any{graph.FieldSender: NodeHumanChoice}
	if Classify(input) == Revise {
		update[FieldModificationAreas] = input
	} else {
		update[FieldModificationAreas] = ""
	}
	if strings.TrimSpace(input) != "" {
		update[graph.FieldInternalMessages] = []messages.Message{messages.NewHuman(input)}
	}
	return graph.NodeResult{Update: update}, nil
}

func (p *pipeline) routeHumanChoice(s *graph.State) string {
	if s.String(FieldModificationAreas) != "" {
		return NodeHypothesis
	}
	return NodeProcess
}

// processDecision is the coordinator's structured choice.
type processDecision struct {
	Next string `json:"next"`
	Task string `json:"task"`
}

func (p *pipeline) processNode(ctx context.Context, s *graph.State) (graph.NodeResult, error) {
	res := p.process.Run(ctx, renderProcess(s), s.Messages(graph.FieldInternalMessages))

	var d processDecision
	if res.Err == nil && res.ParseErr == nil {
		_ = json.Unmarshal(res.Structured, &d)
	}
	resolved := resolveDecision(d.Next)

	selfLoops := 0
	if resolved == NodeProcess {
		selfLoops = s.Int(FieldSelfLoops) + 1
	}
	repeats := 0
	if d.Next != "" && d.Next == s.String(FieldProcessDecision) && d.Task == s.String(FieldTask) {
		repeats = s.Int(FieldRepeats) + 1
	}

	return graph.NodeResult{Update: map[string]any{
		FieldProcessDecision:        d.Next,
		FieldTask:                   d.Task,
		FieldSelfLoops:              selfLoops,
		FieldRepeats:                repeats,
		graph.FieldSender:           NodeProcess,
		graph.FieldInternalMessages: res.Captured,
	}}, nil
}

// resolveDecision maps the coordinator's output to a node name. Unknown and
// empty decisions loop back to the coordinator.
func resolveDecision(next string) string {
	switch strings.ToLower(strings.TrimSpace(next)) {
	case "coder", "code":
		return NodeCoder
	case "visualization", "visualisation", "viz":
		return NodeVisualization
	case "search", "searcher", "research":
		return NodeSearch
	case "report", "reporter":
		return NodeReport
	case "finish", "refiner", "end":
		return NodeRefiner
	default:
		return NodeProcess
	}
}

func (p *pipeline) routeProcess(s *graph.State) string {
	if s.Int(FieldSelfLoops) >= p.maxSelfLoops {
		return NodeRefiner
	}
	// Three identical task/decision pairs in a row means the coordinator is
	// stuck; close out with what we have.
	if s.Int(FieldRepeats) >= 2 {
		return NodeRefiner
	}
	return resolveDecision(s.String(FieldProcessDecision))
}

func (p *pipeline) coderNode(ctx context.Context, s *graph.State) (graph.NodeResult, error) {
	if err := p.binding.Ensure(ctx); err != nil {
		return p.sandboxFailure(s, NodeCoder, FieldCodeState, err)
	}
	res := p.coder.Run(ctx, renderCoder(s), s.Messages(graph.FieldInternalMessages))
	return specialistResult(res, NodeCoder, FieldCodeState), nil
}

func (p *pipeline) visualizationNode(ctx context.Context, s *graph.State) (graph.NodeResult, error) {
	if err := p.binding.Ensure(ctx); err != nil {
		return p.sandboxFailure(s, NodeVisualization, FieldVisualizationState, err)
	}
	res := p.visualization.Run(ctx, renderVisualization(s), s.Messages(graph.FieldInternalMessages))
	return specialistResult(res, NodeVisualization, FieldVisualizationState), nil
}

func (p *pipeline) searchNode(ctx context.Context, s *graph.State) (graph.NodeResult, error) {
	res := p.search.Run(ctx, renderSearch(s), s.Messages(graph.FieldInternalMessages))
	return specialistResult(res, NodeSearch, FieldSearcherState), nil
}

func (p *pipeline) reportNode(ctx context.Context, s *graph.State) (graph.NodeResult, error) {
	res := p.report.Run(ctx, renderReport(s), s.Messages(graph.FieldInternalMessages))
	return specialistResult(res, NodeReport, FieldReportState), nil
}

func specialistResult(res agent.Result, node, stateField string) graph.NodeResult {
	return graph.NodeResult{Update: map[string]any{
		stateField:                  res.Final.Content,
		graph.FieldSender:           node,
		graph.FieldInternalMessages: res.Captured,
		graph.FieldMessages:         res.Captured,
	}}
}

// sandboxFailure handles a sandbox outage at a code-running specialist. The
// first outage surfaces as a failed turn so the quality loop retries; the
// second short-circuits to the refiner with what has accumulated.
func (p *pipeline) sandboxFailure(s *graph.State, node, stateField string, err error) (graph.NodeResult, error) {
	p.logger.Warn("Sandbox unavailable during specialist turn",
		zap.String("node", node), zap.Error(err))
	msg := messages.NewAI("The analysis sandbox is unavailable: "+err.Error()).
		WithAgentType("data_science_"+node).
		WithKwarg(messages.KwargErrorType, "sandbox_unavailable")

	if s.Int(FieldSandboxFailures) >= 1 {
		return graph.NodeResult{Command: &graph.Command{
			Goto: NodeRefiner,
			Update: map[string]any{
				FieldSandboxFailures:        1,
				graph.FieldInternalMessages: []messages.Message{msg},
				graph.FieldMessages:         []messages.Message{msg},
			},
		}}, nil
	}
	return graph.NodeResult{Update: map[string]any{
		FieldSandboxFailures:        1,
		stateField:                  "sandbox unavailable, task not completed",
		graph.FieldSender:           node,
		graph.FieldInternalMessages: []messages.Message{msg},
		graph.FieldMessages:         []messages.Message{msg},
	}}, nil
}

func (p *pipeline) qualityReviewNode(ctx context.Context, s *graph.State) (graph.NodeResult, error) {
	output := ""
	if last, ok := s.LastInternal(); ok {
		output = last.Content
	}
	res := p.quality.Run(ctx, renderQualityReview(s, output), nil)

	// Stalling on a broken reviewer is worse than accepting the turn.
	d := reviewDecision{Passed: true, Reason: "review_unavailable"}
	if res.Err == nil && res.ParseErr == nil {
		_ = json.Unmarshal(res.Structured, &d)
	} else {
		p.logger.Warn("Quality review unavailable, accepting turn",
			zap.String("sender", s.String(graph.FieldSender)),
			zap.NamedError("run_err", res.Err), zap.NamedError("parse_err", res.ParseErr))
	}

	retries := 0
	if !d.Passed {
		retries = s.Int(FieldQARetries) + 1
	}
	stored, _ := json.Marshal(d)

	return graph.NodeResult{Update: map[string]any{
		FieldQualityReview:          string(stored),
		FieldQARetries:              retries,
		graph.FieldInternalMessages: res.Captured,
	}}, nil
}

func (p *pipeline) routeQualityReview(s *graph.State) string {
	var d reviewDecision
	_ = json.Unmarshal([]byte(s.String(FieldQualityReview)), &d)
	if d.Passed || s.Int(FieldQARetries) > p.maxQARetries {
		return NodeNoteTaker
	}
	switch sender := s.String(graph.FieldSender); sender {
	case NodeCoder, NodeVisualization, NodeSearch, NodeReport:
		return sender
	default:
		return NodeNoteTaker
	}
}

func (p *pipeline) noteNode(ctx context.Context, s *graph.State) (graph.NodeResult, error) {
	last, _ := s.LastInternal()
	res := p.note.Run(ctx, fmt.Sprintf(notePrompt, last.Content), nil)
	return graph.NodeResult{Update: map[string]any{
		FieldCompletedTasks:         s.String(FieldTask),
		graph.FieldInternalMessages: res.Captured,
	}}, nil
}

func (p *pipeline) refinerNode(ctx context.Context, s *graph.State) (graph.NodeResult, error) {
	res := p.refiner.Run(ctx, renderRefiner(s), nil)

	captured := res.Captured
	if files := p.producedFiles(ctx); len(files) > 0 && len(captured) > 0 {
		last := len(captured) - 1
		captured[last] = captured[last].WithKwarg(messages.KwargFiles, files)
	}
	return graph.NodeResult{Update: map[string]any{
		graph.FieldSender:           NodeRefiner,
		graph.FieldInternalMessages: captured,
		graph.FieldMessages:         captured,
	}}, nil
}

// producedFiles lists the sandbox working tree so the end message can link
// everything the run created. No sandbox, no files.
func (p *pipeline) producedFiles(ctx context.Context) []string {
	if !p.binding.Active() {
		return nil
	}
	res := p.binding.GetAllFilesRecursive(ctx, "")
	if !res.OK {
		return nil
	}
	var files []string
	for _, line := range strings.Split(res.Payload, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			files = append(files, line)
		}
	}
	return files
}

func (p *pipeline) cleanupNode(ctx context.Context, s *graph.State) (graph.NodeResult, error) {
	if err := p.binding.Cleanup(ctx); err != nil {
		p.logger.Warn("Sandbox cleanup failed", zap.Error(err))
		// Frontend stream only: the refiner's answer stays the final message.
		warn := messages.NewAI("Warning: sandbox cleanup failed: "+err.Error()).
			WithAgentType("data_science_cleanup").
			WithKwarg(messages.KwargErrorType, "cleanup_failed")
		return graph.NodeResult{Update: map[string]any{
			graph.FieldMessages: []messages.Message{warn},
		}}, nil
	}
	return graph.NodeResult{}, nil
}
