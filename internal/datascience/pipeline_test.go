package datascience

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/quarry-lab/conductor/internal/agent"
	"github.com/quarry-lab/conductor/internal/config"
	"github.com/quarry-lab/conductor/internal/graph"
	"github.com/quarry-lab/conductor/internal/llm"
	"github.com/quarry-lab/conductor/internal/messages"
	"github.com/quarry-lab/conductor/internal/sandbox"
	"github.com/quarry-lab/conductor/internal/store"
	"github.com/quarry-lab/conductor/internal/subgraph"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		input string
		want  Choice
	}{
		{"", Approve},
		{"   ", Approve},
		{"looks good", Approve},
		{"LGTM", Approve},
		{"ok", Approve},
		{"proceed", Approve},
		{"is this the right method?", Revise},
		{"can you also check seasonality", Revise},
		{"could we use a different model", Revise},
		{"what about outliers", Revise},
		{"fine, but add a regression", Revise},
		{"however I want monthly granularity", Revise},
		{"please focus on the northern region", Revise},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.input))
		})
	}
}

func TestResolveDecision(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"coder", NodeCoder},
		{"Visualization", NodeVisualization},
		{"search", NodeSearch},
		{"report", NodeReport},
		{"FINISH", NodeRefiner},
		{"refiner", NodeRefiner},
		{"", NodeProcess},
		{"something_else", NodeProcess},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, resolveDecision(tt.in), "decision %q", tt.in)
	}
}

func stateWith(t *testing.T, update map[string]any) *graph.State {
	t.Helper()
	s := graph.NewState(StateSchema())
	require.NoError(t, s.Apply(update))
	return s
}

func TestRouteProcess(t *testing.T) {
	p := &pipeline{maxSelfLoops: 3, maxQARetries: 2, logger: zap.NewNop()}

	t.Run("decision routes to specialist", func(t *testing.T) {
		s := stateWith(t, map[string]any{FieldProcessDecision: "coder"})
		assert.Equal(t, NodeCoder, p.routeProcess(s))
	})
	t.Run("self-loop cap forces refiner", func(t *testing.T) {
		s := stateWith(t, map[string]any{FieldProcessDecision: "", FieldSelfLoops: 3})
		assert.Equal(t, NodeRefiner, p.routeProcess(s))
	})
	t.Run("repeated identical decision forces refiner", func(t *testing.T) {
		s := stateWith(t, map[string]any{FieldProcessDecision: "coder", FieldRepeats: 2})
		assert.Equal(t, NodeRefiner, p.routeProcess(s))
	})
}

func TestRouteQualityReview(t *testing.T) {
	p := &pipeline{maxSelfLoops: 3, maxQARetries: 2, logger: zap.NewNop()}

	t.Run("passed goes to note taker", func(t *testing.T) {
		s := stateWith(t, map[string]any{
			FieldQualityReview: `{"passed":true,"reason":"ok"}`,
			graph.FieldSender:  NodeCoder,
		})
		assert.Equal(t, NodeNoteTaker, p.routeQualityReview(s))
	})
	t.Run("failed below cap returns to sender", func(t *testing.T) {
		s := stateWith(t, map[string]any{
			FieldQualityReview: `{"passed":false,"reason":"empty output"}`,
			FieldQARetries:     1,
			graph.FieldSender:  NodeVisualization,
		})
		assert.Equal(t, NodeVisualization, p.routeQualityReview(s))
	})
	t.Run("failed beyond cap forces note taker", func(t *testing.T) {
		s := stateWith(t, map[string]any{
			FieldQualityReview: `{"passed":false,"reason":"still bad"}`,
			FieldQARetries:     3,
			graph.FieldSender:  NodeCoder,
		})
		assert.Equal(t, NodeNoteTaker, p.routeQualityReview(s))
	})
}

func TestStateMappersRoundTrip(t *testing.T) {
	req := subgraph.Request{Text: "analyze sales.csv", DirectoryContent: "sales.csv"}
	s := graph.NewState(StateSchema())
	require.NoError(t, s.Apply(inputState(req)))
	assert.Equal(t, "sales.csv", s.String(FieldDirectoryContent))

	last, ok := s.LastInternal()
	require.True(t, ok)
	assert.Equal(t, "analyze sales.csv", last.Content)

	out := outputState(s)
	assert.Equal(t, "analyze sales.csv", out.Content)
	assert.Equal(t, "data_science_end", out.AgentType())
}

// scripted is a model client answering from a queue.
type scripted struct {
	mu    sync.Mutex
	queue []llm.Response
}

func (c *scripted) say(contents ...string) *scripted {
	for _, content := range contents {
		c.queue = append(c.queue, llm.Response{Message: messages.NewAI(content)})
	}
	return c
}

func (c *scripted) Provider() string { return "scripted" }

func (c *scripted) Chat(_ context.Context, _ llm.Request) (llm.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return llm.Response{}, fmt.Errorf("scripted client exhausted")
	}
	resp := c.queue[0]
	c.queue = c.queue[1:]
	return resp, nil
}

// fakeSandbox is the minimal HTTP surface Ensure/Exec/Cleanup touch.
type fakeSandbox struct {
	mu       sync.Mutex
	broken   bool
	creates  int
	destroys int
	findOut  string
}

func (f *fakeSandbox) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.broken {
		http.Error(w, "down", http.StatusServiceUnavailable)
		return
	}
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/sandboxes":
		f.creates++
		json.NewEncoder(w).Encode(map[string]string{"sandbox_id": "sb-1"})
	case r.Method == http.MethodDelete:
		f.destroys++
		w.WriteHeader(http.StatusNoContent)
	case strings.HasSuffix(r.URL.Path, "/upload"):
		json.NewEncoder(w).Encode(map[string]bool{"ok": true})
	case strings.HasSuffix(r.URL.Path, "/exec"):
		json.NewEncoder(w).Encode(map[string]interface{}{"output": f.findOut, "exit_code": 0})
	default:
		http.NotFound(w, r)
	}
}

type memorySnapshots struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (m *memorySnapshots) PutRunInterrupt(_ context.Context, runID string, snapshot []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[runID] = snapshot
	return nil
}

func (m *memorySnapshots) GetRunInterrupt(_ context.Context, runID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.data[runID]
	if !ok {
		return nil, graph.ErrNoSnapshot
	}
	return data, nil
}

func (m *memorySnapshots) DeleteRunInterrupt(_ context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, runID)
	return nil
}

type roleClients struct {
	hypothesis, process, coder, visualization, search, report, quality, note, refiner *scripted
}

func newRoleClients() *roleClients {
	return &roleClients{
		hypothesis: &scripted{}, process: &scripted{}, coder: &scripted{},
		visualization: &scripted{}, search: &scripted{}, report: &scripted{},
		quality: &scripted{}, note: &scripted{}, refiner: &scripted{},
	}
}

func newTestPipeline(t *testing.T, fake *fakeSandbox, clients *roleClients) *graph.Runnable {
	t.Helper()

	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	logger := zaptest.NewLogger(t)
	st := store.New(rdb, logger)
	client := sandbox.NewClient(srv.URL, 2*time.Second, nil, logger)
	mgr := sandbox.NewManager(client, st, config.SandboxConfig{
		Snapshot:           "data-analysis",
		WorkDir:            "/workspace",
		DefaultCodeTimeout: 2 * time.Second,
		MaxResultLength:    1000,
	}, logger)
	binding := mgr.Binding("user-1", "conv-1", nil)

	p := &pipeline{binding: binding, maxSelfLoops: 3, maxQARetries: 2, logger: logger}
	mk := func(role string, c llm.Client, schema string) *agent.Agent {
		cfg := agent.Config{Name: role, AgentType: "data_science_" + role, Model: "m"}
		if schema != "" {
			cfg.OutputSchema = json.RawMessage(schema)
		}
		a, err := agent.New(c, cfg, logger)
		require.NoError(t, err)
		return a
	}
	p.hypothesis = mk("hypothesis", clients.hypothesis, "")
	p.process = mk("process", clients.process, processSchema)
	p.coder = mk("coder", clients.coder, "")
	p.visualization = mk("visualization", clients.visualization, "")
	p.search = mk("search", clients.search, "")
	p.report = mk("report", clients.report, "")
	p.quality = mk("quality_review", clients.quality, qualitySchema)
	p.note = mk("note_taker", clients.note, "")
	p.refiner = mk("refiner", clients.refiner, "")

	runnable, err := p.graph()
	require.NoError(t, err)
	runnable.WithSnapshots(&memorySnapshots{data: map[string][]byte{}})
	return runnable
}

func TestPipelineHappyPath(t *testing.T) {
	fake := &fakeSandbox{findOut: "/workspace/sales.csv\n/workspace/trends.png"}
	clients := newRoleClients()
	clients.hypothesis.say("Plan: analyze monthly sales trends.")
	clients.process.say(`{"next":"coder","task":"compute monthly trend"}`, `{"next":"FINISH"}`)
	clients.coder.say("Computed monthly trends, saved trends.png.")
	clients.quality.say(`{"passed":true,"reason":"complete"}`)
	clients.note.say("Coder computed the monthly trend and saved a chart.")
	clients.refiner.say("## Findings\nSales trend upward.")

	runnable := newTestPipeline(t, fake, clients)

	ctx := context.Background()
	res, err := runnable.Invoke(ctx, inputState(subgraph.Request{
		Text:             "Analyze sales.csv trends",
		DirectoryContent: "sales.csv",
	}), graph.Options{RunID: "run-1"})
	require.NoError(t, err)
	require.Equal(t, graph.StatusInterrupted, res.Status)
	assert.Equal(t, "data_science_human_choice", res.Interrupt.Payload.AgentType())
	assert.Contains(t, res.Interrupt.Payload.Content, "monthly sales trends")

	res, err = runnable.Resume(ctx, "run-1", "looks good", graph.Options{})
	require.NoError(t, err)
	require.Equal(t, graph.StatusCompleted, res.Status)

	out := outputState(res.State)
	assert.Equal(t, "data_science_end", out.AgentType())
	assert.Contains(t, out.Content, "Sales trend upward")
	files, _ := out.Kwargs[messages.KwargFiles].([]string)
	assert.Contains(t, files, "/workspace/trends.png")

	assert.Equal(t, "compute monthly trend", res.State.String(FieldCompletedTasks))
	assert.Contains(t, res.State.String(FieldCodeState), "Computed monthly trends")
	assert.Equal(t, 1, fake.creates, "one sandbox for the whole run")
	assert.Equal(t, 1, fake.destroys, "cleanup destroys the sandbox")
}

func TestPipelineRevisionLoop(t *testing.T) {
	fake := &fakeSandbox{}
	clients := newRoleClients()
	clients.hypothesis.say("Plan v1.", "Plan v2 with seasonality.")
	clients.process.say(`{"next":"FINISH"}`)
	clients.refiner.say("Done.")

	runnable := newTestPipeline(t, fake, clients)

	ctx := context.Background()
	res, err := runnable.Invoke(ctx, inputState(subgraph.Request{Text: "analyze"}),
		graph.Options{RunID: "run-2"})
	require.NoError(t, err)
	require.Equal(t, graph.StatusInterrupted, res.Status)
	assert.Contains(t, res.Interrupt.Payload.Content, "Plan v1.")

	// Feedback revises the plan and interrupts again with the new one.
	res, err = runnable.Resume(ctx, "run-2", "can you include seasonality?", graph.Options{})
	require.NoError(t, err)
	require.Equal(t, graph.StatusInterrupted, res.Status)
	assert.Contains(t, res.Interrupt.Payload.Content, "Plan v2")

	res, err = runnable.Resume(ctx, "run-2", "", graph.Options{})
	require.NoError(t, err)
	assert.Equal(t, graph.StatusCompleted, res.Status)
}

func TestPipelineQualityRetry(t *testing.T) {
	fake := &fakeSandbox{}
	clients := newRoleClients()
	clients.hypothesis.say("Plan.")
	clients.process.say(`{"next":"coder","task":"clean the data"}`, `{"next":"FINISH"}`)
	clients.coder.say("did nothing useful", "cleaned the data properly")
	clients.quality.say(`{"passed":false,"reason":"task not done"}`, `{"passed":true,"reason":"done"}`)
	clients.note.say("Data cleaned.")
	clients.refiner.say("Final.")

	runnable := newTestPipeline(t, fake, clients)

	ctx := context.Background()
	res, err := runnable.Invoke(ctx, inputState(subgraph.Request{Text: "go"}),
		graph.Options{RunID: "run-3"})
	require.NoError(t, err)
	require.Equal(t, graph.StatusInterrupted, res.Status)

	res, err = runnable.Resume(ctx, "run-3", "", graph.Options{})
	require.NoError(t, err)
	require.Equal(t, graph.StatusCompleted, res.Status)

	// Both coder attempts ran; the retry counter reset on the pass.
	assert.Contains(t, res.State.String(FieldCodeState), "cleaned the data properly")
	assert.Equal(t, 0, res.State.Int(FieldQARetries))
	assert.Equal(t, "clean the data", res.State.String(FieldCompletedTasks))
}

func TestPipelineSandboxOutage(t *testing.T) {
	fake := &fakeSandbox{broken: true}
	clients := newRoleClients()
	clients.hypothesis.say("Plan.")
	clients.process.say(`{"next":"coder","task":"run analysis"}`)
	clients.quality.say(`{"passed":false,"reason":"sandbox unavailable"}`)
	clients.refiner.say("Could not run the analysis: the sandbox was unavailable.")

	runnable := newTestPipeline(t, fake, clients)

	ctx := context.Background()
	res, err := runnable.Invoke(ctx, inputState(subgraph.Request{Text: "go"}),
		graph.Options{RunID: "run-4"})
	require.NoError(t, err)
	require.Equal(t, graph.StatusInterrupted, res.Status)

	res, err = runnable.Resume(ctx, "run-4", "", graph.Options{})
	require.NoError(t, err)
	require.Equal(t, graph.StatusCompleted, res.Status)

	out := outputState(res.State)
	assert.Contains(t, out.Content, "unavailable")

	// The second outage short-circuited to the refiner.
	assert.Equal(t, 2, res.State.Int(FieldSandboxFailures))
	var sawOutage bool
	for _, m := range res.State.Messages(graph.FieldInternalMessages) {
		if m.ErrorType() == "sandbox_unavailable" {
			sawOutage = true
		}
	}
	assert.True(t, sawOutage, "outage must be surfaced as a tagged message")
}
