package planner

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/quarry-lab/conductor/internal/config"
	"github.com/quarry-lab/conductor/internal/graph"
	"github.com/quarry-lab/conductor/internal/llm"
	"github.com/quarry-lab/conductor/internal/messages"
	"github.com/quarry-lab/conductor/internal/subgraph"
)

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

type memorySnapshots struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemorySnapshots() *memorySnapshots {
	return &memorySnapshots{data: map[string][]byte{}}
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

// echoFactory builds a one-node workflow that answers with a fixed reply, or
// interrupts once first when ask is set.
func echoFactory(name, reply string, ask bool, snaps graph.SnapshotStore) *subgraph.Factory {
	return &subgraph.Factory{
		Name:        name,
		Description: "test workflow",
		Build: func(_ context.Context, _ subgraph.Request) (*subgraph.Subgraph, error) {
			g := graph.NewStateGraph(name, graph.BaseSchema())
			g.AddNode("work", func(_ context.Context, s *graph.State) (graph.NodeResult, error) {
				if ask {
					if input, resumed := s.ResumeInput(); resumed {
						msg := messages.NewAI(reply + " (you said: " + input + ")")
						return graph.NodeResult{Update: map[string]any{
							graph.FieldInternalMessages: []messages.Message{msg},
						}}, nil
					}
					return graph.InterruptWith(messages.NewAI("which column?"))
				}
				return graph.NodeResult{Update: map[string]any{
					graph.FieldInternalMessages: []messages.Message{messages.NewAI(reply)},
				}}, nil
			})
			g.AddEdge(graph.Start, "work")
			g.AddEdge("work", graph.End)
			runnable, err := g.Compile()
			if err != nil {
				return nil, err
			}
			runnable.WithSnapshots(snaps)
			return &subgraph.Subgraph{
				Name:  name,
				Graph: runnable,
				Input: func(req subgraph.Request) map[string]any {
					return map[string]any{
						graph.FieldInternalMessages: []messages.Message{messages.NewHuman(req.Text)},
					}
				},
				Output: func(s *graph.State) messages.Message {
					last, _ := s.LastInternal()
					return last.WithAgentType(name + "_end")
				},
			}, nil
		},
	}
}

// stubSource hands every role the scripted client.
type stubSource struct{ client llm.Client }

func (s stubSource) Client(string) (llm.Client, error) { return s.client, nil }
func (s stubSource) ModelFor(string, string) string    { return "m" }

func newTestPlanner(t *testing.T, client llm.Client) (*Planner, *memorySnapshots) {
	t.Helper()
	snaps := newMemorySnapshots()
	return New(config.Default(), stubSource{client: client}, snaps, zaptest.NewLogger(t)), snaps
}

func TestDirectAnswer(t *testing.T) {
	client := (&scripted{}).say("Hello! How can I help?")
	p, _ := newTestPlanner(t, client)

	run, err := p.NewRun(subgraph.Request{RunID: "r1", Text: "Say hello"}, nil, "You are helpful.", nil)
	require.NoError(t, err)

	res, err := run.Invoke(context.Background())
	require.NoError(t, err)
	require.Equal(t, graph.StatusCompleted, res.Status)

	out, ok := Output(res.State)
	require.True(t, ok)
	assert.Equal(t, "Hello! How can I help?", out.Content)
	assert.Equal(t, "planner_end", out.AgentType())
}

func TestNonExistentSubgraph(t *testing.T) {
	client := (&scripted{}).say("<choice>subgraph_x</choice>")
	p, _ := newTestPlanner(t, client)

	run, err := p.NewRun(subgraph.Request{RunID: "r2", Text: "do the thing"}, nil, "", nil)
	require.NoError(t, err)

	res, err := run.Invoke(context.Background())
	require.NoError(t, err)
	require.Equal(t, graph.StatusCompleted, res.Status)

	out, ok := Output(res.State)
	require.True(t, ok)
	assert.Equal(t, "I am not able to route to the subgraph_x subgraph as it is not available", out.Content)
	assert.Equal(t, "planner_end", out.AgentType())
	assert.Equal(t, "non_existent_subgraph", out.ErrorType())
}

func TestHandoff(t *testing.T) {
	client := (&scripted{}).say("<choice>data_science</choice>")
	p, snaps := newTestPlanner(t, client)

	factory := echoFactory("data_science", "analysis complete", false, snaps)
	run, err := p.NewRun(subgraph.Request{RunID: "r3", Text: "analyze this"},
		[]*subgraph.Factory{factory}, "", nil)
	require.NoError(t, err)

	res, err := run.Invoke(context.Background())
	require.NoError(t, err)
	require.Equal(t, graph.StatusCompleted, res.Status)

	msgs := res.State.Messages(graph.FieldInternalMessages)
	var handoff bool
	for _, m := range msgs {
		if m.AgentType() == "planner_subgraph_data_science" {
			handoff = true
		}
	}
	assert.True(t, handoff, "handoff message must be re-tagged with the workflow")

	out, ok := Output(res.State)
	require.True(t, ok)
	assert.Equal(t, "analysis complete", out.Content)
	assert.Equal(t, "data_science_end", out.AgentType())
}

func TestHandoffInterruptPassthrough(t *testing.T) {
	client := (&scripted{}).say("<choice>data_science</choice>")
	p, snaps := newTestPlanner(t, client)

	factory := echoFactory("data_science", "analysis complete", true, snaps)
	run, err := p.NewRun(subgraph.Request{RunID: "r4", Text: "analyze"},
		[]*subgraph.Factory{factory}, "", nil)
	require.NoError(t, err)

	ctx := context.Background()
	res, err := run.Invoke(ctx)
	require.NoError(t, err)
	require.Equal(t, graph.StatusInterrupted, res.Status)
	assert.Equal(t, "which column?", res.Interrupt.Payload.Content)

	// The frame is replayable while paused.
	pending, ok := run.PendingInterrupt(ctx)
	require.True(t, ok)
	assert.Equal(t, "which column?", pending.Payload.Content)

	res, err = run.Resume(ctx, "revenue")
	require.NoError(t, err)
	require.Equal(t, graph.StatusCompleted, res.Status)

	out, ok := Output(res.State)
	require.True(t, ok)
	assert.Equal(t, "analysis complete (you said: revenue)", out.Content)
}

func TestChosenWorkflow(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"<choice>data_science</choice>", "data_science"},
		{"Let me hand off.\n<choice>data_science</choice>", "data_science"},
		{"just an answer", ""},
		{"<choice></choice>", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, chosenWorkflow(tt.in), "content %q", tt.in)
	}
}
