package graph

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarry-lab/conductor/internal/messages"
)

func TestReducerLaws(t *testing.T) {
	m := func(c string) []messages.Message { return []messages.Message{messages.NewAI(c)} }

	t.Run("append is associative", func(t *testing.T) {
		a, b, c := m("a"), m("b"), m("c")
		left := Append(Append(a, b), c)
		right := Append(a, Append(b, c))
		assert.Equal(t, left, right)
	})

	t.Run("sum is associative", func(t *testing.T) {
		assert.Equal(t, Sum(Sum(1, 2), 3), Sum(1, Sum(2, 3)))
	})

	t.Run("replace overwrites", func(t *testing.T) {
		assert.Equal(t, "new", Replace("old", "new"))
		assert.Equal(t, "old", Replace("old", nil))
	})

	t.Run("concat is left-associative with single space", func(t *testing.T) {
		assert.Equal(t, "a b c", ConcatSpace(ConcatSpace("a", "b"), "c"))
		assert.Equal(t, "a", ConcatSpace("a", ""))
		assert.Equal(t, "b", ConcatSpace("", "b"))
	})
}

func TestStateApplyUnknownField(t *testing.T) {
	s := NewState(BaseSchema())
	err := s.Apply(map[string]any{"not_a_field": 1})
	require.Error(t, err)
}

func testSchema() Schema {
	return BaseSchema().Merge(Schema{
		"scratch": {Kind: KindString, Reduce: ConcatSpace},
		"retries": {Kind: KindInt, Reduce: Sum},
	})
}

func TestLinearGraph(t *testing.T) {
	g := NewStateGraph("test", testSchema())
	g.AddNode("one", func(_ context.Context, _ *State) (NodeResult, error) {
		return NodeResult{Update: map[string]any{"scratch": "hello"}}, nil
	})
	g.AddNode("two", func(_ context.Context, s *State) (NodeResult, error) {
		return NodeResult{Update: map[string]any{
			"scratch":             "world",
			FieldInternalMessages: []messages.Message{messages.NewAI("done")},
		}}, nil
	})
	g.AddEdge(Start, "one")
	g.AddEdge("one", "two")
	g.AddEdge("two", End)

	runnable, err := g.Compile()
	require.NoError(t, err)

	res, err := runnable.Invoke(context.Background(), nil, Options{})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, "hello world", res.State.String("scratch"))

	last, ok := res.State.LastInternal()
	require.True(t, ok)
	assert.Equal(t, "done", last.Content)
}

func TestConditionalRouting(t *testing.T) {
	g := NewStateGraph("test", testSchema())
	g.AddNode("decide", func(_ context.Context, _ *State) (NodeResult, error) {
		return NodeResult{Update: map[string]any{FieldSender: "left"}}, nil
	})
	g.AddNode("left", func(_ context.Context, _ *State) (NodeResult, error) {
		return NodeResult{Update: map[string]any{"scratch": "went left"}}, nil
	})
	g.AddNode("right", func(_ context.Context, _ *State) (NodeResult, error) {
		return NodeResult{Update: map[string]any{"scratch": "went right"}}, nil
	})
	g.AddEdge(Start, "decide")
	// Router reads committed state.
	g.AddConditionalEdge("decide", func(s *State) string { return s.String(FieldSender) })
	g.AddEdge("left", End)
	g.AddEdge("right", End)

	runnable, err := g.Compile()
	require.NoError(t, err)

	res, err := runnable.Invoke(context.Background(), nil, Options{})
	require.NoError(t, err)
	assert.Equal(t, "went left", res.State.String("scratch"))
}

func TestCommandOverridesEdges(t *testing.T) {
	g := NewStateGraph("test", testSchema())
	g.AddNode("jumper", func(_ context.Context, _ *State) (NodeResult, error) {
		return NodeResult{Command: &Command{
			Goto:   "target",
			Update: map[string]any{"retries": 1},
		}}, nil
	})
	g.AddNode("never", func(_ context.Context, _ *State) (NodeResult, error) {
		return NodeResult{Update: map[string]any{"scratch": "wrong"}}, nil
	})
	g.AddNode("target", func(_ context.Context, _ *State) (NodeResult, error) {
		return NodeResult{Update: map[string]any{"scratch": "jumped"}}, nil
	})
	g.AddEdge(Start, "jumper")
	g.AddEdge("jumper", "never")
	g.AddEdge("never", End)
	g.AddEdge("target", End)

	runnable, err := g.Compile()
	require.NoError(t, err)

	res, err := runnable.Invoke(context.Background(), nil, Options{})
	require.NoError(t, err)
	assert.Equal(t, "jumped", res.State.String("scratch"))
	assert.Equal(t, 1, res.State.Int("retries"))
}

func TestUnknownNextNodeIsFatal(t *testing.T) {
	g := NewStateGraph("test", testSchema())
	g.AddNode("bad", func(_ context.Context, _ *State) (NodeResult, error) {
		return NodeResult{Command: &Command{Goto: "nowhere"}}, nil
	})
	g.AddEdge(Start, "bad")

	runnable, err := g.Compile()
	require.NoError(t, err)

	_, err = runnable.Invoke(context.Background(), nil, Options{})
	assert.ErrorIs(t, err, ErrUnknownNode)
}

func TestNodePanicBecomesError(t *testing.T) {
	g := NewStateGraph("test", testSchema())
	g.AddNode("boom", func(_ context.Context, _ *State) (NodeResult, error) {
		panic("reducer exploded")
	})
	g.AddEdge(Start, "boom")
	g.AddEdge("boom", End)

	runnable, err := g.Compile()
	require.NoError(t, err)

	_, err = runnable.Invoke(context.Background(), nil, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic")
}

func TestEventsAreSequential(t *testing.T) {
	g := NewStateGraph("test", testSchema())
	node := func(name string) NodeFunc {
		return func(_ context.Context, _ *State) (NodeResult, error) {
			return NodeResult{Update: map[string]any{
				FieldMessages: []messages.Message{messages.NewAI(name)},
			}}, nil
		}
	}
	g.AddNode("a", node("a"))
	g.AddNode("b", node("b"))
	g.AddNode("c", node("c"))
	g.AddEdge(Start, "a")
	g.AddEdge("a", "b")
	g.AddEdge("b", "c")
	g.AddEdge("c", End)

	runnable, err := g.Compile()
	require.NoError(t, err)

	var order []string
	_, err = runnable.Invoke(context.Background(), nil, Options{
		OnEvent: func(ev Event) {
			order = append(order, ev.Node)
			if len(ev.Messages) > 0 {
				assert.Equal(t, ev.Node, ev.Messages[0].Content)
			}
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

// memorySnapshots is an in-process SnapshotStore for engine tests.
type memorySnapshots struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemorySnapshots() *memorySnapshots {
	return &memorySnapshots{data: make(map[string][]byte)}
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
		return nil, ErrNoSnapshot
	}
	return data, nil
}

func (m *memorySnapshots) DeleteRunInterrupt(_ context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, runID)
	return nil
}

func interruptGraph(t *testing.T) *Runnable {
	t.Helper()
	g := NewStateGraph("test", testSchema())
	g.AddNode("ask", func(_ context.Context, s *State) (NodeResult, error) {
		if input, ok := s.ResumeInput(); ok {
			return NodeResult{Update: map[string]any{"scratch": "answer:" + input}}, nil
		}
		return InterruptWith(messages.NewAI("what do you think?"))
	})
	g.AddNode("after", func(_ context.Context, _ *State) (NodeResult, error) {
		return NodeResult{Update: map[string]any{"scratch": "resumed"}}, nil
	})
	g.AddEdge(Start, "ask")
	g.AddEdge("ask", "after")
	g.AddEdge("after", End)

	runnable, err := g.Compile()
	require.NoError(t, err)
	return runnable
}

func TestInterruptAndResume(t *testing.T) {
	snaps := newMemorySnapshots()
	runnable := interruptGraph(t).WithSnapshots(snaps)

	res, err := runnable.Invoke(context.Background(),
		map[string]any{"scratch": "before"},
		Options{RunID: "run-1"})
	require.NoError(t, err)
	require.Equal(t, StatusInterrupted, res.Status)
	require.NotNil(t, res.Interrupt)
	assert.Equal(t, "what do you think?", res.Interrupt.Payload.Content)

	// The pending frame is replayable until resume.
	pending, ok := runnable.PendingInterrupt(context.Background(), "run-1")
	require.True(t, ok)
	assert.Equal(t, "what do you think?", pending.Payload.Content)

	res, err = runnable.Resume(context.Background(), "run-1", "looks good", Options{})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	// Prior state survived the pause; the node saw the injected input.
	assert.Equal(t, "before answer:looks good resumed", res.State.String("scratch"))

	// The snapshot is consumed.
	_, ok = runnable.PendingInterrupt(context.Background(), "run-1")
	assert.False(t, ok)
	_, err = runnable.Resume(context.Background(), "run-1", "again", Options{})
	assert.ErrorIs(t, err, ErrNoSnapshot)
}

func TestInterruptWithoutStoreIsFatal(t *testing.T) {
	runnable := interruptGraph(t)
	_, err := runnable.Invoke(context.Background(), nil, Options{RunID: "run-1"})
	require.Error(t, err)
}

func TestNodeTimeout(t *testing.T) {
	g := NewStateGraph("test", testSchema())
	g.AddNode("slow", func(ctx context.Context, _ *State) (NodeResult, error) {
		select {
		case <-time.After(time.Second):
			return NodeResult{}, nil
		case <-ctx.Done():
			return NodeResult{}, ctx.Err()
		}
	})
	g.AddEdge(Start, "slow")
	g.AddEdge("slow", End)

	runnable, err := g.Compile()
	require.NoError(t, err)

	_, err = runnable.Invoke(context.Background(), nil, Options{NodeTimeout: 20 * time.Millisecond})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSelfLoopHitsStepCap(t *testing.T) {
	g := NewStateGraph("test", testSchema())
	g.AddNode("loop", func(_ context.Context, _ *State) (NodeResult, error) {
		return NodeResult{}, nil
	})
	g.AddEdge(Start, "loop")
	g.AddEdge("loop", "loop")

	runnable, err := g.Compile()
	require.NoError(t, err)

	_, err = runnable.Invoke(context.Background(), nil, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "steps")
}
