package session

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/quarry-lab/conductor/internal/auth"
	"github.com/quarry-lab/conductor/internal/config"
	"github.com/quarry-lab/conductor/internal/files"
	"github.com/quarry-lab/conductor/internal/graph"
	"github.com/quarry-lab/conductor/internal/llm"
	"github.com/quarry-lab/conductor/internal/messages"
	"github.com/quarry-lab/conductor/internal/planner"
	"github.com/quarry-lab/conductor/internal/sandbox"
	"github.com/quarry-lab/conductor/internal/store"
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

type stubSource struct{ client llm.Client }

func (s stubSource) Client(string) (llm.Client, error) { return s.client, nil }
func (s stubSource) ModelFor(string, string) string    { return "m" }

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

type env struct {
	mgr *Manager
	st  *store.Store
	cfg *config.Config
}

func newTestManager(t *testing.T, client llm.Client, factories ...*subgraph.Factory) *env {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	logger := zaptest.NewLogger(t)
	st := store.New(rdb, logger)
	cfg := config.Default()
	cfg.Auth.TokenSecret = "test-secret"

	tokens := auth.New(cfg.Auth)
	fileSvc := files.New(cfg.Files, st, nil, tokens, logger)
	t.Cleanup(fileSvc.Close)

	// The sandbox service is never reached in these tests; any endpoint
	// works because no binding is ever provisioned.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)
	sbClient := sandbox.NewClient(srv.URL, 2*time.Second, nil, logger)
	sandboxes := sandbox.NewManager(sbClient, st, cfg.Sandbox, logger)

	registry := subgraph.NewRegistry()
	for _, f := range factories {
		registry.Register(f)
	}

	pl := planner.New(cfg, stubSource{client: client}, st, logger)
	mgr := NewManager(cfg, st, fileSvc, registry, pl, sandboxes, logger)
	t.Cleanup(mgr.Stop)
	return &env{mgr: mgr, st: st, cfg: cfg}
}

// drainUntil reads frames until the predicate matches, failing on timeout.
func drainUntil(t *testing.T, ch <-chan Frame, match func(Frame) bool) []Frame {
	t.Helper()
	var seen []Frame
	deadline := time.After(5 * time.Second)
	for {
		select {
		case f := <-ch:
			seen = append(seen, f)
			if match(f) {
				return seen
			}
		case <-deadline:
			t.Fatalf("timed out waiting for frame; saw %d frames", len(seen))
			return nil
		}
	}
}

func TestDirectAnswerFlow(t *testing.T) {
	client := (&scripted{}).say("Hello! How can I help?")
	e := newTestManager(t, client)
	ctx := context.Background()

	s, ch, err := e.mgr.Connect(ctx, "u1", "c1", "")
	require.NoError(t, err)

	require.NoError(t, e.mgr.Submit(ctx, s, Request{RequestID: "r1", Text: "hi"}))

	frames := drainUntil(t, ch, func(f Frame) bool { return f.Event == EventDone })

	var message *Frame
	for i := range frames {
		if frames[i].Event == EventMessage {
			message = &frames[i]
		}
	}
	require.NotNil(t, message, "expected a user-visible message frame")
	assert.Equal(t, "Hello! How can I help?", message.Content)
	assert.Equal(t, "planner_end", message.AgentType)
	assert.Equal(t, "r1", message.RequestID)

	done := frames[len(frames)-1]
	assert.Equal(t, "planner_end", done.AgentType)
	assert.NotNil(t, done.CumulativeUsage)

	// Both sides of the turn are persisted for history.
	history, err := e.st.ListMessages(ctx, "u1", "c1", "")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, messages.RoleHuman, history[0].Role)
	assert.Equal(t, "hi", history[0].Content)
	assert.Equal(t, messages.RoleAI, history[1].Role)
}

func TestWorkflowInterruptReplayAndReply(t *testing.T) {
	client := (&scripted{}).say("<choice>survey</choice>")
	e := newTestManager(t, client)
	e.mgr.subgraphs.Register(echoFactory("survey", "analysis complete", true, e.st))
	ctx := context.Background()

	s, ch, err := e.mgr.Connect(ctx, "u1", "c1", "")
	require.NoError(t, err)
	require.NoError(t, e.mgr.Submit(ctx, s, Request{RequestID: "r1", Text: "analyze this"}))

	frames := drainUntil(t, ch, func(f Frame) bool { return f.Event == EventInterrupt })
	interrupt := frames[len(frames)-1]
	assert.Equal(t, "which column?", interrupt.Content)

	// A reconnect replays the pending interrupt first.
	e.mgr.Disconnect(s)
	s2, ch2, err := e.mgr.Connect(ctx, "u1", "c1", "")
	require.NoError(t, err)
	assert.Same(t, s, s2, "reconnect reattaches the same session")
	first := <-ch2
	assert.Equal(t, EventInterrupt, first.Event)
	assert.Equal(t, interrupt.ID, first.ID)

	require.NoError(t, e.mgr.Reply(ctx, s2, "r1", "revenue"))
	frames = drainUntil(t, ch2, func(f Frame) bool { return f.Event == EventDone })

	var message *Frame
	for i := range frames {
		if frames[i].Event == EventMessage {
			message = &frames[i]
		}
	}
	require.NotNil(t, message)
	assert.Equal(t, "analysis complete (you said: revenue)", message.Content)
	assert.Equal(t, "survey_end", message.AgentType)
}

func TestReplyWithoutPendingInterrupt(t *testing.T) {
	e := newTestManager(t, &scripted{})
	ctx := context.Background()

	s, _, err := e.mgr.Connect(ctx, "u1", "c1", "")
	require.NoError(t, err)

	err = e.mgr.Reply(ctx, s, "r1", "answer")
	assert.ErrorIs(t, err, ErrNoRun)
}

func TestQueueBound(t *testing.T) {
	client := (&scripted{}).say("<choice>survey</choice>")
	e := newTestManager(t, client)
	e.mgr.subgraphs.Register(echoFactory("survey", "done", true, e.st))
	e.cfg.Session.MaxQueuedRequests = 1
	ctx := context.Background()

	s, ch, err := e.mgr.Connect(ctx, "u1", "c1", "")
	require.NoError(t, err)
	require.NoError(t, e.mgr.Submit(ctx, s, Request{RequestID: "r1", Text: "go"}))
	drainUntil(t, ch, func(f Frame) bool { return f.Event == EventInterrupt })

	// The run is paused, so new requests queue; the bound rejects overflow.
	require.NoError(t, e.mgr.Submit(ctx, s, Request{RequestID: "r2", Text: "next"}))
	err = e.mgr.Submit(ctx, s, Request{RequestID: "r3", Text: "another"})
	assert.ErrorIs(t, err, ErrBusy)
}

func TestCancelPausedRunDiscardsPendingState(t *testing.T) {
	client := (&scripted{}).say("<choice>survey</choice>")
	e := newTestManager(t, client)
	e.mgr.subgraphs.Register(echoFactory("survey", "done", true, e.st))
	ctx := context.Background()

	s, ch, err := e.mgr.Connect(ctx, "u1", "c1", "")
	require.NoError(t, err)
	require.NoError(t, e.mgr.Submit(ctx, s, Request{RequestID: "r1", Text: "go"}))
	drainUntil(t, ch, func(f Frame) bool { return f.Event == EventInterrupt })

	e.mgr.Cancel(s, "r1")

	frames := drainUntil(t, ch, func(f Frame) bool { return f.Event == EventError })
	assert.Equal(t, "cancelled", frames[len(frames)-1].ErrorType)

	err = e.mgr.Reply(ctx, s, "r1", "too late")
	assert.ErrorIs(t, err, ErrNoRun)
}

func TestCatalogueFeatureFlag(t *testing.T) {
	e := newTestManager(t, &scripted{},
		echoFactory("data_science", "ds", false, nil),
		echoFactory("survey", "sv", false, nil))

	names := func(fs []*subgraph.Factory) []string {
		var out []string
		for _, f := range fs {
			out = append(out, f.Name)
		}
		return out
	}

	e.cfg.Features.DataScience = "auto"
	assert.Equal(t, []string{"survey"}, names(e.mgr.catalogue(false)))
	assert.Equal(t, []string{"data_science", "survey"}, names(e.mgr.catalogue(true)))

	e.cfg.Features.DataScience = "off"
	assert.Equal(t, []string{"survey"}, names(e.mgr.catalogue(true)))

	e.cfg.Features.DataScience = "on"
	assert.Equal(t, []string{"data_science", "survey"}, names(e.mgr.catalogue(false)))
}

func TestSweepDestroysIdleSession(t *testing.T) {
	e := newTestManager(t, &scripted{})
	e.cfg.Session.SessionTimeout = 10 * time.Millisecond
	ctx := context.Background()

	s, _, err := e.mgr.Connect(ctx, "u1", "c1", "")
	require.NoError(t, err)
	e.mgr.Disconnect(s)

	time.Sleep(20 * time.Millisecond)
	e.mgr.sweep()

	assert.Empty(t, e.mgr.Snapshot())
	_, err = e.st.GetSessionMeta(ctx, "u1", "c1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestHeartbeatKeepsSessionAlive(t *testing.T) {
	e := newTestManager(t, &scripted{})
	e.cfg.Session.SessionTimeout = 50 * time.Millisecond
	ctx := context.Background()

	s, _, err := e.mgr.Connect(ctx, "u1", "c1", "")
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	e.mgr.Heartbeat(ctx, s)
	time.Sleep(30 * time.Millisecond)
	e.mgr.sweep()

	require.Len(t, e.mgr.Snapshot(), 1)
}

func TestDestroyConversation(t *testing.T) {
	e := newTestManager(t, &scripted{})
	ctx := context.Background()

	_, _, err := e.mgr.Connect(ctx, "u1", "c1", "")
	require.NoError(t, err)

	e.mgr.DestroyConversation(ctx, "u1", "c1")
	assert.Empty(t, e.mgr.Snapshot())
	_, err = e.st.GetSessionMeta(ctx, "u1", "c1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestFrameClassification(t *testing.T) {
	think := frameFor("r1", messages.NewAI("working").WithAgentType("data_science_coder"))
	assert.Equal(t, EventThink, think.Event)

	visible := frameFor("r1", messages.NewAI("answer").WithAgentType("planner_end"))
	assert.Equal(t, EventMessage, visible.Event)

	failed := frameFor("r1", messages.NewAI("boom").
		WithAgentType("planner_end").
		WithKwarg(messages.KwargErrorType, "run_failed"))
	assert.Equal(t, EventError, failed.Event)
	assert.Equal(t, "run_failed", failed.ErrorType)
}

func TestRingReplay(t *testing.T) {
	r := newRing(3)
	for i := 1; i <= 5; i++ {
		r.push(Frame{ID: fmt.Sprintf("f%d", i)})
	}
	// Capacity 3 keeps f3..f5.
	all := r.after("")
	require.Len(t, all, 3)
	assert.Equal(t, "f3", all[0].ID)

	tail := r.after("f4")
	require.Len(t, tail, 1)
	assert.Equal(t, "f5", tail[0].ID)

	unknown := r.after("f1")
	assert.Len(t, unknown, 3, "evicted ids replay everything retained")
}

func TestSystemPromptAssembly(t *testing.T) {
	e := newTestManager(t, &scripted{})

	plain := e.mgr.systemPrompt(false, nil)
	assert.Contains(t, plain, time.Now().Format("2006-01-02"))
	assert.NotContains(t, plain, "indexed for retrieval")
	assert.Contains(t, plain, "sandboxed workflow")

	full := e.mgr.systemPrompt(true, []string{"sales.csv", "notes.pdf"})
	assert.Contains(t, full, "indexed for retrieval")
	assert.Contains(t, full, "- sales.csv")
	assert.Contains(t, full, "- notes.pdf")
}

func TestUsageOf(t *testing.T) {
	direct := messages.NewAI("x").WithKwarg(messages.KwargUsage, messages.Usage{PromptTokens: 3, CompletionTokens: 4, TotalTokens: 7})
	assert.Equal(t, 7, usageOf(direct).TotalTokens)

	decoded := messages.NewAI("x").WithKwarg(messages.KwargUsage, map[string]interface{}{
		"prompt_tokens": float64(2), "completion_tokens": float64(5), "total_tokens": float64(7),
	})
	assert.Equal(t, messages.Usage{PromptTokens: 2, CompletionTokens: 5, TotalTokens: 7}, usageOf(decoded))

	assert.Zero(t, usageOf(messages.NewAI("x")).TotalTokens)
}
