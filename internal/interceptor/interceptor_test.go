package interceptor

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarry-lab/conductor/internal/llm"
	"github.com/quarry-lab/conductor/internal/messages"
)

type fakeClient struct {
	responses []llm.Response
	errs      []error
	calls     int
}

func (f *fakeClient) Provider() string { return "fake" }

func (f *fakeClient) Chat(_ context.Context, _ llm.Request) (llm.Response, error) {
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return llm.Response{}, f.errs[i]
	}
	return f.responses[i], nil
}

func TestRecorderTagsAndDrains(t *testing.T) {
	client := &fakeClient{responses: []llm.Response{
		{Message: messages.NewAI("one"), Usage: messages.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}},
		{Message: messages.NewAI("two"), Usage: messages.Usage{PromptTokens: 20, CompletionTokens: 5, TotalTokens: 25}},
	}}
	r := NewRecorder(client, "data_science_code_agent", StreamPrimary)

	resp, err := r.Chat(context.Background(), llm.Request{})
	require.NoError(t, err)
	assert.Equal(t, "data_science_code_agent", resp.Message.AgentType())

	r.Record(messages.NewTool("result", "execute_code", "call_1"))

	_, err = r.Chat(context.Background(), llm.Request{})
	require.NoError(t, err)

	drained := r.Drain()
	require.Len(t, drained, 3)
	assert.Equal(t, "one", drained[0].Content)
	assert.Equal(t, "result", drained[1].Content)
	assert.Equal(t, "two", drained[2].Content)
	for _, m := range drained {
		assert.Equal(t, "data_science_code_agent", m.AgentType())
	}

	assert.Empty(t, r.Drain())
	assert.Equal(t, 2, r.CallCount())
	assert.Equal(t, 40, r.Usage().TotalTokens)
}

func TestRecorderDoesNotCaptureFailures(t *testing.T) {
	client := &fakeClient{errs: []error{errors.New("boom")}}
	r := NewRecorder(client, "planner_agent", StreamPrimary)

	_, err := r.Chat(context.Background(), llm.Request{})
	require.Error(t, err)
	assert.Empty(t, r.Drain())
	assert.Equal(t, 1, r.CallCount())
}

func TestPairDrainOrder(t *testing.T) {
	client := &fakeClient{responses: []llm.Response{
		{Message: messages.NewAI("primary")},
	}}
	fixClient := &fakeClient{responses: []llm.Response{
		{Message: messages.NewAI("fix")},
	}}
	p := Pair{
		Primary: NewRecorder(client, "agent", StreamPrimary),
		Fixing:  NewRecorder(fixClient, "agent", StreamFixing),
	}

	_, err := p.Primary.Chat(context.Background(), llm.Request{})
	require.NoError(t, err)
	_, err = p.Fixing.Chat(context.Background(), llm.Request{})
	require.NoError(t, err)

	drained := p.Drain()
	require.Len(t, drained, 2)
	assert.Equal(t, "primary", drained[0].Content)
	assert.Equal(t, "fix", drained[1].Content)
}
