package messages

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMessageAssignsIDAndTimestamp(t *testing.T) {
	m := NewHuman("hello")

	assert.NotEmpty(t, m.ID)
	assert.Equal(t, RoleHuman, m.Role)
	assert.Equal(t, "hello", m.Content)
	assert.Contains(t, m.Kwargs, KwargTimestamp)

	m2 := NewHuman("hello")
	assert.NotEqual(t, m.ID, m2.ID, "ids must be unique per message")
}

func TestAgentTypeTagging(t *testing.T) {
	m := NewAI("result")
	assert.Empty(t, m.AgentType())

	tagged := m.WithAgentType("data_science_code_agent")
	assert.Equal(t, "data_science_code_agent", tagged.AgentType())
	assert.Empty(t, m.AgentType(), "original must not be mutated")
}

func TestCloneIsIndependent(t *testing.T) {
	m := NewAI("x")
	m.ToolCalls = []ToolCall{{Name: "execute_code", Arguments: `{"code":"1"}`}}

	c := m.Clone()
	c.Kwargs["extra"] = true
	c.ToolCalls[0].Name = "changed"

	assert.NotContains(t, m.Kwargs, "extra")
	assert.Equal(t, "execute_code", m.ToolCalls[0].Name)
}

func TestRoundTripJSON(t *testing.T) {
	m := NewTool("ok", "read_file", "call_1").WithAgentType("planner_end")

	data, err := json.Marshal(m)
	require.NoError(t, err)

	var got Message
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, m.ID, got.ID)
	assert.Equal(t, m.Content, got.Content)
	assert.Equal(t, "planner_end", got.AgentType())
	assert.Equal(t, "read_file", got.Name)
}

func TestUsageAdd(t *testing.T) {
	u := Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}
	u.Add(Usage{PromptTokens: 1, CompletionTokens: 2, TotalTokens: 3})

	assert.Equal(t, 11, u.PromptTokens)
	assert.Equal(t, 7, u.CompletionTokens)
	assert.Equal(t, 18, u.TotalTokens)
}

func TestLast(t *testing.T) {
	_, ok := Last(nil)
	assert.False(t, ok)

	msgs := []Message{NewHuman("a"), NewAI("b")}
	last, ok := Last(msgs)
	require.True(t, ok)
	assert.Equal(t, "b", last.Content)
}
