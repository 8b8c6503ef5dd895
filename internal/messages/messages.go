package messages

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies who produced a message.
type Role string

const (
	RoleHuman  Role = "human"
	RoleAI     Role = "ai"
	RoleTool   Role = "tool"
	RoleSystem Role = "system"
)

// Well-known additional_kwargs keys. Consumers must tolerate absence.
const (
	KwargAgentType = "agent_type"
	KwargTimestamp = "timestamp"
	KwargFiles     = "files"
	KwargErrorType = "error_type"
	KwargUsage     = "usage_metadata"
)

// ToolCall is a single tool invocation requested by the model.
type ToolCall struct {
	ID        string `json:"id,omitempty"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Message is the unit of conversation state. Messages are shared by value
// after emission; mutate only before handing one off.
type Message struct {
	ID        string         `json:"id"`
	Role      Role           `json:"role"`
	Content   string         `json:"content"`
	Name      string         `json:"name,omitempty"`
	ToolCalls []ToolCall     `json:"tool_calls,omitempty"`
	Kwargs    map[string]any `json:"additional_kwargs,omitempty"`
}

// Usage aggregates token accounting for one or more model calls.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add accumulates another usage sample.
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// NewHuman creates a human message with a fresh id.
func NewHuman(content string) Message {
	return newMessage(RoleHuman, content)
}

// NewAI creates an assistant message with a fresh id.
func NewAI(content string) Message {
	return newMessage(RoleAI, content)
}

// NewSystem creates a system message with a fresh id.
func NewSystem(content string) Message {
	return newMessage(RoleSystem, content)
}

// NewTool creates a tool result message. Name carries the tool that produced
// it; callID links back to the originating tool call when the provider needs
// it.
func NewTool(content, name, callID string) Message {
	m := newMessage(RoleTool, content)
	m.Name = name
	if callID != "" {
		m.Kwargs["tool_call_id"] = callID
	}
	return m
}

func newMessage(role Role, content string) Message {
	return Message{
		ID:      uuid.New().String(),
		Role:    role,
		Content: content,
		Kwargs: map[string]any{
			KwargTimestamp: time.Now().UTC().Format(time.RFC3339),
		},
	}
}

// AgentType returns the message's agent attribution, or "" when untagged.
func (m Message) AgentType() string {
	if m.Kwargs == nil {
		return ""
	}
	if v, ok := m.Kwargs[KwargAgentType].(string); ok {
		return v
	}
	return ""
}

// WithAgentType returns a copy tagged with the given agent identity.
func (m Message) WithAgentType(agentType string) Message {
	c := m.Clone()
	c.Kwargs[KwargAgentType] = agentType
	return c
}

// WithKwarg returns a copy with one additional kwarg set.
func (m Message) WithKwarg(key string, value any) Message {
	c := m.Clone()
	c.Kwargs[key] = value
	return c
}

// ErrorType returns the error_type kwarg, or "" when unset.
func (m Message) ErrorType() string {
	if m.Kwargs == nil {
		return ""
	}
	if v, ok := m.Kwargs[KwargErrorType].(string); ok {
		return v
	}
	return ""
}

// HasToolCalls reports whether the model requested tool execution.
func (m Message) HasToolCalls() bool {
	return len(m.ToolCalls) > 0
}

// Clone deep-copies the message so the copy can be mutated independently.
func (m Message) Clone() Message {
	c := m
	if m.ToolCalls != nil {
		c.ToolCalls = make([]ToolCall, len(m.ToolCalls))
		copy(c.ToolCalls, m.ToolCalls)
	}
	c.Kwargs = make(map[string]any, len(m.Kwargs)+1)
	for k, v := range m.Kwargs {
		c.Kwargs[k] = v
	}
	return c
}

// Last returns the final message of a slice, or false when empty.
func Last(msgs []Message) (Message, bool) {
	if len(msgs) == 0 {
		return Message{}, false
	}
	return msgs[len(msgs)-1], true
}
