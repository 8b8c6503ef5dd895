package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quarry-lab/conductor/internal/messages"
)

func TestCoerceValue(t *testing.T) {
	tests := []struct {
		in   string
		want any
	}{
		{`["a","b"]`, []any{"a", "b"}},
		{`{"k":1}`, map[string]any{"k": float64(1)}},
		{"42", 42},
		{"3.5", 3.5},
		{"true", true},
		{"FALSE", false},
		{"hello", "hello"},
		{"[broken", "[broken"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, CoerceValue(tt.in))
		})
	}
}

func TestParseTagBlock(t *testing.T) {
	params, ok := ParseTagBlock("<code>print(1)</code>\n<timeout>30</timeout>")
	require.True(t, ok)
	assert.Equal(t, "print(1)", params.String("code"))
	n, ok := params.Int("timeout")
	require.True(t, ok)
	assert.Equal(t, 30, n)

	_, ok = ParseTagBlock("no tags here")
	assert.False(t, ok)

	// Mismatched close tags are dropped.
	params, ok = ParseTagBlock("<a>1</b><c>2</c>")
	require.True(t, ok)
	_, hasA := params["a"]
	assert.False(t, hasA)
	assert.Equal(t, 2, params["c"])
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, Params{"query": "trends"}, Normalize(`{"query":"trends"}`))
	assert.Equal(t, Params{"input": "bare string"}, Normalize("bare string"))
	assert.Equal(t, Params{}, Normalize("  "))

	params := Normalize("<path>/workspace/sales.csv</path>")
	assert.Equal(t, "/workspace/sales.csv", params.String("path"))
}

type echoInput struct {
	Text string `json:"text" jsonschema:"required"`
}

type echoTool struct {
	delay time.Duration
	fail  error
}

func (e *echoTool) Name() string            { return "echo" }
func (e *echoTool) Description() string     { return "echoes" }
func (e *echoTool) Schema() json.RawMessage { return GenerateSchema[echoInput]() }

func (e *echoTool) Invoke(ctx context.Context, params Params) (string, error) {
	if e.fail != nil {
		return "", e.fail
	}
	if e.delay > 0 {
		select {
		case <-time.After(e.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return "echo: " + params.String("text"), nil
}

func TestDispatch(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	r.Register(&echoTool{})

	msg := r.Dispatch(context.Background(), messages.ToolCall{
		ID: "c1", Name: "echo", Arguments: `{"text":"hi"}`,
	}, time.Second)
	assert.Equal(t, messages.RoleTool, msg.Role)
	assert.Equal(t, "echo: hi", msg.Content)
	assert.Equal(t, "echo", msg.Name)

	// Unknown tool and missing required parameter become textual results.
	msg = r.Dispatch(context.Background(), messages.ToolCall{Name: "nope"}, time.Second)
	assert.Contains(t, msg.Content, "unknown tool")

	msg = r.Dispatch(context.Background(), messages.ToolCall{Name: "echo", Arguments: `{}`}, time.Second)
	assert.Contains(t, msg.Content, "requires")
}

func TestDispatchTimeout(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	r.Register(&echoTool{delay: time.Second})

	msg := r.Dispatch(context.Background(), messages.ToolCall{
		Name: "echo", Arguments: `{"text":"slow"}`,
	}, 20*time.Millisecond)
	assert.Contains(t, msg.Content, "timed out")
}

func TestDispatchToolError(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	r.Register(&echoTool{fail: errors.New("exploded")})

	msg := r.Dispatch(context.Background(), messages.ToolCall{
		Name: "echo", Arguments: `{"text":"x"}`,
	}, time.Second)
	assert.Contains(t, msg.Content, "exploded")
}

func TestDispatchParallelPreservesOrder(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	r.Register(&echoTool{delay: 10 * time.Millisecond})

	calls := []messages.ToolCall{
		{ID: "a", Name: "echo", Arguments: `{"text":"first"}`},
		{ID: "b", Name: "echo", Arguments: `{"text":"second"}`},
		{ID: "c", Name: "echo", Arguments: `{"text":"third"}`},
	}
	out := r.DispatchParallel(context.Background(), calls, time.Second, 3)
	require.Len(t, out, 3)
	assert.Equal(t, "echo: first", out[0].Content)
	assert.Equal(t, "echo: second", out[1].Content)
	assert.Equal(t, "echo: third", out[2].Content)
}

func TestRegistrySpecsOrder(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	r.Register(&echoTool{})
	RegisterSearchTools(r)

	specs := r.Specs()
	require.Len(t, specs, 4)
	assert.Equal(t, "echo", specs[0].Name)
	assert.Equal(t, "web_search", specs[1].Name)

	var schema map[string]any
	require.NoError(t, json.Unmarshal(specs[0].Schema, &schema))
	assert.Equal(t, "object", schema["type"])
}

func TestStripHTMLTags(t *testing.T) {
	in := `<span class="searchmatch">sales</span> rose sharply`
	assert.Equal(t, "sales rose sharply", stripHTMLTags(in))
	assert.False(t, strings.Contains(stripHTMLTags(in), "<"))
}
