package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/quarry-lab/conductor/internal/config"
	"github.com/quarry-lab/conductor/internal/messages"
)

// AnthropicClient serves Anthropic model endpoints.
type AnthropicClient struct {
	provider string
	client   anthropic.Client
}

// anthropicDefaultMaxTokens applies when the request does not set a cap; the
// Anthropic API requires one.
const anthropicDefaultMaxTokens = 4096

// NewAnthropicClient builds a client for one configured provider entry.
func NewAnthropicClient(provider string, cfg config.ProviderConfig) (*AnthropicClient, error) {
	apiKey := os.Getenv(cfg.APIKeyEnv)
	if apiKey == "" && cfg.APIKeyEnv != "" {
		return nil, fmt.Errorf("provider %s: env %s is not set", provider, cfg.APIKeyEnv)
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicClient{
		provider: provider,
		client:   anthropic.NewClient(opts...),
	}, nil
}

// Provider returns the registry id this client serves.
func (c *AnthropicClient) Provider() string { return c.provider }

// Chat performs one completion call.
func (c *AnthropicClient) Chat(ctx context.Context, req Request) (Response, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}

	system := req.System
	if req.JSONMode {
		// No response-format knob on this API; the instruction plus the
		// fixing loop covers it.
		system = strings.TrimSpace(system + "\nRespond with a single JSON object and nothing else.")
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  toAnthropicMessages(req.Messages),
		Tools:     toAnthropicTools(req.Tools),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return Response{}, classifyAnthropicErr(err)
	}

	msg := messages.NewAI("")
	var text strings.Builder
	for _, block := range resp.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			text.WriteString(variant.Text)
		case anthropic.ToolUseBlock:
			msg.ToolCalls = append(msg.ToolCalls, messages.ToolCall{
				ID:        variant.ID,
				Name:      variant.Name,
				Arguments: variant.JSON.Input.Raw(),
			})
		}
	}
	msg.Content = text.String()

	usage := messages.Usage{
		PromptTokens:     int(resp.Usage.InputTokens),
		CompletionTokens: int(resp.Usage.OutputTokens),
	}
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	return Response{Message: msg, Usage: usage}, nil
}

func toAnthropicMessages(msgs []messages.Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case messages.RoleHuman, messages.RoleSystem:
			// Leading system content travels in params.System; any system
			// message embedded mid-conversation degrades to user text.
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case messages.RoleAI:
			blocks := make([]anthropic.ContentBlockParamUnion, 0, 1+len(m.ToolCalls))
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				var input any
				if err := json.Unmarshal([]byte(tc.Arguments), &input); err != nil {
					input = map[string]any{"input": tc.Arguments}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			if len(blocks) == 0 {
				blocks = append(blocks, anthropic.NewTextBlock(""))
			}
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		case messages.RoleTool:
			callID, _ := m.Kwargs["tool_call_id"].(string)
			out = append(out, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(callID, m.Content, false),
			))
		}
	}
	return out
}

func toAnthropicTools(specs []ToolSpec) []anthropic.ToolUnionParam {
	if len(specs) == 0 {
		return nil
	}
	out := make([]anthropic.ToolUnionParam, len(specs))
	for i, spec := range specs {
		var schema struct {
			Properties any      `json:"properties"`
			Required   []string `json:"required"`
		}
		_ = json.Unmarshal(spec.Schema, &schema)
		out[i] = anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        spec.Name,
				Description: anthropic.String(spec.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: schema.Properties,
					Required:   schema.Required,
				},
			},
		}
	}
	return out
}

func classifyAnthropicErr(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return httpStatusErr{err: err, code: apiErr.StatusCode}
	}
	return err
}
