package llm

import (
	"context"
	"errors"
	"fmt"
	"os"

	openai "github.com/sashabaranov/go-openai"

	"github.com/quarry-lab/conductor/internal/config"
	"github.com/quarry-lab/conductor/internal/messages"
)

// OpenAIClient speaks the chat-completions dialect. Any provider exposing a
// compatible base URL works through it.
type OpenAIClient struct {
	provider string
	client   *openai.Client
}

// NewOpenAIClient builds a client for one configured provider entry.
func NewOpenAIClient(provider string, cfg config.ProviderConfig) (*OpenAIClient, error) {
	apiKey := os.Getenv(cfg.APIKeyEnv)
	if apiKey == "" && cfg.APIKeyEnv != "" {
		return nil, fmt.Errorf("provider %s: env %s is not set", provider, cfg.APIKeyEnv)
	}
	clientConfig := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	return &OpenAIClient{
		provider: provider,
		client:   openai.NewClientWithConfig(clientConfig),
	}, nil
}

// Provider returns the registry id this client serves.
func (c *OpenAIClient) Provider() string { return c.provider }

// Chat performs one completion call.
func (c *OpenAIClient) Chat(ctx context.Context, req Request) (Response, error) {
	params := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: toOpenAIMessages(req.System, req.Messages),
		Tools:    toOpenAITools(req.Tools),
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = req.MaxTokens
	}
	if req.JSONMode {
		params.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	resp, err := c.client.CreateChatCompletion(ctx, params)
	if err != nil {
		return Response{}, classifyOpenAIErr(err)
	}
	if len(resp.Choices) == 0 {
		return Response{}, fmt.Errorf("provider %s returned no choices", c.provider)
	}

	msg := messages.NewAI(resp.Choices[0].Message.Content)
	for _, tc := range resp.Choices[0].Message.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, messages.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return Response{
		Message: msg,
		Usage: messages.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

func toOpenAIMessages(system string, msgs []messages.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}
	for _, m := range msgs {
		switch m.Role {
		case messages.RoleSystem:
			out = append(out, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: m.Content,
			})
		case messages.RoleHuman:
			out = append(out, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: m.Content,
			})
		case messages.RoleAI:
			cm := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: m.Content,
			}
			for _, tc := range m.ToolCalls {
				cm.ToolCalls = append(cm.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: tc.Arguments,
					},
				})
			}
			out = append(out, cm)
		case messages.RoleTool:
			callID, _ := m.Kwargs["tool_call_id"].(string)
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    m.Content,
				Name:       m.Name,
				ToolCallID: callID,
			})
		}
	}
	return out
}

func toOpenAITools(specs []ToolSpec) []openai.Tool {
	if len(specs) == 0 {
		return nil
	}
	out := make([]openai.Tool, len(specs))
	for i, spec := range specs {
		out[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        spec.Name,
				Description: spec.Description,
				Parameters:  spec.Schema,
			},
		}
	}
	return out
}

func classifyOpenAIErr(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return httpStatusErr{err: err, code: apiErr.HTTPStatusCode}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return httpStatusErr{err: err, code: reqErr.HTTPStatusCode}
	}
	return err
}
