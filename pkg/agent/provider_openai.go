package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/harun/shiftdesk/pkg/history"
	"github.com/harun/shiftdesk/pkg/toolexecutor"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIGateway implements ModelGateway for OpenAI chat completions
type OpenAIGateway struct {
	client      openai.Client
	model       string
	temperature float64
	maxTokens   int
}

// NewOpenAIGateway creates a new OpenAI gateway
func NewOpenAIGateway(cfg GatewayConfig) *OpenAIGateway {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAIGateway{
		client:      openai.NewClient(opts...),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
	}
}

// Provider returns the provider name
func (g *OpenAIGateway) Provider() string {
	return ProviderOpenAI
}

// Converse makes one chat completion call
func (g *OpenAIGateway) Converse(ctx context.Context, req ConverseRequest) (*ModelResponse, error) {
	messages := []openai.ChatCompletionMessageParamUnion{}
	if req.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(req.SystemPrompt))
	}
	converted, err := openaiMessages(conversation(req))
	if err != nil {
		return nil, newGatewayError(ProviderOpenAI, 0, err)
	}
	messages = append(messages, converted...)

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(g.model),
		Messages: messages,
	}
	if g.maxTokens > 0 {
		params.MaxTokens = openai.Int(int64(g.maxTokens))
	}
	if g.temperature > 0 {
		params.Temperature = openai.Float(g.temperature)
	}
	if len(req.Tools) > 0 {
		params.Tools = openaiTools(req.Tools)
	}

	response, err := g.client.Chat.Completions.New(ctx, params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return nil, newGatewayError(ProviderOpenAI, apiErr.StatusCode, err)
		}
		return nil, newGatewayError(ProviderOpenAI, 0, err)
	}
	if len(response.Choices) == 0 {
		return nil, newGatewayError(ProviderOpenAI, 0, fmt.Errorf("no response choices returned"))
	}

	msg := response.Choices[0].Message
	parts := []history.Part{}
	if msg.Content != "" {
		parts = append(parts, history.Part{Text: msg.Content})
	}
	for _, tc := range msg.ToolCalls {
		args, err := parseArgs(tc.Function.Arguments)
		if err != nil {
			return nil, newGatewayError(ProviderOpenAI, 0, err)
		}
		parts = append(parts, history.Part{Call: &history.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: args,
		}})
	}
	return &ModelResponse{Parts: parts}, nil
}

func openaiMessages(turns []history.Turn) ([]openai.ChatCompletionMessageParamUnion, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(turns))
	for _, turn := range turns {
		switch turn.Role {
		case history.RoleUser:
			messages = append(messages, openai.UserMessage(turn.Text()))

		case history.RoleModel:
			calls := turn.Calls()
			if len(calls) == 0 {
				messages = append(messages, openai.AssistantMessage(turn.Text()))
				continue
			}
			toolCalls := make([]openai.ChatCompletionMessageToolCall, 0, len(calls))
			for _, call := range calls {
				argsJSON, err := json.Marshal(call.Args)
				if err != nil {
					return nil, fmt.Errorf("failed to marshal tool arguments: %w", err)
				}
				toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCall{
					ID:   call.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunction{
						Name:      call.Name,
						Arguments: string(argsJSON),
					},
				})
			}
			assistantMsg := openai.ChatCompletionMessage{
				Role:      "assistant",
				Content:   turn.Text(),
				ToolCalls: toolCalls,
			}
			messages = append(messages, assistantMsg.ToParam())

		case history.RoleTool:
			for _, result := range turn.Results() {
				content, _ := resultContent(result)
				messages = append(messages, openai.ToolMessage(content, result.ID))
			}
		}
	}
	return messages, nil
}

func openaiTools(decls []toolexecutor.Declaration) []openai.ChatCompletionToolParam {
	tools := make([]openai.ChatCompletionToolParam, 0, len(decls))
	for _, decl := range decls {
		tools = append(tools, openai.ChatCompletionToolParam{
			Type: "function",
			Function: openai.FunctionDefinitionParam{
				Name:        decl.Name,
				Description: openai.String(decl.Description),
				Parameters:  openai.FunctionParameters(toolexecutor.JSONSchema(decl)),
			},
		})
	}
	return tools
}

var _ ModelGateway = (*OpenAIGateway)(nil)
