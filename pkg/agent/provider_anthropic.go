package agent

import (
	"context"
	"errors"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/harun/shiftdesk/pkg/history"
	"github.com/harun/shiftdesk/pkg/toolexecutor"
)

// AnthropicGateway implements ModelGateway for Anthropic Claude
type AnthropicGateway struct {
	client      anthropic.Client
	model       string
	temperature float64
	maxTokens   int
}

// NewAnthropicGateway creates a new Anthropic gateway
func NewAnthropicGateway(cfg GatewayConfig) *AnthropicGateway {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &AnthropicGateway{
		client:      anthropic.NewClient(opts...),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   maxTokens,
	}
}

// Provider returns the provider name
func (g *AnthropicGateway) Provider() string {
	return ProviderAnthropic
}

// Converse makes one Messages API call
func (g *AnthropicGateway) Converse(ctx context.Context, req ConverseRequest) (*ModelResponse, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(g.model),
		Messages:  anthropicMessages(conversation(req)),
		MaxTokens: int64(g.maxTokens),
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}
	if g.temperature > 0 {
		params.Temperature = anthropic.Float(g.temperature)
	}
	if len(req.Tools) > 0 {
		params.Tools = anthropicTools(req.Tools)
	}

	response, err := g.client.Messages.New(ctx, params)
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return nil, newGatewayError(ProviderAnthropic, apiErr.StatusCode, err)
		}
		return nil, newGatewayError(ProviderAnthropic, 0, err)
	}

	parts := make([]history.Part, 0, len(response.Content))
	for _, block := range response.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			parts = append(parts, history.Part{Text: b.Text})
		case anthropic.ToolUseBlock:
			args, err := parseArgs(b.JSON.Input.Raw())
			if err != nil {
				return nil, newGatewayError(ProviderAnthropic, 0, err)
			}
			parts = append(parts, history.Part{Call: &history.ToolCall{
				ID:   b.ID,
				Name: b.Name,
				Args: args,
			}})
		}
	}
	return &ModelResponse{Parts: parts}, nil
}

func anthropicMessages(turns []history.Turn) []anthropic.MessageParam {
	messages := make([]anthropic.MessageParam, 0, len(turns))
	for _, turn := range turns {
		switch turn.Role {
		case history.RoleUser:
			if text := turn.Text(); text != "" {
				messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(text)))
			}

		case history.RoleModel:
			blocks := []anthropic.ContentBlockParamUnion{}
			if text := turn.Text(); text != "" {
				blocks = append(blocks, anthropic.NewTextBlock(text))
			}
			for _, call := range turn.Calls() {
				args := call.Args
				if args == nil {
					args = map[string]interface{}{}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(call.ID, args, call.Name))
			}
			if len(blocks) > 0 {
				messages = append(messages, anthropic.NewAssistantMessage(blocks...))
			}

		case history.RoleTool:
			// All results of one batch go back in a single user message.
			blocks := []anthropic.ContentBlockParamUnion{}
			for _, result := range turn.Results() {
				content, isError := resultContent(result)
				blocks = append(blocks, anthropic.NewToolResultBlock(result.ID, content, isError))
			}
			if len(blocks) > 0 {
				messages = append(messages, anthropic.NewUserMessage(blocks...))
			}
		}
	}
	return messages
}

func anthropicTools(decls []toolexecutor.Declaration) []anthropic.ToolUnionParam {
	tools := make([]anthropic.ToolUnionParam, 0, len(decls))
	for _, decl := range decls {
		schema := toolexecutor.JSONSchema(decl)
		tool := anthropic.ToolParam{
			Name:        decl.Name,
			Description: anthropic.String(decl.Description),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: schema["properties"],
			},
		}
		if required := requiredParams(decl); len(required) > 0 {
			tool.InputSchema.Required = required
		}
		tools = append(tools, anthropic.ToolUnionParam{OfTool: &tool})
	}
	return tools
}

var _ ModelGateway = (*AnthropicGateway)(nil)
