package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/harun/shiftdesk/pkg/history"
	"github.com/harun/shiftdesk/pkg/toolexecutor"
	"google.golang.org/genai"
)

// GeminiGateway implements ModelGateway for Google Gemini
type GeminiGateway struct {
	client      *genai.Client
	model       string
	temperature float64
	maxTokens   int
}

// NewGeminiGateway creates a new Gemini gateway
func NewGeminiGateway(ctx context.Context, cfg GatewayConfig) (*GeminiGateway, error) {
	clientCfg := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return &GeminiGateway{
		client:      client,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
	}, nil
}

// Provider returns the provider name
func (g *GeminiGateway) Provider() string {
	return ProviderGemini
}

// Converse makes one generateContent call
func (g *GeminiGateway) Converse(ctx context.Context, req ConverseRequest) (*ModelResponse, error) {
	config := &genai.GenerateContentConfig{}
	if req.SystemPrompt != "" {
		config.SystemInstruction = genai.NewContentFromText(req.SystemPrompt, genai.RoleUser)
	}
	if g.temperature > 0 {
		config.Temperature = genai.Ptr(float32(g.temperature))
	}
	if g.maxTokens > 0 {
		config.MaxOutputTokens = int32(g.maxTokens)
	}
	if len(req.Tools) > 0 {
		config.Tools = geminiTools(req.Tools)
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, geminiContents(conversation(req)), config)
	if err != nil {
		return nil, newGatewayError(ProviderGemini, geminiStatus(err), err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, newGatewayError(ProviderGemini, 0, fmt.Errorf("no candidates returned"))
	}

	parts := []history.Part{}
	for _, p := range resp.Candidates[0].Content.Parts {
		if p == nil || p.Thought {
			continue
		}
		if p.FunctionCall != nil {
			args := p.FunctionCall.Args
			if args == nil {
				args = map[string]any{}
			}
			parts = append(parts, history.Part{Call: &history.ToolCall{
				ID:   p.FunctionCall.ID,
				Name: p.FunctionCall.Name,
				Args: args,
			}})
			continue
		}
		if p.Text != "" {
			parts = append(parts, history.Part{Text: p.Text})
		}
	}
	return &ModelResponse{Parts: parts}, nil
}

func geminiContents(turns []history.Turn) []*genai.Content {
	contents := make([]*genai.Content, 0, len(turns))
	for _, turn := range turns {
		switch turn.Role {
		case history.RoleUser:
			contents = append(contents, genai.NewContentFromText(turn.Text(), genai.RoleUser))

		case history.RoleModel:
			var parts []*genai.Part
			if text := turn.Text(); text != "" {
				parts = append(parts, genai.NewPartFromText(text))
			}
			for _, call := range turn.Calls() {
				parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{
					ID:   call.ID,
					Name: call.Name,
					Args: call.Args,
				}})
			}
			if len(parts) > 0 {
				contents = append(contents, &genai.Content{Role: genai.RoleModel, Parts: parts})
			}

		case history.RoleTool:
			var parts []*genai.Part
			for _, result := range turn.Results() {
				part := genai.NewPartFromFunctionResponse(result.Name, resultObject(result))
				part.FunctionResponse.ID = result.ID
				parts = append(parts, part)
			}
			if len(parts) > 0 {
				contents = append(contents, &genai.Content{Role: genai.RoleUser, Parts: parts})
			}
		}
	}
	return contents
}

func geminiTools(decls []toolexecutor.Declaration) []*genai.Tool {
	fns := make([]*genai.FunctionDeclaration, 0, len(decls))
	for _, decl := range decls {
		fns = append(fns, &genai.FunctionDeclaration{
			Name:                 decl.Name,
			Description:          decl.Description,
			ParametersJsonSchema: toolexecutor.JSONSchema(decl),
		})
	}
	return []*genai.Tool{{FunctionDeclarations: fns}}
}

func geminiStatus(err error) int {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) {
		return apiErrPtr.Code
	}
	return 0
}

var _ ModelGateway = (*GeminiGateway)(nil)
