package agent

import (
	"context"
	"fmt"
)

// Supported model providers.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGemini    = "gemini"
)

const defaultMaxTokens = 1024

// GatewayConfig selects and tunes a model backend.
type GatewayConfig struct {
	Provider    string
	Model       string
	APIKey      string
	Temperature float64
	MaxTokens   int
	// BaseURL overrides the provider endpoint (proxies, tests).
	BaseURL string
}

// NewGateway creates the ModelGateway for cfg.Provider.
func NewGateway(ctx context.Context, cfg GatewayConfig) (ModelGateway, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("model name is required")
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}

	switch cfg.Provider {
	case ProviderAnthropic:
		return NewAnthropicGateway(cfg), nil
	case ProviderOpenAI:
		return NewOpenAIGateway(cfg), nil
	case ProviderGemini:
		return NewGeminiGateway(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", cfg.Provider)
	}
}
