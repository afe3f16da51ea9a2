package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config represents the shiftdesk configuration
type Config struct {
	Agent     AgentConfig     `json:"agent" mapstructure:"agent"`
	Model     ModelConfig     `json:"model" mapstructure:"model"`
	History   HistoryConfig   `json:"history" mapstructure:"history"`
	Line      LineConfig      `json:"line" mapstructure:"line"`
	Telegram  TelegramConfig  `json:"telegram" mapstructure:"telegram"`
	Server    ServerConfig    `json:"server" mapstructure:"server"`
	Shifts    ShiftsConfig    `json:"shifts" mapstructure:"shifts"`
	Logging   LoggingConfig   `json:"logging" mapstructure:"logging"`
	Telemetry TelemetryConfig `json:"telemetry" mapstructure:"telemetry"`
	DataDir   string          `json:"data_dir" mapstructure:"data_dir"`
}

// AgentConfig tunes the reasoning loop
type AgentConfig struct {
	MaxCycles        int    `json:"max_cycles" mapstructure:"max_cycles"`
	UserTurnLimit    int    `json:"user_turn_limit" mapstructure:"user_turn_limit"`
	FetchCap         int    `json:"fetch_cap" mapstructure:"fetch_cap"`
	TimeoutSeconds   int    `json:"timeout_seconds" mapstructure:"timeout_seconds"`
	MaxRetries       int    `json:"max_retries" mapstructure:"max_retries"`
	RetryBackoffMs   int    `json:"retry_backoff_ms" mapstructure:"retry_backoff_ms"`
	SystemPromptFile string `json:"system_prompt_file" mapstructure:"system_prompt_file"`
	Timezone         string `json:"timezone" mapstructure:"timezone"`
	ResetCommand     string `json:"reset_command" mapstructure:"reset_command"`
}

// Timeout returns the per-message deadline
func (a AgentConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutSeconds) * time.Second
}

// RetryBackoff returns the base retry delay
func (a AgentConfig) RetryBackoff() time.Duration {
	return time.Duration(a.RetryBackoffMs) * time.Millisecond
}

// Location resolves the business time zone
func (a AgentConfig) Location() (*time.Location, error) {
	if a.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(a.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", a.Timezone, err)
	}
	return loc, nil
}

// ModelConfig selects the model backend
type ModelConfig struct {
	Provider    string  `json:"provider" mapstructure:"provider"` // anthropic, openai, gemini
	Model       string  `json:"model" mapstructure:"model"`
	APIKey      string  `json:"api_key" mapstructure:"api_key"`
	BaseURL     string  `json:"base_url" mapstructure:"base_url"`
	Temperature float64 `json:"temperature" mapstructure:"temperature"`
	MaxTokens   int     `json:"max_tokens" mapstructure:"max_tokens"`
}

// HistoryConfig selects the conversation store
type HistoryConfig struct {
	Backend string `json:"backend" mapstructure:"backend"` // jsonl, sqlite
	Dir     string `json:"dir" mapstructure:"dir"`
	DSN     string `json:"dsn" mapstructure:"dsn"`
}

// LineConfig holds LINE Messaging API settings
type LineConfig struct {
	Enabled            bool   `json:"enabled" mapstructure:"enabled"`
	ChannelSecret      string `json:"channel_secret" mapstructure:"channel_secret"`
	ChannelAccessToken string `json:"channel_access_token" mapstructure:"channel_access_token"`
	APIBaseURL         string `json:"api_base_url" mapstructure:"api_base_url"`
	CalloutGroupID     string `json:"callout_group_id" mapstructure:"callout_group_id"`
	WebhookPath        string `json:"webhook_path" mapstructure:"webhook_path"`
	DedupTTLSeconds    int    `json:"dedup_ttl_seconds" mapstructure:"dedup_ttl_seconds"`
}

// TelegramConfig holds Telegram bot configuration
type TelegramConfig struct {
	Enabled   bool    `json:"enabled" mapstructure:"enabled"`
	BotToken  string  `json:"bot_token" mapstructure:"bot_token"`
	Allowlist []int64 `json:"allowlist" mapstructure:"allowlist"` // empty allows everyone
}

// ServerConfig holds the HTTP server configuration
type ServerConfig struct {
	Host               string `json:"host" mapstructure:"host"`
	Port               int    `json:"port" mapstructure:"port"`
	RateLimitPerMinute int    `json:"rate_limit_per_minute" mapstructure:"rate_limit_per_minute"`
}

// ShiftsConfig points at the shift data
type ShiftsConfig struct {
	SeedFile string `json:"seed_file" mapstructure:"seed_file"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
	AuditFile string `json:"audit_file" mapstructure:"audit_file"`
}

// TelemetryConfig toggles OpenTelemetry tracing
type TelemetryConfig struct {
	Tracing     bool   `json:"tracing" mapstructure:"tracing"`
	ServiceName string `json:"service_name" mapstructure:"service_name"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			MaxCycles:      10,
			UserTurnLimit:  5,
			FetchCap:       50,
			TimeoutSeconds: 60,
			MaxRetries:     1,
			RetryBackoffMs: 1000,
			Timezone:       "Asia/Tokyo",
			ResetCommand:   "/reset",
		},
		Model: ModelConfig{
			Provider:    "anthropic",
			Model:       "claude-sonnet-4-5",
			Temperature: 0.2,
			MaxTokens:   1024,
		},
		History: HistoryConfig{
			Backend: "jsonl",
		},
		Line: LineConfig{
			WebhookPath:     "/webhook/line",
			DedupTTLSeconds: 600,
		},
		Server: ServerConfig{
			Host:               "0.0.0.0",
			Port:               8080,
			RateLimitPerMinute: 120,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Redaction: true,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "shiftdesk",
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Redacted returns a copy with secrets masked, for display.
func (c *Config) Redacted() *Config {
	out := *c
	out.Model.APIKey = mask(c.Model.APIKey)
	out.Line.ChannelSecret = mask(c.Line.ChannelSecret)
	out.Line.ChannelAccessToken = mask(c.Line.ChannelAccessToken)
	out.Telegram.BotToken = mask(c.Telegram.BotToken)
	return &out
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	return "[REDACTED]"
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	validProviders := map[string]bool{"anthropic": true, "openai": true, "gemini": true}
	if !validProviders[c.Model.Provider] {
		return fmt.Errorf("invalid model provider %q (must be: anthropic, openai, gemini)", c.Model.Provider)
	}
	if c.Model.Model == "" {
		return fmt.Errorf("model name is required")
	}
	if c.Model.APIKey == "" {
		return fmt.Errorf("no AI credentials configured: model.api_key is required")
	}

	if c.Agent.MaxCycles <= 0 {
		return fmt.Errorf("agent.max_cycles must be positive, got %d", c.Agent.MaxCycles)
	}
	if c.Agent.UserTurnLimit <= 0 {
		return fmt.Errorf("agent.user_turn_limit must be positive, got %d", c.Agent.UserTurnLimit)
	}
	if c.Agent.FetchCap < c.Agent.UserTurnLimit {
		return fmt.Errorf("agent.fetch_cap (%d) must be at least agent.user_turn_limit (%d)", c.Agent.FetchCap, c.Agent.UserTurnLimit)
	}
	if c.Agent.TimeoutSeconds <= 0 {
		return fmt.Errorf("agent.timeout_seconds must be positive, got %d", c.Agent.TimeoutSeconds)
	}
	if c.Agent.MaxRetries < 0 {
		return fmt.Errorf("agent.max_retries cannot be negative")
	}
	if _, err := c.Agent.Location(); err != nil {
		return err
	}

	switch c.History.Backend {
	case "jsonl", "sqlite":
	default:
		return fmt.Errorf("invalid history backend %q (must be: jsonl, sqlite)", c.History.Backend)
	}

	if c.Line.Enabled {
		if c.Line.ChannelSecret == "" || c.Line.ChannelAccessToken == "" {
			return fmt.Errorf("line channel secret and access token are required when LINE is enabled")
		}
	}
	if c.Telegram.Enabled && c.Telegram.BotToken == "" {
		return fmt.Errorf("telegram bot token is required when Telegram is enabled")
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}

	return nil
}
