package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Model.APIKey = "sk-ant-test"
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 10, cfg.Agent.MaxCycles)
	assert.Equal(t, 5, cfg.Agent.UserTurnLimit)
	assert.Equal(t, 50, cfg.Agent.FetchCap)
	assert.Equal(t, time.Minute, cfg.Agent.Timeout())
	assert.Equal(t, time.Second, cfg.Agent.RetryBackoff())
	assert.Equal(t, "/reset", cfg.Agent.ResetCommand)
	assert.Equal(t, "anthropic", cfg.Model.Provider)
	assert.Equal(t, "jsonl", cfg.History.Backend)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.True(t, cfg.Logging.Redaction)

	loc, err := cfg.Agent.Location()
	require.NoError(t, err)
	assert.Equal(t, "Asia/Tokyo", loc.String())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"unknown provider", func(c *Config) { c.Model.Provider = "llama" }, "invalid model provider"},
		{"missing model", func(c *Config) { c.Model.Model = "" }, "model name is required"},
		{"missing api key", func(c *Config) { c.Model.APIKey = "" }, "no AI credentials"},
		{"zero cycles", func(c *Config) { c.Agent.MaxCycles = 0 }, "max_cycles"},
		{"fetch cap below turn limit", func(c *Config) { c.Agent.FetchCap = 2 }, "fetch_cap"},
		{"bad timezone", func(c *Config) { c.Agent.Timezone = "Mars/Olympus" }, "invalid timezone"},
		{"bad backend", func(c *Config) { c.History.Backend = "redis" }, "invalid history backend"},
		{"line without secrets", func(c *Config) { c.Line.Enabled = true }, "line channel secret"},
		{"telegram without token", func(c *Config) { c.Telegram.Enabled = true }, "telegram bot token"},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, "invalid server port"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfigRedacted(t *testing.T) {
	cfg := validConfig()
	cfg.Line.ChannelSecret = "line-secret"
	cfg.Telegram.BotToken = "123:abc"

	out := cfg.Redacted().String()
	assert.False(t, strings.Contains(out, "sk-ant-test"))
	assert.False(t, strings.Contains(out, "line-secret"))
	assert.Contains(t, out, "[REDACTED]")
	assert.Equal(t, "sk-ant-test", cfg.Model.APIKey, "the original is untouched")
}
