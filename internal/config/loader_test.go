package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoaderLoad(t *testing.T) {
	t.Run("should return defaults when the file doesn't exist", func(t *testing.T) {
		dir := t.TempDir()
		cfg, err := NewLoader(filepath.Join(dir, "missing.json")).Load()

		require.NoError(t, err)
		assert.Equal(t, 10, cfg.Agent.MaxCycles)
		assert.NotEmpty(t, cfg.DataDir)
	})

	t.Run("should merge the file over defaults", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "shiftdesk.json")
		require.NoError(t, os.WriteFile(path, []byte(`{
			"model": {"provider": "gemini", "api_key": "AIza-test"},
			"agent": {"max_cycles": 4},
			"line": {"enabled": true, "channel_secret": "s", "channel_access_token": "t"},
			"data_dir": "`+filepath.ToSlash(dir)+`"
		}`), 0o600))

		cfg, err := NewLoader(path).Load()
		require.NoError(t, err)

		assert.Equal(t, "gemini", cfg.Model.Provider)
		assert.Equal(t, "AIza-test", cfg.Model.APIKey)
		assert.Equal(t, "claude-sonnet-4-5", cfg.Model.Model, "unset fields keep defaults")
		assert.Equal(t, 4, cfg.Agent.MaxCycles)
		assert.Equal(t, 5, cfg.Agent.UserTurnLimit)
		assert.True(t, cfg.Line.Enabled)
		assert.Equal(t, "/webhook/line", cfg.Line.WebhookPath)
		assert.Equal(t, filepath.Join(cfg.DataDir, "history"), cfg.History.Dir)
		assert.Equal(t, filepath.Join(cfg.DataDir, "shiftdesk.log"), cfg.Logging.File)
	})

	t.Run("should apply environment overrides", func(t *testing.T) {
		t.Setenv("SHIFTDESK_MODEL_API_KEY", "sk-ant-from-env")
		t.Setenv("SHIFTDESK_LINE_CHANNEL_SECRET", "env-secret")
		t.Setenv("SHIFTDESK_DATA_DIR", t.TempDir())

		cfg, err := NewLoader(filepath.Join(t.TempDir(), "missing.json")).Load()
		require.NoError(t, err)
		assert.Equal(t, "sk-ant-from-env", cfg.Model.APIKey)
		assert.Equal(t, "env-secret", cfg.Line.ChannelSecret)
	})

	t.Run("should fail on malformed JSON", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"model":`), 0o600))

		_, err := NewLoader(path).Load()
		assert.Error(t, err)
	})
}

func TestLoaderSave(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "shiftdesk.json")
	loader := NewLoader(path)

	cfg := DefaultConfig()
	cfg.Model.APIKey = "sk-ant-saved"
	cfg.Telegram.Allowlist = []int64{42}
	cfg.DataDir = dir
	require.NoError(t, loader.Save(cfg))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, "sk-ant-saved", loaded.Model.APIKey)
	assert.Equal(t, []int64{42}, loaded.Telegram.Allowlist)
	assert.Equal(t, cfg.Agent, loaded.Agent)
}

func TestGetConfigPath(t *testing.T) {
	assert.Equal(t, "/etc/shiftdesk.json", NewLoader("/etc/shiftdesk.json").GetConfigPath())
	assert.Equal(t, "shiftdesk.json", filepath.Base(NewLoader("").GetConfigPath()))
}
