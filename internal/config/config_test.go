// File: internal/config/config_test.go
package config

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultConfig(t *testing.T) {
	t.Parallel()
	cfg := NewDefaultConfig()

	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Equal(t, ProviderGemini, cfg.Agent.LLM.Provider)

	assert.True(t, cfg.Autofix.Enabled)
	assert.Equal(t, ".remedy/state.json", cfg.Autofix.StateFile)
	assert.Equal(t, 20, cfg.Autofix.MaxErrorsPerPoll)
	assert.Equal(t, 5, cfg.Autofix.MaxPRsPerHour)
	assert.Equal(t, 3600, cfg.Autofix.CooldownSeconds)
	assert.Equal(t, "medium", cfg.Autofix.MinConfidence)
	assert.Equal(t, "main", cfg.Autofix.GitHub.BaseBranch)
}

func TestNewConfigFromViper_TokenFromEnv(t *testing.T) {
	t.Setenv("REMEDY_GITHUB_TOKEN", "ghp_test_token")
	t.Setenv("GEMINI_API_KEY", "gm_test_key")

	v := viper.New()
	SetDefaults(v)

	cfg, err := NewConfigFromViper(v)
	require.NoError(t, err)
	assert.Equal(t, "ghp_test_token", cfg.Autofix.GitHub.Token)
	assert.Equal(t, "gm_test_key", cfg.Agent.LLM.APIKey)
}

func TestValidate(t *testing.T) {
	t.Parallel()
	base := func() *Config {
		cfg := NewDefaultConfig()
		cfg.Autofix.GitHub.Token = "ghp_token"
		return cfg
	}

	t.Run("valid defaults with token", func(t *testing.T) {
		t.Parallel()
		assert.NoError(t, base().Validate())
	})

	t.Run("disabled autofix skips validation", func(t *testing.T) {
		t.Parallel()
		cfg := NewDefaultConfig()
		cfg.Autofix.Enabled = false
		assert.NoError(t, cfg.Validate())
	})

	t.Run("missing token fails unless dry run", func(t *testing.T) {
		t.Parallel()
		cfg := NewDefaultConfig()
		assert.Error(t, cfg.Validate())

		cfg.Autofix.DryRun = true
		assert.NoError(t, cfg.Validate(), "dry run never talks to GitHub")
	})

	t.Run("missing base branch fails", func(t *testing.T) {
		t.Parallel()
		cfg := base()
		cfg.Autofix.GitHub.BaseBranch = ""
		assert.Error(t, cfg.Validate())
	})

	t.Run("non-positive poll caps fail", func(t *testing.T) {
		t.Parallel()
		cfg := base()
		cfg.Autofix.MaxErrorsPerPoll = 0
		assert.Error(t, cfg.Validate())

		cfg = base()
		cfg.Autofix.MaxPRsPerHour = -1
		assert.Error(t, cfg.Validate())
	})

	t.Run("negative cooldown fails", func(t *testing.T) {
		t.Parallel()
		cfg := base()
		cfg.Autofix.CooldownSeconds = -1
		assert.Error(t, cfg.Validate())
	})

	t.Run("unknown min confidence fails", func(t *testing.T) {
		t.Parallel()
		cfg := base()
		cfg.Autofix.MinConfidence = "certain"
		assert.Error(t, cfg.Validate())
	})
}
