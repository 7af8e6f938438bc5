package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 3, cfg.Email.MaxRetries)
	assert.Equal(t, 1000, cfg.Email.RetryDelayMS)
	assert.Equal(t, 100, cfg.Email.BatchSize)
	assert.Equal(t, 10, cfg.Email.RateLimitPerSecond)
}

func TestLoadYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
email:
  provider: mailgun
  from_email: dispatch@cargoline.io
  from_name: Cargoline Dispatch
  max_retries: 5
  batch_size: 250
  mailgun:
    api_key: key-test
    domain: mg.cargoline.io
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "mailgun", cfg.Email.Provider)
	assert.Equal(t, "dispatch@cargoline.io", cfg.Email.FromEmail)
	assert.Equal(t, 5, cfg.Email.MaxRetries)
	assert.Equal(t, 250, cfg.Email.BatchSize)
	assert.Equal(t, "mg.cargoline.io", cfg.Email.Mailgun.Domain)
	// defaults survive partial files
	assert.Equal(t, 10, cfg.Email.RateLimitPerSecond)
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("EMAIL_PROVIDER", "ses")
	t.Setenv("EMAIL_RATE_LIMIT_PER_SECOND", "25")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "ses", cfg.Email.Provider)
	assert.Equal(t, 25, cfg.Email.RateLimitPerSecond)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := defaults()
	cfg.Email.BatchSize = 0
	assert.Error(t, cfg.Validate())

	cfg = defaults()
	cfg.Email.RateLimitPerSecond = -1
	assert.Error(t, cfg.Validate())

	cfg = defaults()
	cfg.Email.RetryDelayMS = 0
	assert.Error(t, cfg.Validate())
}
