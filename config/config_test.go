package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadAppliesDefaultsWhenUnset(t *testing.T) {
	cfg := Load()
	assert.Equal(t, "8080", cfg.ServerPort)
	assert.Equal(t, 15*time.Minute, cfg.AttachmentSessionTTL)
	assert.Equal(t, []string{"http://localhost:3000"}, cfg.CORSAllowedOrigins)
	assert.Equal(t, "sqlite", cfg.KeystoreBlobBackend)
}

func TestLoadReadsEnvironmentOverrides(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("ATTACHMENT_SESSION_TTL", "5m")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example.com,https://b.example.com")
	t.Setenv("ATTACHMENT_SESSION_SECRET", "a-real-secret-value")

	cfg := Load()
	assert.Equal(t, "9090", cfg.ServerPort)
	assert.Equal(t, 5*time.Minute, cfg.AttachmentSessionTTL)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.CORSAllowedOrigins)
	assert.Equal(t, "a-real-secret-value", cfg.AttachmentSessionSecret)
}

func TestLoadFallsBackToInsecureDefaultSecretWithWarning(t *testing.T) {
	cfg := Load()
	assert.NotEmpty(t, cfg.AttachmentSessionSecret)
}
