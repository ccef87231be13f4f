package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_WithValidConfig(t *testing.T) {
	setEnv(t, "PORT", "9090")
	setEnv(t, "BACKEND_URL", "http://localhost:5000")
	setEnv(t, "BACKEND_WS_URL", "ws://localhost:5000/ws")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "http://localhost:5000", cfg.BackendURL)
	assert.Equal(t, "ws://localhost:5000/ws", cfg.BackendWSURL)
	assert.Equal(t, DefaultRateLimit, cfg.RateLimitRPS)
}

func TestLoad_DefaultsWithoutBackend(t *testing.T) {
	setEnv(t, "BACKEND_URL", "")
	setEnv(t, "BACKEND_WS_URL", "")
	setEnv(t, "PORT", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Empty(t, cfg.BackendURL, "backend is optional")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{
			name:    "valid minimal config",
			config:  Config{RateLimitRPS: 100},
			wantErr: "",
		},
		{
			name: "valid with backend",
			config: Config{
				BackendURL:   "https://analysis.internal",
				BackendWSURL: "wss://analysis.internal/ws",
				RateLimitRPS: 100,
			},
			wantErr: "",
		},
		{
			name: "backend URL with bad scheme",
			config: Config{
				BackendURL:   "ftp://nope",
				RateLimitRPS: 100,
			},
			wantErr: "BACKEND_URL",
		},
		{
			name: "ws URL with http scheme",
			config: Config{
				BackendWSURL: "http://nope/ws",
				RateLimitRPS: 100,
			},
			wantErr: "BACKEND_WS_URL",
		},
		{
			name:    "non-positive rate limit",
			config:  Config{RateLimitRPS: 0},
			wantErr: "RATE_LIMIT_RPS",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnv(t *testing.T) {
	setEnv(t, "TEST_VAR", "custom_value")

	assert.Equal(t, "custom_value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
}

func TestGetEnvInt64(t *testing.T) {
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")

	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("NONEXISTENT_VAR", 99))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99)) // Falls back on parse error
}
