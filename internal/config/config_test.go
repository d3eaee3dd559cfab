package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	cfg := Default()
	cfg.Database.URL = "postgres://localhost/chat"
	cfg.Auth.AccessSecret = "secret"
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults with url and secret", mutate: func(*Config) {}},
		{name: "missing database url", mutate: func(c *Config) { c.Database.URL = "" }, wantErr: true},
		{name: "unknown driver", mutate: func(c *Config) { c.Database.Driver = "mysql" }, wantErr: true},
		{name: "unknown relay backend", mutate: func(c *Config) { c.Relay.Backend = "kafka" }, wantErr: true},
		{name: "zero partitions", mutate: func(c *Config) { c.Relay.Partitions = 0 }, wantErr: true},
		{name: "retry base above max", mutate: func(c *Config) { c.Relay.RetryBase = time.Minute }, wantErr: true},
		{name: "short redis lease", mutate: func(c *Config) { c.Relay.Backend = "redis"; c.Relay.LeaseTTL = 100 * time.Millisecond }, wantErr: true},
		{name: "lease ignored for memory relay", mutate: func(c *Config) { c.Relay.LeaseTTL = 0 }},
		{name: "missing secret", mutate: func(c *Config) { c.Auth.AccessSecret = "" }, wantErr: true},
		{name: "no broadcast workers", mutate: func(c *Config) { c.Broadcast.Workers = 0 }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"DATABASE_URL":                   "postgres://db/chat",
		"ACCESS_SECRET":                  "legacy",
		"CHATSPOT_ACCESS_SECRET":         "preferred",
		"CHATSPOT_RELAY_BACKEND":         "redis",
		"CHATSPOT_RELAY_PARTITIONS":      "16",
		"CHATSPOT_RELAY_RETRY_BASE":      "250ms",
		"CHATSPOT_REALTIME_REDIS_BRIDGE": "true",
		"CHATSPOT_ALLOWED_ORIGINS":       "https://a.example, https://b.example",
		"CHATSPOT_RATE_LIMIT_RPS":        "2.5",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Default()
	require.NoError(t, cfg.applyEnv(lookup))

	assert.Equal(t, "postgres://db/chat", cfg.Database.URL)
	assert.Equal(t, "preferred", cfg.Auth.AccessSecret)
	assert.Equal(t, "redis", cfg.Relay.Backend)
	assert.Equal(t, 16, cfg.Relay.Partitions)
	assert.Equal(t, 250*time.Millisecond, cfg.Relay.RetryBase)
	assert.True(t, cfg.Realtime.RedisBridge)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.HTTP.AllowedOrigins)
	assert.Equal(t, 2.5, cfg.RateLimit.RPS)
	assert.True(t, cfg.UsesRedis())
}

func TestApplyEnv_BadNumber(t *testing.T) {
	lookup := func(k string) (string, bool) {
		if k == "CHATSPOT_RELAY_PARTITIONS" {
			return "many", true
		}
		return "", false
	}
	cfg := Default()
	assert.Error(t, cfg.applyEnv(lookup))
}

func TestLoad_YAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chatspot.yaml")
	body := []byte(`
database:
  driver: sqlite
  url: "file::memory:"
auth:
  access_secret: from-yaml
relay:
  partitions: 4
broadcast:
  workers: 2
`)
	require.NoError(t, os.WriteFile(path, body, 0o600))

	t.Setenv("DATABASE_URL", "")
	t.Setenv("ACCESS_SECRET", "")
	t.Setenv("CHATSPOT_ACCESS_SECRET", "")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "from-yaml", cfg.Auth.AccessSecret)
	assert.Equal(t, 4, cfg.Relay.Partitions)
	assert.Equal(t, 2, cfg.Broadcast.Workers)
	assert.Equal(t, 1024, cfg.Broadcast.QueueSize)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
