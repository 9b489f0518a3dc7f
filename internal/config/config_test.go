package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, ":4000", cfg.Server.Addr)
	assert.Equal(t, "/graphql", cfg.Server.Path)
	assert.Equal(t, BackendMemory, cfg.PubSub.Backend)
	assert.Equal(t, Redis{Host: "localhost", Port: 6379}, cfg.PubSub.Redis)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gqlstream.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":8080"
  timeout: 3s
websocket:
  init_timeout: 500ms
  keep_alive: 0s
pubsub:
  backend: redis
  redis:
    host: cache
    port: 6380
    db: 2
log:
  level: debug
  format: json
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	want := Default()
	want.Server.Addr = ":8080"
	want.Server.Timeout = 3 * time.Second
	want.WebSocket.InitTimeout = 500 * time.Millisecond
	want.WebSocket.KeepAlive = 0
	want.PubSub = PubSub{Backend: BackendRedis, Redis: Redis{Host: "cache", Port: 6380, DB: 2}}
	want.Log = Log{Level: "debug", Format: "json"}
	assert.Equal(t, want, cfg)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestDecodeEmpty(t *testing.T) {
	cfg := Default()
	require.NoError(t, Decode([]byte("  \n"), &cfg))
	assert.Equal(t, Default(), cfg)
}

func TestDecodeUnknownField(t *testing.T) {
	cfg := Default()
	err := Decode([]byte("server:\n  adress: ':1'\n"), &cfg)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty addr", func(c *Config) { c.Server.Addr = "" }},
		{"relative path", func(c *Config) { c.Server.Path = "graphql" }},
		{"zero init timeout", func(c *Config) { c.WebSocket.InitTimeout = 0 }},
		{"negative keep alive", func(c *Config) { c.WebSocket.KeepAlive = -time.Second }},
		{"unknown backend", func(c *Config) { c.PubSub.Backend = "kafka" }},
		{"redis without host", func(c *Config) {
			c.PubSub.Backend = BackendRedis
			c.PubSub.Redis.Host = ""
		}},
		{"redis bad port", func(c *Config) {
			c.PubSub.Backend = BackendRedis
			c.PubSub.Redis.Port = 70000
		}},
		{"redis negative db", func(c *Config) {
			c.PubSub.Backend = BackendRedis
			c.PubSub.Redis.DB = -1
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.NotValid), "got %v", err)
		})
	}
}
