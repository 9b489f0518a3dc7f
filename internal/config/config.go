// Package config loads the gqlstream server configuration from YAML.
package config

import (
	"bytes"
	"os"
	"strings"
	"time"

	"github.com/juju/errors"
	"gopkg.in/yaml.v3"
)

// Pub/sub backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

type Config struct {
	Server    Server    `yaml:"server"`
	WebSocket WebSocket `yaml:"websocket"`
	PubSub    PubSub    `yaml:"pubsub"`
	Log       Log       `yaml:"log"`
	Telemetry Telemetry `yaml:"telemetry"`
}

type Server struct {
	Addr         string        `yaml:"addr"`
	Path         string        `yaml:"path"`
	Pretty       bool          `yaml:"pretty"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxBodyBytes int64         `yaml:"max_body_bytes"`
	CORSOrigins  []string      `yaml:"cors_origins"`
	// Introspection serves __schema and __type.
	Introspection bool `yaml:"introspection"`
	// ShutdownTimeout bounds graceful shutdown of open connections.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type WebSocket struct {
	// InitTimeout is how long a client has to send connection_init.
	InitTimeout time.Duration `yaml:"init_timeout"`
	// KeepAlive is the interval between server pings. 0 disables them.
	KeepAlive    time.Duration `yaml:"keep_alive"`
	ReadLimit    int64         `yaml:"read_limit"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type PubSub struct {
	Backend string `yaml:"backend"`
	Redis   Redis  `yaml:"redis"`
}

type Redis struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	DB       int    `yaml:"db"`
	Password string `yaml:"password"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Telemetry struct {
	// OTLPEndpoint enables tracing when set.
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Server: Server{
			Addr:            ":4000",
			Path:            "/graphql",
			Timeout:         10 * time.Second,
			MaxBodyBytes:    1 << 20,
			ShutdownTimeout: 5 * time.Second,
			Introspection:   true,
		},
		WebSocket: WebSocket{
			InitTimeout:  3 * time.Second,
			KeepAlive:    12 * time.Second,
			ReadLimit:    64 << 10,
			WriteTimeout: 10 * time.Second,
		},
		PubSub: PubSub{
			Backend: BackendMemory,
			Redis:   Redis{Host: "localhost", Port: 6379},
		},
		Log:       Log{Level: "info", Format: "text"},
		Telemetry: Telemetry{ServiceName: "gqlstream"},
	}
}

// Load reads path over the defaults. Unknown keys are rejected.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Annotatef(err, "reading config %q", path)
	}
	if err := Decode(data, &cfg); err != nil {
		return cfg, errors.Annotatef(err, "parsing config %q", path)
	}
	return cfg, nil
}

// Decode decodes YAML data into cfg and validates the result.
func Decode(data []byte, cfg *Config) error {
	if len(bytes.TrimSpace(data)) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return errors.Trace(err)
		}
	}
	return cfg.Validate()
}

// Validate checks the configuration for values the server cannot run with.
func (c Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.NotValidf("empty server.addr")
	}
	if !strings.HasPrefix(c.Server.Path, "/") {
		return errors.NotValidf("server.path %q", c.Server.Path)
	}
	if c.Server.Timeout < 0 || c.Server.ShutdownTimeout < 0 {
		return errors.NotValidf("negative server timeout")
	}
	if c.WebSocket.InitTimeout <= 0 {
		return errors.NotValidf("websocket.init_timeout %s", c.WebSocket.InitTimeout)
	}
	if c.WebSocket.KeepAlive < 0 || c.WebSocket.WriteTimeout < 0 || c.WebSocket.ReadLimit < 0 {
		return errors.NotValidf("negative websocket setting")
	}
	switch c.PubSub.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.PubSub.Redis.Host == "" {
			return errors.NotValidf("empty pubsub.redis.host")
		}
		if c.PubSub.Redis.Port <= 0 || c.PubSub.Redis.Port > 65535 {
			return errors.NotValidf("pubsub.redis.port %d", c.PubSub.Redis.Port)
		}
		if c.PubSub.Redis.DB < 0 {
			return errors.NotValidf("pubsub.redis.db %d", c.PubSub.Redis.DB)
		}
	default:
		return errors.NotValidf("pubsub.backend %q", c.PubSub.Backend)
	}
	return nil
}
