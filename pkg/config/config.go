// Package config loads the chatstream server configuration from a
// yaml file, applying defaults for anything unset.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   Server   `yaml:"server"`
	Store    Store    `yaml:"store"`
	Redis    Redis    `yaml:"redis"`
	Upstream Upstream `yaml:"upstream"`
	Limits   Limits   `yaml:"limits"`
	Auth     Auth     `yaml:"auth"`
}

type Server struct {
	Addr     string `yaml:"addr"`
	LogLevel string `yaml:"log_level"`
}

type Store struct {
	// Driver is "sqlite" or "memory".
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type Redis struct {
	// Enabled toggles the resumable-stream substrate. When false the
	// server still streams, but resumption is off and GET answers 204.
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	// StreamPrefix namespaces per-generation Redis stream topics.
	StreamPrefix string `yaml:"stream_prefix"`
	// KeyPrefix namespaces sentinel/done bookkeeping keys.
	KeyPrefix string `yaml:"key_prefix"`
	// SessionTTLSeconds bounds how long stream bookkeeping survives.
	SessionTTLSeconds int `yaml:"session_ttl_seconds"`
}

type Upstream struct {
	// URL of the token source; POST {prompt, model} returns a chunked
	// text body.
	URL   string `yaml:"url"`
	Model string `yaml:"model"`
}

type Limits struct {
	GenerationTimeoutSeconds int `yaml:"generation_timeout_seconds"`
	ResumeStalenessSeconds   int `yaml:"resume_staleness_seconds"`
	// DailyMessageQuota maps user type to max user messages per 24h.
	DailyMessageQuota map[string]int `yaml:"daily_message_quota"`
}

type Auth struct {
	// Tokens maps bearer tokens to users.
	Tokens map[string]User `yaml:"tokens"`
}

type User struct {
	ID   string `yaml:"id"`
	Type string `yaml:"type"` // guest | regular
}

func (r Redis) SessionTTL() time.Duration {
	return time.Duration(r.SessionTTLSeconds) * time.Second
}

func (l Limits) GenerationTimeout() time.Duration {
	return time.Duration(l.GenerationTimeoutSeconds) * time.Second
}

func (l Limits) ResumeStaleness() time.Duration {
	return time.Duration(l.ResumeStalenessSeconds) * time.Second
}

func Default() Config {
	return Config{
		Server: Server{Addr: ":8080", LogLevel: "info"},
		Store:  Store{Driver: "sqlite", DSN: "chatstream.db"},
		Redis: Redis{
			Enabled:           false,
			Addr:              "localhost:6379",
			StreamPrefix:      "chatstream.stream.",
			KeyPrefix:         "chatstream:",
			SessionTTLSeconds: 24 * 60 * 60,
		},
		Upstream: Upstream{URL: "http://localhost:8000/chat", Model: "default"},
		Limits: Limits{
			GenerationTimeoutSeconds: 60,
			ResumeStalenessSeconds:   15,
			DailyMessageQuota:        map[string]int{"guest": 20, "regular": 100},
		},
	}
}

// Load reads path into a Config on top of defaults. An empty path
// returns the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "read config")
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, errors.Wrap(err, "parse config")
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Server.Addr) == "" {
		return errors.New("config: server.addr is empty")
	}
	switch c.Store.Driver {
	case "sqlite", "memory":
	default:
		return errors.Errorf("config: unknown store driver %q", c.Store.Driver)
	}
	if c.Store.Driver == "sqlite" && strings.TrimSpace(c.Store.DSN) == "" {
		return errors.New("config: store.dsn is required for sqlite")
	}
	if strings.TrimSpace(c.Upstream.URL) == "" {
		return errors.New("config: upstream.url is empty")
	}
	if c.Limits.GenerationTimeoutSeconds <= 0 {
		return errors.New("config: limits.generation_timeout_seconds must be positive")
	}
	if c.Limits.ResumeStalenessSeconds <= 0 {
		return errors.New("config: limits.resume_staleness_seconds must be positive")
	}
	return nil
}
