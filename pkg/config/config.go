// Package config loads server configuration from a YAML file, applying
// defaults for anything left unset.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	// Port the TCP listener binds on the loopback interface.
	Port           int `yaml:"port"`
	MaxConnections int `yaml:"max_connections"`
	MaxFrameSize   int `yaml:"max_frame_size"`
}

type DispatchConfig struct {
	// TimeoutSeconds bounds each handler invocation.
	TimeoutSeconds float64 `yaml:"timeout_seconds"`
	// Debug re-raises handler panics instead of swallowing them.
	Debug bool `yaml:"debug"`
}

type WebsocketConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address"`
	Endpoint      string `yaml:"endpoint"`
}

type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address"`
}

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Websocket WebsocketConfig `yaml:"websocket"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	LogLevel  string          `yaml:"log_level"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:           8900,
			MaxConnections: 256,
			MaxFrameSize:   64 * 1024,
		},
		Dispatch: DispatchConfig{
			TimeoutSeconds: 5,
		},
		Websocket: WebsocketConfig{
			Enabled:       false,
			ListenAddress: "127.0.0.1:3000",
			Endpoint:      "/ws",
		},
		Metrics: MetricsConfig{
			Enabled:       false,
			ListenAddress: "127.0.0.1:9100",
		},
		LogLevel: "info",
	}
}

// Load reads path and merges it over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file %q: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Dispatch.TimeoutSeconds <= 0 {
		return fmt.Errorf("dispatch.timeout_seconds must be positive: %g", c.Dispatch.TimeoutSeconds)
	}
	if c.Server.MaxFrameSize < 64 {
		return fmt.Errorf("server.max_frame_size too small: %d", c.Server.MaxFrameSize)
	}
	if c.Websocket.Enabled && c.Websocket.Endpoint == "" {
		return fmt.Errorf("websocket.endpoint must be set when websocket is enabled")
	}
	return nil
}

// Timeout returns the per-request handler timeout as a duration.
func (c Config) Timeout() time.Duration {
	return time.Duration(c.Dispatch.TimeoutSeconds * float64(time.Second))
}
