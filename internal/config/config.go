// Package config handles configuration loading and validation for punchd.
package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/punchd/punchd/internal/punch"
)

// SessionConfig is the YAML form of the five session tunables from
// punch.Config (§3).
type SessionConfig struct {
	PortPredictions           int    `yaml:"port_predictions"`
	MaxPunchAttempts          int    `yaml:"max_punch_attempts"`
	RetryDelay                string `yaml:"retry_delay"`
	MaxResponseWaitTime       string `yaml:"max_response_wait_time"`
	MaxServerResponseAttempts int    `yaml:"max_server_response_attempts"`
}

// ToPunchConfig converts the YAML representation to punch.Config,
// parsing the duration fields with time.ParseDuration.
func (c SessionConfig) ToPunchConfig() (punch.Config, error) {
	cfg := punch.Config{
		PortPredictions:           c.PortPredictions,
		MaxPunchAttempts:          c.MaxPunchAttempts,
		MaxServerResponseAttempts: c.MaxServerResponseAttempts,
	}

	if c.RetryDelay != "" {
		d, err := time.ParseDuration(c.RetryDelay)
		if err != nil {
			return punch.Config{}, fmt.Errorf("parse retry_delay: %w", err)
		}
		cfg.RetryDelay = d
	}
	if c.MaxResponseWaitTime != "" {
		d, err := time.ParseDuration(c.MaxResponseWaitTime)
		if err != nil {
			return punch.Config{}, fmt.Errorf("parse max_response_wait_time: %w", err)
		}
		cfg.MaxResponseWaitTime = d
	}

	return cfg, nil
}

// AdminConfig holds configuration for the Rendezvous Server's admin
// HTTP surface.
type AdminConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Listen    string `yaml:"listen"`
	Token     string `yaml:"token"`      // static bearer token
	JWTSecret string `yaml:"jwt_secret"` // when set, bearer tokens are HS256 JWTs instead
}

// ServerConfig holds configuration for the rendezvous server.
type ServerConfig struct {
	Listen        string      `yaml:"listen"`
	SweepInterval string      `yaml:"sweep_interval"`
	IdleTimeout   string      `yaml:"idle_timeout"`
	Admin         AdminConfig `yaml:"admin"`
}

// PeerConfig holds configuration for a Listener or Connector.
type PeerConfig struct {
	Server        string        `yaml:"server"`
	Bind          string        `yaml:"bind"`
	Session       SessionConfig `yaml:"session"`
	MetricsListen string        `yaml:"metrics_listen"` // optional; empty disables the local /metrics endpoint
}

// LoadServerConfig loads rendezvous server configuration from a YAML
// file, applying zero-value defaults for anything left unset.
func LoadServerConfig(path string) (*ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &ServerConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if cfg.Listen == "" {
		cfg.Listen = "0.0.0.0:9000"
	}
	if cfg.SweepInterval == "" {
		cfg.SweepInterval = "2m"
	}
	if cfg.IdleTimeout == "" {
		cfg.IdleTimeout = "5m"
	}
	if cfg.Admin.Listen == "" {
		cfg.Admin.Listen = "127.0.0.1:9001"
	}

	return cfg, nil
}

// LoadPeerConfig loads Listener/Connector configuration from a YAML
// file, applying the session defaults from punch.DefaultConfig for any
// tunable left unset.
func LoadPeerConfig(path string) (*PeerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &PeerConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if cfg.Bind == "" {
		cfg.Bind = "0.0.0.0:0"
	}
	if cfg.Session.PortPredictions == 0 {
		cfg.Session.PortPredictions = punch.DefaultPortPredictions
	}
	if cfg.Session.MaxPunchAttempts == 0 {
		cfg.Session.MaxPunchAttempts = punch.DefaultMaxPunchAttempts
	}
	if cfg.Session.RetryDelay == "" {
		cfg.Session.RetryDelay = punch.DefaultRetryDelay.String()
	}
	if cfg.Session.MaxResponseWaitTime == "" {
		cfg.Session.MaxResponseWaitTime = punch.DefaultMaxResponseWaitTime.String()
	}
	if cfg.Session.MaxServerResponseAttempts == 0 {
		cfg.Session.MaxServerResponseAttempts = punch.DefaultMaxServerResponseAttempts
	}

	return cfg, nil
}

// Validate checks the server configuration for obvious misconfiguration.
func (c *ServerConfig) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("config: listen address is required")
	}
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		return fmt.Errorf("config: invalid listen address %q: %w", c.Listen, err)
	}
	if c.Admin.Enabled {
		if _, _, err := net.SplitHostPort(c.Admin.Listen); err != nil {
			return fmt.Errorf("config: invalid admin listen address %q: %w", c.Admin.Listen, err)
		}
		if c.Admin.Token == "" && c.Admin.JWTSecret == "" {
			return fmt.Errorf("config: admin is enabled but neither token nor jwt_secret is set")
		}
	}
	return nil
}

// Validate checks the peer configuration for obvious misconfiguration.
func (c *PeerConfig) Validate() error {
	if c.Server == "" {
		return fmt.Errorf("config: server address is required")
	}
	if _, _, err := net.SplitHostPort(c.Server); err != nil {
		return fmt.Errorf("config: invalid server address %q: %w", c.Server, err)
	}
	return nil
}
