// Copyright 2023 The emqx-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config provides configuration management for wshub. A
// configuration is read from a YAML or JSON file, overlaid with WSHUB_*
// environment variables and validated before use.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"gopkg.in/yaml.v2"

	"github.com/turtacn/wshub/pkg/auth"
)

// EnvPrefix is prepended to every environment variable read by ApplyEnv.
const EnvPrefix = "WSHUB_"

// Duration is a time.Duration that reads and writes as "20s" style strings
// in YAML, JSON and environment variables.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

// HeartbeatConfig controls the periodic server-originated publish on every topic.
type HeartbeatConfig struct {
	// Interval between heartbeats. Zero disables heartbeats.
	Interval Duration `yaml:"interval" json:"interval" env:"INTERVAL"`
	Message  string   `yaml:"message" json:"message" env:"MESSAGE"`
}

// BrokerConfig holds the broker listener and topic settings.
type BrokerConfig struct {
	NodeID       string `yaml:"node_id" json:"node_id" env:"NODE_ID"`
	ListenAddr   string `yaml:"listen_addr" json:"listen_addr" env:"LISTEN_ADDR"`
	Path         string `yaml:"path" json:"path" env:"PATH"`
	MetricsAddr  string `yaml:"metrics_addr" json:"metrics_addr" env:"METRICS_ADDR"`
	DefaultTopic string `yaml:"default_topic" json:"default_topic" env:"DEFAULT_TOPIC"`
	// LogLimit caps each topic's message log. Zero keeps every message.
	LogLimit  int             `yaml:"log_limit" json:"log_limit" env:"LOG_LIMIT"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat" json:"heartbeat" envPrefix:"HEARTBEAT_"`
}

// TransportConfig holds WebSocket transport settings.
type TransportConfig struct {
	ReadLimit        int64    `yaml:"read_limit" json:"read_limit" env:"READ_LIMIT"`
	WriteTimeout     Duration `yaml:"write_timeout" json:"write_timeout" env:"WRITE_TIMEOUT"`
	PongTimeout      Duration `yaml:"pong_timeout" json:"pong_timeout" env:"PONG_TIMEOUT"`
	PingInterval     Duration `yaml:"ping_interval" json:"ping_interval" env:"PING_INTERVAL"`
	HandshakeTimeout Duration `yaml:"handshake_timeout" json:"handshake_timeout" env:"HANDSHAKE_TIMEOUT"`
	MailboxSize      int      `yaml:"mailbox_size" json:"mailbox_size" env:"MAILBOX_SIZE"`
	AllowAnyOrigin   bool     `yaml:"allow_any_origin" json:"allow_any_origin" env:"ALLOW_ANY_ORIGIN"`
}

// AuthConfig is the identity-binding policy. Credentials are never checked.
type AuthConfig struct {
	MaxIdentityLength int      `yaml:"max_identity_length" json:"max_identity_length" env:"MAX_IDENTITY_LENGTH"`
	ReservedNames     []string `yaml:"reserved_names" json:"reserved_names" env:"RESERVED_NAMES" envSeparator:","`
}

// LogConfig selects the log level and output format.
type LogConfig struct {
	Level  string `yaml:"level" json:"level" env:"LEVEL"`
	Format string `yaml:"format" json:"format" env:"FORMAT"`
}

// Config holds the complete configuration.
type Config struct {
	Broker    BrokerConfig    `yaml:"broker" json:"broker" envPrefix:"BROKER_"`
	Transport TransportConfig `yaml:"transport" json:"transport" envPrefix:"TRANSPORT_"`
	Auth      AuthConfig      `yaml:"auth" json:"auth" envPrefix:"AUTH_"`
	Log       LogConfig       `yaml:"log" json:"log" envPrefix:"LOG_"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Broker: BrokerConfig{
			NodeID:       "wshub-node",
			ListenAddr:   ":8080",
			Path:         "/ws",
			MetricsAddr:  ":9090",
			DefaultTopic: "info",
			Heartbeat: HeartbeatConfig{
				Interval: Duration(20 * time.Second),
				Message:  "Interval message",
			},
		},
		Transport: TransportConfig{
			ReadLimit:        64 * 1024,
			WriteTimeout:     Duration(10 * time.Second),
			PongTimeout:      Duration(60 * time.Second),
			PingInterval:     Duration(54 * time.Second),
			HandshakeTimeout: Duration(10 * time.Second),
			MailboxSize:      256,
			AllowAnyOrigin:   true,
		},
		Auth: AuthConfig{
			MaxIdentityLength: 64,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// LoadConfig loads configuration from a file. Values missing from the file
// keep their defaults. An empty path yields the defaults. Environment
// overrides are applied in both cases.
func LoadConfig(configPath string) (*Config, error) {
	config := DefaultConfig()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}

		switch ext := strings.ToLower(filepath.Ext(configPath)); ext {
		case ".yaml", ".yml":
			err = yaml.Unmarshal(data, config)
		case ".json":
			err = json.Unmarshal(data, config)
		default:
			return nil, fmt.Errorf("unsupported config file format: %s (supported: .yaml, .yml, .json)", ext)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
		}
	}

	if err := config.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

// SaveConfig saves configuration to a file
func SaveConfig(config *Config, configPath string) error {
	var data []byte
	var err error

	switch ext := strings.ToLower(filepath.Ext(configPath)); ext {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(config)
	case ".json":
		data, err = json.MarshalIndent(config, "", "  ")
	default:
		return fmt.Errorf("unsupported config file format: %s (supported: .yaml, .yml, .json)", ext)
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", configPath, err)
	}
	return nil
}

// ApplyEnv overlays WSHUB_* environment variables onto c. Unset variables
// leave the current values untouched.
func (c *Config) ApplyEnv() error {
	if err := env.ParseWithOptions(c, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("failed to read environment: %w", err)
	}
	return nil
}

// ConfigureAuth installs the identity policy into chain, replacing any
// authenticators already present.
func (c *Config) ConfigureAuth(chain *auth.AuthChain) {
	chain.Clear()
	chain.AddAuthenticator(auth.MaxLength{Max: c.Auth.MaxIdentityLength})
	if len(c.Auth.ReservedNames) > 0 {
		chain.AddAuthenticator(auth.NewReservedNames(c.Auth.ReservedNames...))
	}
	chain.AddAuthenticator(auth.DeclaredIdentity{})
}

var pathPattern = regexp.MustCompile(`^/`)

// Validate checks the whole configuration.
func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Broker),
		validation.Field(&c.Transport),
		validation.Field(&c.Auth),
		validation.Field(&c.Log),
	)
}

// Validate checks the broker section.
func (b BrokerConfig) Validate() error {
	return validation.ValidateStruct(&b,
		validation.Field(&b.NodeID, validation.Required),
		validation.Field(&b.ListenAddr, validation.Required),
		validation.Field(&b.Path, validation.Required, validation.Match(pathPattern)),
		validation.Field(&b.DefaultTopic, validation.Required),
		validation.Field(&b.LogLimit, validation.Min(0)),
		validation.Field(&b.Heartbeat),
	)
}

// Validate checks the heartbeat section.
func (h HeartbeatConfig) Validate() error {
	return validation.ValidateStruct(&h,
		validation.Field(&h.Interval, validation.By(minDuration(0))),
		validation.Field(&h.Message, validation.When(h.Interval > 0, validation.Required)),
	)
}

// Validate checks the transport section.
func (t TransportConfig) Validate() error {
	return validation.ValidateStruct(&t,
		validation.Field(&t.ReadLimit, validation.Required, validation.Min(int64(1))),
		validation.Field(&t.WriteTimeout, validation.By(minDuration(time.Millisecond))),
		validation.Field(&t.PongTimeout, validation.By(minDuration(time.Millisecond))),
		validation.Field(&t.PingInterval,
			validation.By(minDuration(time.Millisecond)),
			validation.By(shorterThan(t.PongTimeout, "pong_timeout"))),
		validation.Field(&t.HandshakeTimeout, validation.By(minDuration(0))),
		validation.Field(&t.MailboxSize, validation.Required, validation.Min(1)),
	)
}

// Validate checks the auth section.
func (a AuthConfig) Validate() error {
	return validation.ValidateStruct(&a,
		validation.Field(&a.MaxIdentityLength, validation.Min(0)),
		validation.Field(&a.ReservedNames, validation.Each(validation.Required)),
	)
}

// Validate checks the log section.
func (l LogConfig) Validate() error {
	return validation.ValidateStruct(&l,
		validation.Field(&l.Level, validation.Required,
			validation.In("trace", "debug", "info", "warn", "error", "fatal", "panic", "disabled")),
		validation.Field(&l.Format, validation.In("console", "json")),
	)
}

func minDuration(min time.Duration) validation.RuleFunc {
	return func(value interface{}) error {
		d, ok := value.(Duration)
		if !ok {
			return fmt.Errorf("must be a duration")
		}
		if d.Std() < min {
			return fmt.Errorf("must be no less than %s", min)
		}
		return nil
	}
}

func shorterThan(limit Duration, name string) validation.RuleFunc {
	return func(value interface{}) error {
		d, _ := value.(Duration)
		if d >= limit {
			return fmt.Errorf("must be shorter than %s", name)
		}
		return nil
	}
}
