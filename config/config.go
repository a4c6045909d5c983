// Package config loads the energyd daemon configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for energyd.
type Config struct {
	Subject       string         `yaml:"subject"`
	ListenAddress string         `yaml:"listen"`
	Stream        StreamConfig   `yaml:"stream"`
	Actions       ActionsConfig  `yaml:"actions"`
	Chain         ChainConfig    `yaml:"chain"`
	Metadata      MetadataConfig `yaml:"metadata"`
	Log           LogConfig      `yaml:"log"`
}

// StreamConfig configures the push-stream subscription.
type StreamConfig struct {
	Endpoint      string   `yaml:"endpoint"`
	Transport     string   `yaml:"transport"`
	AuthToken     string   `yaml:"auth_token"`
	AuthTokenEnv  string   `yaml:"auth_token_env"`
	AuthTokenFile string   `yaml:"auth_token_file"`
	DialTimeout   Duration `yaml:"dial_timeout"`
}

// ActionsConfig tunes the optimistic action coordinator.
type ActionsConfig struct {
	HarvestTTL    Duration `yaml:"harvest_ttl"`
	BurnTTL       Duration `yaml:"burn_ttl"`
	MaxBurn       float64  `yaml:"max_burn"`
	RatePerSecond float64  `yaml:"rate_per_second"`
	Burst         int      `yaml:"burst"`
}

// ChainConfig configures the burn broadcaster.
type ChainConfig struct {
	Endpoint      string  `yaml:"endpoint"`
	Contract      string  `yaml:"contract"`
	ChainID       string  `yaml:"chain_id"`
	MaxRewardIn   float64 `yaml:"max_reward_in"`
	SignerKey     string  `yaml:"signer_key"`
	SignerKeyEnv  string  `yaml:"signer_key_env"`
	SignerKeyFile string  `yaml:"signer_key_file"`
}

// MetadataConfig configures the read-only presentation collaborators.
type MetadataConfig struct {
	Endpoint     string            `yaml:"endpoint"`
	BaseCapacity float64           `yaml:"base_capacity"`
	CacheTTL     Duration          `yaml:"cache_ttl"`
	SourceNames  map[string]string `yaml:"source_names"`
}

// LogConfig configures optional file rotation for log output.
type LogConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// LoadConfig reads configuration from the supplied path.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Chain.normalise(); err != nil {
		return cfg, fmt.Errorf("chain signer: %w", err)
	}
	if err := cfg.Stream.normalise(); err != nil {
		return cfg, fmt.Errorf("stream auth: %w", err)
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7600"
	}
	if cfg.Stream.Transport == "" {
		cfg.Stream.Transport = "sse"
	}
	if cfg.Stream.DialTimeout.Duration == 0 {
		cfg.Stream.DialTimeout.Duration = 10 * time.Second
	}
	if cfg.Actions.HarvestTTL.Duration == 0 {
		cfg.Actions.HarvestTTL.Duration = 30 * time.Second
	}
	if cfg.Actions.BurnTTL.Duration == 0 {
		cfg.Actions.BurnTTL.Duration = 60 * time.Second
	}
	if cfg.Actions.MaxBurn <= 0 {
		cfg.Actions.MaxBurn = 1e9
	}
	if cfg.Actions.RatePerSecond <= 0 {
		cfg.Actions.RatePerSecond = 5
	}
	if cfg.Actions.Burst <= 0 {
		cfg.Actions.Burst = 5
	}
	if cfg.Metadata.CacheTTL.Duration == 0 {
		cfg.Metadata.CacheTTL.Duration = time.Minute
	}
	if cfg.Metadata.SourceNames == nil {
		cfg.Metadata.SourceNames = map[string]string{}
	}
	if cfg.Log.MaxSizeMB <= 0 {
		cfg.Log.MaxSizeMB = 100
	}
	if cfg.Log.MaxBackups <= 0 {
		cfg.Log.MaxBackups = 5
	}
}

func validateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.Subject) == "" {
		return fmt.Errorf("subject must be configured")
	}
	if strings.TrimSpace(cfg.Stream.Endpoint) == "" {
		return fmt.Errorf("stream endpoint must be configured")
	}
	switch cfg.Stream.Transport {
	case "sse", "ws":
	default:
		return fmt.Errorf("stream transport must be sse or ws, got %q", cfg.Stream.Transport)
	}
	if strings.TrimSpace(cfg.Chain.Endpoint) == "" {
		return fmt.Errorf("chain endpoint must be configured")
	}
	if strings.TrimSpace(cfg.Chain.Contract) == "" {
		return fmt.Errorf("chain contract must be configured")
	}
	if strings.TrimSpace(cfg.Chain.SignerKey) == "" {
		return fmt.Errorf("signer key must be configured")
	}
	return nil
}

func (c *ChainConfig) normalise() error {
	if c == nil {
		return fmt.Errorf("chain configuration missing")
	}
	c.SignerKey = strings.TrimSpace(c.SignerKey)
	c.SignerKeyEnv = strings.TrimSpace(c.SignerKeyEnv)
	c.SignerKeyFile = strings.TrimSpace(c.SignerKeyFile)
	if c.SignerKey != "" {
		return nil
	}
	switch {
	case c.SignerKeyEnv != "":
		value := strings.TrimSpace(os.Getenv(c.SignerKeyEnv))
		if value == "" {
			return fmt.Errorf("signer_key_env %s is empty", c.SignerKeyEnv)
		}
		c.SignerKey = value
	case c.SignerKeyFile != "":
		contents, err := os.ReadFile(c.SignerKeyFile)
		if err != nil {
			return fmt.Errorf("read signer_key_file: %w", err)
		}
		c.SignerKey = strings.TrimSpace(string(contents))
	default:
		return fmt.Errorf("signer_key is required")
	}
	return nil
}

func (s *StreamConfig) normalise() error {
	if s == nil {
		return fmt.Errorf("stream configuration missing")
	}
	token := strings.TrimSpace(s.AuthToken)
	switch {
	case token != "":
	case strings.TrimSpace(s.AuthTokenEnv) != "":
		token = strings.TrimSpace(os.Getenv(s.AuthTokenEnv))
	case strings.TrimSpace(s.AuthTokenFile) != "":
		contents, err := os.ReadFile(s.AuthTokenFile)
		if err != nil {
			return fmt.Errorf("read auth_token_file: %w", err)
		}
		token = strings.TrimSpace(string(contents))
	}
	s.AuthToken = token
	return nil
}
