package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration for YAML scalars like "30s" or "5m".
type Duration time.Duration

// UnmarshalYAML parses a duration scalar.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config represents the application configuration parsed from YAML.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Defaults DefaultsConfig `yaml:"defaults"`
	Cache    CacheConfig    `yaml:"cache"`
	Tools    ToolsConfig    `yaml:"tools"`
}

// ServerConfig defines listener configuration.
type ServerConfig struct {
	Port           int      `yaml:"port"`
	RequestTimeout Duration `yaml:"request_timeout"`
}

// UpstreamConfig points the gateway's model capability at an
// OpenAI-compatible endpoint.
type UpstreamConfig struct {
	BaseURL string            `yaml:"base_url"`
	APIKey  string            `yaml:"api_key"`
	Headers map[string]string `yaml:"headers"`
	Models  []ModelConfig     `yaml:"models"`
}

// ModelConfig describes one model offered through the gateway.
type ModelConfig struct {
	ID             string `yaml:"id"`
	Name           string `yaml:"name"`
	Family         string `yaml:"family"`
	Vendor         string `yaml:"vendor"`
	MaxInputTokens int    `yaml:"max_input_tokens"`
}

// DefaultsConfig holds request defaults applied when a client omits them.
type DefaultsConfig struct {
	Model         string `yaml:"model"`
	MaxToolRounds *int   `yaml:"max_tool_rounds"`
}

// CacheConfig tunes the model descriptor cache.
type CacheConfig struct {
	TTL Duration `yaml:"ttl"`
}

// ToolsConfig locates locally registered tools.
type ToolsConfig struct {
	Dirs    []string `yaml:"dirs"`
	Timeout Duration `yaml:"timeout"`
}

// Load reads YAML configuration from disk and validates the result.
func Load(path string) (Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return Config{}, fmt.Errorf("resolve config path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %q: %w", absPath, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file %q: %w", absPath, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate performs strict sanity checks on the configuration.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid TCP port, got %d", c.Server.Port)
	}
	if c.Server.RequestTimeout < 0 {
		return fmt.Errorf("server.request_timeout must not be negative")
	}

	if strings.TrimSpace(c.Upstream.BaseURL) == "" {
		return fmt.Errorf("upstream.base_url must be provided")
	}
	if len(c.Upstream.Models) == 0 {
		return fmt.Errorf("upstream: at least one model must be configured")
	}
	for i, model := range c.Upstream.Models {
		if strings.TrimSpace(model.ID) == "" {
			return fmt.Errorf("upstream.models[%d]: id must not be empty", i)
		}
	}
	for headerKey := range c.Upstream.Headers {
		if !isCanonicalHTTPHeader(headerKey) {
			return fmt.Errorf("upstream: header %q is not a valid canonical HTTP header", headerKey)
		}
	}

	if c.Defaults.MaxToolRounds != nil && *c.Defaults.MaxToolRounds < 0 {
		return fmt.Errorf("defaults.max_tool_rounds must not be negative")
	}
	if c.Cache.TTL < 0 {
		return fmt.Errorf("cache.ttl must not be negative")
	}
	if c.Tools.Timeout < 0 {
		return fmt.Errorf("tools.timeout must not be negative")
	}

	return nil
}

func isCanonicalHTTPHeader(header string) bool {
	if header == "" {
		return false
	}

	for _, r := range header {
		if !(r == '-' || (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z')) {
			return false
		}
	}
	return true
}
