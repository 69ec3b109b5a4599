// Package config loads the relay configuration from defaults, an optional
// TOML file, a .env file and the process environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Environment variables read by Load.
const (
	EnvAPIKey      = "GROQ_API_KEY"
	EnvModel       = "GROQ_MODEL"
	EnvUpstreamURL = "BRANCHRELAY_UPSTREAM_URL"
	EnvListen      = "BRANCHRELAY_LISTEN"
	EnvTimeout     = "BRANCHRELAY_TIMEOUT"
	EnvDebug       = "BRANCHRELAY_DEBUG"
)

// Defaults.
const (
	DefaultListenAddr  = ":5000"
	DefaultUpstreamURL = "https://api.groq.com/openai/v1"
	DefaultModel       = "llama-3.3-70b-versatile"
	DefaultTimeout     = 5 * time.Minute
	DefaultEnvFile     = ".env"
)

// Log formats.
const (
	LogFormatConsole = "console"
	LogFormatJSON    = "json"
)

// Config is the complete relay configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Upstream UpstreamConfig `toml:"upstream"`
	Log      LogConfig      `toml:"log"`

	// EnvFile is a KEY=value file seeding the process environment.
	// Variables already present in the environment win.
	EnvFile string `toml:"env_file"`
}

// ServerConfig configures the caller-facing HTTP server.
type ServerConfig struct {
	// Address to listen on (e.g., ":5000")
	ListenAddr string `toml:"listen"`
}

// UpstreamConfig configures the completion API.
type UpstreamConfig struct {
	// URL of the OpenAI-compatible API, without the /chat/completions suffix.
	URL string `toml:"url"`

	// Model identifier sent upstream.
	Model string `toml:"model"`

	// Timeout bounds a whole upstream call.
	Timeout Duration `toml:"timeout"`

	// APIKey is only ever read from the environment.
	APIKey string `toml:"-"`
}

// LogConfig configures logging.
type LogConfig struct {
	Debug  bool   `toml:"debug"`
	Format string `toml:"format"`
}

// Duration is a time.Duration that decodes from TOML strings such as "90s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = parsed
	return nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: DefaultListenAddr,
		},
		Upstream: UpstreamConfig{
			URL:     DefaultUpstreamURL,
			Model:   DefaultModel,
			Timeout: Duration{DefaultTimeout},
		},
		Log: LogConfig{
			Format: LogFormatConsole,
		},
		EnvFile: DefaultEnvFile,
	}
}

// Load builds the configuration. path may be empty, in which case no TOML
// file is read. The env file named by the configuration is loaded into the
// process environment before environment overrides are applied.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse configuration file %q: %w", path, err)
		}
	}

	if err := LoadEnvFile(cfg.EnvFile); err != nil {
		return nil, err
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// LoadEnvFile seeds the process environment from a KEY=value file. Blank
// lines and # comments are ignored, values may be quoted, and variables that
// are already set are left alone. A missing file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}

	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file %q: %w", path, err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) error {
	cfg.Upstream.APIKey = os.Getenv(EnvAPIKey)

	if val := os.Getenv(EnvModel); val != "" {
		cfg.Upstream.Model = val
	}
	if val := os.Getenv(EnvUpstreamURL); val != "" {
		cfg.Upstream.URL = val
	}
	if val := os.Getenv(EnvListen); val != "" {
		cfg.Server.ListenAddr = val
	}
	if val := os.Getenv(EnvTimeout); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvTimeout, val, err)
		}
		cfg.Upstream.Timeout = Duration{d}
	}
	if val := os.Getenv(EnvDebug); val != "" {
		b, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvDebug, val, err)
		}
		cfg.Log.Debug = b
	}

	return nil
}

// HasCredential reports whether an upstream API key is configured.
func (c *Config) HasCredential() bool {
	return c.Upstream.APIKey != ""
}

// Validate checks the configuration. A missing API key is not a validation
// error: the server starts and reports it per request.
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return errors.New("server listen address is required")
	}

	if c.Upstream.URL == "" {
		return errors.New("upstream url is required")
	}
	u, err := url.Parse(c.Upstream.URL)
	if err != nil {
		return fmt.Errorf("invalid upstream url %q: %w", c.Upstream.URL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("upstream url %q must be an absolute http(s) url", c.Upstream.URL)
	}

	if c.Upstream.Model == "" {
		return errors.New("upstream model is required")
	}
	if c.Upstream.Timeout.Duration <= 0 {
		return fmt.Errorf("upstream timeout must be positive, got %s", c.Upstream.Timeout.Duration)
	}

	switch c.Log.Format {
	case LogFormatConsole, LogFormatJSON:
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}

	return nil
}
