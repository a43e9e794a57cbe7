// ABOUTME: Configuration loading and parsing for convo-studio
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Defaults applied before validation.
const (
	DefaultHTTPAddr     = "localhost:8787"
	DefaultUpstreamURL  = "https://openrouter.ai/api/v1"
	DefaultModel        = "openai/gpt-4o-mini"
	DefaultDebounce     = 300 * time.Millisecond
	DefaultRateLimit    = 2.0
	DefaultRateBurst    = 4
	DefaultLoggingLevel = "info"
)

// Config represents the complete convo-studio configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Upstream  UpstreamConfig  `yaml:"upstream" toml:"upstream"`
	Client    ClientConfig    `yaml:"client" toml:"client"`
	Storage   StorageConfig   `yaml:"storage" toml:"storage"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// ServerConfig holds the local proxy listen address
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// UpstreamConfig describes the chat-completions provider the proxy relays to
type UpstreamConfig struct {
	BaseURL      string   `yaml:"base_url" toml:"base_url"`
	APIKey       string   `yaml:"api_key" toml:"api_key"`
	DefaultModel string   `yaml:"default_model" toml:"default_model"`
	Models       []string `yaml:"models" toml:"models"`

	// RateLimit is the sustained number of /api/generate requests per second
	// the proxy accepts. Zero disables limiting.
	RateLimit float64 `yaml:"rate_limit" toml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst" toml:"rate_burst"`
}

// ClientConfig holds settings for the client-side commands
type ClientConfig struct {
	// ServerURL is where the local proxy is reached. Defaults to http://<server.http_addr>,
	// or the tailnet hostname when tailscale is enabled without http_addr.
	ServerURL string `yaml:"server_url" toml:"server_url"`
}

// StorageConfig holds local persistence settings
type StorageConfig struct {
	Path    string `yaml:"path" toml:"path"`
	BlobDir string `yaml:"blob_dir" toml:"blob_dir"`

	Debounce    time.Duration `yaml:"-" toml:"-"`
	DebounceRaw string        `yaml:"debounce" toml:"debounce"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"`   // Serve HTTPS with tailnet certs
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // Enable public Funnel (implies HTTPS)
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(data, strings.EqualFold(filepath.Ext(path), ".toml"))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault behaves like Load but returns the defaults when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Parse decodes raw configuration content, applies defaults and validates it.
func Parse(data []byte, isTOML bool) (*Config, error) {
	// Expand environment variables in the raw content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if isTOML {
		if _, err := toml.Decode(expandedData, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills unset fields. An explicit rate_limit of 0 is kept only
// when a burst was also given, so a bare config still gets a limiter.
func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" && !c.Tailscale.Enabled {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}
	if c.Upstream.BaseURL == "" {
		c.Upstream.BaseURL = DefaultUpstreamURL
	}
	c.Upstream.BaseURL = strings.TrimRight(c.Upstream.BaseURL, "/")
	if c.Upstream.DefaultModel == "" {
		c.Upstream.DefaultModel = DefaultModel
	}
	if len(c.Upstream.Models) == 0 {
		c.Upstream.Models = []string{c.Upstream.DefaultModel}
	}
	if c.Upstream.RateLimit == 0 && c.Upstream.RateBurst == 0 {
		c.Upstream.RateLimit = DefaultRateLimit
		c.Upstream.RateBurst = DefaultRateBurst
	}
	if c.Client.ServerURL == "" {
		c.Client.ServerURL = c.defaultServerURL()
	}
	c.Client.ServerURL = strings.TrimRight(c.Client.ServerURL, "/")
	if c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(DataDir(), "studio.db")
	}
	if envPath := os.Getenv("CONVO_STUDIO_DB_PATH"); envPath != "" {
		c.Storage.Path = envPath
	}
	if c.Storage.BlobDir == "" {
		c.Storage.BlobDir = filepath.Join(filepath.Dir(c.Storage.Path), "blobs")
	}
	if c.Storage.Debounce == 0 {
		c.Storage.Debounce = DefaultDebounce
	}
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLoggingLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// defaultServerURL points clients at the proxy's listen address, or at its
// tailnet name when it only listens on the tailnet.
func (c *Config) defaultServerURL() string {
	if c.Server.HTTPAddr != "" || c.Tailscale.Hostname == "" {
		addr := c.Server.HTTPAddr
		if addr == "" {
			addr = DefaultHTTPAddr
		}
		return "http://" + addr
	}
	if c.Tailscale.HTTPS || c.Tailscale.Funnel {
		return "https://" + c.Tailscale.Hostname
	}
	return "http://" + c.Tailscale.Hostname
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// The listen address is required unless Tailscale is enabled
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if !strings.HasPrefix(c.Upstream.BaseURL, "http://") && !strings.HasPrefix(c.Upstream.BaseURL, "https://") {
		return fmt.Errorf("upstream.base_url must be an http(s) URL, got %q", c.Upstream.BaseURL)
	}

	if c.Upstream.RateLimit < 0 {
		return fmt.Errorf("upstream.rate_limit must not be negative")
	}

	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}

	if c.Storage.Debounce < 0 {
		return fmt.Errorf("storage.debounce must not be negative")
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Storage.DebounceRaw != "" {
		cfg.Storage.Debounce, err = time.ParseDuration(cfg.Storage.DebounceRaw)
		if err != nil {
			return fmt.Errorf("parsing debounce %q: %w", cfg.Storage.DebounceRaw, err)
		}
	}

	return nil
}

// Path returns the path to the config file.
// Priority: CONVO_STUDIO_CONFIG env var > XDG_CONFIG_HOME/convo-studio/config.yaml > ~/.config/convo-studio/config.yaml
func Path() string {
	if envPath := os.Getenv("CONVO_STUDIO_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "convo-studio", "config.yaml")
}

// DataDir returns the convo-studio data directory.
// Priority: XDG_DATA_HOME/convo-studio > ~/.local/share/convo-studio
func DataDir() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "convo-studio")
}
