// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, defaults and duration parsing

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	t.Setenv("CONVO_STUDIO_DB_PATH", "")
	configPath := writeConfig(t, "config.yaml", `
server:
  http_addr: "0.0.0.0:9000"

upstream:
  base_url: "https://api.example.com/v1/"
  api_key: "sk-test"
  default_model: "gpt-test"
  models:
    - "gpt-test"
    - "gpt-other"
  rate_limit: 5
  rate_burst: 10

storage:
  path: "./studio.db"
  debounce: "150ms"

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:9000" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "0.0.0.0:9000")
	}
	if cfg.Upstream.BaseURL != "https://api.example.com/v1" {
		t.Errorf("Upstream.BaseURL = %q, want trailing slash trimmed", cfg.Upstream.BaseURL)
	}
	if cfg.Upstream.APIKey != "sk-test" {
		t.Errorf("Upstream.APIKey = %q, want %q", cfg.Upstream.APIKey, "sk-test")
	}
	if len(cfg.Upstream.Models) != 2 {
		t.Errorf("len(Upstream.Models) = %d, want 2", len(cfg.Upstream.Models))
	}
	if cfg.Upstream.RateLimit != 5 || cfg.Upstream.RateBurst != 10 {
		t.Errorf("rate limit = %v/%d, want 5/10", cfg.Upstream.RateLimit, cfg.Upstream.RateBurst)
	}
	if cfg.Storage.Path != "./studio.db" {
		t.Errorf("Storage.Path = %q, want %q", cfg.Storage.Path, "./studio.db")
	}
	if cfg.Storage.BlobDir != "blobs" {
		t.Errorf("Storage.BlobDir = %q, want %q", cfg.Storage.BlobDir, "blobs")
	}
	if cfg.Storage.Debounce != 150*time.Millisecond {
		t.Errorf("Storage.Debounce = %v, want %v", cfg.Storage.Debounce, 150*time.Millisecond)
	}
	if cfg.Client.ServerURL != "http://0.0.0.0:9000" {
		t.Errorf("Client.ServerURL = %q, want %q", cfg.Client.ServerURL, "http://0.0.0.0:9000")
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v, want debug/json", cfg.Logging)
	}
}

func TestLoad_TOMLConfig(t *testing.T) {
	configPath := writeConfig(t, "config.toml", `
[server]
http_addr = "127.0.0.1:7000"

[upstream]
default_model = "toml-model"

[storage]
path = "/tmp/studio.db"
debounce = "1s"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "127.0.0.1:7000" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "127.0.0.1:7000")
	}
	if cfg.Upstream.DefaultModel != "toml-model" {
		t.Errorf("Upstream.DefaultModel = %q, want %q", cfg.Upstream.DefaultModel, "toml-model")
	}
	if len(cfg.Upstream.Models) != 1 || cfg.Upstream.Models[0] != "toml-model" {
		t.Errorf("Upstream.Models = %v, want [toml-model]", cfg.Upstream.Models)
	}
	if cfg.Storage.Debounce != time.Second {
		t.Errorf("Storage.Debounce = %v, want 1s", cfg.Storage.Debounce)
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("CONVO_STUDIO_DB_PATH", "")
	configPath := writeConfig(t, "config.yaml", "{}\n")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != DefaultHTTPAddr {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, DefaultHTTPAddr)
	}
	if cfg.Upstream.BaseURL != DefaultUpstreamURL {
		t.Errorf("Upstream.BaseURL = %q, want %q", cfg.Upstream.BaseURL, DefaultUpstreamURL)
	}
	if cfg.Upstream.DefaultModel != DefaultModel {
		t.Errorf("Upstream.DefaultModel = %q, want %q", cfg.Upstream.DefaultModel, DefaultModel)
	}
	if cfg.Upstream.RateLimit != DefaultRateLimit || cfg.Upstream.RateBurst != DefaultRateBurst {
		t.Errorf("rate limit = %v/%d, want defaults", cfg.Upstream.RateLimit, cfg.Upstream.RateBurst)
	}
	if cfg.Storage.Debounce != DefaultDebounce {
		t.Errorf("Storage.Debounce = %v, want %v", cfg.Storage.Debounce, DefaultDebounce)
	}
	if !strings.HasSuffix(cfg.Storage.Path, filepath.Join("convo-studio", "studio.db")) {
		t.Errorf("Storage.Path = %q, want it under the data dir", cfg.Storage.Path)
	}
	if cfg.Logging.Level != DefaultLoggingLevel || cfg.Logging.Format != "text" {
		t.Errorf("Logging = %+v, want info/text", cfg.Logging)
	}
}

func TestLoad_DBPathOverride(t *testing.T) {
	t.Setenv("CONVO_STUDIO_DB_PATH", "/override/studio.db")
	configPath := writeConfig(t, "config.yaml", "storage:\n  path: \"./ignored.db\"\n")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Storage.Path != "/override/studio.db" {
		t.Errorf("Storage.Path = %q, want %q", cfg.Storage.Path, "/override/studio.db")
	}
	if cfg.Storage.BlobDir != "/override/blobs" {
		t.Errorf("Storage.BlobDir = %q, want %q", cfg.Storage.BlobDir, "/override/blobs")
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_UPSTREAM_KEY", "sk-from-env")
	t.Setenv("TEST_HTTP_ADDR", "localhost:9999")

	configPath := writeConfig(t, "config.yaml", `
server:
  http_addr: "${TEST_HTTP_ADDR}"
upstream:
  api_key: "${TEST_UPSTREAM_KEY}"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Upstream.APIKey != "sk-from-env" {
		t.Errorf("Upstream.APIKey = %q, want %q", cfg.Upstream.APIKey, "sk-from-env")
	}
	if cfg.Server.HTTPAddr != "localhost:9999" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "localhost:9999")
	}
}

func TestLoad_EnvVarExpansion_UnsetVar(t *testing.T) {
	os.Unsetenv("DEFINITELY_UNSET_UPSTREAM_KEY")

	configPath := writeConfig(t, "config.yaml", `
upstream:
  api_key: "${DEFINITELY_UNSET_UPSTREAM_KEY}"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Upstream.APIKey != "" {
		t.Errorf("Upstream.APIKey = %q, want empty string for unset var", cfg.Upstream.APIKey)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoadOrDefault_MissingFile(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadOrDefault() error = %v", err)
	}
	if cfg.Server.HTTPAddr != DefaultHTTPAddr {
		t.Errorf("Server.HTTPAddr = %q, want default", cfg.Server.HTTPAddr)
	}
}

func TestLoad_TailscaleLeavesHTTPAddrUnset(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
tailscale:
  enabled: true
  hostname: "studio"
  https: true
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.HTTPAddr != "" {
		t.Errorf("Server.HTTPAddr = %q, want empty when tailscale is enabled", cfg.Server.HTTPAddr)
	}
	if cfg.Client.ServerURL != "https://studio" {
		t.Errorf("Client.ServerURL = %q, want %q", cfg.Client.ServerURL, "https://studio")
	}
}

func TestLoad_TailscaleKeepsExplicitHTTPAddr(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
server:
  http_addr: "127.0.0.1:9100"
tailscale:
  enabled: true
  hostname: "studio"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.HTTPAddr != "127.0.0.1:9100" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "127.0.0.1:9100")
	}
	if cfg.Client.ServerURL != "http://127.0.0.1:9100" {
		t.Errorf("Client.ServerURL = %q, want %q", cfg.Client.ServerURL, "http://127.0.0.1:9100")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
server:
  http_addr: "localhost:8787"
    invalid_indent: true
`)

	_, err := Load(configPath)
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
storage:
  debounce: "not-a-duration"
`)

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load() expected error for invalid duration, got nil")
	}
	if !strings.Contains(err.Error(), "debounce") {
		t.Errorf("Load() error = %q, want it to mention debounce", err.Error())
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("FOO", "bar")
	t.Setenv("BAZ", "qux")

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "single env var", input: "${FOO}", expected: "bar"},
		{name: "env var with surrounding text", input: "prefix-${FOO}-suffix", expected: "prefix-bar-suffix"},
		{name: "multiple env vars", input: "${FOO}/${BAZ}", expected: "bar/qux"},
		{name: "no env vars", input: "no-vars-here", expected: "no-vars-here"},
		{name: "unset env var", input: "${UNSET_VAR}", expected: ""},
		{name: "empty string", input: "", expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := expandEnvVars(tt.input)
			if result != tt.expected {
				t.Errorf("expandEnvVars(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Server:   ServerConfig{HTTPAddr: "localhost:8787"},
			Upstream: UpstreamConfig{BaseURL: "https://api.example.com"},
			Storage:  StorageConfig{Path: "./test.db"},
			Logging:  LoggingConfig{Level: "info", Format: "text"},
		}
	}

	tests := []struct {
		name          string
		mutate        func(*Config)
		wantErr       bool
		wantErrSubstr string
	}{
		{
			name:    "valid config",
			mutate:  func(*Config) {},
			wantErr: false,
		},
		{
			name: "tailscale enabled allows empty http address",
			mutate: func(c *Config) {
				c.Server.HTTPAddr = ""
				c.Tailscale = TailscaleConfig{Enabled: true, Hostname: "convo-studio"}
			},
			wantErr: false,
		},
		{
			name: "tailscale enabled requires hostname",
			mutate: func(c *Config) {
				c.Tailscale = TailscaleConfig{Enabled: true}
			},
			wantErr:       true,
			wantErrSubstr: "tailscale.hostname is required",
		},
		{
			name: "tailscale disabled requires http address",
			mutate: func(c *Config) {
				c.Server.HTTPAddr = ""
			},
			wantErr:       true,
			wantErrSubstr: "server.http_addr is required",
		},
		{
			name: "upstream must be http",
			mutate: func(c *Config) {
				c.Upstream.BaseURL = "ftp://example.com"
			},
			wantErr:       true,
			wantErrSubstr: "upstream.base_url",
		},
		{
			name: "negative rate limit",
			mutate: func(c *Config) {
				c.Upstream.RateLimit = -1
			},
			wantErr:       true,
			wantErrSubstr: "rate_limit",
		},
		{
			name: "unknown log format",
			mutate: func(c *Config) {
				c.Logging.Format = "xml"
			},
			wantErr:       true,
			wantErrSubstr: "logging.format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				if err == nil {
					t.Errorf("Validate() expected error containing %q, got nil", tt.wantErrSubstr)
					return
				}
				if !strings.Contains(err.Error(), tt.wantErrSubstr) {
					t.Errorf("Validate() error = %q, want error containing %q", err.Error(), tt.wantErrSubstr)
				}
			} else if err != nil {
				t.Errorf("Validate() unexpected error: %v", err)
			}
		})
	}
}

func TestPath(t *testing.T) {
	t.Setenv("CONVO_STUDIO_CONFIG", "/etc/convo/config.yaml")
	if got := Path(); got != "/etc/convo/config.yaml" {
		t.Errorf("Path() = %q, want env override", got)
	}

	t.Setenv("CONVO_STUDIO_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	if got := Path(); got != filepath.Join("/xdg", "convo-studio", "config.yaml") {
		t.Errorf("Path() = %q, want XDG path", got)
	}
}
