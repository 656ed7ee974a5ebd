package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"

	"github.com/schaermu/depsyncd/internal/fetch"
	"github.com/schaermu/depsyncd/internal/github"
)

// DefaultPath is the config location used when --config is not given
const DefaultPath = "~/.config/depsyncd/config.yaml"

// Config represents the complete depsyncd configuration
type Config struct {
	Paths   PathsConfig   `yaml:"paths"`
	GitHub  GitHubConfig  `yaml:"github"`
	HTTP    HTTPConfig    `yaml:"http"`
	Metrics MetricsConfig `yaml:"metrics"`
	Serve   ServeConfig   `yaml:"serve"`
}

// PathsConfig configures local filesystem paths
type PathsConfig struct {
	InstallsDir string `yaml:"installs_dir"`
}

// GitHubConfig configures access to the repository API
type GitHubConfig struct {
	APIURL    string `yaml:"api_url"`
	TokenFile string `yaml:"token_file"`
}

// HTTPConfig configures downloads
type HTTPConfig struct {
	Timeout          time.Duration `yaml:"timeout"`
	MaxDownloadBytes int64         `yaml:"max_download_bytes"`
}

// MetricsConfig configures the optional prometheus textfile
type MetricsConfig struct {
	Textfile string `yaml:"textfile"`
}

// ServeConfig configures the webhook server
type ServeConfig struct {
	Enabled                 bool     `yaml:"enabled"`
	ListenAddr              string   `yaml:"listen_addr"`
	GitHubWebhookSecretFile string   `yaml:"github_webhook_secret_file"`
	AllowedEventTypes       []string `yaml:"allowed_event_types"`
}

// Override adjusts a parsed configuration before defaults and validation
type Override func(*Config)

// Load reads and parses the configuration file. Overrides such as command
// line flags are applied before validation.
func Load(path string, overrides ...Override) (*Config, error) {
	// Expand path
	path, err := ExpandPath(path)
	if err != nil {
		return nil, err
	}

	// Read file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse YAML
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Apply command line overrides
	for _, o := range overrides {
		o(&cfg)
	}

	// Expand env, apply defaults and validate
	if err := cfg.Finalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Finalize expands paths, applies defaults and validates. Load calls it; it
// is exported for configurations assembled from flags alone.
func (c *Config) Finalize() error {
	if err := c.expandEnv(); err != nil {
		return err
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// ExpandPath expands environment variables and a leading ~ in path
func ExpandPath(path string) (string, error) {
	expanded, err := homedir.Expand(os.ExpandEnv(path))
	if err != nil {
		return "", fmt.Errorf("failed to expand path %q: %w", path, err)
	}
	return expanded, nil
}

// expandEnv expands environment variables and ~ in all path and string fields
func (c *Config) expandEnv() error {
	fields := []*string{
		&c.Paths.InstallsDir,
		&c.GitHub.TokenFile,
		&c.Metrics.Textfile,
		&c.Serve.GitHubWebhookSecretFile,
	}
	for _, f := range fields {
		expanded, err := ExpandPath(*f)
		if err != nil {
			return err
		}
		*f = expanded
	}

	// Non-path fields only get environment expansion
	c.GitHub.APIURL = os.ExpandEnv(c.GitHub.APIURL)
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)
	return nil
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.GitHub.APIURL == "" {
		c.GitHub.APIURL = github.DefaultAPIURL
	}
	// HTTP defaults
	if c.HTTP.Timeout == 0 {
		c.HTTP.Timeout = 60 * time.Second
	}
	if c.HTTP.MaxDownloadBytes == 0 {
		c.HTTP.MaxDownloadBytes = fetch.DefaultMaxDownloadBytes
	}
	// Serve defaults
	if c.Serve.ListenAddr == "" {
		c.Serve.ListenAddr = "127.0.0.1:8788"
	}
	if len(c.Serve.AllowedEventTypes) == 0 {
		c.Serve.AllowedEventTypes = []string{"push"}
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	// Validate paths
	if c.Paths.InstallsDir == "" {
		return fmt.Errorf("paths.installs_dir is required")
	}
	if !filepath.IsAbs(c.Paths.InstallsDir) {
		return fmt.Errorf("paths.installs_dir must be an absolute path: %s", c.Paths.InstallsDir)
	}

	// Validate API URL
	u, err := url.Parse(c.GitHub.APIURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("github.api_url must be an http(s) URL: %s", c.GitHub.APIURL)
	}

	// Validate HTTP settings
	if c.HTTP.Timeout < 0 {
		return fmt.Errorf("http.timeout must not be negative")
	}
	if c.HTTP.MaxDownloadBytes < 0 {
		return fmt.Errorf("http.max_download_bytes must not be negative")
	}

	// Validate metrics
	if c.Metrics.Textfile != "" && !strings.HasSuffix(c.Metrics.Textfile, ".prom") {
		return fmt.Errorf("metrics.textfile must end in .prom: %s", c.Metrics.Textfile)
	}

	// Validate serve config
	if c.Serve.Enabled {
		if c.Serve.ListenAddr == "" {
			return fmt.Errorf("serve.listen_addr is required when serve is enabled")
		}
		if c.Serve.GitHubWebhookSecretFile == "" {
			return fmt.Errorf("serve.github_webhook_secret_file is required when serve is enabled")
		}
	}

	return nil
}

// Token returns the GitHub token, or an empty string when none is configured
func (c *Config) Token() (string, error) {
	if c.GitHub.TokenFile == "" {
		return "", nil
	}
	data, err := os.ReadFile(c.GitHub.TokenFile)
	if err != nil {
		return "", fmt.Errorf("failed to read github token file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}
