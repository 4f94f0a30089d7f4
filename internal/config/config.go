package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/metasync/metasync/internal/changes"
	"github.com/metasync/metasync/internal/index"
)

// Config represents the complete metasync configuration
type Config struct {
	Paths   PathsConfig   `yaml:"paths"`
	GitHub  GitHubConfig  `yaml:"github"`
	Auth    AuthConfig    `yaml:"auth"`
	Fdroid  FdroidConfig  `yaml:"fdroid"`
	Publish PublishConfig `yaml:"publish"`
	Metrics MetricsConfig `yaml:"metrics"`
	Serve   ServeConfig   `yaml:"serve"`
}

// PathsConfig configures local filesystem paths
type PathsConfig struct {
	AppsFile string `yaml:"apps_file"`
	RepoDir  string `yaml:"repo_dir"`
	StateDir string `yaml:"state_dir"`
	// Readme defaults to README.md two levels above the repo directory
	Readme string `yaml:"readme"`
}

// GitHubConfig configures access to the release platform
type GitHubConfig struct {
	TokenFile string `yaml:"token_file"`
	BaseURL   string `yaml:"base_url"`
}

// AuthConfig configures Git authentication for source checkouts
type AuthConfig struct {
	SSHKeyFile     string `yaml:"ssh_key_file"`
	HTTPSTokenFile string `yaml:"https_token_file"`
}

// FdroidConfig configures the repository indexing tool
type FdroidConfig struct {
	Command string `yaml:"command"`
	Skip    bool   `yaml:"skip"`
}

// PublishConfig configures change detection
type PublishConfig struct {
	// SignificantFile is a CEL expression over `file` deciding whether a
	// changed file counts as a publishable change
	SignificantFile string `yaml:"significant_file"`
}

// MetricsConfig configures metric export for one-shot runs
type MetricsConfig struct {
	Textfile string `yaml:"textfile"`
}

// ServeConfig configures the webhook server
type ServeConfig struct {
	Enabled                 bool     `yaml:"enabled"`
	ListenAddr              string   `yaml:"listen_addr"`
	GitHubWebhookSecretFile string   `yaml:"github_webhook_secret_file"`
	AllowedEventTypes       []string `yaml:"allowed_event_types"`
	WatchRegistry           bool     `yaml:"watch_registry"`
}

// Default returns the configuration used when no config file exists.
// Relative paths resolve against the working directory.
func Default() (*Config, error) {
	cfg := defaults()
	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to determine working directory: %w", err)
	}
	cfg.resolvePaths(wd)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Paths: PathsConfig{
			AppsFile: "apps.yaml",
			RepoDir:  "fdroid/repo",
			StateDir: ".metasync",
		},
		Fdroid: FdroidConfig{Command: "fdroid"},
		Publish: PublishConfig{
			SignificantFile: changes.DefaultFilterExpr,
		},
		Serve: ServeConfig{
			ListenAddr:        "127.0.0.1:8787",
			AllowedEventTypes: []string{"release"},
			WatchRegistry:     true,
		},
	}
}

// Load reads and parses the configuration file. Relative paths in the file
// resolve against the file's directory.
func Load(path string) (*Config, error) {
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	base, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config directory: %w", err)
	}
	cfg.resolvePaths(base)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.Paths.AppsFile = os.ExpandEnv(c.Paths.AppsFile)
	c.Paths.RepoDir = os.ExpandEnv(c.Paths.RepoDir)
	c.Paths.StateDir = os.ExpandEnv(c.Paths.StateDir)
	c.Paths.Readme = os.ExpandEnv(c.Paths.Readme)
	c.GitHub.TokenFile = os.ExpandEnv(c.GitHub.TokenFile)
	c.GitHub.BaseURL = os.ExpandEnv(c.GitHub.BaseURL)
	c.Auth.SSHKeyFile = os.ExpandEnv(c.Auth.SSHKeyFile)
	c.Auth.HTTPSTokenFile = os.ExpandEnv(c.Auth.HTTPSTokenFile)
	c.Fdroid.Command = os.ExpandEnv(c.Fdroid.Command)
	c.Metrics.Textfile = os.ExpandEnv(c.Metrics.Textfile)
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)
	c.Serve.GitHubWebhookSecretFile = os.ExpandEnv(c.Serve.GitHubWebhookSecretFile)
}

// applyDefaults fills in fields the file set to empty values
func (c *Config) applyDefaults() {
	d := defaults()
	if c.Paths.AppsFile == "" {
		c.Paths.AppsFile = d.Paths.AppsFile
	}
	if c.Paths.RepoDir == "" {
		c.Paths.RepoDir = d.Paths.RepoDir
	}
	if c.Paths.StateDir == "" {
		c.Paths.StateDir = d.Paths.StateDir
	}
	if c.Fdroid.Command == "" {
		c.Fdroid.Command = d.Fdroid.Command
	}
	if strings.TrimSpace(c.Publish.SignificantFile) == "" {
		c.Publish.SignificantFile = d.Publish.SignificantFile
	}
	if c.Serve.ListenAddr == "" {
		c.Serve.ListenAddr = d.Serve.ListenAddr
	}
}

// resolvePaths makes every configured path absolute against base
func (c *Config) resolvePaths(base string) {
	for _, p := range []*string{
		&c.Paths.AppsFile,
		&c.Paths.RepoDir,
		&c.Paths.StateDir,
		&c.Paths.Readme,
		&c.GitHub.TokenFile,
		&c.Auth.SSHKeyFile,
		&c.Auth.HTTPSTokenFile,
		&c.Metrics.Textfile,
		&c.Serve.GitHubWebhookSecretFile,
	} {
		*p = resolve(base, *p)
	}
}

func resolve(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

// Override replaces the registry and repo directory, resolving relative
// values against the working directory
func (c *Config) Override(appsFile, repoDir string) error {
	wd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to determine working directory: %w", err)
	}
	if appsFile != "" {
		c.Paths.AppsFile = resolve(wd, appsFile)
	}
	if repoDir != "" {
		c.Paths.RepoDir = resolve(wd, repoDir)
	}
	return c.Validate()
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Paths.AppsFile == "" {
		return fmt.Errorf("paths.apps_file is required")
	}
	if c.Paths.RepoDir == "" {
		return fmt.Errorf("paths.repo_dir is required")
	}
	if c.Paths.StateDir == "" {
		return fmt.Errorf("paths.state_dir is required")
	}

	if !filepath.IsAbs(c.Paths.RepoDir) {
		return fmt.Errorf("paths.repo_dir must be an absolute path: %s", c.Paths.RepoDir)
	}
	if filepath.Dir(c.Paths.RepoDir) == c.Paths.RepoDir {
		return fmt.Errorf("paths.repo_dir must not be the filesystem root")
	}

	if c.Auth.SSHKeyFile != "" && c.Auth.HTTPSTokenFile != "" {
		return fmt.Errorf("auth: only one of ssh_key_file or https_token_file may be set")
	}

	if c.GitHub.BaseURL != "" && !strings.HasPrefix(c.GitHub.BaseURL, "https://") && !strings.HasPrefix(c.GitHub.BaseURL, "http://") {
		return fmt.Errorf("github.base_url must be an http(s) URL: %s", c.GitHub.BaseURL)
	}

	if _, err := changes.NewFilter(c.Publish.SignificantFile); err != nil {
		return fmt.Errorf("publish.significant_file: %w", err)
	}

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

// FdroidDir returns the directory the indexing tool runs in
func (c *Config) FdroidDir() string {
	return filepath.Dir(c.Paths.RepoDir)
}

// MetadataDir returns the directory holding per-package metadata files
func (c *Config) MetadataDir() string {
	return filepath.Join(c.FdroidDir(), "metadata")
}

// IndexPath returns the path of the structured index
func (c *Config) IndexPath() string {
	return filepath.Join(c.Paths.RepoDir, index.FileName)
}

// ReadmePath returns the README whose apps table is regenerated
func (c *Config) ReadmePath() string {
	if c.Paths.Readme != "" {
		return c.Paths.Readme
	}
	return filepath.Join(filepath.Dir(c.FdroidDir()), "README.md")
}

// IconDir returns the repo icon directory relative to the README, in the
// slash form used by Markdown links
func (c *Config) IconDir() string {
	icons := filepath.Join(c.Paths.RepoDir, "icons")
	rel, err := filepath.Rel(filepath.Dir(c.ReadmePath()), icons)
	if err != nil {
		return filepath.ToSlash(icons)
	}
	return filepath.ToSlash(rel)
}

// CatalogPath returns the path of the release catalog database
func (c *Config) CatalogPath() string {
	return filepath.Join(c.Paths.StateDir, "catalog.db")
}

// ClonesDir returns the scratch directory for source checkouts
func (c *Config) ClonesDir() string {
	return filepath.Join(c.Paths.StateDir, "clones")
}

// GitHubToken returns the API token from github.token_file, falling back
// to $GITHUB_TOKEN. An empty token means anonymous access.
func (c *Config) GitHubToken() (string, error) {
	if c.GitHub.TokenFile != "" {
		data, err := os.ReadFile(c.GitHub.TokenFile)
		if err != nil {
			return "", fmt.Errorf("failed to read github token: %w", err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	return os.Getenv("GITHUB_TOKEN"), nil
}

// AuthMethod returns a description of the configured git auth method
func (c *Config) AuthMethod() string {
	if c.Auth.SSHKeyFile != "" {
		return "ssh"
	}
	if c.Auth.HTTPSTokenFile != "" {
		return "https"
	}
	return "none"
}
