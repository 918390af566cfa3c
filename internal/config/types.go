package config

import "time"

// Config represents the complete webhook-runner configuration.
type Config struct {
	Service    ServiceConfig    `yaml:"service"`
	Webhook    WebhookConfig    `yaml:"webhook"`
	Repository RepositoryConfig `yaml:"repository"`
	Keyrings   KeyringsConfig   `yaml:"keyrings"`
	Commands   CommandsConfig   `yaml:"commands"`
	History    HistoryConfig    `yaml:"history"`
	API        APIConfig        `yaml:"api,omitempty"`

	// SourceFile is the absolute path of the loaded YAML file, empty when
	// the process was configured from the environment alone.
	SourceFile string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// WebhookConfig defines the inbound webhook listener.
type WebhookConfig struct {
	Listen          string `yaml:"listen"`
	Path            string `yaml:"path"`
	Secret          string `yaml:"secret"`
	SignatureHeader string `yaml:"signature_header"`
	MaxBodySize     string `yaml:"max_body_size"` // e.g. "1MB", "524288"

	// RateLimit is the sustained request rate in requests per second.
	// Zero disables ingress rate limiting.
	RateLimit float64 `yaml:"rate_limit"`
	Burst     int     `yaml:"burst"`
}

// RepositoryConfig defines the single mirrored remote.
type RepositoryConfig struct {
	URL          string        `yaml:"url"`
	Path         string        `yaml:"path"`
	SSHKey       string        `yaml:"ssh_key"`
	KnownHosts   string        `yaml:"known_hosts"`
	CloneTimeout time.Duration `yaml:"clone_timeout"`
}

// KeyringsConfig defines the trusted keyrings, one per verification domain.
// An empty path disables verification for that domain.
type KeyringsConfig struct {
	Commit     string `yaml:"commit"`
	Tag        string `yaml:"tag"`
	CommitHash string `yaml:"commit_hash,omitempty"` // blake3:<hex>
	TagHash    string `yaml:"tag_hash,omitempty"`
}

// CommandsConfig defines the command templates and the worker pool.
type CommandsConfig struct {
	Commit  string        `yaml:"commit"`
	Tag     string        `yaml:"tag"`
	Shell   string        `yaml:"shell"`
	Workdir string        `yaml:"workdir"`
	Timeout time.Duration `yaml:"timeout"`
	Workers int           `yaml:"workers"`
}

// HistoryConfig defines the run history database.
type HistoryConfig struct {
	Path     string `yaml:"path"`
	Disabled bool   `yaml:"disabled"`
}

// APIConfig defines the optional operations API.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	APIKey  string `yaml:"api_key"`
}

// DefaultMaxBodySize is 1MB.
const DefaultMaxBodySize = 1024 * 1024

// Defaults returns a Config with the documented defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "webhook-runner",
			LogLevel:  "info",
			LogFormat: "json",
		},
		Webhook: WebhookConfig{
			Listen:          "0.0.0.0:80",
			Path:            "/",
			SignatureHeader: "X-Hub-Signature-256",
			MaxBodySize:     "1MB",
		},
		Repository: RepositoryConfig{
			Path:         "./data/repository.git",
			CloneTimeout: 5 * time.Minute,
		},
		Commands: CommandsConfig{
			Shell:   "/bin/sh",
			Timeout: 10 * time.Minute,
			Workers: 4,
		},
		History: HistoryConfig{
			Path: "./data/history.db",
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
	}
}

// SecretConfigured reports whether webhook authentication is enabled.
func (c *Config) SecretConfigured() bool {
	return c.Webhook.Secret != ""
}
