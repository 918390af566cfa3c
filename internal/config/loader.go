package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

	// user@host:path, the scp-like form git accepts for SSH remotes.
	scpLikeURL = regexp.MustCompile(`^[A-Za-z0-9._-]+@[A-Za-z0-9._-]+:`)
)

// envOverride binds one environment variable onto a config field.
type envOverride struct {
	name  string
	apply func(cfg *Config, value string) error
}

// envOverrides are applied after the YAML file and take precedence over it.
var envOverrides = []envOverride{
	{"BIND_ADDRESS", func(c *Config, v string) error { c.Webhook.Listen = v; return nil }},
	{"GIT_REPOSITORY", func(c *Config, v string) error { c.Repository.URL = v; return nil }},
	{"SSH_KEY", func(c *Config, v string) error { c.Repository.SSHKey = v; return nil }},
	{"COMMIT_KEYRING", func(c *Config, v string) error { c.Keyrings.Commit = v; return nil }},
	{"TAG_KEYRING", func(c *Config, v string) error { c.Keyrings.Tag = v; return nil }},
	{"COMMIT_COMMAND", func(c *Config, v string) error { c.Commands.Commit = v; return nil }},
	{"TAG_COMMAND", func(c *Config, v string) error { c.Commands.Tag = v; return nil }},
	{"WEBHOOK_SECRET_KEY", func(c *Config, v string) error { c.Webhook.Secret = v; return nil }},
	{"CLONE_TIMEOUT", func(c *Config, v string) error {
		d, err := parseTimeout(v)
		if err != nil {
			return err
		}
		c.Repository.CloneTimeout = d
		return nil
	}},
	{"COMMAND_TIMEOUT", func(c *Config, v string) error {
		d, err := parseTimeout(v)
		if err != nil {
			return err
		}
		c.Commands.Timeout = d
		return nil
	}},
	{"COMMAND_WORKERS", func(c *Config, v string) error {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid worker count: %w", err)
		}
		c.Commands.Workers = n
		return nil
	}},
}

// Load reads configuration from configPath, applies environment overrides
// and defaults, and validates the result. An empty configPath configures
// the process from the environment alone.
func Load(configPath string) (*Config, error) {
	cfg := &Config{}

	if configPath != "" {
		absPath, err := filepath.Abs(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
		}
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("config file not found: %s\n"+
				"Hint: Check the path or run with --config flag", absPath)
		}
		cfg, err = loadConfigFile(absPath)
		if err != nil {
			return nil, err
		}
		cfg.SourceFile = absPath
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	cfg = applyConfigDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if err := verifyKeyringPins(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadConfigFile loads and parses a single config file.
func loadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	interpolated := interpolateEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	for _, o := range envOverrides {
		value, ok := os.LookupEnv(o.name)
		if !ok || value == "" {
			continue
		}
		if err := o.apply(cfg, value); err != nil {
			return fmt.Errorf("environment variable %s: %w", o.name, err)
		}
	}
	return nil
}

// parseTimeout accepts a Go duration ("90s", "5m") or bare integer seconds.
func parseTimeout(value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", value)
	}
	return d, nil
}

// applyConfigDefaults merges default values into config where not explicitly set.
func applyConfigDefaults(cfg *Config) *Config {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = defaults.Service.LogFormat
	}

	if cfg.Webhook.Listen == "" {
		cfg.Webhook.Listen = defaults.Webhook.Listen
	}
	if cfg.Webhook.Path == "" {
		cfg.Webhook.Path = defaults.Webhook.Path
	}
	if cfg.Webhook.SignatureHeader == "" {
		cfg.Webhook.SignatureHeader = defaults.Webhook.SignatureHeader
	}
	if cfg.Webhook.MaxBodySize == "" {
		cfg.Webhook.MaxBodySize = defaults.Webhook.MaxBodySize
	}

	if cfg.Repository.Path == "" {
		cfg.Repository.Path = defaults.Repository.Path
	}
	if cfg.Repository.CloneTimeout == 0 {
		cfg.Repository.CloneTimeout = defaults.Repository.CloneTimeout
	}

	if cfg.Commands.Shell == "" {
		cfg.Commands.Shell = defaults.Commands.Shell
	}
	if cfg.Commands.Timeout == 0 {
		cfg.Commands.Timeout = defaults.Commands.Timeout
	}
	if cfg.Commands.Workers == 0 {
		cfg.Commands.Workers = defaults.Commands.Workers
	}

	if cfg.History.Path == "" {
		cfg.History.Path = defaults.History.Path
	}

	if !cfg.API.Enabled && cfg.API.Listen == "" {
		cfg.API = defaults.API
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}

	return cfg
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]

		if value, exists := os.LookupEnv(varName); exists {
			return value
		}

		// Left in place; validate rejects it for secret-bearing fields.
		return match
	})
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if cfg.Service.LogFormat != "json" && cfg.Service.LogFormat != "text" {
		return fmt.Errorf("service.log_format must be one of: json, text (got %q)", cfg.Service.LogFormat)
	}

	// Webhook validation
	if !strings.HasPrefix(cfg.Webhook.Path, "/") {
		return fmt.Errorf("webhook.path must start with / (got %q)", cfg.Webhook.Path)
	}
	if _, err := cfg.Webhook.MaxBodyBytes(); err != nil {
		return fmt.Errorf("webhook.max_body_size: %w", err)
	}
	if cfg.Webhook.RateLimit < 0 {
		return fmt.Errorf("webhook.rate_limit must not be negative")
	}
	if cfg.Webhook.Burst < 0 {
		return fmt.Errorf("webhook.burst must not be negative")
	}
	if err := checkUnresolved("webhook.secret", cfg.Webhook.Secret); err != nil {
		return err
	}

	// Repository validation
	if cfg.Repository.CloneTimeout <= 0 {
		return fmt.Errorf("repository.clone_timeout must be positive")
	}
	if RequiresSSH(cfg.Repository.URL) && cfg.Repository.SSHKey == "" {
		return fmt.Errorf("repository.url %q uses SSH but repository.ssh_key is not set", cfg.Repository.URL)
	}
	if cfg.Repository.SSHKey != "" {
		if _, err := os.Stat(cfg.Repository.SSHKey); err != nil {
			return fmt.Errorf("repository.ssh_key: %w", err)
		}
	}

	// Keyring validation: a keyring without a command can never be exercised.
	if cfg.Keyrings.Commit != "" && cfg.Commands.Commit == "" {
		return fmt.Errorf("keyrings.commit is set but commands.commit is not")
	}
	if cfg.Keyrings.Tag != "" && cfg.Commands.Tag == "" {
		return fmt.Errorf("keyrings.tag is set but commands.tag is not")
	}
	for field, path := range map[string]string{"keyrings.commit": cfg.Keyrings.Commit, "keyrings.tag": cfg.Keyrings.Tag} {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("%s: %w", field, err)
		}
	}

	// Command validation
	if cfg.Commands.Timeout <= 0 {
		return fmt.Errorf("commands.timeout must be positive")
	}
	if cfg.Commands.Workers < 1 {
		return fmt.Errorf("commands.workers must be at least 1 (got %d)", cfg.Commands.Workers)
	}

	// API auth validation
	if cfg.API.Enabled {
		if cfg.API.APIKey == "" {
			return fmt.Errorf("api.api_key is required when api is enabled")
		}
		if err := checkUnresolved("api.api_key", cfg.API.APIKey); err != nil {
			return err
		}
	}

	return nil
}

// checkUnresolved fails when a value still carries a ${VAR} placeholder.
func checkUnresolved(field, value string) error {
	if !envVarPattern.MatchString(value) {
		return nil
	}
	matches := envVarPattern.FindStringSubmatch(value)
	if len(matches) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, matches[1])
	}
	return fmt.Errorf("%s: unresolved environment variable", field)
}

// verifyKeyringPins checks pinned keyring hashes against the files on disk.
func verifyKeyringPins(cfg *Config) error {
	pins := []struct {
		field, path, hash string
	}{
		{"keyrings.commit_hash", cfg.Keyrings.Commit, cfg.Keyrings.CommitHash},
		{"keyrings.tag_hash", cfg.Keyrings.Tag, cfg.Keyrings.TagHash},
	}
	for _, p := range pins {
		if p.hash == "" {
			continue
		}
		if p.path == "" {
			return fmt.Errorf("%s is set but the keyring path is not", p.field)
		}
		if err := VerifyFileHash(p.path, p.hash); err != nil {
			return fmt.Errorf("%s: keyring verification failed: %w\n"+
				"If you replaced the keyring intentionally, run: webhook-runner keyring show %s", p.field, err, p.path)
		}
	}
	return nil
}

// RequiresSSH reports whether a remote URL is reached over SSH.
func RequiresSSH(url string) bool {
	if url == "" {
		return false
	}
	if strings.HasPrefix(url, "ssh://") || strings.HasPrefix(url, "git+ssh://") {
		return true
	}
	return !strings.Contains(url, "://") && scpLikeURL.MatchString(url)
}

// MaxBodyBytes parses size strings like "1MB" or "2048576" to bytes.
func (w WebhookConfig) MaxBodyBytes() (int64, error) {
	size := w.MaxBodySize
	if size == "" {
		return DefaultMaxBodySize, nil
	}

	upper := strings.ToUpper(strings.TrimSpace(size))
	multiplier := int64(1)

	switch {
	case strings.HasSuffix(upper, "KB"):
		multiplier = 1024
		upper = strings.TrimSuffix(upper, "KB")
	case strings.HasSuffix(upper, "MB"):
		multiplier = 1024 * 1024
		upper = strings.TrimSuffix(upper, "MB")
	case strings.HasSuffix(upper, "GB"):
		multiplier = 1024 * 1024 * 1024
		upper = strings.TrimSuffix(upper, "GB")
	}

	value, err := strconv.ParseInt(strings.TrimSpace(upper), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size value: %w", err)
	}
	if value <= 0 {
		return 0, fmt.Errorf("size must be positive")
	}

	result := value * multiplier
	if result/multiplier != value {
		return 0, fmt.Errorf("size too large")
	}
	return result, nil
}
