package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		env     map[string]string
		wantErr string
		checkFn func(t *testing.T, cfg *Config)
	}{
		{
			name: "minimal valid config",
			yaml: `
repository:
  url: https://example.com/org/repo.git
commands:
  commit: ./deploy.sh
`,
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Webhook.Listen != "0.0.0.0:80" {
					t.Errorf("webhook.listen default = %q", cfg.Webhook.Listen)
				}
				if cfg.Webhook.SignatureHeader != "X-Hub-Signature-256" {
					t.Errorf("signature header default = %q", cfg.Webhook.SignatureHeader)
				}
				if cfg.Repository.CloneTimeout != 5*time.Minute {
					t.Errorf("clone_timeout default = %v", cfg.Repository.CloneTimeout)
				}
				if cfg.Commands.Workers != 4 {
					t.Errorf("workers default = %d", cfg.Commands.Workers)
				}
				if cfg.Commands.Commit != "./deploy.sh" {
					t.Errorf("commands.commit not parsed: %q", cfg.Commands.Commit)
				}
				if cfg.SecretConfigured() {
					t.Error("no secret was configured")
				}
			},
		},
		{
			name: "env var interpolation",
			yaml: `
webhook:
  secret: ${TEST_HOOK_SECRET}
history:
  path: ${TEST_HISTORY}
`,
			env: map[string]string{
				"TEST_HOOK_SECRET": "s3cret",
				"TEST_HISTORY":     "/tmp/history.db",
			},
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Webhook.Secret != "s3cret" {
					t.Errorf("secret not interpolated: %q", cfg.Webhook.Secret)
				}
				if cfg.History.Path != "/tmp/history.db" {
					t.Errorf("history.path not interpolated: %q", cfg.History.Path)
				}
			},
		},
		{
			name: "missing env var in secret fails validation",
			yaml: `
webhook:
  secret: ${TEST_MISSING_SECRET}
`,
			wantErr: "TEST_MISSING_SECRET",
		},
		{
			name: "environment overrides file",
			yaml: `
webhook:
  listen: 127.0.0.1:9000
commands:
  timeout: 1m
`,
			env: map[string]string{
				"BIND_ADDRESS":    "127.0.0.1:9999",
				"COMMAND_TIMEOUT": "30",
				"CLONE_TIMEOUT":   "2m",
				"TAG_COMMAND":     "make release",
			},
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Webhook.Listen != "127.0.0.1:9999" {
					t.Errorf("BIND_ADDRESS not applied: %q", cfg.Webhook.Listen)
				}
				if cfg.Commands.Timeout != 30*time.Second {
					t.Errorf("COMMAND_TIMEOUT not applied: %v", cfg.Commands.Timeout)
				}
				if cfg.Repository.CloneTimeout != 2*time.Minute {
					t.Errorf("CLONE_TIMEOUT not applied: %v", cfg.Repository.CloneTimeout)
				}
				if cfg.Commands.Tag != "make release" {
					t.Errorf("TAG_COMMAND not applied: %q", cfg.Commands.Tag)
				}
			},
		},
		{
			name: "invalid timeout env",
			env: map[string]string{
				"COMMAND_TIMEOUT": "soon",
			},
			wantErr: "COMMAND_TIMEOUT",
		},
		{
			name: "invalid log level",
			yaml: `
service:
  log_level: invalid
`,
			wantErr: "log_level",
		},
		{
			name: "ssh remote requires key",
			yaml: `
repository:
  url: git@github.com:org/repo.git
`,
			wantErr: "ssh_key",
		},
		{
			name: "keyring requires command",
			yaml: `
keyrings:
  commit: KEYRING_PATH
`,
			wantErr: "commands.commit",
		},
		{
			name: "zero workers rejected",
			yaml: `
commands:
  workers: -1
`,
			wantErr: "workers",
		},
		{
			name: "api requires key",
			yaml: `
api:
  enabled: true
`,
			wantErr: "api_key",
		},
		{
			name: "bad max body size",
			yaml: `
webhook:
  max_body_size: lots
`,
			wantErr: "max_body_size",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			tmpDir := t.TempDir()
			keyring := writeFile(t, tmpDir, "keyring.asc", "placeholder")
			yamlText := strings.ReplaceAll(tt.yaml, "KEYRING_PATH", keyring)
			configPath := writeFile(t, tmpDir, "config.yaml", yamlText)

			cfg, err := Load(configPath)
			if tt.wantErr != "" {
				if err == nil {
					t.Fatalf("Load() expected error containing %q", tt.wantErr)
				}
				if !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Load() error = %v, want substring %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if cfg.SourceFile == "" {
				t.Error("SourceFile should be recorded")
			}
			if tt.checkFn != nil {
				tt.checkFn(t, cfg)
			}
		})
	}
}

func TestLoadEnvironmentOnly(t *testing.T) {
	t.Setenv("GIT_REPOSITORY", "https://example.com/org/repo.git")
	t.Setenv("COMMIT_COMMAND", "echo ok")
	t.Setenv("WEBHOOK_SECRET_KEY", "topsecret")
	t.Setenv("COMMAND_WORKERS", "2")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error = %v", err)
	}
	if cfg.SourceFile != "" {
		t.Errorf("SourceFile = %q, want empty", cfg.SourceFile)
	}
	if cfg.Repository.URL != "https://example.com/org/repo.git" {
		t.Errorf("repository.url = %q", cfg.Repository.URL)
	}
	if cfg.Commands.Workers != 2 {
		t.Errorf("workers = %d, want 2", cfg.Commands.Workers)
	}
	if !cfg.SecretConfigured() {
		t.Error("secret should be configured")
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil || !strings.Contains(err.Error(), "config file not found") {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestLoadKeyringPin(t *testing.T) {
	tmpDir := t.TempDir()
	keyring := writeFile(t, tmpDir, "commit.asc", "key material")
	hash, err := ComputeBlake3Hash(keyring)
	if err != nil {
		t.Fatal(err)
	}

	good := "keyrings:\n  commit: " + keyring + "\n  commit_hash: blake3:" + hash + "\ncommands:\n  commit: echo\n"
	if _, err := Load(writeFile(t, tmpDir, "good.yaml", good)); err != nil {
		t.Fatalf("pinned keyring should load: %v", err)
	}

	bad := "keyrings:\n  commit: " + keyring + "\n  commit_hash: blake3:" + strings.Repeat("0", 64) + "\ncommands:\n  commit: echo\n"
	_, err = Load(writeFile(t, tmpDir, "bad.yaml", bad))
	if err == nil || !strings.Contains(err.Error(), "hash mismatch") {
		t.Fatalf("expected hash mismatch, got %v", err)
	}
}

func TestInterpolateEnv(t *testing.T) {
	tests := []struct {
		name  string
		input string
		env   map[string]string
		want  string
	}{
		{
			name:  "simple replacement",
			input: "path: ${TEST_BASE}/data",
			env:   map[string]string{"TEST_BASE": "/srv"},
			want:  "path: /srv/data",
		},
		{
			name:  "multiple vars",
			input: "${TEST_USER}@${TEST_HOST}",
			env:   map[string]string{"TEST_USER": "git", "TEST_HOST": "example.com"},
			want:  "git@example.com",
		},
		{
			name:  "undefined var left as-is",
			input: "secret: ${TEST_UNDEFINED_VAR}",
			want:  "secret: ${TEST_UNDEFINED_VAR}",
		},
		{
			name:  "no vars",
			input: "plain text",
			want:  "plain text",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if got := interpolateEnv(tt.input); got != tt.want {
				t.Errorf("interpolateEnv() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseTimeout(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"30", 30 * time.Second, false},
		{" 600 ", 10 * time.Minute, false},
		{"90s", 90 * time.Second, false},
		{"1h", time.Hour, false},
		{"later", 0, true},
	}
	for _, tt := range tests {
		got, err := parseTimeout(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseTimeout(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("parseTimeout(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestRequiresSSH(t *testing.T) {
	tests := map[string]bool{
		"":                                   false,
		"https://github.com/org/repo.git":    false,
		"https://user@github.com/org/repo":   false,
		"git@github.com:org/repo.git":        true,
		"ssh://git@example.com/org/repo.git": true,
		"/srv/git/repo.git":                  false,
		"file:///srv/git/repo.git":           false,
	}
	for url, want := range tests {
		if got := RequiresSSH(url); got != want {
			t.Errorf("RequiresSSH(%q) = %v, want %v", url, got, want)
		}
	}
}

func TestMaxBodyBytes(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"", DefaultMaxBodySize, false},
		{"1MB", 1024 * 1024, false},
		{"512kb", 512 * 1024, false},
		{"2048", 2048, false},
		{"0", 0, true},
		{"-5", 0, true},
		{"big", 0, true},
	}
	for _, tt := range tests {
		got, err := WebhookConfig{MaxBodySize: tt.in}.MaxBodyBytes()
		if (err != nil) != tt.wantErr {
			t.Errorf("MaxBodyBytes(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("MaxBodyBytes(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
