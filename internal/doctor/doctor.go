// Package doctor reviews a loaded webhook-runner configuration.
//
// config.Load already rejects configurations that cannot run. The doctor
// goes further: it opens the keyrings, checks the command environment and
// reports every reduced-security mode as a warning.
package doctor

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/mattjoyce/webhook-runner/internal/config"
	"github.com/mattjoyce/webhook-runner/internal/log"
	"github.com/mattjoyce/webhook-runner/internal/signature"
	"github.com/mattjoyce/webhook-runner/internal/storage"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a loaded configuration.
type Doctor struct {
	cfg *config.Config
}

// New creates a Doctor from a loaded config.
func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.warnReducedSecurity(r)
	d.validateKeyrings(r)
	d.validateCommands(r)
	d.validateRepository(r)
	d.validateHistory(r)
	d.validateAPIConfig(r)

	r.Valid = len(r.Errors) == 0
	return r
}

// SecurityWarnings returns only the reduced-security warnings, for
// logging at startup.
func (d *Doctor) SecurityWarnings() []Issue {
	r := &Result{}
	d.warnReducedSecurity(r)
	return r.Warnings
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// warnReducedSecurity flags each check that is skipped by configuration.
func (d *Doctor) warnReducedSecurity(r *Result) {
	if !d.cfg.SecretConfigured() {
		d.addWarning(r, "security", "webhook.secret",
			"no webhook secret configured; requests are not authenticated")
	}
	if d.cfg.Keyrings.Commit == "" && d.cfg.Commands.Commit != "" {
		d.addWarning(r, "security", "keyrings.commit",
			"no commit keyring configured; commit signatures are not verified")
	}
	if d.cfg.Keyrings.Tag == "" && d.cfg.Commands.Tag != "" {
		d.addWarning(r, "security", "keyrings.tag",
			"no tag keyring configured; tag signatures are not verified")
	}
	if d.cfg.Repository.URL == "" {
		d.addWarning(r, "security", "repository.url",
			"no repository url configured; the remote is taken from the first delivery's clone_url")
	}
}

// validateKeyrings loads each configured keyring the way the server will.
func (d *Doctor) validateKeyrings(r *Result) {
	logger := log.WithComponent("doctor")
	for _, kr := range []struct {
		field, path, pin string
	}{
		{"keyrings.commit", d.cfg.Keyrings.Commit, d.cfg.Keyrings.CommitHash},
		{"keyrings.tag", d.cfg.Keyrings.Tag, d.cfg.Keyrings.TagHash},
	} {
		if kr.path == "" {
			continue
		}
		keyring, err := signature.LoadKeyring(kr.path, logger)
		if err != nil {
			d.addError(r, "keyrings", kr.field, err.Error())
			continue
		}
		if keyring.Len() == 0 {
			d.addError(r, "keyrings", kr.field,
				fmt.Sprintf("%s contains no usable public keys; every verification would fail", kr.path))
			continue
		}
		if kr.pin == "" {
			d.addWarning(r, "keyrings", kr.field+"_hash",
				fmt.Sprintf("keyring is not pinned; add %s_hash: %s", strings.TrimPrefix(kr.field, "keyrings."), config.HashPrefix+keyring.Fingerprint))
		}
	}
}

func (d *Doctor) validateCommands(r *Result) {
	c := d.cfg.Commands
	if c.Commit == "" && c.Tag == "" {
		d.addWarning(r, "commands", "commands",
			"no commit or tag command configured; every delivery is a no-op")
		return
	}
	if info, err := os.Stat(c.Shell); err != nil {
		d.addError(r, "commands", "commands.shell", fmt.Sprintf("shell %q: %v", c.Shell, err))
	} else if info.IsDir() || info.Mode()&0o111 == 0 {
		d.addError(r, "commands", "commands.shell", fmt.Sprintf("shell %q is not executable", c.Shell))
	}
	if c.Workdir != "" {
		if info, err := os.Stat(c.Workdir); err != nil || !info.IsDir() {
			d.addError(r, "commands", "commands.workdir", fmt.Sprintf("workdir %q is not a directory", c.Workdir))
		}
	}
}

func (d *Doctor) validateRepository(r *Result) {
	url := d.cfg.Repository.URL
	if strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "git://") {
		d.addWarning(r, "repository", "repository.url",
			fmt.Sprintf("remote %q uses an unencrypted transport", url))
	}
	if config.RequiresSSH(url) && d.cfg.Repository.KnownHosts == "" {
		d.addWarning(r, "repository", "repository.known_hosts",
			"no known_hosts file configured; the default known_hosts locations are used")
	}
	if err := storage.ValidateLocalFilesystem(d.cfg.Repository.Path, "repository.path"); err != nil {
		d.addError(r, "repository", "repository.path", err.Error())
	}
}

func (d *Doctor) validateHistory(r *Result) {
	if d.cfg.History.Disabled {
		return
	}
	if err := storage.ValidateLocalFilesystem(d.cfg.History.Path, "history.path"); err != nil {
		d.addError(r, "history", "history.path", err.Error())
	}
}

// validateAPIConfig checks API server settings.
func (d *Doctor) validateAPIConfig(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	host, _, err := net.SplitHostPort(d.cfg.API.Listen)
	if err != nil {
		d.addError(r, "api", "api.listen", fmt.Sprintf("invalid listen address %q", d.cfg.API.Listen))
		return
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && !ip.IsLoopback()) {
		d.addWarning(r, "api", "api.listen",
			"operations API listens beyond loopback; run history includes command output")
	}
	if d.cfg.API.Listen == d.cfg.Webhook.Listen {
		d.addError(r, "api", "api.listen", "api.listen must differ from webhook.listen")
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid && len(r.Warnings) > 0 {
		b.WriteString("Configuration valid")
		fmt.Fprintf(&b, " (%d warning(s))\n", len(r.Warnings))
	}

	if !r.Valid {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
