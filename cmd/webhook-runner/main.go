package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattjoyce/webhook-runner/internal/api"
	"github.com/mattjoyce/webhook-runner/internal/config"
	"github.com/mattjoyce/webhook-runner/internal/dispatch"
	"github.com/mattjoyce/webhook-runner/internal/doctor"
	"github.com/mattjoyce/webhook-runner/internal/events"
	"github.com/mattjoyce/webhook-runner/internal/history"
	"github.com/mattjoyce/webhook-runner/internal/inspect"
	"github.com/mattjoyce/webhook-runner/internal/lock"
	"github.com/mattjoyce/webhook-runner/internal/log"
	"github.com/mattjoyce/webhook-runner/internal/repository"
	"github.com/mattjoyce/webhook-runner/internal/signature"
	"github.com/mattjoyce/webhook-runner/internal/storage"
	"github.com/mattjoyce/webhook-runner/internal/webhook"
)

const version = "0.3.0"

// configEnvVar names a config file when --config is not given.
const configEnvVar = "WEBHOOK_RUNNER_CONFIG"

// responseMargin is added to the clone timeout to bound a webhook response.
const responseMargin = 30 * time.Second

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stderr)
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "system":
		os.Exit(runSystemNoun(args))
	case "config":
		os.Exit(runConfigNoun(args))
	case "keyring":
		os.Exit(runKeyringNoun(args))
	case "job":
		os.Exit(runJobNoun(args))

	case "start":
		os.Exit(runStart(args))
	case "version":
		fmt.Printf("webhook-runner version %s\n", version)
		os.Exit(0)
	case "help", "--help", "-h":
		printUsage(os.Stdout)
		os.Exit(0)

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage(os.Stderr)
		os.Exit(1)
	}
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `webhook-runner - run commands for signed Git pushes

Usage:
  webhook-runner <noun> <action> [flags]

Resources:
  system    Service lifecycle
  config    Configuration validation
  keyring   Trusted key inspection
  job       Recorded command runs

Commands:
  system start [--config PATH]            Start the webhook listener in the foreground
  config check [--config PATH] [--json]   Validate configuration and report reduced-security modes
  keyring show <path> [--json]            List keys and the pinning hash of a keyring file
  job inspect <id> [--config PATH] [--json]
                                          Show a recorded run and its delivery

General:
  version           Show version information
  help              Show this help message

Without --config, the file named by $WEBHOOK_RUNNER_CONFIG is used. With
neither, configuration comes from environment variables alone.
`)
}

// --- NOUN DISPATCHERS ---

func runSystemNoun(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: webhook-runner system start [--config PATH]")
		return 1
	}
	switch args[0] {
	case "start":
		if hasHelpFlag(args[1:]) {
			fmt.Println("Usage: webhook-runner system start [--config PATH]")
			fmt.Println("Start the webhook listener in the foreground.")
			return 0
		}
		return runStart(args[1:])
	case "help", "--help", "-h":
		fmt.Println("Usage: webhook-runner system <action>")
		fmt.Println("Actions: start")
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown system action: %s\n", args[0])
		return 1
	}
}

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: webhook-runner config check [--config PATH] [--json]")
		return 1
	}
	switch args[0] {
	case "check":
		if hasHelpFlag(args[1:]) {
			fmt.Println("Usage: webhook-runner config check [--config PATH] [--json] [--strict]")
			fmt.Println("Validate configuration, keyrings and the command environment.")
			return 0
		}
		return runConfigCheck(args[1:])
	case "help", "--help", "-h":
		fmt.Println("Usage: webhook-runner config <action>")
		fmt.Println("Actions: check")
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", args[0])
		return 1
	}
}

func runKeyringNoun(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: webhook-runner keyring show <path> [--json]")
		return 1
	}
	switch args[0] {
	case "show":
		if hasHelpFlag(args[1:]) {
			fmt.Println("Usage: webhook-runner keyring show <path> [--json]")
			fmt.Println("List the keys in a keyring file and print its pinning hash.")
			return 0
		}
		return runKeyringShow(args[1:])
	case "help", "--help", "-h":
		fmt.Println("Usage: webhook-runner keyring <action>")
		fmt.Println("Actions: show")
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown keyring action: %s\n", args[0])
		return 1
	}
}

func runJobNoun(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: webhook-runner job inspect <job_id> [--config PATH] [--json]")
		return 1
	}
	switch args[0] {
	case "inspect":
		if hasHelpFlag(args[1:]) {
			fmt.Println("Usage: webhook-runner job inspect <job_id> [--config PATH] [--json]")
			fmt.Println("Show a recorded command run and the delivery that started it.")
			return 0
		}
		return runInspect(args[1:])
	case "help", "--help", "-h":
		fmt.Println("Usage: webhook-runner job <action>")
		fmt.Println("Actions: inspect")
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown job action: %s\n", args[0])
		return 1
	}
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

// splitPositional separates the first non-flag argument so flags may
// follow it, as in 'job inspect <id> --json'.
func splitPositional(args []string) (string, []string) {
	var positional string
	var rest []string
	for _, arg := range args {
		if !strings.HasPrefix(arg, "-") && positional == "" {
			positional = arg
		} else {
			rest = append(rest, arg)
		}
	}
	return positional, rest
}

// --- ACTION IMPLEMENTATIONS ---

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", os.Getenv(configEnvVar), "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.SetupWithFormat(cfg.Service.LogLevel, cfg.Service.LogFormat, os.Stdout)
	logger := log.WithComponent("main")
	logger.Info("webhook-runner starting", "version", version, "config", cfg.SourceFile)

	for _, w := range doctor.New(cfg).SecurityWarnings() {
		logger.Warn("reduced security: "+w.Message, "setting", w.Field)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sigLogger := log.WithComponent("signature")
	commitKeyring, err := loadKeyring(cfg.Keyrings.Commit, sigLogger)
	if err != nil {
		logger.Error("failed to load commit keyring", "path", cfg.Keyrings.Commit, "error", err)
		return 1
	}
	tagKeyring, err := loadKeyring(cfg.Keyrings.Tag, sigLogger)
	if err != nil {
		logger.Error("failed to load tag keyring", "path", cfg.Keyrings.Tag, "error", err)
		return 1
	}
	verifier, err := signature.NewVerifier(signature.DefaultCacheSize, sigLogger)
	if err != nil {
		logger.Error("failed to create verifier", "error", err)
		return 1
	}

	syncer, err := repository.New(repository.Options{
		URL:          cfg.Repository.URL,
		Path:         cfg.Repository.Path,
		SSHKey:       cfg.Repository.SSHKey,
		KnownHosts:   cfg.Repository.KnownHosts,
		CloneTimeout: cfg.Repository.CloneTimeout,
		Logger:       log.WithComponent("repository"),
	})
	if err != nil {
		if errors.Is(err, lock.ErrLocked) {
			logger.Error("another instance is using the working copy", "path", cfg.Repository.Path, "error", err)
		} else {
			logger.Error("failed to prepare working copy", "path", cfg.Repository.Path, "error", err)
		}
		return 1
	}
	defer syncer.Close()

	hub := events.NewHub(0)

	var (
		runRecorder      dispatch.Recorder
		deliveryRecorder webhook.DeliveryRecorder
		historyReader    api.HistoryReader
	)
	if !cfg.History.Disabled {
		db, err := storage.OpenSQLite(ctx, cfg.History.Path)
		if err != nil {
			logger.Error("failed to open history database", "path", cfg.History.Path, "error", err)
			return 1
		}
		defer db.Close()
		store := history.NewStore(db)
		runRecorder, deliveryRecorder, historyReader = store, store, store
		logger.Info("history database opened", "path", cfg.History.Path)
	} else {
		logger.Info("run history disabled")
	}

	disp := dispatch.New(dispatch.Config{
		Commands: map[dispatch.Kind]string{
			dispatch.KindCommit: cfg.Commands.Commit,
			dispatch.KindTag:    cfg.Commands.Tag,
		},
		Shell:   cfg.Commands.Shell,
		Workdir: cfg.Commands.Workdir,
		Timeout: cfg.Commands.Timeout,
		Workers: cfg.Commands.Workers,
	}, runRecorder, hub)

	maxBody, err := cfg.Webhook.MaxBodyBytes()
	if err != nil {
		logger.Error("invalid webhook.max_body_size", "error", err)
		return 1
	}
	webhookServer := webhook.New(webhook.Config{
		Listen:          cfg.Webhook.Listen,
		Path:            cfg.Webhook.Path,
		SignatureHeader: cfg.Webhook.SignatureHeader,
		Secret:          cfg.Webhook.Secret,
		MaxBodySize:     maxBody,
		RateLimit:       cfg.Webhook.RateLimit,
		Burst:           cfg.Webhook.Burst,
		CommitKeyring:   commitKeyring,
		TagKeyring:      tagKeyring,
	}, webhook.Deps{
		Synchronizer: syncer,
		Verifier:     verifier,
		Dispatcher:   disp,
		Recorder:     deliveryRecorder,
		Publisher:    hub,
	}, log.WithComponent("webhook"))

	errCh := make(chan error, 2)
	running := 1

	go func() {
		err := webhookServer.Start(ctx, cfg.Repository.CloneTimeout+responseMargin)
		errCh <- wrapServerErr("webhook", err)
	}()

	if cfg.API.Enabled {
		apiServer := api.New(api.Config{
			Listen:             cfg.API.Listen,
			APIKey:             cfg.API.APIKey,
			CommitVerification: describeVerification(commitKeyring),
			TagVerification:    describeVerification(tagKeyring),
		}, api.Deps{
			History:    historyReader,
			Pool:       disp.Pool(),
			Repository: syncer,
			Events:     hub,
		}, log.WithComponent("api"))
		running++
		go func() {
			errCh <- wrapServerErr("api", apiServer.Start(ctx))
		}()
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	logger.Info("webhook-runner running (press Ctrl+C to stop)",
		"listen", cfg.Webhook.Listen,
		"workers", cfg.Commands.Workers,
	)

	exitCode := 0
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		running--
		if err != nil {
			logger.Error("component failed", "error", err)
			exitCode = 1
		}
	}
	cancel()

	for ; running > 0; running-- {
		if err := <-errCh; err != nil {
			logger.Warn("component stopped with error", "error", err)
		}
	}

	// Running commands keep their own timeout; allow for the kill grace too.
	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.Commands.Timeout+10*time.Second)
	defer waitCancel()
	logger.Info("waiting for running commands", "in_use", disp.Pool().InUse())
	if err := disp.Wait(waitCtx); err != nil {
		logger.Error("commands still running at exit", "error", err)
		exitCode = 1
	}

	logger.Info("webhook-runner stopped")
	return exitCode
}

// wrapServerErr drops the cancellation a server returns on clean shutdown.
func wrapServerErr(name string, err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

// loadKeyring returns nil for an unset path, which disables the domain.
func loadKeyring(path string, logger *slog.Logger) (*signature.Keyring, error) {
	if path == "" {
		return nil, nil
	}
	return signature.LoadKeyring(path, logger)
}

func describeVerification(kr *signature.Keyring) string {
	if kr == nil {
		return "disabled"
	}
	return fmt.Sprintf("enforced (%d keys)", kr.Len())
}

func runConfigCheck(args []string) int {
	var configPath string
	var strict, jsonOut bool

	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", os.Getenv(configEnvVar), "Path to configuration file")
	fs.BoolVar(&strict, "strict", false, "Treat warnings as errors")
	fs.BoolVar(&jsonOut, "json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config load error: %v\n", err)
		return 1
	}

	// Keyring parse diagnostics go to stderr, not into the report.
	log.SetupWithFormat("error", "text", os.Stderr)

	result := doctor.New(cfg).Validate()
	if jsonOut {
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
			return 1
		}
		fmt.Println(out)
	} else {
		fmt.Print(doctor.FormatHuman(result))
	}

	if !result.Valid {
		return 1
	}
	if strict && len(result.Warnings) > 0 {
		return 2
	}
	return 0
}

type keyringReport struct {
	Path string              `json:"path"`
	Hash string              `json:"hash"`
	Keys []signature.KeyInfo `json:"keys"`
}

func runKeyringShow(args []string) int {
	var jsonOut bool
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	fs.BoolVar(&jsonOut, "json", false, "Output in JSON")

	path, rest := splitPositional(args)
	if err := fs.Parse(rest); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if path == "" {
		fmt.Fprintln(os.Stderr, "Usage: webhook-runner keyring show <path> [--json]")
		return 1
	}

	log.SetupWithFormat("warn", "text", os.Stderr)
	kr, err := signature.LoadKeyring(path, log.WithComponent("signature"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Keyring error: %v\n", err)
		return 1
	}

	report := keyringReport{
		Path: path,
		Hash: config.HashPrefix + kr.Fingerprint,
		Keys: kr.Keys(),
	}

	if jsonOut {
		data, _ := json.MarshalIndent(report, "", "  ")
		fmt.Println(string(data))
	} else {
		fmt.Printf("Keyring : %s\n", report.Path)
		fmt.Printf("Hash    : %s\n", report.Hash)
		fmt.Printf("Keys    : %d\n", len(report.Keys))
		for _, k := range report.Keys {
			fmt.Printf("\n  %s\n", k.Fingerprint)
			fmt.Printf("    key id  : %s\n", k.KeyID)
			fmt.Printf("    created : %s\n", k.Created.UTC().Format(time.RFC3339))
			for _, uid := range k.UserIDs {
				fmt.Printf("    uid     : %s\n", uid)
			}
		}
	}

	if kr.Len() == 0 {
		fmt.Fprintln(os.Stderr, "Keyring contains no usable keys.")
		return 1
	}
	return 0
}

func runInspect(args []string) int {
	var configPath string
	var jsonOut bool

	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", os.Getenv(configEnvVar), "Path to configuration file")
	fs.BoolVar(&jsonOut, "json", false, "Output report in JSON")

	jobID, rest := splitPositional(args)
	if err := fs.Parse(rest); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if jobID == "" {
		fmt.Fprintln(os.Stderr, "Usage: webhook-runner job inspect <job_id> [--config PATH] [--json]")
		return 1
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if cfg.History.Disabled {
		fmt.Fprintln(os.Stderr, "Run history is disabled (history.disabled: true).")
		return 1
	}
	log.SetupWithFormat("warn", "text", os.Stderr)

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, cfg.History.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		return 1
	}
	defer db.Close()
	store := history.NewStore(db)

	var report string
	if jsonOut {
		report, err = inspect.BuildJSONReport(ctx, store, jobID)
	} else {
		report, err = inspect.BuildReport(ctx, store, jobID)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Inspect failed: %v\n", err)
		return 1
	}

	fmt.Print(report)
	if jsonOut {
		fmt.Println()
	}
	return 0
}
