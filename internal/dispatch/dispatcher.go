package dispatch

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/webhook-runner/internal/events"
	"github.com/mattjoyce/webhook-runner/internal/log"
)

const (
	// maxOutputBytes caps the amount of stdout and stderr captured per run.
	maxOutputBytes = 64 * 1024

	// terminationGracePeriod is the time we wait after SIGTERM before sending SIGKILL.
	terminationGracePeriod = 5 * time.Second

	defaultTimeout = 10 * time.Minute

	truncatedMarker = "\n[output truncated]"
)

// Dispatcher runs command templates for verified events on a bounded pool.
type Dispatcher struct {
	cfg       Config
	pool      *Pool
	recorder  Recorder
	publisher Publisher
	logger    *slog.Logger

	wg sync.WaitGroup
}

// New creates a dispatcher. recorder and publisher may be nil.
func New(cfg Config, recorder Recorder, publisher Publisher) *Dispatcher {
	if cfg.Shell == "" {
		cfg.Shell = "/bin/sh"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Dispatcher{
		cfg:       cfg,
		pool:      NewPool(cfg.Workers),
		recorder:  recorder,
		publisher: publisher,
		logger:    log.WithComponent("dispatch"),
	}
}

// HasCommand reports whether a template is configured for kind.
func (d *Dispatcher) HasCommand(kind Kind) bool {
	return strings.TrimSpace(d.cfg.Commands[kind]) != ""
}

// Pool exposes slot usage for health reporting.
func (d *Dispatcher) Pool() *Pool {
	return d.pool
}

// Submit hands job to a free worker slot and returns without waiting for
// the command. It returns ErrUnavailable immediately when the pool is
// full. A job whose kind has no configured command is accepted as a no-op.
func (d *Dispatcher) Submit(job Job) (Accepted, error) {
	template := strings.TrimSpace(d.cfg.Commands[job.Kind])
	if template == "" {
		d.logger.Info("no command configured, skipping", "kind", job.Kind, "ref", job.Ref, "object_id", job.ObjectID)
		return Accepted{Skipped: true}, nil
	}

	if !d.pool.TryAcquire() {
		d.logger.Warn("worker pool exhausted, rejecting job",
			"kind", job.Kind,
			"object_id", job.ObjectID,
			"capacity", d.pool.Capacity(),
		)
		d.publish(events.JobRejected, map[string]any{
			"kind":        job.Kind,
			"object_id":   job.ObjectID,
			"delivery_id": job.DeliveryID,
			"reason":      "unavailable",
		})
		return Accepted{}, ErrUnavailable
	}

	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.SubmittedAt.IsZero() {
		job.SubmittedAt = time.Now().UTC()
	}
	timeout := d.cfg.Timeout
	if job.Timeout > 0 {
		timeout = job.Timeout
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.pool.Release()
		d.run(job, template, timeout)
	}()

	return Accepted{JobID: job.ID}, nil
}

// Wait blocks until every submitted job has finished or ctx ends.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) run(job Job, template string, timeout time.Duration) {
	jobLogger := log.WithJob(job.ID).With(
		slog.String("component", "dispatch"),
		slog.String("kind", string(job.Kind)),
		slog.String("ref", job.Ref),
		slog.String("object_id", job.ObjectID),
		slog.String("delivery_id", job.DeliveryID),
	)
	jobLogger.Info("job started", "queued_ms", time.Since(job.SubmittedAt).Milliseconds())
	d.publish(events.JobStarted, map[string]any{
		"job_id":    job.ID,
		"kind":      job.Kind,
		"ref":       job.Ref,
		"object_id": job.ObjectID,
	})

	result := d.execute(job, template, timeout, jobLogger)

	logOutput(jobLogger, "stdout", result.Stdout)
	logOutput(jobLogger, "stderr", result.Stderr)

	attrs := []any{
		"status", result.Status,
		"exit_code", result.ExitCode,
		"duration_ms", result.Duration().Milliseconds(),
	}
	if result.Status == StatusSucceeded {
		jobLogger.Info("job completed", attrs...)
	} else {
		jobLogger.Warn("job completed", append(attrs, "error", result.Error)...)
	}

	if d.recorder != nil {
		if err := d.recorder.RecordRun(context.Background(), result); err != nil {
			jobLogger.Error("failed to record run", "error", err)
		}
	}
	d.publish(events.JobCompleted, map[string]any{
		"job_id":      job.ID,
		"status":      result.Status,
		"exit_code":   result.ExitCode,
		"duration_ms": result.Duration().Milliseconds(),
	})
}

// execute spawns the shell, feeds the payload on stdin and enforces the
// timeout with SIGTERM, a grace period, then SIGKILL on the process group.
func (d *Dispatcher) execute(job Job, template string, timeout time.Duration, logger *slog.Logger) Result {
	result := Result{
		JobID:      job.ID,
		DeliveryID: job.DeliveryID,
		Kind:       job.Kind,
		Ref:        job.Ref,
		ObjectID:   job.ObjectID,
		ExitCode:   -1,
		StartedAt:  time.Now().UTC(),
	}
	finish := func(status Status, err error, stdout, stderr *cappedBuffer) Result {
		result.Status = status
		result.FinishedAt = time.Now().UTC()
		if err != nil {
			result.Error = err.Error()
		}
		if stdout != nil {
			result.Stdout = stdout.String()
			if stdout.Truncated() {
				result.Stdout += truncatedMarker
			}
		}
		if stderr != nil {
			result.Stderr = stderr.String()
			if stderr.Truncated() {
				result.Stderr += truncatedMarker
			}
		}
		return result
	}

	timeoutTimer := time.NewTimer(timeout)
	defer timeoutTimer.Stop()

	// Not CommandContext: termination is managed below.
	cmd := exec.Command(d.cfg.Shell, "-c", template)
	cmd.Dir = d.cfg.Workdir
	cmd.Env = append(os.Environ(), Environment(job)...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	// Bounds Wait when a background grandchild keeps the output pipes open.
	cmd.WaitDelay = terminationGracePeriod

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return finish(StatusSpawnFailed, fmt.Errorf("create stdin pipe: %w", err), nil, nil)
	}

	stdout := &cappedBuffer{limit: maxOutputBytes}
	stderr := &cappedBuffer{limit: maxOutputBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	logger.Debug("spawning command", "shell", d.cfg.Shell, "timeout", timeout)

	if err := cmd.Start(); err != nil {
		return finish(StatusSpawnFailed, fmt.Errorf("start process: %w", err), stdout, stderr)
	}

	// Commands are free to ignore stdin, so a broken pipe is not an error.
	go func() {
		defer stdin.Close()
		if _, err := io.Copy(stdin, bytes.NewReader(job.Payload)); err != nil && !errors.Is(err, syscall.EPIPE) && !errors.Is(err, os.ErrClosed) {
			logger.Debug("payload not fully written to stdin", "error", err)
		}
	}()

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	select {
	case <-timeoutTimer.C:
		logger.Warn("command timed out, sending SIGTERM", "timeout", timeout)
		signalGroup(cmd, syscall.SIGTERM, logger)

		grace := time.NewTimer(terminationGracePeriod)
		defer grace.Stop()

		select {
		case <-waitErr:
			logger.Info("command exited after SIGTERM")
		case <-grace.C:
			logger.Warn("command did not exit after SIGTERM, sending SIGKILL")
			signalGroup(cmd, syscall.SIGKILL, logger)
			<-waitErr
		}
		return finish(StatusTimedOut, fmt.Errorf("command exceeded timeout of %s", timeout), stdout, stderr)

	case err := <-waitErr:
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				result.ExitCode = exitErr.ExitCode()
				return finish(StatusFailed, fmt.Errorf("exit status %d", result.ExitCode), stdout, stderr)
			}
			return finish(StatusFailed, fmt.Errorf("wait for process: %w", err), stdout, stderr)
		}
		result.ExitCode = 0
		return finish(StatusSucceeded, nil, stdout, stderr)
	}
}

// signalGroup signals the whole process group so children of the shell
// are terminated too.
func signalGroup(cmd *exec.Cmd, sig syscall.Signal, logger *slog.Logger) {
	if cmd.Process == nil {
		return
	}
	if err := syscall.Kill(-cmd.Process.Pid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		logger.Error("failed to signal process group", "signal", sig.String(), "error", err)
		_ = cmd.Process.Signal(sig)
	}
}

// Environment returns the WEBHOOK_* variables describing job.
func Environment(job Job) []string {
	event := job.Event
	if event == "" {
		event = string(job.Kind)
	}
	return []string{
		"WEBHOOK_EVENT=" + event,
		"WEBHOOK_REF=" + job.Ref,
		"WEBHOOK_REF_NAME=" + job.RefName(),
		"WEBHOOK_OBJECT_ID=" + job.ObjectID,
		"WEBHOOK_OBJECT_TYPE=" + job.ObjectType,
		"WEBHOOK_DELIVERY_ID=" + job.DeliveryID,
		"WEBHOOK_JOB_ID=" + job.ID,
		"WEBHOOK_GIT_DIR=" + job.GitDir,
		"WEBHOOK_REMOTE=" + job.Remote,
		"WEBHOOK_SIGNER=" + job.Signer,
		"WEBHOOK_VERIFIED=" + strconv.FormatBool(job.Verified),
	}
}

func (d *Dispatcher) publish(eventType string, data any) {
	if d.publisher != nil {
		d.publisher.Publish(eventType, data)
	}
}

// logOutput emits captured output line by line at debug level.
func logOutput(logger *slog.Logger, stream, output string) {
	if output == "" {
		return
	}
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		logger.Debug("command output", "stream", stream, "line", scanner.Text())
	}
}

// cappedBuffer keeps the first limit bytes written and discards the rest
// while still reporting full writes, so the child never blocks on us.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	room := c.limit - c.buf.Len()
	if room <= 0 {
		c.truncated = true
		return len(p), nil
	}
	if len(p) > room {
		c.buf.Write(p[:room])
		c.truncated = true
		return len(p), nil
	}
	c.buf.Write(p)
	return len(p), nil
}

func (c *cappedBuffer) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

func (c *cappedBuffer) Truncated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.truncated
}
