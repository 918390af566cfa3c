// Package inspect renders a recorded run and the delivery that started it.
package inspect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattjoyce/webhook-runner/internal/dispatch"
	"github.com/mattjoyce/webhook-runner/internal/history"
)

// Source is the part of the history store a report needs.
type Source interface {
	GetRun(ctx context.Context, jobID string) (*dispatch.Result, error)
	DeliveryForJob(ctx context.Context, jobID string) (*history.Delivery, error)
}

// Report is the structured JSON representation of a run report.
type Report struct {
	JobID      string            `json:"job_id"`
	Kind       dispatch.Kind     `json:"kind"`
	Ref        string            `json:"ref"`
	ObjectID   string            `json:"object_id"`
	Status     dispatch.Status   `json:"status"`
	ExitCode   int               `json:"exit_code"`
	Error      string            `json:"error,omitempty"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
	DurationMS int64             `json:"duration_ms"`
	Stdout     string            `json:"stdout,omitempty"`
	Stderr     string            `json:"stderr,omitempty"`
	Delivery   *history.Delivery `json:"delivery,omitempty"`
}

// BuildReport renders a terminal-friendly report for a job.
func BuildReport(ctx context.Context, src Source, jobID string) (string, error) {
	report, err := gatherReportData(ctx, src, jobID)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	fmt.Fprintf(&out, "Run Report\n")
	fmt.Fprintf(&out, "Job ID      : %s\n", report.JobID)
	fmt.Fprintf(&out, "Kind        : %s\n", report.Kind)
	fmt.Fprintf(&out, "Ref         : %s\n", report.Ref)
	fmt.Fprintf(&out, "Object      : %s\n", report.ObjectID)
	fmt.Fprintf(&out, "Status      : %s (exit %d)\n", report.Status, report.ExitCode)
	if report.Error != "" {
		fmt.Fprintf(&out, "Error       : %s\n", report.Error)
	}
	fmt.Fprintf(&out, "Started     : %s\n", report.StartedAt.Format(time.RFC3339))
	fmt.Fprintf(&out, "Duration    : %s\n", time.Duration(report.DurationMS)*time.Millisecond)
	fmt.Fprintf(&out, "\n")

	if d := report.Delivery; d != nil {
		fmt.Fprintf(&out, "Delivery\n")
		fmt.Fprintf(&out, "    id       : %s\n", d.DeliveryID)
		fmt.Fprintf(&out, "    event    : %s\n", d.Event)
		fmt.Fprintf(&out, "    received : %s\n", d.ReceivedAt.Format(time.RFC3339))
		fmt.Fprintf(&out, "    signer   : %s\n", renderUnset(d.Signer, "<unverified>"))
		fmt.Fprintf(&out, "\n")
	} else {
		fmt.Fprintf(&out, "Delivery    : <not recorded>\n\n")
	}

	writeStream(&out, "stdout", report.Stdout)
	writeStream(&out, "stderr", report.Stderr)

	return strings.TrimRight(out.String(), "\n") + "\n", nil
}

// BuildJSONReport returns the machine-readable JSON report.
func BuildJSONReport(ctx context.Context, src Source, jobID string) (string, error) {
	report, err := gatherReportData(ctx, src, jobID)
	if err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

func gatherReportData(ctx context.Context, src Source, jobID string) (*Report, error) {
	if strings.TrimSpace(jobID) == "" {
		return nil, fmt.Errorf("job_id is required")
	}

	run, err := src.GetRun(ctx, jobID)
	if errors.Is(err, history.ErrRunNotFound) {
		return nil, fmt.Errorf("job %q not found (it may still be running)", jobID)
	}
	if err != nil {
		return nil, err
	}

	report := &Report{
		JobID:      run.JobID,
		Kind:       run.Kind,
		Ref:        run.Ref,
		ObjectID:   run.ObjectID,
		Status:     run.Status,
		ExitCode:   run.ExitCode,
		Error:      run.Error,
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
		DurationMS: run.Duration().Milliseconds(),
		Stdout:     run.Stdout,
		Stderr:     run.Stderr,
	}

	delivery, err := src.DeliveryForJob(ctx, jobID)
	switch {
	case err == nil:
		report.Delivery = delivery
	case !errors.Is(err, history.ErrDeliveryNotFound):
		return nil, fmt.Errorf("load delivery: %w", err)
	}
	return report, nil
}

func writeStream(out *strings.Builder, name, text string) {
	if strings.TrimSpace(text) == "" {
		fmt.Fprintf(out, "%s : <empty>\n", name)
		return
	}
	fmt.Fprintf(out, "%s :\n", name)
	for _, line := range strings.Split(strings.TrimRight(text, "\n"), "\n") {
		fmt.Fprintf(out, "    %s\n", line)
	}
}

func renderUnset(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
