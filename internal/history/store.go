package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattjoyce/webhook-runner/internal/dispatch"
	"github.com/mattjoyce/webhook-runner/internal/log"
)

// Store reads and writes the deliveries and runs tables created by
// storage.BootstrapSQLite.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db, logger: log.WithComponent("history")}
}

// RecordDelivery appends a delivery outcome.
func (s *Store) RecordDelivery(ctx context.Context, d Delivery) error {
	if d.ReceivedAt.IsZero() {
		d.ReceivedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO deliveries(delivery_id, event, ref, object_id, object_type, outcome, status_code, reason, signer, job_id, received_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`,
		d.DeliveryID, d.Event, d.Ref, d.ObjectID, d.ObjectType,
		string(d.Outcome), d.StatusCode, d.Reason, d.Signer, d.JobID,
		d.ReceivedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert delivery: %w", err)
	}
	return nil
}

// RecordRun stores the result of a finished command. It satisfies
// dispatch.Recorder.
func (s *Store) RecordRun(ctx context.Context, r dispatch.Result) error {
	if r.JobID == "" {
		return fmt.Errorf("run has no job id")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO runs(job_id, delivery_id, kind, ref, object_id, status, exit_code, stdout, stderr, error, started_at, finished_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`,
		r.JobID, r.DeliveryID, string(r.Kind), r.Ref, r.ObjectID,
		string(r.Status), r.ExitCode, r.Stdout, r.Stderr, r.Error,
		r.StartedAt.UTC().Format(time.RFC3339Nano),
		r.FinishedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	s.logger.Debug("run recorded", "job_id", r.JobID, "status", r.Status)
	return nil
}

// GetRun returns the recorded run for jobID, or ErrRunNotFound.
func (s *Store) GetRun(ctx context.Context, jobID string) (*dispatch.Result, error) {
	var (
		r                     dispatch.Result
		kind, status          string
		startedAt, finishedAt string
	)
	err := s.db.QueryRowContext(ctx, `
SELECT job_id, delivery_id, kind, ref, object_id, status, exit_code, stdout, stderr, error, started_at, finished_at
FROM runs WHERE job_id = ?;
`, jobID).Scan(
		&r.JobID, &r.DeliveryID, &kind, &r.Ref, &r.ObjectID,
		&status, &r.ExitCode, &r.Stdout, &r.Stderr, &r.Error,
		&startedAt, &finishedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read run: %w", err)
	}
	r.Kind = dispatch.Kind(kind)
	r.Status = dispatch.Status(status)
	if t, err := time.Parse(time.RFC3339Nano, startedAt); err == nil {
		r.StartedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, finishedAt); err == nil {
		r.FinishedAt = t
	}
	return &r, nil
}

// ListDeliveries returns up to limit deliveries, newest first. A
// non-positive limit selects DefaultListLimit.
func (s *Store) ListDeliveries(ctx context.Context, limit int) ([]Delivery, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT id, delivery_id, event, ref, object_id, object_type, outcome, status_code, reason, signer, job_id, received_at
FROM deliveries ORDER BY id DESC LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	defer rows.Close()

	out := make([]Delivery, 0, limit)
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deliveries: %w", err)
	}
	return out, nil
}

// DeliveryForJob returns the delivery that started jobID, or
// ErrDeliveryNotFound.
func (s *Store) DeliveryForJob(ctx context.Context, jobID string) (*Delivery, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, delivery_id, event, ref, object_id, object_type, outcome, status_code, reason, signer, job_id, received_at
FROM deliveries WHERE job_id = ? ORDER BY id DESC LIMIT 1;
`, jobID)
	d, err := scanDelivery(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDeliveryNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDelivery(row rowScanner) (Delivery, error) {
	var (
		d          Delivery
		outcome    string
		receivedAt string
	)
	if err := row.Scan(
		&d.ID, &d.DeliveryID, &d.Event, &d.Ref, &d.ObjectID, &d.ObjectType,
		&outcome, &d.StatusCode, &d.Reason, &d.Signer, &d.JobID, &receivedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Delivery{}, err
		}
		return Delivery{}, fmt.Errorf("scan delivery: %w", err)
	}
	d.Outcome = Outcome(outcome)
	if t, err := time.Parse(time.RFC3339Nano, receivedAt); err == nil {
		d.ReceivedAt = t
	}
	return d, nil
}
