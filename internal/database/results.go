package database

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/itstheanurag/evalrunner/internal/executor"
	"github.com/itstheanurag/evalrunner/internal/report"
)

var ErrNotFound = errors.New("submission result not found")

// Result is the persisted outcome of one queued submission.
type Result struct {
	report.Record
	SubmissionID string    `json:"submission_id"`
	JobID        string    `json:"job_id"`
	RunID        string    `json:"run_id"`
	Status       string    `json:"status"`
	Kind         string    `json:"kind,omitempty"`
	ExitCode     int64     `json:"exit_code"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
}

// NewResult flattens an outcome and its record for storage.
func NewResult(jobID string, out executor.Outcome, rec report.Record) Result {
	return Result{
		Record:       rec,
		SubmissionID: out.SubmissionID,
		JobID:        jobID,
		RunID:        out.RunID,
		Status:       out.Status.String(),
		Kind:         string(out.Kind),
		ExitCode:     out.ExitCode,
		StartedAt:    out.StartedAt,
		FinishedAt:   out.FinishedAt,
	}
}

// Results stores one result per submission; a later save replaces it.
type Results interface {
	Save(ctx context.Context, r Result) error
	Get(ctx context.Context, submissionID string) (Result, error)
}

func Migrate(ctx context.Context, db *Database) error {
	_, err := db.Pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS submission_results (
			submission_id     TEXT PRIMARY KEY,
			job_id            TEXT NOT NULL,
			run_id            TEXT NOT NULL,
			status            TEXT NOT NULL,
			kind              TEXT NOT NULL DEFAULT '',
			submission_status TEXT NOT NULL,
			submission_errors TEXT NOT NULL DEFAULT '',
			admin_folder      TEXT NOT NULL DEFAULT '',
			exit_code         BIGINT NOT NULL DEFAULT -1,
			started_at        TIMESTAMPTZ NOT NULL,
			finished_at       TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_submission_results_finished
			ON submission_results(finished_at DESC);
	`)
	if err != nil {
		return fmt.Errorf("migrate submission_results: %w", err)
	}
	return nil
}

func (db *Database) Save(ctx context.Context, r Result) error {
	_, err := db.Pool.Exec(ctx,
		`INSERT INTO submission_results (submission_id, job_id, run_id, status, kind, submission_status, submission_errors, admin_folder, exit_code, started_at, finished_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (submission_id) DO UPDATE SET
			job_id = EXCLUDED.job_id, run_id = EXCLUDED.run_id, status = EXCLUDED.status, kind = EXCLUDED.kind,
			submission_status = EXCLUDED.submission_status, submission_errors = EXCLUDED.submission_errors,
			admin_folder = EXCLUDED.admin_folder, exit_code = EXCLUDED.exit_code,
			started_at = EXCLUDED.started_at, finished_at = EXCLUDED.finished_at`,
		r.SubmissionID, r.JobID, r.RunID, r.Status, r.Kind, r.SubmissionStatus, r.SubmissionErrors, r.AdminFolder, r.ExitCode, r.StartedAt, r.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("save result %s: %w", r.SubmissionID, err)
	}
	return nil
}

func (db *Database) Get(ctx context.Context, submissionID string) (Result, error) {
	var r Result
	err := db.Pool.QueryRow(ctx,
		`SELECT submission_id, job_id, run_id, status, kind, submission_status, submission_errors, admin_folder, exit_code, started_at, finished_at
		 FROM submission_results WHERE submission_id = $1`, submissionID,
	).Scan(&r.SubmissionID, &r.JobID, &r.RunID, &r.Status, &r.Kind, &r.SubmissionStatus, &r.SubmissionErrors, &r.AdminFolder, &r.ExitCode, &r.StartedAt, &r.FinishedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Result{}, ErrNotFound
		}
		return Result{}, fmt.Errorf("get result %s: %w", submissionID, err)
	}
	return r, nil
}

// MemoryResults keeps results in process memory, for service mode without a
// database.
type MemoryResults struct {
	mu      sync.RWMutex
	results map[string]Result
}

func NewMemoryResults() *MemoryResults {
	return &MemoryResults{results: map[string]Result{}}
}

func (m *MemoryResults) Save(ctx context.Context, r Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[r.SubmissionID] = r
	return nil
}

func (m *MemoryResults) Get(ctx context.Context, submissionID string) (Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.results[submissionID]
	if !ok {
		return Result{}, ErrNotFound
	}
	return r, nil
}
