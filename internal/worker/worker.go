package worker

import (
	"context"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/itstheanurag/evalrunner/internal/database"
	"github.com/itstheanurag/evalrunner/internal/executor"
	"github.com/itstheanurag/evalrunner/internal/metrics"
	"github.com/itstheanurag/evalrunner/internal/queue"
	"github.com/itstheanurag/evalrunner/internal/report"
)

// Runner executes one submission. *executor.Executor satisfies it.
type Runner interface {
	Execute(ctx context.Context, req executor.Request) executor.Outcome
}

type Worker struct {
	id       int
	executor Runner
	manager  *queue.Manager
	results  database.Results
	workRoot string
	logger   *zerolog.Logger
}

func NewWorker(id int, exec Runner, manager *queue.Manager, results database.Results, workRoot string, logger *zerolog.Logger) *Worker {
	return &Worker{
		id:       id,
		executor: exec,
		manager:  manager,
		results:  results,
		workRoot: workRoot,
		logger:   logger,
	}
}

func (w *Worker) Start(ctx context.Context) {
	w.logger.Info().Int("worker_id", w.id).Msg("worker started")
	for {
		select {
		case job := <-w.manager.NextJob():
			w.manager.UpdateQueueMetric()
			metrics.ActiveWorkers.Inc()
			w.processJob(ctx, job)
			metrics.ActiveWorkers.Dec()
		case <-ctx.Done():
			w.logger.Info().Int("worker_id", w.id).Msg("worker stopping")
			return
		}
	}
}

func (w *Worker) processJob(ctx context.Context, job *queue.Job) {
	log := w.logger.With().
		Int("worker_id", w.id).
		Str("job_id", job.ID).
		Str("submission_id", job.Request.SubmissionID).
		Logger()
	log.Info().Msg("processing job")

	req := job.Request
	if req.WorkDir == "" {
		req.WorkDir = filepath.Join(w.workRoot, req.SubmissionID)
	}
	// On failure the executor reports an internal error when it cannot
	// create the output directory under WorkDir.
	if err := os.MkdirAll(req.WorkDir, 0o755); err != nil {
		log.Error().Err(err).Str("work_dir", req.WorkDir).Msg("unable to create work dir")
	}

	out := w.executor.Execute(ctx, req)
	rec := report.New(out, req.ParentID)

	// Results must land even when shutdown cancelled the execution.
	saveCtx := context.WithoutCancel(ctx)
	if err := w.results.Save(saveCtx, database.NewResult(job.ID, out, rec)); err != nil {
		log.Error().Err(err).Msg("unable to save result")
		return
	}
	log.Info().Str("submission_status", rec.SubmissionStatus).Msg("job finished")
}
