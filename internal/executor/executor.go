package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/itstheanurag/evalrunner/internal/cleanup"
	"github.com/itstheanurag/evalrunner/internal/credentials"
	"github.com/itstheanurag/evalrunner/internal/logcapture"
	"github.com/itstheanurag/evalrunner/internal/metrics"
	"github.com/itstheanurag/evalrunner/internal/sandbox"
	"github.com/itstheanurag/evalrunner/internal/storage"
)

type Options struct {
	InputMount     string
	OutputMount    string
	ExpectedOutput string
	ShmSize        string
	PullTimeout    time.Duration
	CleanupTimeout time.Duration
	Log            logcapture.Options

	// Credentials and Store are optional.
	Credentials credentials.Provider
	Store       storage.ArtifactStore
}

type Executor struct {
	runtime sandbox.Runtime
	cleaner *cleanup.Manager
	logger  *zerolog.Logger
	opts    Options
	images  imageRefs
}

// imageRefs counts the executions using each image so that one finishing
// does not remove an image another is still pulling or running.
type imageRefs struct {
	mu sync.Mutex
	n  map[string]int
}

func (r *imageRefs) acquire(image string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.n == nil {
		r.n = map[string]int{}
	}
	r.n[image]++
}

// release drops one reference and calls remove once the last is gone. The
// lock is held across remove so a concurrent acquire waits for it.
func (r *imageRefs) release(image string, remove func()) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.n[image]--
	if r.n[image] > 0 {
		return false
	}
	delete(r.n, image)
	remove()
	return true
}

func NewExecutor(rt sandbox.Runtime, logger *zerolog.Logger, opts Options) *Executor {
	if opts.InputMount == "" {
		opts.InputMount = "/input"
	}
	if opts.OutputMount == "" {
		opts.OutputMount = "/output"
	}
	if opts.ExpectedOutput == "" {
		opts.ExpectedOutput = "predictions.csv"
	}
	if opts.PullTimeout <= 0 {
		opts.PullTimeout = 30 * time.Minute
	}
	return &Executor{
		runtime: rt,
		cleaner: cleanup.NewManager(rt, logger, opts.CleanupTimeout),
		logger:  logger,
		opts:    opts,
	}
}

// execution carries the mutable bookkeeping of one Execute call.
type execution struct {
	req          Request
	runID        string
	state        State
	branch       State
	started      time.Time
	exitCode     int64
	logPath      string
	artifactPath string
	log          zerolog.Logger
}

func (x *execution) enter(s State) {
	x.state = s
	x.log.Debug().Stringer("state", s).Msg("state transition")
}

// resolve records the branch the execution ended in.
func (x *execution) resolve(s State) {
	x.branch = s
	x.enter(s)
}

// Execute runs the submission image once and always returns an outcome.
// Containers, the temporary output directory and the pulled image are gone
// by the time it returns.
func (e *Executor) Execute(ctx context.Context, req Request) Outcome {
	x := &execution{
		req:      req,
		runID:    uuid.NewString(),
		started:  time.Now(),
		exitCode: -1,
	}
	x.log = e.logger.With().
		Str("submission_id", req.SubmissionID).
		Str("run_id", x.runID).
		Logger()

	if err := req.validate(); err != nil {
		x.resolve(StateRejected)
		return e.finish(x, err)
	}

	image := req.Image()
	e.images.acquire(image)

	e.authenticate(ctx, x)
	x.enter(StateAuthChecked)

	err := e.executeImage(ctx, x)

	removed := e.images.release(image, func() { e.cleaner.RemoveImage(ctx, image) })
	if !removed {
		x.log.Debug().Str("image", image).Msg("image still in use; left in place")
	}
	x.enter(StateCleanedUp)

	return e.finish(x, err)
}

func (e *Executor) authenticate(ctx context.Context, x *execution) {
	if e.opts.Credentials == nil {
		return
	}
	creds, err := e.opts.Credentials.Credentials(ctx)
	if err != nil {
		if errors.Is(err, credentials.ErrMissing) {
			x.log.Info().Msg("no registry credentials; pulling unauthenticated")
		} else {
			x.log.Warn().Err(err).Msg("unable to read registry credentials; pulling unauthenticated")
		}
		return
	}
	if err := e.runtime.Login(ctx, creds); err != nil {
		x.log.Warn().Err(err).Msg("registry login failed; pulling unauthenticated")
	}
}

// executeImage owns the temporary output directory. A panic inside it is
// turned into a runtime failure so cleanup still happens.
func (e *Executor) executeImage(ctx context.Context, x *execution) (err error) {
	defer func() {
		if r := recover(); r != nil {
			x.log.Error().Interface("panic", r).Msg("execution panicked")
			cause := fmt.Errorf("%v", r)
			e.cleaner.RemoveContainer(ctx, x.req.ContainerName())
			x.resolve(StateRuntimeFailed)
			err = fail(KindRuntime, runtimeReason(cause), cause)
		}
	}()

	outDir, err := os.MkdirTemp(x.req.WorkDir, "output-")
	if err != nil {
		return fail(KindInternal, "Unable to create output directory: "+err.Error(), err)
	}
	defer os.RemoveAll(outDir)

	// Containers often run as a non-root user.
	if err := os.Chmod(outDir, 0o777); err != nil {
		return fail(KindInternal, "Unable to prepare output directory: "+err.Error(), err)
	}

	if err := e.runContainer(ctx, x, outDir); err != nil {
		return err
	}
	return e.extractArtifact(x, outDir)
}

func (e *Executor) runContainer(ctx context.Context, x *execution, outDir string) error {
	req := x.req
	name := req.ContainerName()
	image := req.Image()

	e.cleaner.RemoveContainer(ctx, name)
	x.enter(StateStaleCleaned)

	x.log.Info().Str("image", image).Msg("pulling submitted docker image")
	pullCtx, cancel := context.WithTimeout(ctx, e.opts.PullTimeout)
	err := e.runtime.Pull(pullCtx, image)
	cancel()
	if err != nil {
		x.resolve(StatePullFailed)
		if ctx.Err() != nil {
			return fail(KindInternal, "Execution cancelled while pulling image: "+ctx.Err().Error(), err)
		}
		return fail(KindPull, pullReason(err), err)
	}
	x.enter(StatePulled)

	x.log.Info().Str("container", name).Msg("running container")
	runStart := time.Now()
	c, err := e.runtime.Run(ctx, sandbox.RunConfig{
		Image: image,
		Name:  name,
		Mounts: []sandbox.Mount{
			{Source: req.InputDir, Target: e.opts.InputMount, ReadOnly: true},
			{Source: outDir, Target: e.opts.OutputMount},
		},
		MemoryLimit:     req.MemoryLimit,
		MemorySwapLimit: req.MemorySwapLimit,
		ShmSize:         e.opts.ShmSize,
	})
	if err != nil {
		// Run may have failed after the name was taken.
		e.cleaner.RemoveContainer(ctx, name)
		return e.runtimeFailed(ctx, x, err)
	}
	lease := e.cleaner.Track(c)
	defer lease.Release(ctx)
	x.enter(StateRunning)

	exitCode, err := e.runtime.Wait(ctx, c, req.TimeLimit)
	metrics.ExecutionDuration.WithLabelValues("run").Observe(time.Since(runStart).Seconds())

	switch {
	case err == nil:
	case errors.Is(err, sandbox.ErrTimeout):
		// The container may still be running: stop it before anything else.
		lease.Release(ctx)
		x.resolve(StateTimedOut)
		reason := timeoutReason(req.TimeLimit)
		x.log.Warn().Dur("time_limit", req.TimeLimit).Msg("container exceeded execution time limit")
		e.persistLog(ctx, x, []byte(reason))
		return fail(KindTimeout, reason, err)
	case ctx.Err() != nil:
		lease.Release(ctx)
		x.resolve(StateRuntimeFailed)
		reason := "Execution cancelled: " + ctx.Err().Error()
		e.persistLog(ctx, x, []byte(reason))
		return fail(KindInternal, reason, err)
	default:
		lease.Release(ctx)
		return e.runtimeFailed(ctx, x, err)
	}

	x.exitCode = exitCode
	logs, err := e.runtime.Logs(ctx, c)
	if err != nil {
		lease.Release(ctx)
		return e.runtimeFailed(ctx, x, err)
	}
	e.persistLog(ctx, x, logs)
	lease.Release(ctx)

	x.resolve(StateCompleted)
	x.log.Info().Int64("exit_code", exitCode).Msg("container finished")
	return nil
}

func (e *Executor) runtimeFailed(ctx context.Context, x *execution, err error) error {
	x.resolve(StateRuntimeFailed)
	reason := runtimeReason(err)
	x.log.Error().Err(err).Msg("container run failed")
	e.persistLog(ctx, x, []byte(reason))
	return fail(KindRuntime, reason, err)
}

// persistLog writes the log artifact and forwards it to storage when the
// request asks for it. Failures here never change the outcome.
func (e *Executor) persistLog(ctx context.Context, x *execution, raw []byte) {
	path := filepath.Join(x.req.WorkDir, x.req.LogFileName())
	art, err := logcapture.Capture(path, raw, e.opts.Log)
	if err != nil {
		x.log.Warn().Err(err).Msg("unable to write container log")
		return
	}
	x.logPath = art.Path
	if art.Truncated {
		x.log.Info().Int64("size", art.Size).Msg("container log truncated to its tail")
	}

	if !x.req.StoreLogs || e.opts.Store == nil || art.Size == 0 {
		return
	}
	if err := e.opts.Store.Store(ctx, art.Path, x.req.ParentID); err != nil {
		metrics.LogUploads.WithLabelValues("error").Inc()
		x.log.Warn().Err(err).Str("parent_id", x.req.ParentID).Msg("unable to store container log")
		return
	}
	metrics.LogUploads.WithLabelValues("ok").Inc()
}

// extractArtifact moves the first matching regular file, in lexical order,
// out of the output directory into the working directory.
func (e *Executor) extractArtifact(x *execution, outDir string) error {
	expected := e.opts.ExpectedOutput
	matches, err := filepath.Glob(filepath.Join(outDir, expected))
	if err != nil {
		return fail(KindInternal, "Invalid expected output pattern: "+err.Error(), err)
	}
	sort.Strings(matches)

	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		dest := filepath.Join(x.req.WorkDir, filepath.Base(m))
		if err := os.Rename(m, dest); err != nil {
			return fail(KindInternal, "Unable to move output file: "+err.Error(), err)
		}
		x.artifactPath = dest
		x.log.Info().Str("artifact", dest).Msg("output file extracted")
		return nil
	}
	return fail(KindOutputMissing, missingOutputReason(expected), nil)
}

func (e *Executor) finish(x *execution, err error) Outcome {
	out := Outcome{
		RunID:        x.runID,
		SubmissionID: x.req.SubmissionID,
		ParentID:     x.req.ParentID,
		Image:        x.req.Image(),
		ExitCode:     x.exitCode,
		LogPath:      x.logPath,
		Branch:       x.branch,
		StartedAt:    x.started,
		FinishedAt:   time.Now(),
	}

	var f *Failure
	switch {
	case err == nil:
		out.Status = StatusValidated
		out.ArtifactPath = x.artifactPath
	case errors.As(err, &f):
		out.Kind = f.Kind
		out.Reason = f.Reason
		switch f.Kind {
		case KindRequest, KindInternal:
			out.Status = StatusError
		default:
			out.Status = StatusInvalid
		}
	default:
		out.Status = StatusError
		out.Kind = KindInternal
		out.Reason = err.Error()
	}
	x.enter(StateTerminal)

	metrics.ExecutionsTotal.WithLabelValues(out.Status.String(), string(out.Kind)).Inc()
	metrics.ExecutionDuration.WithLabelValues("total").Observe(out.Duration().Seconds())

	var ev *zerolog.Event
	if out.Status == StatusValidated {
		ev = x.log.Info().Str("artifact", out.ArtifactPath)
	} else {
		ev = x.log.Warn().Str("kind", string(out.Kind)).Str("reason", out.Reason)
	}
	ev.Stringer("status", out.Status).Stringer("branch", out.Branch).Dur("took", out.Duration()).Msg("execution finished")
	return out
}
