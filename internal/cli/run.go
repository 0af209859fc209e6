package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/itstheanurag/evalrunner/internal/config"
	"github.com/itstheanurag/evalrunner/internal/credentials"
	"github.com/itstheanurag/evalrunner/internal/executor"
	"github.com/itstheanurag/evalrunner/internal/metrics"
	"github.com/itstheanurag/evalrunner/internal/report"
	"github.com/itstheanurag/evalrunner/internal/storage"
	"github.com/itstheanurag/evalrunner/internal/style"
)

type runFlags struct {
	credentialsFile string
	submissionID    string
	parentID        string
	repository      string
	digest          string
	inputDir        string
	workDir         string
	timeLimit       int
	memoryLimit     string
	memorySwapLimit string
	store           bool
	results         string
	metricsFile     string
}

func newRunCmd(a *app) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one submission image and write its results file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, f)
		},
	}

	fl := cmd.Flags()
	fl.StringVarP(&f.credentialsFile, "credentials", "c", "", "Path to the registry credentials file")
	fl.StringVarP(&f.submissionID, "submission-id", "s", "", "Submission ID")
	fl.StringVar(&f.parentID, "parent-id", "", "Folder ID for storing logs, echoed as admin_folder")
	fl.StringVar(&f.repository, "docker-repository", "", "Docker image name")
	fl.StringVar(&f.digest, "docker-digest", "", "Docker image digest")
	fl.StringVarP(&f.inputDir, "input-dir", "i", "", "Absolute path to the input data directory")
	fl.StringVar(&f.workDir, "work-dir", "", "Directory receiving the artifact and log file (default: current directory)")
	fl.IntVar(&f.timeLimit, "container-time-limit", int(config.DefaultTimeLimit/time.Second), "Container execution timeout in seconds")
	fl.StringVar(&f.memoryLimit, "container-memory-limit", config.DefaultMemoryLimit, "Container memory limit, at least 6m")
	fl.StringVar(&f.memorySwapLimit, "container-memory-swap-limit", config.DefaultMemorySwapLimit, "Memory plus swap limit; at or below the memory limit disables swap")
	fl.BoolVar(&f.store, "store", false, "Upload the container log to artifact storage")
	fl.StringVar(&f.results, "results", config.DefaultResultsFile, "Path of the results JSON file")
	fl.StringVar(&f.metricsFile, "metrics-file", "", "Write Prometheus metrics in textfile format to this path")

	for _, name := range []string{"credentials", "submission-id", "parent-id", "docker-repository", "docker-digest", "input-dir"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

// applyDefaults lets the config file supply limits the user did not pass.
func (f *runFlags) applyDefaults(cmd *cobra.Command, conf *config.Config) {
	fl := cmd.Flags()
	if !fl.Changed("container-time-limit") {
		f.timeLimit = int(conf.Execution.TimeLimit / time.Second)
	}
	if !fl.Changed("container-memory-limit") {
		f.memoryLimit = conf.Execution.MemoryLimit
	}
	if !fl.Changed("container-memory-swap-limit") {
		f.memorySwapLimit = conf.Execution.MemorySwapLimit
	}
}

func (a *app) run(cmd *cobra.Command, f *runFlags) error {
	f.applyDefaults(cmd, a.conf)
	log := a.logger.With().Str("submission_id", f.submissionID).Logger()

	workDir := f.workDir
	if workDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("failed to resolve working directory: %w", err)
		}
		workDir = wd
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, closeRuntime, err := a.newRuntime(a.conf, &log)
	if err != nil {
		return err
	}
	defer closeRuntime()

	opts := executorOptions(a.conf)
	opts.Credentials = credentials.NewFileProvider(f.credentialsFile, config.DefaultCredentialsGroup, a.conf.Docker.Registry)
	if f.store {
		opts.Store = a.artifactStore(ctx, &log)
	}

	exec := executor.NewExecutor(rt, &log, opts)
	out := exec.Execute(ctx, executor.Request{
		SubmissionID:    f.submissionID,
		ParentID:        f.parentID,
		Repository:      f.repository,
		Digest:          f.digest,
		InputDir:        f.inputDir,
		WorkDir:         workDir,
		TimeLimit:       time.Duration(f.timeLimit) * time.Second,
		MemoryLimit:     f.memoryLimit,
		MemorySwapLimit: f.memorySwapLimit,
		StoreLogs:       f.store,
	})

	rec := report.New(out, f.parentID)
	if err := report.WriteFile(f.results, rec); err != nil {
		return err
	}

	if f.metricsFile != "" {
		if err := metrics.WriteTextfile(f.metricsFile); err != nil {
			log.Warn().Err(err).Str("path", f.metricsFile).Msg("unable to write metrics file")
		}
	}

	printSummary(cmd.ErrOrStderr(), out, rec)
	return nil
}

// artifactStore returns nil when storage is unavailable; uploads are
// best-effort and never block a run.
func (a *app) artifactStore(ctx context.Context, log *zerolog.Logger) storage.ArtifactStore {
	if !a.conf.Storage.Enabled() {
		log.Warn().Msg("--store given but no storage endpoint configured; logs stay local")
		return nil
	}
	s, err := a.newStore(ctx, a.conf.Storage)
	if err != nil {
		log.Warn().Err(err).Msg("artifact storage unavailable; logs stay local")
		return nil
	}
	return s
}

func printSummary(w io.Writer, out executor.Outcome, rec report.Record) {
	fmt.Fprintln(w, style.Banner.Render("EVALRUNNER"))
	fmt.Fprintf(w, "%s %s\n", style.StatusDot(out.Status.String()), rec.SubmissionStatus)
	fmt.Fprint(w, style.KeyVals(
		"submission", out.SubmissionID,
		"image", out.Image,
		"branch", out.Branch.String(),
		"exit code", exitCode(out.ExitCode),
		"duration", out.Duration().Round(time.Millisecond).String(),
		"artifact", out.ArtifactPath,
		"log", out.LogPath,
	))
	if rec.SubmissionErrors != "" {
		fmt.Fprintln(w, style.ErrorBox.Render(rec.SubmissionErrors))
	} else {
		fmt.Fprintln(w, style.SuccessBox.Render("Submission produced "+out.ArtifactPath))
	}
}

func exitCode(code int64) string {
	if code < 0 {
		return ""
	}
	return strconv.FormatInt(code, 10)
}
