package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/itstheanurag/evalrunner/internal/config"
	"github.com/itstheanurag/evalrunner/internal/executor"
	"github.com/itstheanurag/evalrunner/internal/logcapture"
	"github.com/itstheanurag/evalrunner/internal/sandbox"
	"github.com/itstheanurag/evalrunner/internal/storage"
)

// app holds state shared by all commands. The factories are swapped out in
// tests.
type app struct {
	configPath string
	logLevel   string

	conf   *config.Config
	logger zerolog.Logger

	newRuntime func(conf *config.Config, logger *zerolog.Logger) (sandbox.Runtime, func() error, error)
	newStore   func(ctx context.Context, conf config.StorageConfig) (storage.ArtifactStore, error)
}

func newApp() *app {
	return &app{
		newRuntime: dockerRuntime,
		newStore:   minioStore,
	}
}

func dockerRuntime(conf *config.Config, logger *zerolog.Logger) (sandbox.Runtime, func() error, error) {
	sb, err := sandbox.NewDockerSandbox(logger, sandbox.Options{
		Host:     conf.Docker.Host,
		Platform: conf.Docker.Platform,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create sandbox: %w", err)
	}
	return sb, sb.Close, nil
}

func minioStore(ctx context.Context, conf config.StorageConfig) (storage.ArtifactStore, error) {
	s, err := storage.NewMinioStore(conf)
	if err != nil {
		return nil, err
	}
	if err := s.EnsureBucket(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// executorOptions maps configuration onto the executor.
func executorOptions(conf *config.Config) executor.Options {
	return executor.Options{
		InputMount:     conf.Execution.InputMount,
		OutputMount:    conf.Execution.OutputMount,
		ExpectedOutput: conf.Execution.ExpectedOutput,
		ShmSize:        conf.Docker.ShmSize,
		PullTimeout:    conf.Execution.PullTimeout,
		CleanupTimeout: conf.Execution.CleanupTimeout,
		Log: logcapture.Options{
			CapBytes:  conf.Execution.LogCapBytes,
			TailLines: conf.Execution.LogTailLines,
		},
	}
}

func NewRootCmd() *cobra.Command {
	return newRootCmd(newApp())
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "evalrunner",
		Short: "Run untrusted evaluation images in a locked-down container",
		Long: `evalrunner pulls a submitted Docker image by digest, runs it with no network
and bounded memory against a read-only input directory, and reports whether it
produced the expected prediction file.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd)
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&a.configPath, "config", os.Getenv("EVALRUNNER_CONFIG"), "Path to a YAML config file")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	root.AddCommand(newRunCmd(a), newServeCmd(a), newDockerConfigCmd(a))
	return root
}

func (a *app) init(cmd *cobra.Command) error {
	level, err := zerolog.ParseLevel(a.logLevel)
	if err != nil {
		return fmt.Errorf("invalid --log-level: %w", err)
	}
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	a.logger = zerolog.New(zerolog.ConsoleWriter{Out: cmd.ErrOrStderr()}).
		Level(level).
		With().
		Timestamp().
		Logger()

	conf, err := config.LoadConfig(a.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	a.conf = conf
	return nil
}

func Execute() error {
	return NewRootCmd().Execute()
}
