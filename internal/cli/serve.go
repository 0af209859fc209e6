package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/itstheanurag/evalrunner/internal/config"
	"github.com/itstheanurag/evalrunner/internal/credentials"
	"github.com/itstheanurag/evalrunner/internal/executor"
	"github.com/itstheanurag/evalrunner/internal/server"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Accept submissions over HTTP and run them on a worker pool",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(cmd)
		},
	}
}

func (a *app) serve(cmd *cobra.Command) error {
	logger := &a.logger

	rt, closeRuntime, err := a.newRuntime(a.conf, logger)
	if err != nil {
		return err
	}
	defer closeRuntime()

	opts := executorOptions(a.conf)
	opts.Credentials = credentials.NewFileProvider(a.conf.Execution.CredentialsFile, config.DefaultCredentialsGroup, a.conf.Docker.Registry)
	if a.conf.Storage.Enabled() {
		opts.Store = a.artifactStore(cmd.Context(), logger)
	}

	if a.conf.Execution.InputRoot == "" {
		logger.Warn().Msg("execution.input_root is not set; every submission will be rejected")
	}

	srv, err := server.New(a.conf, logger, executor.NewExecutor(rt, logger, opts))
	if err != nil {
		return err
	}

	errc := make(chan error, 1)
	go func() {
		errc <- srv.Start()
	}()

	// graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(stop)

	select {
	case err := <-errc:
		return err
	case <-stop:
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Stop(ctx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
		return err
	}
	return nil
}
