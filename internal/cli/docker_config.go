package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/itstheanurag/evalrunner/internal/config"
	"github.com/itstheanurag/evalrunner/internal/credentials"
)

func newDockerConfigCmd(a *app) *cobra.Command {
	var credentialsFile, results string
	cmd := &cobra.Command{
		Use:   "docker-config",
		Short: "Write registry auth for the workflow engine's Docker requirement",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.dockerConfig(credentialsFile, results)
		},
	}
	cmd.Flags().StringVarP(&credentialsFile, "credentials", "c", "", "Path to the registry credentials file")
	cmd.Flags().StringVarP(&results, "results", "r", "", "Path of the JSON file to write")
	_ = cmd.MarkFlagRequired("credentials")
	_ = cmd.MarkFlagRequired("results")
	return cmd
}

func (a *app) dockerConfig(credentialsFile, results string) error {
	provider := credentials.NewFileProvider(credentialsFile, config.DefaultCredentialsGroup, a.conf.Docker.Registry)

	// One of username or authtoken is enough here.
	creds, err := provider.Credentials(context.Background())
	if err != nil && !errors.Is(err, credentials.ErrMissing) {
		return err
	}
	dc, err := credentials.NewDockerConfig(creds)
	if err != nil {
		return err
	}

	data, err := json.Marshal(dc)
	if err != nil {
		return fmt.Errorf("encode docker config: %w", err)
	}
	if err := os.WriteFile(results, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", results, err)
	}
	a.logger.Info().Str("path", results).Str("registry", dc.DockerRegistry).Msg("docker config written")
	return nil
}
