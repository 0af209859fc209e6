package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
	units "github.com/docker/go-units"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/rs/zerolog"

	"github.com/itstheanurag/evalrunner/internal/credentials"
	"github.com/itstheanurag/evalrunner/internal/metrics"
)

const (
	stopTimeoutSeconds = 10
	managedLabel       = "evalrunner.managed"
)

// dockerAPI is the subset of *client.Client used here.
type dockerAPI interface {
	RegistryLogin(ctx context.Context, auth registry.AuthConfig) (registry.AuthenticateOKBody, error)
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ImageRemove(ctx context.Context, imageID string, options image.RemoveOptions) ([]image.DeleteResponse, error)
	ContainerCreate(
		ctx context.Context,
		config *container.Config,
		hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig,
		platform *ocispec.Platform,
		containerName string,
	) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(
		ctx context.Context,
		containerID string,
		condition container.WaitCondition,
	) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	Close() error
}

type DockerSandbox struct {
	cli      dockerAPI
	logger   *zerolog.Logger
	platform string

	mu           sync.RWMutex
	registryAuth string
}

type Options struct {
	Host     string // engine endpoint, e.g. unix:///var/run/docker.sock
	Platform string // e.g. linux/amd64
}

func NewDockerSandbox(logger *zerolog.Logger, opts Options) (*DockerSandbox, error) {
	clientOpts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if opts.Host != "" {
		clientOpts = append(clientOpts, client.WithHost(opts.Host))
	}
	cli, err := client.NewClientWithOpts(clientOpts...)
	if err != nil {
		return nil, err
	}
	return &DockerSandbox{cli: cli, logger: logger, platform: opts.Platform}, nil
}

func (s *DockerSandbox) Close() error {
	return s.cli.Close()
}

// Login authenticates against the registry. Subsequent pulls carry the
// resulting auth; a failed login leaves pulls unauthenticated.
func (s *DockerSandbox) Login(ctx context.Context, creds credentials.Credentials) error {
	auth := registry.AuthConfig{
		Username:      creds.Username,
		Password:      creds.Token,
		ServerAddress: creds.Registry,
	}
	body, err := s.cli.RegistryLogin(ctx, auth)
	if err != nil {
		return fmt.Errorf("registry login %s: %w", creds.Registry, err)
	}
	if body.IdentityToken != "" {
		auth.Password = ""
		auth.IdentityToken = body.IdentityToken
	}

	encoded, err := registry.EncodeAuthConfig(auth)
	if err != nil {
		return fmt.Errorf("encode registry auth: %w", err)
	}

	s.mu.Lock()
	s.registryAuth = encoded
	s.mu.Unlock()

	s.logger.Info().Str("registry", creds.Registry).Str("status", body.Status).Msg("logged in to registry")
	return nil
}

func (s *DockerSandbox) Pull(ctx context.Context, img string) error {
	s.mu.RLock()
	auth := s.registryAuth
	s.mu.RUnlock()

	s.logger.Info().Str("image", img).Msg("pulling docker image")
	start := time.Now()

	reader, err := s.cli.ImagePull(ctx, img, image.PullOptions{RegistryAuth: auth, Platform: s.platform})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return fmt.Errorf("%w: %v", ErrImageNotFound, err)
		}
		return err
	}
	defer reader.Close()

	// The engine reports most pull failures inside the progress stream, so
	// it has to be consumed to the end to learn whether the pull succeeded.
	if err := jsonmessage.DisplayJSONMessagesStream(reader, io.Discard, 0, false, nil); err != nil {
		if isMissingImageMessage(err.Error()) {
			return fmt.Errorf("%w: %v", ErrImageNotFound, err)
		}
		return err
	}

	metrics.ExecutionDuration.WithLabelValues("pull").Observe(time.Since(start).Seconds())
	s.logger.Info().Str("image", img).Dur("took", time.Since(start)).Msg("successfully pulled docker image")
	return nil
}

func isMissingImageMessage(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "not found") ||
		strings.Contains(msg, "manifest unknown") ||
		strings.Contains(msg, "no matching manifest")
}

// Run creates and starts a detached container with networking disabled.
func (s *DockerSandbox) Run(ctx context.Context, cfg RunConfig) (Container, error) {
	memory, err := parseSize(cfg.MemoryLimit)
	if err != nil {
		return Container{}, fmt.Errorf("memory limit: %w", err)
	}
	memorySwap, err := parseSize(cfg.MemorySwapLimit)
	if err != nil {
		return Container{}, fmt.Errorf("memory swap limit: %w", err)
	}
	shmSize, err := parseSize(cfg.ShmSize)
	if err != nil {
		return Container{}, fmt.Errorf("shm size: %w", err)
	}

	binds := make([]string, 0, len(cfg.Mounts))
	for _, m := range cfg.Mounts {
		mode := "rw"
		if m.ReadOnly {
			mode = "ro"
		}
		binds = append(binds, fmt.Sprintf("%s:%s:%s", m.Source, m.Target, mode))
	}

	start := time.Now()
	resp, err := s.cli.ContainerCreate(ctx, &container.Config{
		Image:           cfg.Image,
		NetworkDisabled: true,
		AttachStdout:    true,
		AttachStderr:    true,
		Tty:             false,
		Labels:          map[string]string{managedLabel: "true"},
	}, &container.HostConfig{
		Binds:       binds,
		NetworkMode: "none",
		ShmSize:     shmSize,
		Resources: container.Resources{
			Memory:     memory,
			MemorySwap: memorySwap,
		},
	}, nil, s.ociPlatform(), cfg.Name)
	if err != nil {
		return Container{}, fmt.Errorf("failed to create container: %w", err)
	}
	c := Container{ID: resp.ID, Name: cfg.Name}

	if err := s.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		rmCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if rmErr := s.Remove(rmCtx, c, true); rmErr != nil {
			s.logger.Warn().Err(rmErr).Str("container", c.Name).Msg("failed to remove unstarted container")
		}
		return Container{}, fmt.Errorf("failed to start container: %w", err)
	}

	metrics.ContainerCreationTime.Observe(time.Since(start).Seconds())
	s.logger.Debug().Str("container", c.Name).Str("id", c.ID).Msg("container started")
	return c, nil
}

// Wait blocks until the container stops or timeout elapses. Expiry of the
// timeout is reported as ErrTimeout; cancellation of ctx is not.
func (s *DockerSandbox) Wait(ctx context.Context, c Container, timeout time.Duration) (int64, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	statusCh, errCh := s.cli.ContainerWait(waitCtx, c.Ref(), container.WaitConditionNotRunning)

	select {
	case status := <-statusCh:
		if status.Error != nil {
			return status.StatusCode, fmt.Errorf("wait container %s: %s", c.Name, status.Error.Message)
		}
		return status.StatusCode, nil
	case err := <-errCh:
		return -1, waitError(ctx, waitCtx, err, timeout)
	case <-waitCtx.Done():
		return -1, waitError(ctx, waitCtx, waitCtx.Err(), timeout)
	}
}

func waitError(parent, waitCtx context.Context, err error, timeout time.Duration) error {
	if parent.Err() == nil && waitCtx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("%w after %s", ErrTimeout, timeout)
	}
	return fmt.Errorf("wait container: %w", err)
}

func (s *DockerSandbox) Logs(ctx context.Context, c Container) ([]byte, error) {
	rc, err := s.cli.ContainerLogs(ctx, c.Ref(), container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch logs: %w", err)
	}
	defer rc.Close()

	var out bytes.Buffer
	if _, err := stdcopy.StdCopy(&out, &out, rc); err != nil {
		return nil, fmt.Errorf("failed to read logs: %w", err)
	}
	return out.Bytes(), nil
}

func (s *DockerSandbox) Lookup(ctx context.Context, nameOrID string) (Container, error) {
	info, err := s.cli.ContainerInspect(ctx, nameOrID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return Container{}, fmt.Errorf("%w: %s", ErrContainerNotFound, nameOrID)
		}
		return Container{}, err
	}
	if info.ContainerJSONBase == nil {
		return Container{Name: nameOrID}, nil
	}
	return Container{ID: info.ID, Name: strings.TrimPrefix(info.Name, "/")}, nil
}

func (s *DockerSandbox) Stop(ctx context.Context, c Container) error {
	timeout := stopTimeoutSeconds
	err := s.cli.ContainerStop(ctx, c.Ref(), container.StopOptions{Timeout: &timeout})
	if err != nil && !errdefs.IsNotFound(err) {
		return err
	}
	return nil
}

func (s *DockerSandbox) Remove(ctx context.Context, c Container, force bool) error {
	err := s.cli.ContainerRemove(ctx, c.Ref(), container.RemoveOptions{Force: force, RemoveVolumes: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return err
	}
	return nil
}

func (s *DockerSandbox) RemoveImage(ctx context.Context, img string, force bool) error {
	_, err := s.cli.ImageRemove(ctx, img, image.RemoveOptions{Force: force, PruneChildren: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return err
	}
	return nil
}

func (s *DockerSandbox) ociPlatform() *ocispec.Platform {
	if s.platform == "" {
		return nil
	}
	parts := strings.SplitN(s.platform, "/", 3)
	p := &ocispec.Platform{OS: parts[0]}
	if len(parts) > 1 {
		p.Architecture = parts[1]
	}
	if len(parts) > 2 {
		p.Variant = parts[2]
	}
	return p
}

// parseSize converts docker size strings ("2g", "512m") to bytes; empty is 0.
func parseSize(v string) (int64, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, nil
	}
	return units.RAMInBytes(v)
}
