package sandbox

import (
	"context"
	"errors"
	"time"

	"github.com/itstheanurag/evalrunner/internal/credentials"
)

var (
	ErrImageNotFound     = errors.New("image not found")
	ErrContainerNotFound = errors.New("container not found")
	// ErrTimeout is returned by Wait when the container outlives its deadline.
	ErrTimeout = errors.New("container wait deadline exceeded")
)

// Container is the runtime identity of a created container.
type Container struct {
	ID   string
	Name string
}

// Ref returns the ID when known and the name otherwise.
func (c Container) Ref() string {
	if c.ID != "" {
		return c.ID
	}
	return c.Name
}

// Runtime is the container engine surface used by the execution controller.
type Runtime interface {
	Login(ctx context.Context, creds credentials.Credentials) error
	Pull(ctx context.Context, image string) error
	Run(ctx context.Context, cfg RunConfig) (Container, error)
	Wait(ctx context.Context, c Container, timeout time.Duration) (int64, error)
	Logs(ctx context.Context, c Container) ([]byte, error)
	Lookup(ctx context.Context, nameOrID string) (Container, error)
	Stop(ctx context.Context, c Container) error
	Remove(ctx context.Context, c Container, force bool) error
	RemoveImage(ctx context.Context, image string, force bool) error
}

type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

type RunConfig struct {
	Image           string
	Name            string
	Mounts          []Mount
	MemoryLimit     string // docker size string, e.g. "2g"
	MemorySwapLimit string
	ShmSize         string
}
