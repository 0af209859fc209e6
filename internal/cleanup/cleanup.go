// Package cleanup tears down containers and images without ever failing.
// Errors are logged and counted, then dropped, so that they cannot replace
// the outcome of the execution that triggered the cleanup.
package cleanup

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/itstheanurag/evalrunner/internal/metrics"
	"github.com/itstheanurag/evalrunner/internal/sandbox"
)

const DefaultTimeout = 30 * time.Second

type Manager struct {
	runtime sandbox.Runtime
	logger  *zerolog.Logger
	timeout time.Duration
}

func NewManager(rt sandbox.Runtime, logger *zerolog.Logger, timeout time.Duration) *Manager {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Manager{runtime: rt, logger: logger, timeout: timeout}
}

// detach keeps ctx values but drops its cancellation and deadline, so that
// teardown still runs after the execution context expired.
func (m *Manager) detach(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
}

// RemoveContainer stops and removes the container if it exists.
func (m *Manager) RemoveContainer(ctx context.Context, nameOrID string) {
	ctx, cancel := m.detach(ctx)
	defer cancel()

	c, err := m.runtime.Lookup(ctx, nameOrID)
	if err != nil {
		if errors.Is(err, sandbox.ErrContainerNotFound) {
			return
		}
		m.fail("container", nameOrID, err)
		return
	}
	m.remove(ctx, c)
}

func (m *Manager) remove(ctx context.Context, c sandbox.Container) {
	if err := m.runtime.Stop(ctx, c); err != nil {
		m.logger.Debug().Err(err).Str("container", c.Name).Msg("stop before remove failed")
	}
	if err := m.runtime.Remove(ctx, c, true); err != nil {
		m.fail("container", c.Ref(), err)
		return
	}
	m.logger.Debug().Str("container", c.Name).Str("id", c.ID).Msg("container removed")
}

// RemoveImage force-removes the image.
func (m *Manager) RemoveImage(ctx context.Context, image string) {
	ctx, cancel := m.detach(ctx)
	defer cancel()

	if err := m.runtime.RemoveImage(ctx, image, true); err != nil {
		m.fail("image", image, err)
		return
	}
	m.logger.Debug().Str("image", image).Msg("image removed")
}

func (m *Manager) fail(resource, ref string, err error) {
	metrics.CleanupFailures.WithLabelValues(resource).Inc()
	m.logger.Warn().Err(err).Str(resource, ref).Msgf("unable to remove %s", resource)
}

// Lease owns one container for the duration of an execution.
type Lease struct {
	m    *Manager
	c    sandbox.Container
	once sync.Once
}

// Track returns a lease whose Release removes c exactly once.
func (m *Manager) Track(c sandbox.Container) *Lease {
	return &Lease{m: m, c: c}
}

func (l *Lease) Container() sandbox.Container {
	return l.c
}

// Release stops and removes the leased container. Later calls are no-ops.
func (l *Lease) Release(ctx context.Context) {
	l.once.Do(func() {
		ctx, cancel := l.m.detach(ctx)
		defer cancel()
		l.m.remove(ctx, l.c)
	})
}
