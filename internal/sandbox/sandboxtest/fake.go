// Package sandboxtest provides an in-memory sandbox.Runtime for tests.
package sandboxtest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/itstheanurag/evalrunner/internal/credentials"
	"github.com/itstheanurag/evalrunner/internal/sandbox"
)

// Fake simulates a container engine. A container "runs" for RunFor; a Wait
// with a shorter timeout fails with sandbox.ErrTimeout without sleeping.
type Fake struct {
	mu sync.Mutex

	LoginErr       error
	PullErr        error
	RunErr         error
	WaitErr        error
	LogsErr        error
	LookupErr      error
	RemoveErr      error
	RemoveImageErr error

	RunFor    time.Duration
	ExitCode  int64
	LogOutput []byte

	// OnRun is called after a container is created, typically to write
	// files into the output mount.
	OnRun func(cfg sandbox.RunConfig) error

	containers map[string]sandbox.Container
	images     map[string]bool
	calls      []string
	lastRun    sandbox.RunConfig
	nextID     int
}

func New() *Fake {
	return &Fake{
		containers: map[string]sandbox.Container{},
		images:     map[string]bool{},
	}
}

func (f *Fake) record(op string) {
	f.calls = append(f.calls, op)
}

// Calls returns the operations invoked so far, in order.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// Count returns how many times op was invoked.
func (f *Fake) Count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == op {
			n++
		}
	}
	return n
}

// AddContainer registers a pre-existing container, e.g. a stale one.
func (f *Fake) AddContainer(name string) sandbox.Container {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	c := sandbox.Container{ID: fmt.Sprintf("c%03d", f.nextID), Name: name}
	f.containers[name] = c
	return c
}

// HasContainer reports whether a container with this name still exists.
func (f *Fake) HasContainer(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.containers[name]
	return ok
}

// HasImage reports whether the image is present locally.
func (f *Fake) HasImage(image string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.images[image]
}

func (f *Fake) LastRun() sandbox.RunConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastRun
}

func (f *Fake) Login(ctx context.Context, creds credentials.Credentials) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("login")
	return f.LoginErr
}

func (f *Fake) Pull(ctx context.Context, image string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("pull")
	if f.PullErr != nil {
		return f.PullErr
	}
	f.images[image] = true
	return nil
}

func (f *Fake) Run(ctx context.Context, cfg sandbox.RunConfig) (sandbox.Container, error) {
	f.mu.Lock()
	f.record("run")
	f.lastRun = cfg
	if f.RunErr != nil {
		f.mu.Unlock()
		return sandbox.Container{}, f.RunErr
	}
	if _, exists := f.containers[cfg.Name]; exists {
		f.mu.Unlock()
		return sandbox.Container{}, fmt.Errorf("conflict: container name %q already in use", cfg.Name)
	}
	f.nextID++
	c := sandbox.Container{ID: fmt.Sprintf("c%03d", f.nextID), Name: cfg.Name}
	f.containers[cfg.Name] = c
	hook := f.OnRun
	f.mu.Unlock()

	if hook != nil {
		if err := hook(cfg); err != nil {
			return sandbox.Container{}, err
		}
	}
	return c, nil
}

func (f *Fake) Wait(ctx context.Context, c sandbox.Container, timeout time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("wait")
	if err := ctx.Err(); err != nil {
		return -1, fmt.Errorf("wait container: %w", err)
	}
	if f.WaitErr != nil {
		return -1, f.WaitErr
	}
	if f.RunFor > timeout {
		return -1, fmt.Errorf("%w after %s", sandbox.ErrTimeout, timeout)
	}
	return f.ExitCode, nil
}

func (f *Fake) Logs(ctx context.Context, c sandbox.Container) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("logs")
	if f.LogsErr != nil {
		return nil, f.LogsErr
	}
	return f.LogOutput, nil
}

func (f *Fake) Lookup(ctx context.Context, nameOrID string) (sandbox.Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("lookup")
	if f.LookupErr != nil {
		return sandbox.Container{}, f.LookupErr
	}
	for _, c := range f.containers {
		if c.Name == nameOrID || c.ID == nameOrID {
			return c, nil
		}
	}
	return sandbox.Container{}, fmt.Errorf("%w: %s", sandbox.ErrContainerNotFound, nameOrID)
}

func (f *Fake) Stop(ctx context.Context, c sandbox.Container) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("stop")
	return nil
}

func (f *Fake) Remove(ctx context.Context, c sandbox.Container, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("remove")
	if f.RemoveErr != nil {
		return f.RemoveErr
	}
	for name, existing := range f.containers {
		if existing.ID == c.Ref() || existing.Name == c.Ref() {
			delete(f.containers, name)
		}
	}
	return nil
}

func (f *Fake) RemoveImage(ctx context.Context, image string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("remove_image")
	if f.RemoveImageErr != nil {
		return f.RemoveImageErr
	}
	delete(f.images, image)
	return nil
}
