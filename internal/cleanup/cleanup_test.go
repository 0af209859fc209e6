package cleanup

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/itstheanurag/evalrunner/internal/sandbox/sandboxtest"
)

func newTestManager(t *testing.T) (*Manager, *sandboxtest.Fake) {
	t.Helper()
	rt := sandboxtest.New()
	logger := zerolog.Nop()
	return NewManager(rt, &logger, 0), rt
}

func TestRemoveContainer_Existing(t *testing.T) {
	m, rt := newTestManager(t)
	rt.AddContainer("sub1-docker_run")

	m.RemoveContainer(context.Background(), "sub1-docker_run")

	if rt.HasContainer("sub1-docker_run") {
		t.Error("container still exists")
	}
	if rt.Count("stop") != 1 {
		t.Errorf("stop calls = %d, want 1", rt.Count("stop"))
	}
}

func TestRemoveContainer_AbsentIsNoop(t *testing.T) {
	m, rt := newTestManager(t)

	m.RemoveContainer(context.Background(), "ghost")
	m.RemoveContainer(context.Background(), "ghost")

	if rt.Count("remove") != 0 || rt.Count("stop") != 0 {
		t.Errorf("calls = %v, want lookups only", rt.Calls())
	}
}

func TestRemoveContainer_SwallowsErrors(t *testing.T) {
	m, rt := newTestManager(t)
	rt.AddContainer("sub1-docker_run")
	rt.RemoveErr = errors.New("device busy")

	m.RemoveContainer(context.Background(), "sub1-docker_run")

	rt.LookupErr = errors.New("engine unreachable")
	m.RemoveContainer(context.Background(), "sub1-docker_run")
}

func TestRemoveContainer_RunsAfterCancel(t *testing.T) {
	m, rt := newTestManager(t)
	rt.AddContainer("sub1-docker_run")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m.RemoveContainer(ctx, "sub1-docker_run")

	if rt.HasContainer("sub1-docker_run") {
		t.Error("cancelled caller context prevented cleanup")
	}
}

func TestRemoveImage(t *testing.T) {
	m, rt := newTestManager(t)
	if err := rt.Pull(context.Background(), "img@sha256:abc"); err != nil {
		t.Fatal(err)
	}

	m.RemoveImage(context.Background(), "img@sha256:abc")
	if rt.HasImage("img@sha256:abc") {
		t.Error("image still present")
	}

	rt.RemoveImageErr = errors.New("image is being used by running container")
	m.RemoveImage(context.Background(), "img@sha256:abc")
}

func TestLease_ReleaseOnce(t *testing.T) {
	m, rt := newTestManager(t)
	c := rt.AddContainer("sub1-docker_run")

	lease := m.Track(c)
	lease.Release(context.Background())
	lease.Release(context.Background())

	if rt.HasContainer("sub1-docker_run") {
		t.Error("container still exists after release")
	}
	if rt.Count("remove") != 1 {
		t.Errorf("remove calls = %d, want 1", rt.Count("remove"))
	}
	if lease.Container() != c {
		t.Errorf("Container() = %+v, want %+v", lease.Container(), c)
	}
}
