package executor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/itstheanurag/evalrunner/internal/credentials"
	"github.com/itstheanurag/evalrunner/internal/logcapture"
	"github.com/itstheanurag/evalrunner/internal/sandbox"
	"github.com/itstheanurag/evalrunner/internal/sandbox/sandboxtest"
)

type fakeStore struct {
	mu    sync.Mutex
	err   error
	files []string
}

func (s *fakeStore) Store(ctx context.Context, filePath, parentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.files = append(s.files, parentID+":"+filepath.Base(filePath))
	return nil
}

func newTestExecutor(t *testing.T, rt *sandboxtest.Fake, opts Options) *Executor {
	t.Helper()
	logger := zerolog.Nop()
	return NewExecutor(rt, &logger, opts)
}

func newRequest(t *testing.T) Request {
	t.Helper()
	return Request{
		SubmissionID:    "9700001",
		ParentID:        "syn123",
		Repository:      "img",
		Digest:          "sha256:abc",
		InputDir:        t.TempDir(),
		WorkDir:         t.TempDir(),
		TimeLimit:       5 * time.Second,
		MemoryLimit:     "2g",
		MemorySwapLimit: "2g",
	}
}

// writeOutput makes the fake container produce files in its output mount.
func writeOutput(files map[string]string) func(sandbox.RunConfig) error {
	return func(cfg sandbox.RunConfig) error {
		for _, m := range cfg.Mounts {
			if m.Target != "/output" {
				continue
			}
			for name, body := range files {
				if err := os.WriteFile(filepath.Join(m.Source, name), []byte(body), 0o644); err != nil {
					return err
				}
			}
		}
		return nil
	}
}

func assertNoOutputDirs(t *testing.T, workDir string) {
	t.Helper()
	entries, err := os.ReadDir(workDir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "output-") {
			t.Errorf("temporary output dir %s was not removed", e.Name())
		}
	}
}

func TestExecute_MissingImageReference(t *testing.T) {
	tests := []struct {
		name       string
		repository string
		digest     string
	}{
		{"no repository", "", "sha256:abc"},
		{"no digest", "img", ""},
		{"neither", "", ""},
		{"blank", "  ", "sha256:abc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := sandboxtest.New()
			e := newTestExecutor(t, rt, Options{Credentials: credentials.Static{Username: "u", Token: "t"}})
			req := newRequest(t)
			req.Repository, req.Digest = tt.repository, tt.digest

			out := e.Execute(context.Background(), req)

			if out.Status != StatusInvalid {
				t.Errorf("Status = %s, want invalid", out.Status)
			}
			if out.Reason != "Submission is not a Docker image, please try again." {
				t.Errorf("Reason = %q", out.Reason)
			}
			if out.Kind != KindConfig || out.Branch != StateRejected {
				t.Errorf("Kind/Branch = %s/%s", out.Kind, out.Branch)
			}
			if calls := rt.Calls(); len(calls) != 0 {
				t.Errorf("runtime calls = %v, want none", calls)
			}
		})
	}
}

func TestExecute_MalformedRequest(t *testing.T) {
	rt := sandboxtest.New()
	e := newTestExecutor(t, rt, Options{})
	req := newRequest(t)
	req.InputDir = "relative/input"

	out := e.Execute(context.Background(), req)

	if out.Status != StatusError || out.Kind != KindRequest {
		t.Errorf("Status/Kind = %s/%s, want error/request", out.Status, out.Kind)
	}
	if !strings.Contains(out.Reason, "absolute") {
		t.Errorf("Reason = %q", out.Reason)
	}
	if len(rt.Calls()) != 0 {
		t.Errorf("runtime calls = %v, want none", rt.Calls())
	}
}

func TestExecute_Validated(t *testing.T) {
	rt := sandboxtest.New()
	rt.LogOutput = []byte("loading\npredicting\n")
	rt.OnRun = writeOutput(map[string]string{"predictions.csv": "id,label\n1,0.93\n"})
	e := newTestExecutor(t, rt, Options{})
	req := newRequest(t)

	out := e.Execute(context.Background(), req)

	if out.Status != StatusValidated {
		t.Fatalf("Status = %s (%s), want validated", out.Status, out.Reason)
	}
	if out.Reason != "" || out.Kind != KindNone {
		t.Errorf("Reason/Kind = %q/%q, want empty", out.Reason, out.Kind)
	}
	wantArtifact := filepath.Join(req.WorkDir, "predictions.csv")
	if out.ArtifactPath != wantArtifact {
		t.Errorf("ArtifactPath = %q, want %q", out.ArtifactPath, wantArtifact)
	}
	got, err := os.ReadFile(wantArtifact)
	if err != nil {
		t.Fatalf("artifact not in work dir: %v", err)
	}
	if string(got) != "id,label\n1,0.93\n" {
		t.Errorf("artifact = %q, content changed", got)
	}

	logBody, err := os.ReadFile(filepath.Join(req.WorkDir, "9700001-docker_logs.txt"))
	if err != nil {
		t.Fatalf("log file missing: %v", err)
	}
	if string(logBody) != "loading\npredicting\n" {
		t.Errorf("log = %q", logBody)
	}
	if out.Branch != StateCompleted || out.ExitCode != 0 {
		t.Errorf("Branch/ExitCode = %s/%d", out.Branch, out.ExitCode)
	}
	if rt.HasContainer("9700001-docker_run") {
		t.Error("container still exists")
	}
	if rt.HasImage("img@sha256:abc") {
		t.Error("image still present")
	}
	assertNoOutputDirs(t, req.WorkDir)
}

func TestExecute_SharedImageKeptUntilLastUser(t *testing.T) {
	rt := sandboxtest.New()
	e := newTestExecutor(t, rt, Options{})
	write := writeOutput(map[string]string{"predictions.csv": "x"})

	// The first container starts a second execution of the same image,
	// which finishes while the first is still running.
	var (
		nested       bool
		inner        Outcome
		keptForOuter bool
	)
	rt.OnRun = func(cfg sandbox.RunConfig) error {
		if !nested {
			nested = true
			other := newRequest(t)
			other.SubmissionID = "9700002"
			inner = e.Execute(context.Background(), other)
			keptForOuter = rt.HasImage("img@sha256:abc")
		}
		return write(cfg)
	}

	out := e.Execute(context.Background(), newRequest(t))

	if inner.Status != StatusValidated {
		t.Fatalf("inner Status = %s (%s)", inner.Status, inner.Reason)
	}
	if !keptForOuter {
		t.Error("image removed while another execution was using it")
	}
	if out.Status != StatusValidated {
		t.Fatalf("outer Status = %s (%s)", out.Status, out.Reason)
	}
	if rt.HasImage("img@sha256:abc") {
		t.Error("image still present after the last execution")
	}
	if n := rt.Count("remove_image"); n != 1 {
		t.Errorf("remove_image calls = %d, want 1", n)
	}
}

func TestExecute_RunConfig(t *testing.T) {
	rt := sandboxtest.New()
	e := newTestExecutor(t, rt, Options{ShmSize: "1g"})
	req := newRequest(t)
	req.MemoryLimit, req.MemorySwapLimit = "4g", "6g"

	e.Execute(context.Background(), req)

	cfg := rt.LastRun()
	if cfg.Image != "img@sha256:abc" || cfg.Name != "9700001-docker_run" {
		t.Errorf("Image/Name = %q/%q", cfg.Image, cfg.Name)
	}
	if cfg.MemoryLimit != "4g" || cfg.MemorySwapLimit != "6g" || cfg.ShmSize != "1g" {
		t.Errorf("limits = %q/%q/%q", cfg.MemoryLimit, cfg.MemorySwapLimit, cfg.ShmSize)
	}
	if len(cfg.Mounts) != 2 {
		t.Fatalf("mounts = %+v", cfg.Mounts)
	}
	in, out := cfg.Mounts[0], cfg.Mounts[1]
	if in.Source != req.InputDir || in.Target != "/input" || !in.ReadOnly {
		t.Errorf("input mount = %+v", in)
	}
	if out.Target != "/output" || out.ReadOnly || filepath.Dir(out.Source) != req.WorkDir {
		t.Errorf("output mount = %+v", out)
	}
}

func TestExecute_NonZeroExitStillChecksOutput(t *testing.T) {
	rt := sandboxtest.New()
	rt.ExitCode = 1
	rt.OnRun = writeOutput(map[string]string{"predictions.csv": "x"})
	e := newTestExecutor(t, rt, Options{})

	out := e.Execute(context.Background(), newRequest(t))

	if out.Status != StatusValidated {
		t.Errorf("Status = %s, want validated", out.Status)
	}
	if out.ExitCode != 1 {
		t.Errorf("ExitCode = %d, want 1", out.ExitCode)
	}
}

func TestExecute_OutputMissing(t *testing.T) {
	rt := sandboxtest.New()
	rt.OnRun = writeOutput(map[string]string{"preds.csv": "x"})
	e := newTestExecutor(t, rt, Options{})
	req := newRequest(t)

	out := e.Execute(context.Background(), req)

	if out.Status != StatusInvalid || out.Kind != KindOutputMissing {
		t.Fatalf("Status/Kind = %s/%s", out.Status, out.Kind)
	}
	if out.Reason != "Container did not generate a file called predictions.csv" {
		t.Errorf("Reason = %q", out.Reason)
	}
	for _, name := range []string{"predictions.csv", "preds.csv"} {
		if _, err := os.Stat(filepath.Join(req.WorkDir, name)); !os.IsNotExist(err) {
			t.Errorf("%s present in work dir", name)
		}
	}
	if out.ArtifactPath != "" {
		t.Errorf("ArtifactPath = %q, want empty", out.ArtifactPath)
	}
	assertNoOutputDirs(t, req.WorkDir)
}

func TestExecute_FirstMatchWins(t *testing.T) {
	rt := sandboxtest.New()
	rt.OnRun = writeOutput(map[string]string{"b.csv": "b", "a.csv": "a"})
	e := newTestExecutor(t, rt, Options{ExpectedOutput: "*.csv"})
	req := newRequest(t)

	out := e.Execute(context.Background(), req)

	if out.Status != StatusValidated {
		t.Fatalf("Status = %s (%s)", out.Status, out.Reason)
	}
	if filepath.Base(out.ArtifactPath) != "a.csv" {
		t.Errorf("ArtifactPath = %q, want a.csv", out.ArtifactPath)
	}
	if _, err := os.Stat(filepath.Join(req.WorkDir, "b.csv")); !os.IsNotExist(err) {
		t.Error("b.csv should have been ignored")
	}
}

func TestExecute_Timeout(t *testing.T) {
	rt := sandboxtest.New()
	rt.RunFor = 10 * time.Second
	e := newTestExecutor(t, rt, Options{})
	req := newRequest(t)
	req.TimeLimit = 5 * time.Second

	out := e.Execute(context.Background(), req)

	if out.Status != StatusInvalid || out.Kind != KindTimeout {
		t.Fatalf("Status/Kind = %s/%s", out.Status, out.Kind)
	}
	if !strings.Contains(out.Reason, "exceeded execution time limit") {
		t.Errorf("Reason = %q", out.Reason)
	}
	want := "Container exceeded execution time limit of 0.08333333333333333 minutes; stopping container."
	if out.Reason != want {
		t.Errorf("Reason = %q, want %q", out.Reason, want)
	}
	if out.Branch != StateTimedOut {
		t.Errorf("Branch = %s, want timed_out", out.Branch)
	}
	if rt.HasContainer("9700001-docker_run") {
		t.Error("timed-out container still exists")
	}
	if rt.HasImage("img@sha256:abc") {
		t.Error("image still present")
	}
	logBody, err := os.ReadFile(out.LogPath)
	if err != nil {
		t.Fatalf("log file missing: %v", err)
	}
	if string(logBody) != want {
		t.Errorf("log = %q", logBody)
	}
	if rt.Count("logs") != 0 {
		t.Error("logs fetched from a timed-out container")
	}
	assertNoOutputDirs(t, req.WorkDir)
}

func TestExecute_TimeoutMinutes(t *testing.T) {
	rt := sandboxtest.New()
	rt.RunFor = 3 * time.Hour
	e := newTestExecutor(t, rt, Options{})
	req := newRequest(t)
	req.TimeLimit = 7200 * time.Second

	out := e.Execute(context.Background(), req)

	if !strings.Contains(out.Reason, "time limit of 120.0 minutes") {
		t.Errorf("Reason = %q", out.Reason)
	}
}

func TestExecute_PullFailure(t *testing.T) {
	rt := sandboxtest.New()
	rt.PullErr = errors.New("manifest unknown")
	e := newTestExecutor(t, rt, Options{})
	req := newRequest(t)

	out := e.Execute(context.Background(), req)

	if out.Status != StatusInvalid || out.Kind != KindPull {
		t.Fatalf("Status/Kind = %s/%s", out.Status, out.Kind)
	}
	if out.Reason != "Unable to pull image: manifest unknown" {
		t.Errorf("Reason = %q", out.Reason)
	}
	if rt.Count("run") != 0 {
		t.Error("container created after a failed pull")
	}
	if rt.Count("remove_image") != 1 {
		t.Errorf("remove_image calls = %d, want 1", rt.Count("remove_image"))
	}
	if out.Branch != StatePullFailed {
		t.Errorf("Branch = %s", out.Branch)
	}
	assertNoOutputDirs(t, req.WorkDir)
}

func TestExecute_RuntimeFailures(t *testing.T) {
	tests := []struct {
		name  string
		setup func(rt *sandboxtest.Fake)
		want  string
	}{
		{"create", func(rt *sandboxtest.Fake) { rt.RunErr = errors.New("no space left on device") }, "no space left on device"},
		{"wait", func(rt *sandboxtest.Fake) { rt.WaitErr = errors.New("oom killed") }, "oom killed"},
		{"logs", func(rt *sandboxtest.Fake) { rt.LogsErr = errors.New("log driver none") }, "log driver none"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := sandboxtest.New()
			tt.setup(rt)
			e := newTestExecutor(t, rt, Options{})
			req := newRequest(t)

			out := e.Execute(context.Background(), req)

			if out.Status != StatusInvalid || out.Kind != KindRuntime {
				t.Fatalf("Status/Kind = %s/%s", out.Status, out.Kind)
			}
			if out.Reason != "Error running container: "+tt.want {
				t.Errorf("Reason = %q", out.Reason)
			}
			if out.Branch != StateRuntimeFailed {
				t.Errorf("Branch = %s", out.Branch)
			}
			if rt.HasContainer(req.ContainerName()) {
				t.Error("container still exists")
			}
			logBody, err := os.ReadFile(filepath.Join(req.WorkDir, req.LogFileName()))
			if err != nil {
				t.Fatalf("log file missing: %v", err)
			}
			if string(logBody) != out.Reason {
				t.Errorf("log = %q, want reason", logBody)
			}
		})
	}
}

func TestExecute_PanicIsContained(t *testing.T) {
	rt := sandboxtest.New()
	rt.OnRun = func(sandbox.RunConfig) error { panic("driver bug") }
	e := newTestExecutor(t, rt, Options{})
	req := newRequest(t)

	out := e.Execute(context.Background(), req)

	if out.Status != StatusInvalid || out.Kind != KindRuntime {
		t.Fatalf("Status/Kind = %s/%s", out.Status, out.Kind)
	}
	if !strings.Contains(out.Reason, "driver bug") {
		t.Errorf("Reason = %q", out.Reason)
	}
	if rt.HasContainer(req.ContainerName()) {
		t.Error("container still exists")
	}
	if rt.Count("remove_image") != 1 {
		t.Error("image cleanup skipped after panic")
	}
	assertNoOutputDirs(t, req.WorkDir)
}

func TestExecute_StaleContainerRemoved(t *testing.T) {
	rt := sandboxtest.New()
	rt.AddContainer("9700001-docker_run")
	rt.OnRun = writeOutput(map[string]string{"predictions.csv": "x"})
	e := newTestExecutor(t, rt, Options{})

	out := e.Execute(context.Background(), newRequest(t))

	if out.Status != StatusValidated {
		t.Fatalf("Status = %s (%s), stale container blocked the run", out.Status, out.Reason)
	}
}

func TestExecute_NoStaleContainerIsFine(t *testing.T) {
	rt := sandboxtest.New()
	rt.OnRun = writeOutput(map[string]string{"predictions.csv": "x"})
	e := newTestExecutor(t, rt, Options{})

	out := e.Execute(context.Background(), newRequest(t))

	if out.Status != StatusValidated {
		t.Errorf("Status = %s (%s)", out.Status, out.Reason)
	}
	if calls := rt.Calls(); len(calls) == 0 || calls[0] != "lookup" {
		t.Errorf("calls = %v, want stale lookup first", calls)
	}
}

func TestExecute_Authentication(t *testing.T) {
	tests := []struct {
		name      string
		provider  credentials.Provider
		loginErr  error
		wantLogin int
	}{
		{"no provider", nil, nil, 0},
		{"missing credentials", credentials.Static{}, nil, 0},
		{"login ok", credentials.Static{Username: "u", Token: "t"}, nil, 1},
		{"login fails", credentials.Static{Username: "u", Token: "t"}, errors.New("unauthorized"), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := sandboxtest.New()
			rt.LoginErr = tt.loginErr
			rt.OnRun = writeOutput(map[string]string{"predictions.csv": "x"})
			e := newTestExecutor(t, rt, Options{Credentials: tt.provider})

			out := e.Execute(context.Background(), newRequest(t))

			if rt.Count("login") != tt.wantLogin {
				t.Errorf("login calls = %d, want %d", rt.Count("login"), tt.wantLogin)
			}
			if out.Status != StatusValidated {
				t.Errorf("Status = %s (%s)", out.Status, out.Reason)
			}
		})
	}
}

func TestExecute_StoreLogs(t *testing.T) {
	tests := []struct {
		name      string
		storeLogs bool
		storeErr  error
		want      int
	}{
		{"disabled", false, nil, 0},
		{"enabled", true, nil, 1},
		{"store fails", true, errors.New("503"), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := sandboxtest.New()
			rt.OnRun = writeOutput(map[string]string{"predictions.csv": "x"})
			store := &fakeStore{err: tt.storeErr}
			e := newTestExecutor(t, rt, Options{Store: store})
			req := newRequest(t)
			req.StoreLogs = tt.storeLogs

			out := e.Execute(context.Background(), req)

			if out.Status != StatusValidated {
				t.Errorf("Status = %s (%s), storage must not affect the outcome", out.Status, out.Reason)
			}
			if len(store.files) != tt.want {
				t.Errorf("stored = %v, want %d file(s)", store.files, tt.want)
			}
			if tt.want == 1 && store.files[0] != "syn123:9700001-docker_logs.txt" {
				t.Errorf("stored = %v", store.files)
			}
		})
	}
}

func TestExecute_TimeoutLogStored(t *testing.T) {
	rt := sandboxtest.New()
	rt.RunFor = time.Hour
	store := &fakeStore{}
	e := newTestExecutor(t, rt, Options{Store: store})
	req := newRequest(t)
	req.StoreLogs = true

	e.Execute(context.Background(), req)

	if len(store.files) != 1 {
		t.Errorf("stored = %v, want the timeout log", store.files)
	}
}

func TestExecute_EmptyLogsUseSentinel(t *testing.T) {
	rt := sandboxtest.New()
	rt.OnRun = writeOutput(map[string]string{"predictions.csv": "x"})
	e := newTestExecutor(t, rt, Options{})
	req := newRequest(t)

	out := e.Execute(context.Background(), req)

	body, err := os.ReadFile(out.LogPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != logcapture.EmptyLogMessage {
		t.Errorf("log = %q, want sentinel", body)
	}
}

func TestExecute_CancelledContext(t *testing.T) {
	rt := sandboxtest.New()
	e := newTestExecutor(t, rt, Options{})
	req := newRequest(t)

	ctx, cancel := context.WithCancel(context.Background())
	rt.OnRun = func(sandbox.RunConfig) error {
		cancel()
		return nil
	}

	out := e.Execute(ctx, req)

	if out.Status != StatusError || out.Kind != KindInternal {
		t.Fatalf("Status/Kind = %s/%s", out.Status, out.Kind)
	}
	if rt.HasContainer(req.ContainerName()) {
		t.Error("container survived cancellation")
	}
	if rt.Count("remove_image") != 1 {
		t.Error("image cleanup skipped after cancellation")
	}
}

func TestFormatMinutes(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{7200 * time.Second, "120.0"},
		{60 * time.Second, "1.0"},
		{90 * time.Second, "1.5"},
		{5 * time.Second, "0.08333333333333333"},
	}
	for _, tt := range tests {
		if got := formatMinutes(tt.in); got != tt.want {
			t.Errorf("formatMinutes(%s) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFailure(t *testing.T) {
	cause := errors.New("boom")
	err := error(fail(KindRuntime, runtimeReason(cause), cause))

	var f *Failure
	if !errors.As(err, &f) || f.Kind != KindRuntime {
		t.Fatalf("errors.As failed: %v", err)
	}
	if !errors.Is(err, cause) {
		t.Error("Failure does not unwrap to its cause")
	}
}
