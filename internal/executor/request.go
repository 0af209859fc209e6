package executor

import (
	"errors"
	"path/filepath"
	"strings"
	"time"
)

type Request struct {
	SubmissionID    string
	ParentID        string // storage location for logs, echoed as admin_folder
	Repository      string
	Digest          string
	InputDir        string // mounted read-only
	WorkDir         string // receives the artifact, the log file and the temp output dir
	TimeLimit       time.Duration
	MemoryLimit     string
	MemorySwapLimit string
	StoreLogs       bool
}

// Image returns the immutable reference repository@digest.
func (r Request) Image() string {
	return r.Repository + "@" + r.Digest
}

func (r Request) ContainerName() string {
	return r.SubmissionID + "-docker_run"
}

func (r Request) LogFileName() string {
	return r.SubmissionID + "-docker_logs.txt"
}

func (r Request) validate() error {
	if strings.TrimSpace(r.Repository) == "" || strings.TrimSpace(r.Digest) == "" {
		return fail(KindConfig, notAnImageReason, nil)
	}

	var problems []error
	if strings.TrimSpace(r.SubmissionID) == "" {
		problems = append(problems, errors.New("submission id is required"))
	}
	if !filepath.IsAbs(r.InputDir) {
		problems = append(problems, errors.New("input dir must be an absolute path"))
	}
	if strings.TrimSpace(r.WorkDir) == "" {
		problems = append(problems, errors.New("work dir is required"))
	}
	if r.TimeLimit <= 0 {
		problems = append(problems, errors.New("time limit must be positive"))
	}
	if len(problems) > 0 {
		err := errors.Join(problems...)
		return fail(KindRequest, "Invalid execution request: "+err.Error(), err)
	}
	return nil
}
