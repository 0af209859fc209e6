// Package report turns an execution outcome into the results file consumed
// by the submission queue.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/itstheanurag/evalrunner/internal/executor"
)

const (
	StatusValidated = "VALIDATED_DOCKER"
	StatusInvalid   = "INVALID"
)

type Record struct {
	SubmissionStatus string `json:"submission_status"`
	SubmissionErrors string `json:"submission_errors"`
	AdminFolder      string `json:"admin_folder"`
}

// New builds the record for an outcome. Orchestrator errors are reported as
// INVALID too: the queue only knows the two states.
func New(out executor.Outcome, adminFolder string) Record {
	rec := Record{
		SubmissionStatus: StatusInvalid,
		SubmissionErrors: out.Reason,
		AdminFolder:      adminFolder,
	}
	if out.Status == executor.StatusValidated {
		rec.SubmissionStatus = StatusValidated
		rec.SubmissionErrors = ""
	}
	return rec
}

func Write(w io.Writer, rec Record) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(rec); err != nil {
		return fmt.Errorf("encode results: %w", err)
	}
	return nil
}

// WriteFile writes the record atomically: a reader never sees a partial file.
func WriteFile(path string, rec Record) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".results-*")
	if err != nil {
		return fmt.Errorf("create results file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := Write(tmp, rec); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close results file: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("chmod results file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename results file: %w", err)
	}
	return nil
}
