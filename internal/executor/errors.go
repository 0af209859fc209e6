package executor

import (
	"fmt"
	"math"
	"strconv"
	"time"
)

// Kind classifies why an execution did not validate.
type Kind string

const (
	KindNone          Kind = ""
	KindConfig        Kind = "config"         // no image reference
	KindRequest       Kind = "request"        // malformed request
	KindPull          Kind = "pull"           // image unavailable or incompatible
	KindTimeout       Kind = "timeout"        // wall-clock budget exceeded
	KindRuntime       Kind = "runtime"        // engine failure during create/run/wait/logs
	KindOutputMissing Kind = "output_missing" // container exited without the artifact
	KindInternal      Kind = "internal"       // orchestrator-side fault
)

// Failure is the error every execution step returns. Reason is the message
// reported back to the submitter.
type Failure struct {
	Kind   Kind
	Reason string
	Err    error
}

func (f *Failure) Error() string {
	if f.Err != nil && f.Err.Error() != f.Reason {
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Reason, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Reason)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

func fail(kind Kind, reason string, err error) *Failure {
	return &Failure{Kind: kind, Reason: reason, Err: err}
}

const notAnImageReason = "Submission is not a Docker image, please try again."

func pullReason(err error) string {
	return "Unable to pull image: " + err.Error()
}

func runtimeReason(err error) string {
	return "Error running container: " + err.Error()
}

func missingOutputReason(name string) string {
	return "Container did not generate a file called " + name
}

func timeoutReason(limit time.Duration) string {
	return fmt.Sprintf("Container exceeded execution time limit of %s minutes; stopping container.", formatMinutes(limit))
}

// formatMinutes renders whole minutes as "120.0" and anything else with the
// shortest exact decimal, e.g. "0.08333333333333333".
func formatMinutes(d time.Duration) string {
	m := d.Seconds() / 60
	if m == math.Trunc(m) {
		return strconv.FormatFloat(m, 'f', 1, 64)
	}
	return strconv.FormatFloat(m, 'f', -1, 64)
}
