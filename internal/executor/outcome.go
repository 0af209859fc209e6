package executor

import "time"

type Status int

const (
	StatusValidated Status = iota
	StatusInvalid
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusValidated:
		return "validated"
	case StatusInvalid:
		return "invalid"
	default:
		return "error"
	}
}

// State is a step of the execution state machine.
type State int

const (
	StateInit State = iota
	StateRejected
	StateAuthChecked
	StateStaleCleaned
	StatePullFailed
	StatePulled
	StateRunning
	StateCompleted
	StateTimedOut
	StateRuntimeFailed
	StateCleanedUp
	StateTerminal
)

var stateNames = [...]string{
	StateInit:          "init",
	StateRejected:      "rejected",
	StateAuthChecked:   "auth_checked",
	StateStaleCleaned:  "stale_cleaned",
	StatePullFailed:    "pull_failed",
	StatePulled:        "pulled",
	StateRunning:       "running",
	StateCompleted:     "completed",
	StateTimedOut:      "timed_out",
	StateRuntimeFailed: "runtime_failed",
	StateCleanedUp:     "cleaned_up",
	StateTerminal:      "terminal",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Outcome is the immutable result of one execution.
type Outcome struct {
	RunID        string
	SubmissionID string
	ParentID     string
	Image        string
	Status       Status
	Kind         Kind
	Reason       string
	ArtifactPath string
	LogPath      string
	ExitCode     int64
	// Branch is the state the execution resolved in before cleanup, e.g.
	// StateCompleted or StateTimedOut.
	Branch     State
	StartedAt  time.Time
	FinishedAt time.Time
}

func (o Outcome) Duration() time.Duration {
	return o.FinishedAt.Sub(o.StartedAt)
}
