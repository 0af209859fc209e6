package queue

import (
	"errors"

	"github.com/google/uuid"

	"github.com/itstheanurag/evalrunner/internal/executor"
	"github.com/itstheanurag/evalrunner/internal/metrics"
)

var ErrQueueFull = errors.New("submission queue is full")

type Job struct {
	ID      string
	Request executor.Request
}

// NewJob wraps req with a fresh job ID.
func NewJob(req executor.Request) *Job {
	return &Job{
		ID:      uuid.NewString(),
		Request: req,
	}
}

type Manager struct {
	jobQueue chan *Job
}

func NewManager(capacity int) *Manager {
	return &Manager{
		jobQueue: make(chan *Job, capacity),
	}
}

// TrySubmit enqueues job without blocking.
func (m *Manager) TrySubmit(job *Job) error {
	select {
	case m.jobQueue <- job:
		m.UpdateQueueMetric()
		return nil
	default:
		return ErrQueueFull
	}
}

func (m *Manager) NextJob() <-chan *Job {
	return m.jobQueue
}

func (m *Manager) Len() int {
	return len(m.jobQueue)
}

func (m *Manager) UpdateQueueMetric() {
	metrics.QueueDepth.Set(float64(len(m.jobQueue)))
}
