// Package jobs tracks long-running tool invocations as cancellable,
// progress-reporting jobs bounded by a concurrency limit. The package is
// policy-free: classification of which tools are long-running belongs to
// the broker.
package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrAlreadyRunning is returned when a job id collides with an
	// active job. Starts are rejected, never queued.
	ErrAlreadyRunning = errors.New("job already running")

	// ErrLimitReached is returned when starting the job would exceed
	// the concurrency limit. Reject-fast, no backpressure queue.
	ErrLimitReached = errors.New("job limit reached")
)

// Func is the unit of work for a job. The context is cancelled on
// Cancel or manager teardown; report forwards progress in [0,100].
type Func func(ctx context.Context, report func(progress int, message string)) (any, error)

// Result settles exactly once per job.
type Result struct {
	Value any
	Err   error
}

type job struct {
	requestID    string
	startedAt    time.Time
	cancel       context.CancelFunc
	mu           sync.Mutex
	lastProgress int
	settled      bool
}

// Manager owns all active jobs and their cancellation tokens.
type Manager struct {
	mu     sync.Mutex
	jobs   map[string]*job
	limit  int
	logger *zap.Logger
}

// NewManager creates a manager with the given concurrency limit.
func NewManager(maxConcurrent int, logger *zap.Logger) *Manager {
	if maxConcurrent <= 0 {
		maxConcurrent = 5
	}
	return &Manager{
		jobs:   make(map[string]*job),
		limit:  maxConcurrent,
		logger: logger,
	}
}

// Start launches fn as a tracked job. The returned channel settles with
// exactly one Result: the fn outcome, or a cancellation error if the job
// is cancelled — even when fn never observes its context (best-effort
// cancellation from the caller's perspective).
//
// Progress values outside [0,100] and regressions below the last
// forwarded value are dropped. No progress is forwarded after settling.
func (m *Manager) Start(jobID, requestID string, fn Func, onProgress func(progress int, message string)) (<-chan Result, error) {
	m.mu.Lock()
	if _, exists := m.jobs[jobID]; exists {
		m.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	if len(m.jobs) >= m.limit {
		m.mu.Unlock()
		return nil, ErrLimitReached
	}

	ctx, cancel := context.WithCancel(context.Background())
	j := &job{
		requestID:    requestID,
		startedAt:    time.Now(),
		cancel:       cancel,
		lastProgress: -1,
	}
	m.jobs[jobID] = j
	m.mu.Unlock()

	report := func(progress int, message string) {
		if onProgress == nil {
			return
		}
		if progress < 0 || progress > 100 {
			m.logger.Warn("job progress out of range, dropping",
				zap.String("job_id", jobID),
				zap.Int("progress", progress),
			)
			return
		}
		j.mu.Lock()
		defer j.mu.Unlock()
		if j.settled || progress < j.lastProgress {
			return
		}
		j.lastProgress = progress
		// Forwarded under the lock: settling takes the same lock, so a
		// report admitted here completes before the terminal message.
		onProgress(progress, message)
	}

	resCh := make(chan Result, 1)
	inner := make(chan Result, 1)

	go func() {
		value, err := fn(ctx, report)
		inner <- Result{Value: value, Err: err}
	}()

	go func() {
		var res Result
		select {
		case r := <-inner:
			res = r
		case <-ctx.Done():
			// fn ignored the signal; settle as cancelled anyway.
			res = Result{Err: ctx.Err()}
		}
		if ctx.Err() != nil {
			res = Result{Err: ctx.Err()}
		}

		j.mu.Lock()
		j.settled = true
		j.mu.Unlock()

		m.mu.Lock()
		delete(m.jobs, jobID)
		m.mu.Unlock()
		cancel()

		resCh <- res
	}()

	return resCh, nil
}

// Cancel signals a job's cancellation token. Returns false if the job is
// not active. The job's result channel settles regardless of whether the
// underlying fn observes the signal.
func (m *Manager) Cancel(jobID string) bool {
	m.mu.Lock()
	j, ok := m.jobs[jobID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	j.cancel()
	return true
}

// CancelAll cancels every active job. Used on broker teardown.
func (m *Manager) CancelAll() {
	m.mu.Lock()
	all := make([]*job, 0, len(m.jobs))
	for _, j := range m.jobs {
		all = append(all, j)
	}
	m.mu.Unlock()
	for _, j := range all {
		j.cancel()
	}
}

// Active returns the ids of all in-flight jobs.
func (m *Manager) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.jobs))
	for id := range m.jobs {
		ids = append(ids, id)
	}
	return ids
}
