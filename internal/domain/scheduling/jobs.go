package scheduling

import (
	"sync"

	"github.com/cockroachdb/errors"
)

// JobState is what a poll of an async booking reports.
type JobState int

const (
	JobNotFound JobState = iota
	JobPending
	JobSucceeded
	JobRejected
	JobFailed
	JobInterrupted
)

func (s JobState) String() string {
	switch s {
	case JobNotFound:
		return "not-found"
	case JobPending:
		return "pending"
	case JobSucceeded:
		return "succeeded"
	case JobRejected:
		return "rejected"
	case JobFailed:
		return "failed"
	case JobInterrupted:
		return "interrupted"
	}
	return "unknown"
}

// JobStatus is a snapshot of one job. Result is set for JobSucceeded and
// JobRejected, Err for JobFailed and JobInterrupted.
type JobStatus struct {
	State  JobState
	Result *BookingResult
	Err    error
}

// JobRegistry tracks async bookings by job id. Jobs are kept for the
// lifetime of the process.
type JobRegistry struct {
	mu   sync.RWMutex
	jobs map[string]*Future
}

func NewJobRegistry() *JobRegistry {
	return &JobRegistry{jobs: make(map[string]*Future)}
}

// Submit stores f under jobID, replacing any previous job with that id.
func (r *JobRegistry) Submit(jobID string, f *Future) {
	r.mu.Lock()
	r.jobs[jobID] = f
	r.mu.Unlock()
}

// Poll reports the state of a job without blocking.
func (r *JobRegistry) Poll(jobID string) JobStatus {
	r.mu.RLock()
	f, ok := r.jobs[jobID]
	r.mu.RUnlock()
	if !ok {
		return JobStatus{State: JobNotFound}
	}

	select {
	case <-f.Done():
	default:
		return JobStatus{State: JobPending}
	}

	result, err := f.Result()
	switch {
	case errors.Is(err, ErrInterrupted):
		return JobStatus{State: JobInterrupted, Err: err}
	case err != nil:
		return JobStatus{State: JobFailed, Err: err}
	case result == nil:
		return JobStatus{State: JobFailed, Err: errors.New("booking finished without a result")}
	case result.Success:
		return JobStatus{State: JobSucceeded, Result: result}
	default:
		return JobStatus{State: JobRejected, Result: result}
	}
}

// Len returns the number of tracked jobs.
func (r *JobRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}
