// Package worker runs small jobs, such as decrypting inbound payloads, off
// the network path. Jobs are grouped into lanes: a lane runs its jobs one
// at a time in submission order, while a shared semaphore bounds how many
// lanes run at once.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

var (
	// ErrStopped is returned by Submit after Stop.
	ErrStopped = errors.New("worker: pool stopped")
	// ErrLaneFull is returned when a lane's buffer has no room.
	ErrLaneFull = errors.New("worker: lane full")
	// ErrDuplicate is returned when a job with the same id is already
	// queued or running.
	ErrDuplicate = errors.New("worker: duplicate job")
)

const defaultLaneCapacity = 256

// Status is the lifecycle state of a Job.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusComplete  Status = "complete"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Job is one unit of work submitted to the Pool.
type Job struct {
	ID        string
	Lane      string
	CreatedAt time.Time

	fn     func(context.Context) error
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	status Status
	err    error
}

// Status returns the job's lifecycle state.
func (j *Job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// Err returns the job's failure, if any.
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

func (j *Job) setStatus(s Status, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.status = s
	j.err = err
}

// Pool manages lanes of jobs with a global concurrency semaphore.
type Pool struct {
	lanes        map[string]chan *Job
	jobs         map[string]*Job
	semaphore    *semaphore.Weighted
	laneCapacity int
	logger       *slog.Logger
	active       atomic.Int64
	completed    atomic.Int64
	failed       atomic.Int64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	stopped bool
}

// NewPool creates a Pool that allows up to maxConcurrent jobs to execute
// simultaneously across all lanes.
func NewPool(maxConcurrent int64, logger *slog.Logger) *Pool {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		lanes:        make(map[string]chan *Job),
		jobs:         make(map[string]*Job),
		semaphore:    semaphore.NewWeighted(maxConcurrent),
		laneCapacity: defaultLaneCapacity,
		logger:       logger.With("component", "worker"),
	}
}

// Start initialises the pool's context. Must be called before Submit.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ctx, p.cancel = context.WithCancel(ctx)
}

// Stop cancels every queued and running job, closes all lanes and waits
// for in-flight jobs to return.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	if p.cancel != nil {
		p.cancel()
	}
	for _, lane := range p.lanes {
		close(lane)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// Submit queues fn under id on lane, creating the lane (and its goroutine)
// on first use. It never blocks: a full lane returns ErrLaneFull.
func (p *Pool) Submit(id, lane string, fn func(context.Context) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped || p.ctx == nil {
		return ErrStopped
	}
	if _, exists := p.jobs[id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicate, id)
	}

	ch, exists := p.lanes[lane]
	if !exists {
		ch = make(chan *Job, p.laneCapacity)
		p.lanes[lane] = ch
		p.wg.Add(1)
		go p.processLane(lane, ch)
	}

	ctx, cancel := context.WithCancel(p.ctx)
	job := &Job{
		ID:        id,
		Lane:      lane,
		CreatedAt: time.Now(),
		fn:        fn,
		ctx:       ctx,
		cancel:    cancel,
		status:    StatusQueued,
	}

	select {
	case ch <- job:
		p.jobs[id] = job
		return nil
	default:
		cancel()
		return fmt.Errorf("%w: %s", ErrLaneFull, lane)
	}
}

// Cancel cancels the job with id. A queued job is skipped; a running job
// sees its context cancelled. It reports whether a job was found.
func (p *Pool) Cancel(id string) bool {
	p.mu.Lock()
	job, ok := p.jobs[id]
	p.mu.Unlock()
	if !ok {
		return false
	}
	job.cancel()
	return true
}

// Pending returns the number of jobs queued or running.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.jobs)
}

// Active returns the number of jobs currently running.
func (p *Pool) Active() int64 { return p.active.Load() }

// Completed returns the number of jobs that finished without error.
func (p *Pool) Completed() int64 { return p.completed.Load() }

// Failed returns the number of jobs that returned an error or panicked.
func (p *Pool) Failed() int64 { return p.failed.Load() }

// processLane drains a single lane, acquiring a semaphore slot before
// running each job synchronously.
func (p *Pool) processLane(lane string, ch chan *Job) {
	defer p.wg.Done()
	for job := range ch {
		p.run(job)
	}
}

func (p *Pool) run(job *Job) {
	defer p.finish(job)

	if job.ctx.Err() != nil {
		job.setStatus(StatusCancelled, job.ctx.Err())
		return
	}
	if err := p.semaphore.Acquire(job.ctx, 1); err != nil {
		job.setStatus(StatusCancelled, err)
		return
	}
	defer p.semaphore.Release(1)

	job.setStatus(StatusRunning, nil)
	p.active.Add(1)
	defer p.active.Add(-1)

	err := p.call(job)
	switch {
	case err == nil:
		job.setStatus(StatusComplete, nil)
		p.completed.Add(1)
	case job.ctx.Err() != nil && errors.Is(err, job.ctx.Err()):
		job.setStatus(StatusCancelled, err)
	default:
		job.setStatus(StatusFailed, err)
		p.failed.Add(1)
		p.logger.Warn("job failed", "job_id", job.ID, "lane", job.Lane, "error", err)
	}
}

func (p *Pool) call(job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return job.fn(job.ctx)
}

func (p *Pool) finish(job *Job) {
	job.cancel()
	p.mu.Lock()
	if p.jobs[job.ID] == job {
		delete(p.jobs, job.ID)
	}
	p.mu.Unlock()
}

// WaitIdle blocks until no jobs are queued or running, or the timeout
// expires. Returns true if idle, false if timed out.
func (p *Pool) WaitIdle(timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if p.Pending() == 0 {
			return true
		}
		select {
		case <-deadline:
			return false
		case <-time.After(10 * time.Millisecond):
		}
	}
}
