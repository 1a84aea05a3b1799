package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rs/xid"

	"github-mirror/internal/ratelimit"
	"github-mirror/internal/schedule"
)

const (
	DefaultTickInterval = 100 * time.Millisecond
	DefaultBaseDelay    = time.Second
	DefaultMaxRetries   = 3
	// NoRetries as Config.MaxRetries drops a job on its first failure.
	NoRetries = -1
)

// Limiter gates dequeuing by priority.
type Limiter interface {
	CanFetch(p ratelimit.Priority) bool
}

// JobSpec describes work to enqueue.
type JobSpec struct {
	Priority   ratelimit.Priority
	Execute    func(ctx context.Context) error
	EntityType string
	EntityID   string
}

// Job is a queued unit of work. A job is removed from the queue before it runs.
type Job struct {
	ID         string
	Priority   ratelimit.Priority
	Execute    func(ctx context.Context) error
	EntityType string
	EntityID   string
	Retries    int
	CreatedAt  time.Time
}

// Config tunes the queue. Zero values take the defaults; MaxRetries zero
// means DefaultMaxRetries.
type Config struct {
	TickInterval time.Duration
	BaseDelay    time.Duration
	MaxRetries   int
}

type pendingRetry struct {
	job  *Job
	stop schedule.Cancel
}

// Queue runs jobs one at a time in priority order, FIFO within a priority,
// only when the limiter admits the head job's priority.
type Queue struct {
	mu        sync.Mutex
	jobs      []*Job
	retries   map[string]*pendingRetry
	tick      schedule.Cancel
	executing bool
	closed    bool

	limiter Limiter
	sched   schedule.Scheduler
	cfg     Config
	logger  *slog.Logger
	onDrop  func(Job, error)

	ctx    context.Context
	cancel context.CancelFunc
}

type Option func(*Queue)

// WithOnDrop registers a hook called when a job exhausts its retries.
func WithOnDrop(fn func(Job, error)) Option {
	return func(q *Queue) { q.onDrop = fn }
}

// OnDrop replaces the hook called when a job exhausts its retries.
func (q *Queue) OnDrop(fn func(Job, error)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onDrop = fn
}

func New(limiter Limiter, sched schedule.Scheduler, cfg Config, logger *slog.Logger, opts ...Option) *Queue {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	switch {
	case cfg.MaxRetries == 0:
		cfg.MaxRetries = DefaultMaxRetries
	case cfg.MaxRetries < 0:
		cfg.MaxRetries = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		retries: make(map[string]*pendingRetry),
		limiter: limiter,
		sched:   sched,
		cfg:     cfg,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue adds a job and returns its ID. If a job for the same entity is
// already waiting, queued or backing off, no second job is added: the waiting
// job takes the new Execute and the more urgent priority, and its ID is returned.
func (q *Queue) Enqueue(spec JobSpec) string {
	job := &Job{
		ID:         xid.New().String(),
		Priority:   spec.Priority,
		Execute:    spec.Execute,
		EntityType: spec.EntityType,
		EntityID:   spec.EntityID,
		CreatedAt:  q.sched.Now(),
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		q.logger.Debug("Queue closed, job discarded", "entity_type", spec.EntityType, "entity_id", spec.EntityID)
		return job.ID
	}
	if waiting, queued := q.pendingFor(spec.EntityType, spec.EntityID); waiting != nil {
		waiting.Execute = spec.Execute
		if spec.Priority < waiting.Priority {
			waiting.Priority = spec.Priority
			if queued {
				q.remove(waiting.ID)
				q.insert(waiting)
			}
		}
		q.logger.Debug("Job already pending", "job_id", waiting.ID, "entity_type", spec.EntityType, "entity_id", spec.EntityID)
		return waiting.ID
	}
	q.insert(job)
	q.ensureTicking()
	return job.ID
}

// Pending reports whether a job for the entity is queued or backing off.
func (q *Queue) Pending(entityType, entityID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, _ := q.pendingFor(entityType, entityID)
	return job != nil
}

// pendingFor finds the waiting job for an entity. queued is false when the
// job is waiting out a retry delay. Callers hold mu.
func (q *Queue) pendingFor(entityType, entityID string) (job *Job, queued bool) {
	if entityID == "" {
		return nil, false
	}
	for _, j := range q.jobs {
		if j.EntityType == entityType && j.EntityID == entityID {
			return j, true
		}
	}
	for _, r := range q.retries {
		if r.job.EntityType == entityType && r.job.EntityID == entityID {
			return r.job, false
		}
	}
	return nil, false
}

// Cancel removes a queued job or a pending retry. It reports whether anything was removed.
func (q *Queue) Cancel(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if r, ok := q.retries[id]; ok {
		r.stop()
		delete(q.retries, id)
		return true
	}
	return q.remove(id)
}

// remove deletes a queued job. Callers hold mu.
func (q *Queue) remove(id string) bool {
	for i, j := range q.jobs {
		if j.ID == id {
			q.jobs = append(q.jobs[:i], q.jobs[i+1:]...)
			return true
		}
	}
	return false
}

// Len counts queued jobs plus jobs waiting out a retry delay.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs) + len(q.retries)
}

// Clear drops every queued job and pending retry.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.clearLocked()
}

// Close clears the queue, cancels the context handed to running jobs and
// rejects further work.
func (q *Queue) Close() {
	q.mu.Lock()
	q.clearLocked()
	q.closed = true
	q.mu.Unlock()
	q.cancel()
}

func (q *Queue) clearLocked() {
	n := len(q.jobs) + len(q.retries)
	q.jobs = nil
	for id, r := range q.retries {
		r.stop()
		delete(q.retries, id)
	}
	if q.tick != nil {
		q.tick()
		q.tick = nil
	}
	if n > 0 {
		q.logger.Info("Queue cleared", "dropped", n)
	}
}

// insert keeps jobs sorted by priority, after any job of equal priority.
func (q *Queue) insert(job *Job) {
	i := len(q.jobs)
	for idx, j := range q.jobs {
		if j.Priority > job.Priority {
			i = idx
			break
		}
	}
	q.jobs = append(q.jobs, nil)
	copy(q.jobs[i+1:], q.jobs[i:])
	q.jobs[i] = job
}

// ensureTicking arms the tick timer. Callers hold mu.
func (q *Queue) ensureTicking() {
	if q.tick != nil || q.executing || q.closed || len(q.jobs) == 0 {
		return
	}
	q.tick = q.sched.Schedule(q.cfg.TickInterval, q.processNext)
}

func (q *Queue) processNext() {
	q.mu.Lock()
	q.tick = nil
	if q.closed || len(q.jobs) == 0 {
		q.mu.Unlock()
		return
	}
	head := q.jobs[0]
	if !q.limiter.CanFetch(head.Priority) {
		q.logger.Debug("Quota too low for head job, waiting", "priority", head.Priority.String(), "pending", len(q.jobs))
		q.ensureTicking()
		q.mu.Unlock()
		return
	}
	q.jobs = q.jobs[1:]
	q.executing = true
	q.mu.Unlock()

	err := head.Execute(q.ctx)

	q.mu.Lock()
	q.executing = false
	if err != nil {
		q.handleFailure(head, err)
	}
	q.ensureTicking()
	q.mu.Unlock()
}

// handleFailure schedules a retry with exponential backoff or drops the job. Callers hold mu.
func (q *Queue) handleFailure(job *Job, err error) {
	logger := q.logger.With("job_id", job.ID, "entity_type", job.EntityType, "entity_id", job.EntityID, "retries", job.Retries)
	if q.closed || q.ctx.Err() != nil {
		return
	}
	if job.Retries >= q.cfg.MaxRetries {
		logger.Error("Job failed permanently, dropping", "error", err)
		if q.onDrop != nil {
			dropped := *job
			q.mu.Unlock()
			q.onDrop(dropped, err)
			q.mu.Lock()
		}
		return
	}

	delay := q.cfg.BaseDelay * time.Duration(1<<job.Retries)
	logger.Warn("Job failed, scheduling retry", "error", err, "delay", delay.String())

	retry := *job
	retry.Retries++
	pending := &pendingRetry{job: &retry}
	q.retries[job.ID] = pending
	pending.stop = q.sched.Schedule(delay, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		if q.retries[retry.ID] != pending {
			return
		}
		delete(q.retries, retry.ID)
		q.insert(pending.job)
		q.ensureTicking()
	})
}
