// Package jobqueue implements the concurrency-bounded async job queue of
// spec §4.11. Scheduling is grounded on the teacher's own
// semaphore-bounded fan-out in graph/builder.go, generalized from a
// one-shot batch into a long-lived queue with cancellation and retention.
// Job records are held in memory only; they do not survive a restart.
package jobqueue

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Status is a job's lifecycle state. Transitions are monotonic:
// pending -> running -> (completed | failed | cancelled).
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Progress is a handler-reported status update.
type Progress struct {
	Percent     int            `json:"percent"`
	Message     string         `json:"message"`
	CurrentStep int            `json:"current_step"`
	TotalSteps  int            `json:"total_steps"`
	Details     map[string]any `json:"details,omitempty"`
}

// Job records one unit of queued async work.
type Job struct {
	ID          string
	Kind        string
	Status      Status
	Progress    Progress
	Params      map[string]any
	Result      any
	Error       string
	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
	cancel      context.CancelFunc
}

// Handler does the actual work for one job kind. It should poll ctx for
// cancellation between stages and report progress via report.
type Handler func(ctx context.Context, job *Job, report func(Progress)) (any, error)

// Listener receives every progress update for a job (or, registered
// globally, for every job).
type Listener func(jobID string, p Progress)

var ErrNotFound = errors.New("jobqueue: job not found")

// Queue is the job orchestrator: bounded concurrency via a weighted
// semaphore, job records guarded by a RWMutex, cooperative cancellation
// via a per-job context.
type Queue struct {
	mu           sync.RWMutex
	jobs         map[string]*Job
	order        []string // insertion order, for retention pruning
	sem          *semaphore.Weighted
	maxRetention int
	handlers     map[string]Handler
	listeners    map[string][]Listener // jobID -> listeners; "" key = global
	idSeq        int64
	idPrefix     string
}

// Config configures a Queue.
type Config struct {
	MaxConcurrent int // default 3
	MaxRetention  int // default 100
}

// New creates a job queue.
func New(cfg Config) *Queue {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 3
	}
	if cfg.MaxRetention <= 0 {
		cfg.MaxRetention = 100
	}
	return &Queue{
		jobs:         make(map[string]*Job),
		sem:          semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		maxRetention: cfg.MaxRetention,
		handlers:     make(map[string]Handler),
		listeners:    make(map[string][]Listener),
	}
}

// RegisterHandler associates a handler with a job kind.
func (q *Queue) RegisterHandler(kind string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[kind] = h
}

// Subscribe registers a listener for updates on jobID, or globally when
// jobID is empty.
func (q *Queue) Subscribe(jobID string, l Listener) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.listeners[jobID] = append(q.listeners[jobID], l)
}

// Submit enqueues a job of the given kind and returns its id immediately.
// The job waits for a concurrency permit before its handler runs; the
// queue never rejects on capacity (spec §7 resource_exhausted: "for jobs,
// still accept and queue").
func (q *Queue) Submit(kind string, params map[string]any) (string, error) {
	q.mu.Lock()
	h, ok := q.handlers[kind]
	if !ok {
		q.mu.Unlock()
		return "", errors.New("jobqueue: no handler registered for kind " + kind)
	}
	q.idSeq++
	id := q.newID()
	ctx, cancel := context.WithCancel(context.Background())
	job := &Job{
		ID:        id,
		Kind:      kind,
		Status:    StatusPending,
		Params:    params,
		CreatedAt: time.Now(),
		cancel:    cancel,
	}
	q.jobs[id] = job
	q.order = append(q.order, id)
	q.mu.Unlock()

	go q.run(ctx, job, h)
	return id, nil
}

func (q *Queue) newID() string {
	return time.Now().UTC().Format("20060102T150405.000000000") + "-" + strconv.FormatInt(q.idSeq, 10)
}

func (q *Queue) run(ctx context.Context, job *Job, h Handler) {
	if err := q.sem.Acquire(ctx, 1); err != nil {
		q.finish(job, StatusCancelled, nil, "")
		return
	}
	defer q.sem.Release(1)

	q.mu.Lock()
	if job.Status == StatusCancelled {
		q.mu.Unlock()
		return
	}
	job.Status = StatusRunning
	job.StartedAt = time.Now()
	q.mu.Unlock()

	report := func(p Progress) {
		q.mu.Lock()
		job.Progress = p
		q.mu.Unlock()
		q.notify(job.ID, p)
	}

	result, err := q.safeRun(ctx, job, h, report)

	if ctx.Err() != nil {
		q.finish(job, StatusCancelled, nil, "")
		return
	}
	if err != nil {
		slog.Warn("jobqueue: handler failed", "job_id", job.ID, "kind", job.Kind, "error", err)
		q.finish(job, StatusFailed, nil, err.Error())
		return
	}
	q.finish(job, StatusCompleted, result, "")
}

// safeRun recovers from handler panics and converts them to errors, so
// a misbehaving handler never crashes the queue (spec §4.11).
func (q *Queue) safeRun(ctx context.Context, job *Job, h Handler, report func(Progress)) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("jobqueue: handler panicked")
		}
	}()
	return h(ctx, job, report)
}

func (q *Queue) finish(job *Job, status Status, result any, errMsg string) {
	q.mu.Lock()
	job.Status = status
	job.Result = result
	job.Error = errMsg
	job.CompletedAt = time.Now()
	q.mu.Unlock()
	q.pruneRetention()
}

func (q *Queue) notify(jobID string, p Progress) {
	q.mu.RLock()
	listeners := append([]Listener{}, q.listeners[jobID]...)
	listeners = append(listeners, q.listeners[""]...)
	q.mu.RUnlock()
	for _, l := range listeners {
		l(jobID, p)
	}
}

// Cancel flips the cancellation flag for a job. If the job is running,
// its context is also cancelled cooperatively. Post-cancel status
// becomes "cancelled" within one scheduler tick.
func (q *Queue) Cancel(jobID string) error {
	q.mu.Lock()
	job, ok := q.jobs[jobID]
	if !ok {
		q.mu.Unlock()
		return ErrNotFound
	}
	if job.Status == StatusCompleted || job.Status == StatusFailed || job.Status == StatusCancelled {
		q.mu.Unlock()
		return nil
	}
	wasPending := job.Status == StatusPending
	job.Status = StatusCancelled
	job.CompletedAt = time.Now()
	cancel := job.cancel
	q.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if wasPending {
		q.finish(job, StatusCancelled, nil, "")
	}
	return nil
}

// Get returns a snapshot of a job's current state.
func (q *Queue) Get(jobID string) (*Job, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	job, ok := q.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *job
	return &cp, nil
}

// List returns all jobs in submission order.
func (q *Queue) List() []*Job {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]*Job, 0, len(q.order))
	for _, id := range q.order {
		if j, ok := q.jobs[id]; ok {
			cp := *j
			out = append(out, &cp)
		}
	}
	return out
}

// pruneRetention drops the oldest terminal jobs beyond maxRetention.
func (q *Queue) pruneRetention() {
	q.mu.Lock()
	defer q.mu.Unlock()

	var terminal []string
	for _, id := range q.order {
		j := q.jobs[id]
		if j != nil && isTerminal(j.Status) {
			terminal = append(terminal, id)
		}
	}
	if len(terminal) <= q.maxRetention {
		return
	}
	toDrop := len(terminal) - q.maxRetention
	dropSet := make(map[string]bool, toDrop)
	for _, id := range terminal[:toDrop] {
		dropSet[id] = true
		delete(q.jobs, id)
		delete(q.listeners, id)
	}
	kept := q.order[:0:0]
	for _, id := range q.order {
		if !dropSet[id] {
			kept = append(kept, id)
		}
	}
	q.order = kept
}

func isTerminal(s Status) bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}
