// Package scheduler runs jobs on a fixed worker pool. Jobs are dispatched in
// submission order, skipping models that are at their concurrency limit and
// jobs waiting out a capacity backoff.
package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"meshd/internal/apperr"
	"meshd/internal/jobs"
	"meshd/internal/manager"
	"meshd/internal/model"
)

// Defaults applied when corresponding Config fields are unset.
const (
	defaultWorkers         = 2
	defaultMaxQueueDepth   = 1024
	defaultBackoffInitial  = 500 * time.Millisecond
	defaultBackoffMax      = 30 * time.Second
	defaultJanitorInterval = 30 * time.Second
	defaultShutdownTimeout = 30 * time.Second
)

type Config struct {
	Workers       int
	MaxQueueDepth int
	// BackoffInitial doubles on every capacity requeue up to BackoffMax.
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// JobDeadline applies to submissions without their own. Zero disables.
	JobDeadline time.Duration
	// Retention is how long terminal jobs are kept. Zero keeps them forever.
	Retention       time.Duration
	JanitorInterval time.Duration
	ShutdownTimeout time.Duration
	// OutputDir, when set, is the root under which every job writes its
	// artifacts, in <OutputDir>/<job id>. It replaces any output_dir a
	// client submits.
	OutputDir string
	Logger    zerolog.Logger
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.MaxQueueDepth <= 0 {
		c.MaxQueueDepth = defaultMaxQueueDepth
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = defaultBackoffInitial
	}
	if c.BackoffMax < c.BackoffInitial {
		c.BackoffMax = max(defaultBackoffMax, c.BackoffInitial)
	}
	if c.JanitorInterval <= 0 {
		c.JanitorInterval = defaultJanitorInterval
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = defaultShutdownTimeout
	}
}

// Registry is the part of the model registry the scheduler drives.
type Registry interface {
	Model(id string) (model.Model, error)
	Resolve(feature model.FeatureType, preference string) (model.Model, error)
	Acquire(ctx context.Context, id string) (*manager.Lease, error)
	MarkCorrupt(ctx context.Context, id string, cause error)
}

// Request is a job submission.
type Request struct {
	Feature         model.FeatureType
	ModelPreference string
	Inputs          model.Inputs
	// Deadline overrides Config.JobDeadline when positive.
	Deadline time.Duration
}

// Stats is a point-in-time view of the queue.
type Stats struct {
	Workers  int
	Queued   int
	Running  int
	MaxDepth int
}

type Scheduler struct {
	cfg   Config
	reg   Registry
	store *jobs.Store
	log   zerolog.Logger

	mu       sync.Mutex
	queue    *pendingQueue
	reserved int
	active   map[string]int
	running  map[string]context.CancelFunc
	changed  chan struct{}
	closed   bool
	started  bool

	stopDispatch context.CancelFunc
	cancelJobs   context.CancelFunc
	jobCtx       context.Context
	group        *errgroup.Group
}

func New(cfg Config, reg Registry, store *jobs.Store) *Scheduler {
	cfg.applyDefaults()
	jobCtx, cancelJobs := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:        cfg,
		reg:        reg,
		store:      store,
		log:        cfg.Logger,
		queue:      newPendingQueue(),
		active:     make(map[string]int),
		running:    make(map[string]context.CancelFunc),
		changed:    make(chan struct{}),
		jobCtx:     jobCtx,
		cancelJobs: cancelJobs,
	}
}

// notify wakes every worker waiting for queue changes. Callers hold s.mu.
func (s *Scheduler) notify() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// Submit validates req, stores a QUEUED job and enqueues it. It never waits
// for a model.
func (s *Scheduler) Submit(ctx context.Context, req Request) (jobs.Job, error) {
	mdl, err := s.reg.Resolve(req.Feature, req.ModelPreference)
	if err != nil {
		return jobs.Job{}, err
	}
	id := s.store.NewID()
	in := make(model.Inputs, len(req.Inputs)+1)
	for k, v := range req.Inputs {
		in[k] = v
	}
	if dir := s.jobDir(id); dir != "" {
		in["output_dir"] = dir
	}
	if err := mdl.Validate(in); err != nil {
		return jobs.Job{}, err
	}
	if req.Deadline < 0 {
		return jobs.Job{}, apperr.Validation("deadline must not be negative")
	}
	deadline := req.Deadline
	if deadline == 0 {
		deadline = s.cfg.JobDeadline
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return jobs.Job{}, apperr.NotReady("scheduler is shutting down")
	}
	if s.queue.Len()+s.reserved >= s.cfg.MaxQueueDepth {
		s.mu.Unlock()
		return jobs.Job{}, apperr.TooBusy("queue is full (%d jobs)", s.cfg.MaxQueueDepth)
	}
	s.reserved++
	s.mu.Unlock()

	j := jobs.Job{ID: id, Feature: mdl.Feature(), ModelID: mdl.ID(), Inputs: in}
	if deadline > 0 {
		j.Deadline = s.store.Now().Add(deadline)
	}
	j, err = s.store.Create(ctx, j)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.reserved--
	if err != nil {
		return jobs.Job{}, err
	}
	s.queue.push(pending{id: j.ID, seq: j.Seq, modelID: j.ModelID})
	queueDepth.Set(float64(s.queue.Len()))
	s.notify()
	jobsSubmitted.WithLabelValues(string(j.Feature)).Inc()
	s.log.Debug().Str("event", "job_submitted").Str("job", j.ID).Str("model", j.ModelID).Msg("scheduler")
	return j, nil
}

// jobDir is where job id writes its artifacts, or "" when outputs go beside
// the inputs.
func (s *Scheduler) jobDir(id string) string {
	if s.cfg.OutputDir == "" {
		return ""
	}
	return filepath.Join(s.cfg.OutputDir, id)
}

// Status returns the current record of job id.
func (s *Scheduler) Status(id string) (jobs.Job, error) {
	return s.store.Get(id)
}

// Result returns the outputs of a COMPLETED job.
func (s *Scheduler) Result(id string) (model.Outputs, error) {
	j, err := s.store.Get(id)
	if err != nil {
		return nil, err
	}
	if j.Status != jobs.StatusCompleted {
		return nil, apperr.NotReady("job %s is %s", id, j.Status)
	}
	return j.Result, nil
}

// Cancel stops job id. A QUEUED job is cancelled at once. A RUNNING job is
// flagged and its context cancelled; it becomes CANCELLED at its next
// progress report or when processing returns. Cancelling a finished job
// changes nothing.
func (s *Scheduler) Cancel(ctx context.Context, id string) (jobs.Job, error) {
	s.mu.Lock()
	if s.queue.remove(id) {
		queueDepth.Set(float64(s.queue.Len()))
	}
	cancel := s.running[id]
	s.mu.Unlock()

	now := s.store.Now()
	j, err := s.store.Update(ctx, id, func(j *jobs.Job) error {
		switch j.Status {
		case jobs.StatusQueued:
			return j.Cancel(now)
		case jobs.StatusRunning:
			j.CancelRequested = true
			return nil
		}
		return errNoChange
	})
	if errors.Is(err, errNoChange) {
		return j, nil
	}
	if err != nil {
		return jobs.Job{}, err
	}
	if j.Status == jobs.StatusCancelled {
		jobsFinished.WithLabelValues(string(jobs.StatusCancelled)).Inc()
	}
	if cancel != nil {
		cancel()
	}
	s.log.Info().Str("event", "job_cancel").Str("job", id).Str("status", string(j.Status)).Msg("scheduler")
	return j, nil
}

// List returns jobs matching f in submission order.
func (s *Scheduler) List(f jobs.Filter) []jobs.Job {
	return s.store.List(f)
}

// Counts returns the number of stored jobs per status.
func (s *Scheduler) Counts() map[jobs.Status]int {
	return s.store.Counts()
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Workers:  s.cfg.Workers,
		Queued:   s.queue.Len(),
		Running:  len(s.running),
		MaxDepth: s.cfg.MaxQueueDepth,
	}
}

// Accepting reports whether Submit can take new jobs.
func (s *Scheduler) Accepting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// Start launches the workers and the janitor. Recover, if used, must run
// first.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	ctx, stop := context.WithCancel(context.Background())
	s.stopDispatch = stop
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < s.cfg.Workers; i++ {
		g.Go(func() error { return s.worker(gctx, i) })
	}
	g.Go(func() error { return s.janitor(gctx) })
	s.group = g
	s.log.Info().Str("event", "scheduler_start").Int("workers", s.cfg.Workers).Msg("scheduler")
}

// Shutdown stops intake and dispatch, then waits for running jobs. Jobs still
// running after the shutdown timeout, or when ctx ends, have their contexts
// cancelled. Queued jobs stay QUEUED.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	g, stop := s.group, s.stopDispatch
	s.notify()
	s.mu.Unlock()
	if g == nil {
		s.cancelJobs()
		return nil
	}
	stop()

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	timer := time.NewTimer(s.cfg.ShutdownTimeout)
	defer timer.Stop()
	select {
	case err := <-done:
		s.cancelJobs()
		return err
	case <-timer.C:
	case <-ctx.Done():
	}
	s.log.Warn().Str("event", "shutdown_cancel").Int("running", s.Stats().Running).Msg("scheduler")
	s.cancelJobs()
	return <-done
}
