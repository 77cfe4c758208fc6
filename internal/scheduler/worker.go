package scheduler

import (
	"context"
	"errors"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"

	"meshd/internal/apperr"
	"meshd/internal/jobs"
	"meshd/internal/model"
)

var errNoChange = errors.New("no change")

func (s *Scheduler) worker(ctx context.Context, n int) error {
	log := s.log.With().Int("worker", n).Logger()
	for {
		p, ok := s.next(ctx)
		if !ok {
			log.Debug().Str("event", "worker_stop").Msg("scheduler")
			return nil
		}
		s.run(p)
	}
}

// next blocks until a job can be dispatched or ctx ends. The returned job's
// model slot is already taken.
func (s *Scheduler) next(ctx context.Context) (pending, bool) {
	for {
		s.mu.Lock()
		if s.closed || ctx.Err() != nil {
			s.mu.Unlock()
			return pending{}, false
		}
		p, wait, ok := s.queue.take(s.store.Now(), s.slotFree)
		if ok {
			s.active[p.modelID]++
			queueDepth.Set(float64(s.queue.Len()))
			s.mu.Unlock()
			return p, true
		}
		changed := s.changed
		s.mu.Unlock()

		var timer *time.Timer
		var timeout <-chan time.Time
		if wait > 0 {
			timer = time.NewTimer(wait)
			timeout = timer.C
		}
		select {
		case <-ctx.Done():
		case <-changed:
		case <-timeout:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// slotFree reports whether modelID is below its concurrency limit. Callers
// hold s.mu.
func (s *Scheduler) slotFree(modelID string) bool {
	limit := 1
	if mdl, err := s.reg.Model(modelID); err == nil {
		limit = max(mdl.Concurrency(), 1)
	}
	return s.active[modelID] < limit
}

func (s *Scheduler) releaseSlot(modelID string) {
	s.mu.Lock()
	if s.active[modelID] <= 1 {
		delete(s.active, modelID)
	} else {
		s.active[modelID]--
	}
	s.notify()
	s.mu.Unlock()
}

// backoff returns the delay before the given capacity retry.
func (s *Scheduler) backoff(attempt int) time.Duration {
	d := s.cfg.BackoffInitial
	for i := 1; i < attempt && d < s.cfg.BackoffMax; i++ {
		d *= 2
	}
	return min(d, s.cfg.BackoffMax)
}

func (s *Scheduler) run(p pending) {
	defer s.releaseSlot(p.modelID)
	log := s.log.With().Str("job", p.id).Str("model", p.modelID).Logger()

	j, err := s.store.Get(p.id)
	if err != nil || j.Status != jobs.StatusQueued {
		// deleted or cancelled after it was taken
		return
	}
	if j.Overdue(s.store.Now()) {
		s.fail(p.id, apperr.Timeout("job %s passed its deadline before it could start", p.id))
		return
	}
	mdl, err := s.reg.Model(p.modelID)
	if err != nil {
		s.fail(p.id, err)
		return
	}
	if dir := s.jobDir(p.id); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			s.fail(p.id, apperr.Internal("create output dir: %v", err))
			return
		}
	}

	ctx, cancel := context.WithCancel(s.jobCtx)
	defer cancel()
	if !j.Deadline.IsZero() {
		var stopDeadline context.CancelFunc
		ctx, stopDeadline = context.WithDeadline(ctx, j.Deadline)
		defer stopDeadline()
		timer := time.AfterFunc(time.Until(j.Deadline), func() {
			s.fail(p.id, apperr.Timeout("job %s exceeded its deadline", p.id))
		})
		defer timer.Stop()
	}

	lease, err := s.reg.Acquire(ctx, p.modelID)
	if err != nil {
		if apperr.IsTransient(err) {
			s.requeue(p, log)
			return
		}
		if ctx.Err() != nil {
			err = s.contextError(ctx, p.id)
		}
		s.fail(p.id, err)
		return
	}
	defer lease.Release()

	s.mu.Lock()
	s.running[p.id] = cancel
	jobsRunning.Set(float64(len(s.running)))
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.running, p.id)
		jobsRunning.Set(float64(len(s.running)))
		s.mu.Unlock()
	}()

	now := s.store.Now()
	if _, err := s.store.Update(context.Background(), p.id, func(j *jobs.Job) error { return j.Start(now) }); err != nil {
		return
	}
	log.Info().Str("event", "job_start").Int("gpu", lease.GPU).Int("attempts", j.Attempts).Msg("scheduler")

	out, perr := s.process(ctx, mdl, j.Inputs, p.id)
	lease.Release()
	jobDuration.WithLabelValues(string(j.Feature)).Observe(time.Since(now).Seconds())

	if perr != nil && ctx.Err() != nil && !apperr.IsCorrupt(perr) {
		perr = s.contextError(ctx, p.id)
	}
	if apperr.IsCorrupt(perr) {
		s.reg.MarkCorrupt(context.Background(), p.modelID, perr)
	}
	s.finish(p.id, out, perr, log)
}

// process runs the model and converts a panic into an error.
func (s *Scheduler) process(ctx context.Context, mdl model.Model, in model.Inputs, id string) (out model.Outputs, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Str("event", "job_panic").Str("job", id).Str("stack", string(debug.Stack())).Msg("scheduler")
			err = apperr.Internal("panic while processing: %v", r)
		}
	}()
	return mdl.Process(ctx, in, func(pct int) { s.progress(id, pct) })
}

// progress records a report and turns a pending cancellation into
// CANCELLED.
func (s *Scheduler) progress(id string, pct int) {
	now := s.store.Now()
	j, err := s.store.Update(context.Background(), id, func(j *jobs.Job) error {
		if j.CancelRequested {
			return j.Cancel(now)
		}
		if !j.SetProgress(pct) {
			return errNoChange
		}
		return nil
	})
	if err == nil && j.Status == jobs.StatusCancelled {
		s.log.Info().Str("event", "job_cancelled").Str("job", id).Msg("scheduler")
		jobsFinished.WithLabelValues(string(jobs.StatusCancelled)).Inc()
	}
}

// contextError explains why a job context ended.
func (s *Scheduler) contextError(ctx context.Context, id string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return apperr.Timeout("job %s exceeded its deadline", id)
	}
	if j, err := s.store.Get(id); err == nil && j.CancelRequested {
		return &apperr.Error{Kind: apperr.KindCancelled, Msg: "job cancelled"}
	}
	return &apperr.Error{Kind: apperr.KindCancelled, Msg: "interrupted by shutdown"}
}

func (s *Scheduler) finish(id string, out model.Outputs, perr error, log zerolog.Logger) {
	now := s.store.Now()
	j, err := s.store.Update(context.Background(), id, func(j *jobs.Job) error {
		switch {
		case j.CancelRequested:
			return j.Cancel(now)
		case perr != nil:
			return j.Fail(perr, now)
		default:
			return j.Complete(out, now)
		}
	})
	if err != nil {
		if !jobs.IsTerminalConflict(err) {
			log.Warn().Str("event", "job_finish_error").Err(err).Msg("scheduler")
		}
		return
	}
	jobsFinished.WithLabelValues(string(j.Status)).Inc()
	ev := log.Info()
	if j.Status == jobs.StatusFailed {
		ev = log.Warn().Str("kind", string(j.ErrorKind)).Str("error", j.Error)
	}
	ev.Str("event", "job_done").Str("status", string(j.Status)).Msg("scheduler")
}

// fail moves a non-terminal job to FAILED. It is a no-op for finished jobs.
func (s *Scheduler) fail(id string, cause error) {
	now := s.store.Now()
	j, err := s.store.Update(context.Background(), id, func(j *jobs.Job) error { return j.Fail(cause, now) })
	if err != nil {
		return
	}
	jobsFinished.WithLabelValues(string(jobs.StatusFailed)).Inc()
	s.log.Warn().Str("event", "job_failed").Str("job", id).Str("kind", string(j.ErrorKind)).Str("error", j.Error).Msg("scheduler")
}

// requeue puts a job back at its original position after a capacity
// shortfall, to be retried once its backoff elapses.
func (s *Scheduler) requeue(p pending, log zerolog.Logger) {
	j, err := s.store.Update(context.Background(), p.id, func(j *jobs.Job) error { return j.Requeue() })
	if err != nil {
		return
	}
	delay := s.backoff(j.Attempts)
	p.notBefore = s.store.Now().Add(delay)
	capacityRequeues.WithLabelValues(p.modelID).Inc()
	log.Debug().Str("event", "job_requeue").Int("attempts", j.Attempts).Dur("backoff", delay).Msg("scheduler")

	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue.push(p)
	queueDepth.Set(float64(s.queue.Len()))
	s.notify()
}
