package scheduler

import (
	"context"
	"time"

	"meshd/internal/apperr"
	"meshd/internal/jobs"
)

func (s *Scheduler) janitor(ctx context.Context) error {
	t := time.NewTicker(s.cfg.JanitorInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			s.Sweep(ctx)
		}
	}
}

// SweepResult counts what one janitor pass did.
type SweepResult struct {
	Expired int
	Removed int
}

// Sweep fails queued jobs whose deadline passed and deletes terminal jobs
// older than the retention period.
func (s *Scheduler) Sweep(ctx context.Context) SweepResult {
	var res SweepResult
	now := s.store.Now()

	for _, j := range s.store.List(jobs.Filter{Status: []jobs.Status{jobs.StatusQueued}}) {
		if !j.Overdue(now) {
			continue
		}
		s.mu.Lock()
		removed := s.queue.remove(j.ID)
		if removed {
			queueDepth.Set(float64(s.queue.Len()))
		}
		s.mu.Unlock()
		if !removed {
			// a worker holds it and will notice the deadline itself
			continue
		}
		s.fail(j.ID, apperr.Timeout("job %s passed its deadline while queued", j.ID))
		res.Expired++
	}

	if s.cfg.Retention > 0 {
		cutoff := now.Add(-s.cfg.Retention)
		done := []jobs.Status{jobs.StatusCompleted, jobs.StatusFailed, jobs.StatusCancelled}
		for _, j := range s.store.List(jobs.Filter{Status: done}) {
			if j.FinishedAt.IsZero() || j.FinishedAt.After(cutoff) {
				continue
			}
			s.store.Delete(ctx, j.ID)
			res.Removed++
		}
	}

	if res.Expired > 0 || res.Removed > 0 {
		s.log.Info().Str("event", "janitor").Int("expired", res.Expired).Int("removed", res.Removed).Msg("scheduler")
	}
	return res
}
