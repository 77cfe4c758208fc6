package scheduler

import (
	"context"

	"meshd/internal/apperr"
	"meshd/internal/jobs"
)

// RecoveryResult counts what Recover did with persisted jobs.
type RecoveryResult struct {
	Loaded      int
	Requeued    int
	Interrupted int
}

// Recover reloads persisted jobs. QUEUED jobs go back on the queue in
// submission order; RUNNING jobs fail because their computation died with
// the previous process. It must run before Start.
func (s *Scheduler) Recover(ctx context.Context) (RecoveryResult, error) {
	loaded, err := s.store.Restore(ctx)
	if err != nil {
		return RecoveryResult{}, err
	}
	res := RecoveryResult{Loaded: len(loaded)}
	for _, j := range loaded {
		switch j.Status {
		case jobs.StatusQueued:
			s.mu.Lock()
			s.queue.push(pending{id: j.ID, seq: j.Seq, modelID: j.ModelID})
			s.mu.Unlock()
			res.Requeued++
		case jobs.StatusRunning:
			s.fail(j.ID, apperr.Internal("interrupted by restart"))
			res.Interrupted++
		}
	}
	s.mu.Lock()
	queueDepth.Set(float64(s.queue.Len()))
	s.notify()
	s.mu.Unlock()
	s.log.Info().Str("event", "recover").Int("loaded", res.Loaded).Int("requeued", res.Requeued).Int("interrupted", res.Interrupted).Msg("scheduler")
	return res, nil
}
