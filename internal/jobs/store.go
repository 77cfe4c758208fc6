package jobs

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"meshd/internal/apperr"
	"meshd/internal/model"
)

// Filter selects jobs for List. Zero fields match everything.
type Filter struct {
	Status  []Status
	Feature model.FeatureType
	ModelID string
	Limit   int
}

func (f Filter) match(j *Job) bool {
	if len(f.Status) > 0 && !slices.Contains(f.Status, j.Status) {
		return false
	}
	if f.Feature != "" && j.Feature != f.Feature {
		return false
	}
	return f.ModelID == "" || j.ModelID == f.ModelID
}

type entry struct {
	mu  sync.Mutex
	job Job
}

// Store keeps every job in memory. The index lock is held only for map
// access; each job has its own mutex, so updates to unrelated jobs never
// contend. With a Persister every change is written through.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry
	seq     atomic.Uint64
	persist Persister
	log     zerolog.Logger
	newID   func() string
	now     func() time.Time
}

type Option func(*Store)

// WithPersister enables write-through persistence.
func WithPersister(p Persister) Option { return func(s *Store) { s.persist = p } }

func WithLogger(l zerolog.Logger) Option { return func(s *Store) { s.log = l } }

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

func NewStore(opts ...Option) *Store {
	s := &Store{
		entries: make(map[string]*entry),
		persist: NopPersister{},
		log:     zerolog.Nop(),
		newID:   newID,
		now:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	if s.persist == nil {
		s.persist = NopPersister{}
	}
	return s
}

// newID returns a time-ordered UUIDv7, falling back to a random UUID if the
// clock source fails.
func newID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}

// Now returns the store's clock reading.
func (s *Store) Now() time.Time { return s.now() }

// Create stores j as a new QUEUED job, assigning its id, submission sequence
// and creation time. A persistence failure rejects the job.
func (s *Store) Create(ctx context.Context, j Job) (Job, error) {
	if j.ID == "" {
		j.ID = s.newID()
	}
	if _, err := s.lookup(j.ID); err == nil {
		return Job{}, apperr.Conflict("job %s already exists", j.ID)
	}
	j.Seq = s.seq.Add(1)
	j.Status = StatusQueued
	j.CreatedAt = s.now()
	j.Progress = 0
	e := &entry{job: j.clone()}

	e.mu.Lock()
	defer e.mu.Unlock()
	s.mu.Lock()
	s.entries[j.ID] = e
	s.mu.Unlock()
	if err := s.persist.Save(ctx, e.job); err != nil {
		s.mu.Lock()
		delete(s.entries, j.ID)
		s.mu.Unlock()
		return Job{}, apperr.Internal("persist job: %v", err)
	}
	return e.job.clone(), nil
}

// NewID returns an id for a job that has not been created yet, for callers
// that derive paths from the id before calling Create.
func (s *Store) NewID() string { return s.newID() }

func (s *Store) lookup(id string) (*entry, error) {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return nil, apperr.NotFound("job not found: %s", id)
	}
	return e, nil
}

// Get returns a copy of job id.
func (s *Store) Get(id string) (Job, error) {
	e, err := s.lookup(id)
	if err != nil {
		return Job{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.job.clone(), nil
}

// Update applies fn to job id under its lock. If fn returns an error the job
// is left unchanged. The updated job is written through and returned.
func (s *Store) Update(ctx context.Context, id string, fn func(*Job) error) (Job, error) {
	e, err := s.lookup(id)
	if err != nil {
		return Job{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	c := e.job.clone()
	if err := fn(&c); err != nil {
		return e.job.clone(), err
	}
	e.job = c
	if err := s.persist.Save(ctx, c); err != nil {
		s.log.Warn().Str("event", "persist_error").Str("job", id).Err(err).Msg("jobs")
	}
	return c.clone(), nil
}

// Delete removes job id. Deleting an unknown job is a no-op.
func (s *Store) Delete(ctx context.Context, id string) {
	s.mu.Lock()
	_, ok := s.entries[id]
	delete(s.entries, id)
	s.mu.Unlock()
	if !ok {
		return
	}
	if err := s.persist.Delete(ctx, id); err != nil {
		s.log.Warn().Str("event", "persist_error").Str("job", id).Err(err).Msg("jobs")
	}
}

// List returns matching jobs in submission order.
func (s *Store) List(f Filter) []Job {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]Job, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if f.match(&e.job) {
			out = append(out, e.job.clone())
		}
		e.mu.Unlock()
	}
	slices.SortFunc(out, func(a, b Job) int { return cmp.Compare(a.Seq, b.Seq) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// Counts returns the number of jobs per status.
func (s *Store) Counts() map[Status]int {
	out := map[Status]int{}
	for _, j := range s.List(Filter{}) {
		out[j.Status]++
	}
	return out
}

// Len returns the number of stored jobs.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Restore loads persisted jobs into an empty store and continues the
// submission sequence after the highest one seen. Jobs are returned in
// submission order; deciding what to do with unfinished ones is up to the
// caller.
func (s *Store) Restore(ctx context.Context) ([]Job, error) {
	loaded, err := s.persist.LoadAll(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) > 0 {
		return nil, apperr.Conflict("restore into a non-empty store")
	}
	var top uint64
	kept := loaded[:0]
	for _, j := range loaded {
		if j.ID == "" {
			continue
		}
		s.entries[j.ID] = &entry{job: j.clone()}
		top = max(top, j.Seq)
		kept = append(kept, j)
	}
	s.seq.Store(top)
	slices.SortFunc(kept, func(a, b Job) int { return cmp.Compare(a.Seq, b.Seq) })
	return kept, nil
}

// Close closes the persister.
func (s *Store) Close() error { return s.persist.Close() }
