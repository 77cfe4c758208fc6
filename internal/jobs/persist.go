package jobs

import "context"

// Persister stores job records outside the process so they survive a
// restart. Save is an upsert keyed by job id.
type Persister interface {
	Save(ctx context.Context, j Job) error
	Delete(ctx context.Context, id string) error
	LoadAll(ctx context.Context) ([]Job, error)
	Close() error
}

// NopPersister keeps nothing; the memory backend uses it.
type NopPersister struct{}

func (NopPersister) Save(context.Context, Job) error { return nil }
func (NopPersister) Delete(context.Context, string) error { return nil }
func (NopPersister) LoadAll(context.Context) ([]Job, error) { return nil, nil }
func (NopPersister) Close() error { return nil }
