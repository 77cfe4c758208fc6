package httpapi

import (
	"context"

	"meshd/internal/jobs"
	"meshd/internal/manager"
	"meshd/internal/model"
	"meshd/internal/scheduler"
	"meshd/pkg/types"
)

// Core is the Service backed by a scheduler and the model manager it drives.
type Core struct {
	Scheduler *scheduler.Scheduler
	Manager   *manager.Manager
	// Recent, when set, must be subscribed to Manager's events.
	Recent *manager.MemoryPublisher
}

var _ Service = Core{}

func (c Core) Submit(ctx context.Context, req scheduler.Request) (jobs.Job, error) {
	return c.Scheduler.Submit(ctx, req)
}

func (c Core) Job(id string) (jobs.Job, error)         { return c.Scheduler.Status(id) }
func (c Core) Result(id string) (model.Outputs, error) { return c.Scheduler.Result(id) }
func (c Core) Jobs(f jobs.Filter) []jobs.Job           { return c.Scheduler.List(f) }

func (c Core) Cancel(ctx context.Context, id string) (jobs.Job, error) {
	return c.Scheduler.Cancel(ctx, id)
}

func (c Core) ListModels() []types.Model { return c.Manager.ListModels() }

func (c Core) Status() types.StatusResponse {
	st := c.Scheduler.Stats()
	counts := c.Scheduler.Counts()
	byStatus := make(map[string]int, len(counts))
	for k, v := range counts {
		byStatus[string(k)] = v
	}
	return types.StatusResponse{
		GPUs:   c.Manager.GPUs(),
		Models: c.Manager.ListModels(),
		Queue:  types.QueueStatus{Workers: st.Workers, Queued: st.Queued, Running: st.Running, MaxDepth: st.MaxDepth},
		Jobs:   byStatus,
	}
}

func (c Core) LoadModel(ctx context.Context, id string, gpu int) error {
	if gpu < 0 {
		gpu = manager.NoPreference
	}
	_, err := c.Manager.EnsureLoaded(ctx, id, gpu)
	return err
}

func (c Core) UnloadModel(ctx context.Context, id string) error { return c.Manager.Unload(ctx, id) }
func (c Core) ResetModel(id string) error                       { return c.Manager.Reset(id) }

func (c Core) Events() []types.Event {
	if c.Recent == nil {
		return nil
	}
	recent := c.Recent.Events()
	out := make([]types.Event, 0, len(recent))
	for _, e := range recent {
		out = append(out, types.Event{Name: e.Name, ModelID: e.ModelID, Fields: e.Fields})
	}
	return out
}

func (c Core) Ready() bool { return c.Manager.Ready() && c.Scheduler.Accepting() }
