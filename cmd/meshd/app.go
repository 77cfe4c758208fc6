package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"meshd/internal/config"
	"meshd/internal/jobs"
	"meshd/internal/manager"
	"meshd/internal/registry"
	"meshd/internal/runtime"
	"meshd/internal/scheduler"
)

// recentEvents is how many lifecycle events /system/events keeps.
const recentEvents = 256

// app is the wired service without its HTTP front.
type app struct {
	cfg    config.Config
	log    zerolog.Logger
	mgr    *manager.Manager
	recent *manager.MemoryPublisher
	store  *jobs.Store
	sched  *scheduler.Scheduler
}

// buildApp wires registry, manager, job store and scheduler. The store
// backend is opened only when withStore is set.
func buildApp(ctx context.Context, cfg config.Config, log zerolog.Logger, withStore bool) (*app, error) {
	factory, err := runtime.NewFactory(registry.RuntimeOptions(cfg.Runtime, log.With().Str("component", "runtime").Logger()))
	if err != nil {
		return nil, err
	}
	cat, err := registry.Build(cfg, factory)
	if err != nil {
		return nil, err
	}
	recent := manager.NewRingPublisher(recentEvents)
	mgr, err := manager.New(manager.Config{
		Tracker:     cat.Tracker,
		Models:      cat.Models,
		Defaults:    cat.Defaults,
		LoadTimeout: cfg.Runtime.LoadTimeout.Std(),
		Logger:      log.With().Str("component", "manager").Logger(),
		Publisher:   recent,
	})
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: log, mgr: mgr, recent: recent}
	if !withStore {
		return a, nil
	}
	p, err := openPersister(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	a.store = jobs.NewStore(jobs.WithPersister(p), jobs.WithLogger(log.With().Str("component", "jobs").Logger()))
	q := cfg.Queue
	a.sched = scheduler.New(scheduler.Config{
		Workers:         cfg.Workers,
		MaxQueueDepth:   q.MaxDepth,
		BackoffInitial:  q.BackoffInitial.Std(),
		BackoffMax:      q.BackoffMax.Std(),
		JobDeadline:     q.JobDeadline.Std(),
		Retention:       q.Retention.Std(),
		JanitorInterval: q.JanitorInterval.Std(),
		ShutdownTimeout: q.ShutdownTimeout.Std(),
		OutputDir:       cfg.OutputDir,
		Logger:          log.With().Str("component", "scheduler").Logger(),
	}, mgr, a.store)
	return a, nil
}

// openPersister returns the write-through backend for sc.Backend.
func openPersister(ctx context.Context, sc config.Store) (jobs.Persister, error) {
	switch sc.Backend {
	case "", "memory":
		return jobs.NopPersister{}, nil
	case "redis":
		return jobs.OpenRedis(ctx, jobs.RedisOptions{
			Addr:      sc.Redis.Addr,
			Password:  sc.Redis.Password,
			DB:        sc.Redis.DB,
			KeyPrefix: sc.Redis.KeyPrefix,
		})
	case "sqlite":
		return jobs.OpenSQLite(sc.SQLite.Path)
	default:
		return nil, fmt.Errorf("unknown store backend %q", sc.Backend)
	}
}

// shutdown drains the scheduler, unloads every model and closes the store.
func (a *app) shutdown(ctx context.Context) error {
	var errs []error
	if a.sched != nil {
		errs = append(errs, a.sched.Shutdown(ctx))
	}
	errs = append(errs, a.mgr.Close(ctx))
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}
