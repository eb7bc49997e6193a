// Package app wires the whole control plane together: config, logging,
// storage, executors, engine, scheduler, and the service facade.
package app

import (
	"context"
	"fmt"
	"sync"

	"opsrunner/internal/config"
	"opsrunner/internal/credential"
	"opsrunner/internal/engine"
	"opsrunner/internal/eventbus"
	"opsrunner/internal/executor"
	"opsrunner/internal/logstream"
	"opsrunner/internal/scheduler"
	"opsrunner/internal/service"
	"opsrunner/internal/storage"
	logx "opsrunner/pkg/logx"
)

type App struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	store    storage.Store
	resolver *credential.StaticResolver
	bus      eventbus.Bus
	streams  *logstream.Streamer
	engine   *engine.Engine
	sched    *scheduler.Scheduler
	svc      *service.Service

	stopWatch context.CancelFunc
	watchDone sync.WaitGroup
}

// New loads config and constructs everything. Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	logSvc, rootLog := logx.New(cfg.LogxConfig())
	log := rootLog.With(logx.String("svc", "app"))
	mgr.SetLogger(rootLog.With(logx.String("svc", "config")))

	storeCfg, err := cfg.StorageConfig()
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storeCfg, rootLog.With(logx.String("svc", "storage")))
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	resolver := credential.NewStatic()
	cfg.PopulateResolver(resolver)

	bus := eventbus.New()
	streams := logstream.New(store, rootLog.With(logx.String("svc", "logstream")))
	factory := executor.NewFactory(cfg.ExecutorConfig(), resolver, rootLog.With(logx.String("svc", "executor")))

	engOpts, err := cfg.EngineOptions()
	if err != nil {
		return nil, err
	}
	eng := engine.New(store, factory, streams, bus, rootLog.With(logx.String("svc", "engine")), engOpts)

	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	sched := scheduler.New(store, eng.TriggerRun, loc, rootLog.With(logx.String("svc", "scheduler")))

	svc := service.New(store, eng, sched, streams, bus, rootLog.With(logx.String("svc", "service")))

	return &App{
		cfgMgr:   mgr,
		logSvc:   logSvc,
		log:      log,
		store:    store,
		resolver: resolver,
		bus:      bus,
		streams:  streams,
		engine:   eng,
		sched:    sched,
		svc:      svc,
	}, nil
}

// Service exposes the facade for embedding callers.
func (a *App) Service() *service.Service { return a.svc }

func (a *App) Start(ctx context.Context) error {
	if err := a.engine.Start(ctx); err != nil {
		return err
	}
	if cfg := a.cfgMgr.Get(); cfg == nil || cfg.Scheduler.Enabled {
		if err := a.sched.Start(ctx); err != nil {
			return err
		}
	} else {
		a.log.Info("schedule evaluator disabled by config")
	}

	// Config hot reload: logging level/sinks and static credentials apply
	// live; storage and scheduler topology need a restart.
	watchCtx, cancel := context.WithCancel(context.Background())
	a.stopWatch = cancel
	sub := a.cfgMgr.Subscribe(4)
	a.watchDone.Add(2)
	go func() {
		defer a.watchDone.Done()
		_ = a.cfgMgr.Watch(watchCtx)
	}()
	go func() {
		defer a.watchDone.Done()
		for {
			select {
			case <-watchCtx.Done():
				return
			case cfg, ok := <-sub:
				if !ok {
					return
				}
				a.logSvc.Apply(cfg.LogxConfig())
				cfg.PopulateResolver(a.resolver)
				a.log.Info("runtime config applied")
			}
		}
	}()

	a.log.Info("opsrunner started")
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if a.stopWatch != nil {
		a.stopWatch()
	}
	a.sched.Stop()
	err := a.engine.Close(ctx)
	a.watchDone.Wait()
	if cerr := a.store.Close(); cerr != nil && err == nil {
		err = cerr
	}
	a.log.Info("opsrunner stopped")
	_ = a.logSvc.Close()
	return err
}
