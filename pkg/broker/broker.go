// Package broker coordinates load-test runs: it owns the instance pool,
// the run store, and one run manager per active run.
package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stephendonner/loads-broker/pkg/api"
	"github.com/stephendonner/loads-broker/pkg/store"
)

// ConfigError indicates a malformed plan; the run never advances past
// INITIALIZING.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return "invalid run configuration: " + e.Reason
}

// Broker coordinates runs and provides the public API used by the CLI and
// HTTP front-ends.
type Broker struct {
	pool    instancePool
	store   *store.Store
	helpers *RunHelpers
	log     *zap.SugaredLogger

	sleepTime time.Duration

	// poolMu serializes all pool access; the pool is single-caller.
	poolMu sync.Mutex

	mu       sync.Mutex
	managers map[string]*RunManager
}

// New assembles a broker over an initialized pool.
func New(pool instancePool, st *store.Store, helpers *RunHelpers, sleepTime time.Duration, log *zap.SugaredLogger) *Broker {
	return &Broker{
		pool:      pool,
		store:     st,
		helpers:   helpers,
		sleepTime: sleepTime,
		log:       log,
		managers:  make(map[string]*RunManager),
	}
}

// RunPlan starts executing the named plan of the project (or its first
// enabled plan when planName is empty) and returns the new run. The run
// proceeds in the background; use Wait or the run store to follow it.
func (b *Broker) RunPlan(ctx context.Context, project *api.Project, planName string, runEnv []string) (*api.Run, error) {
	plan, err := selectPlan(project, planName)
	if err != nil {
		return nil, err
	}

	run := api.NewRun(project.Name, plan, time.Now())
	if err := b.store.SaveRun(run); err != nil {
		return nil, err
	}

	mgr := newRunManager(run, b.pool, b.store, b.helpers, &b.poolMu, runEnv, b.sleepTime, b.log)

	b.mu.Lock()
	b.managers[run.UUID] = mgr
	b.mu.Unlock()

	go func() {
		defer func() {
			b.mu.Lock()
			delete(b.managers, run.UUID)
			b.mu.Unlock()
		}()
		if err := mgr.Execute(ctx); err != nil {
			b.log.Errorw("run failed", "run_id", run.UUID, "err", err)
		}
	}()

	return run, nil
}

func selectPlan(project *api.Project, planName string) (*api.Plan, error) {
	for _, plan := range project.Plans {
		if planName != "" {
			if plan.Name == planName {
				if !plan.Enabled {
					return nil, &ConfigError{Reason: fmt.Sprintf("plan %q is disabled", planName)}
				}
				return plan, nil
			}
			continue
		}
		if plan.Enabled {
			return plan, nil
		}
	}
	if planName != "" {
		return nil, &ConfigError{Reason: fmt.Sprintf("no plan named %q", planName)}
	}
	return nil, &ConfigError{Reason: "project has no enabled plans"}
}

// AbortRun requests an active run stop at its next tick boundary.
func (b *Broker) AbortRun(uuid string) bool {
	b.mu.Lock()
	mgr, ok := b.managers[uuid]
	b.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case <-mgr.Done():
		// Finished, but not yet dropped from the active set.
		return false
	default:
	}
	mgr.Abort()
	return true
}

// Wait blocks until the identified run completes. Unknown or already
// finished runs return immediately.
func (b *Broker) Wait(uuid string) {
	b.mu.Lock()
	mgr, ok := b.managers[uuid]
	b.mu.Unlock()
	if ok {
		<-mgr.Done()
	}
}

// Runs lists every recorded run.
func (b *Broker) Runs() ([]*api.Run, error) {
	return b.store.ListRuns()
}

// GetRun loads one run by UUID.
func (b *Broker) GetRun(uuid string) (*api.Run, error) {
	return b.store.GetRun(uuid)
}

// Shutdown aborts all active runs and waits for their managers to finish
// tearing down.
func (b *Broker) Shutdown() {
	b.mu.Lock()
	active := make([]*RunManager, 0, len(b.managers))
	for _, mgr := range b.managers {
		active = append(active, mgr)
	}
	b.mu.Unlock()

	for _, mgr := range active {
		mgr.Abort()
	}
	for _, mgr := range active {
		<-mgr.Done()
	}
}
