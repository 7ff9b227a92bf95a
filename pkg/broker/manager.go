package broker

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/stephendonner/loads-broker/pkg/api"
	"github.com/stephendonner/loads-broker/pkg/aws"
	"github.com/stephendonner/loads-broker/pkg/extensions"
	"github.com/stephendonner/loads-broker/pkg/ping"
	"github.com/stephendonner/loads-broker/pkg/store"
)

const (
	defaultSleepTime  = 5 * time.Second
	stateWaitInterval = 5 * time.Second
	stateWaitTimeout  = 10 * time.Minute
	stopTimeout       = 15 * time.Second
)

// RunHelpers bundles the extensions a run manager drives. Extensions only
// mutate the collections they are handed; they never call back into the
// manager.
type RunHelpers struct {
	Docker   *extensions.Docker
	DNSMasq  *extensions.DNSMasq
	Heka     *extensions.Heka
	CAdvisor *extensions.CAdvisor
	Watcher  *extensions.Watcher
	SSH      *extensions.SSH
	Ping     *ping.Pinger
}

// instancePool is the slice of the pool the manager needs.
type instancePool interface {
	RequestInstances(ctx context.Context, runID, uuid string, count int, instanceType, region string) (*aws.Collection, error)
	ReleaseInstances(ctx context.Context, c *aws.Collection) error
	ReapInstances(ctx context.Context) error
}

// RunManager drives exactly one run through its life-cycle:
//
//	INITIALIZING -> RUNNING -> TERMINATING -> COMPLETED
type RunManager struct {
	run     *api.Run
	pool    instancePool
	store   *store.Store
	helpers *RunHelpers
	log     *zap.SugaredLogger

	// poolMu serializes pool access across the broker's managers; the pool
	// itself is not safe for concurrent invocation.
	poolMu *sync.Mutex

	sleepTime time.Duration
	runEnv    string
	now       func() time.Time

	daemonWaitInterval time.Duration
	daemonWaitTimeout  time.Duration

	collections map[string]*aws.Collection

	// abortedMu guards run.Aborted against the concurrent per-set tick
	// goroutines.
	abortedMu sync.Mutex

	abortOnce sync.Once
	abortCh   chan struct{}
	doneCh    chan struct{}
}

func newRunManager(run *api.Run, pool instancePool, st *store.Store, helpers *RunHelpers,
	poolMu *sync.Mutex, runEnv []string, sleepTime time.Duration, log *zap.SugaredLogger) *RunManager {

	if sleepTime == 0 {
		sleepTime = defaultSleepTime
	}
	return &RunManager{
		run:         run,
		pool:        pool,
		store:       st,
		helpers:     helpers,
		poolMu:      poolMu,
		sleepTime:   sleepTime,
		runEnv:      strings.Join(runEnv, "\n"),
		now:         time.Now,
		collections: make(map[string]*aws.Collection),
		abortCh:     make(chan struct{}),
		doneCh:      make(chan struct{}),
		log:         log.With("run_id", run.UUID),
	}
}

// Run returns the run this manager drives.
func (m *RunManager) Run() *api.Run { return m.run }

// Abort requests the run stop at the next tick boundary.
func (m *RunManager) Abort() {
	m.abortOnce.Do(func() {
		close(m.abortCh)
	})
}

func (m *RunManager) markAborted() {
	m.abortedMu.Lock()
	m.run.Aborted = true
	m.abortedMu.Unlock()
}

// Done is closed once the run reaches COMPLETED.
func (m *RunManager) Done() <-chan struct{} { return m.doneCh }

func (m *RunManager) aborted() bool {
	select {
	case <-m.abortCh:
		return true
	default:
		return false
	}
}

// Execute advances the run to completion. Only run-fatal errors are
// returned; per-instance and per-collection failures are recorded on the
// run itself.
func (m *RunManager) Execute(ctx context.Context) error {
	defer close(m.doneCh)

	if err := m.initialize(ctx); err != nil {
		m.log.Errorw("run initialization failed", "err", err)
		m.run.Aborted = true
		m.shutdown()
		return err
	}
	m.runLoop(ctx)
	m.shutdown()
	return nil
}

// initialize acquires one collection per container set and brings them all
// to readiness in parallel.
func (m *RunManager) initialize(ctx context.Context) error {
	m.log.Info("initializing run")

	for _, rs := range m.run.Sets {
		coll, err := m.requestCollection(ctx, rs)
		if err != nil {
			return err
		}
		m.collections[rs.CollectionUUID] = coll
	}

	hostmap := m.buildHostmap()

	g, gctx := errgroup.WithContext(ctx)
	for _, rs := range m.run.Sets {
		rs := rs
		coll := m.collections[rs.CollectionUUID]
		g.Go(func() error {
			m.prepareCollection(gctx, rs, coll, hostmap)
			return nil
		})
	}
	_ = g.Wait()

	for _, rs := range m.run.Sets {
		if len(m.collections[rs.CollectionUUID].Live()) == 0 {
			m.log.Warnw("container set lost every instance during setup", "set", rs.Set.Name)
			rs.MarkCompleted(m.now())
			m.run.Aborted = true
		}
	}

	m.run.MarkStarted(m.now())
	m.save()
	return nil
}

func (m *RunManager) requestCollection(ctx context.Context, rs *api.RunningSet) (*aws.Collection, error) {
	m.poolMu.Lock()
	defer m.poolMu.Unlock()
	return m.pool.RequestInstances(ctx, m.run.UUID, rs.CollectionUUID,
		rs.Set.InstanceCount, rs.Set.InstanceType, rs.Set.InstanceRegion)
}

// buildHostmap collects dns_name -> instance IPs across every set that
// registers one.
func (m *RunManager) buildHostmap() map[string][]string {
	hostmap := make(map[string][]string)
	for _, rs := range m.run.Sets {
		if rs.Set.DNSName == "" {
			continue
		}
		for _, inst := range m.collections[rs.CollectionUUID].Instances() {
			if ip := inst.PublicIP(); ip != "" {
				hostmap[rs.Set.DNSName] = append(hostmap[rs.Set.DNSName], ip)
			}
		}
	}
	return hostmap
}

func (m *RunManager) prepareCollection(ctx context.Context, rs *api.RunningSet, coll *aws.Collection, hostmap map[string][]string) {
	h := m.helpers

	h.Docker.SetupCollection(ctx, coll)

	if err := coll.WaitForState(ctx, "running", stateWaitInterval, stateWaitTimeout); err != nil {
		m.log.Warnw("not all instances reached running", "set", rs.Set.Name, "err", err)
	}
	h.Docker.WaitUntilReady(ctx, coll, m.daemonWaitInterval, m.daemonWaitTimeout)

	h.Docker.LoadContainers(ctx, coll, rs.Set.ContainerName, rs.Set.ContainerURL)
	if h.Heka.Configured() {
		h.Docker.LoadContainers(ctx, coll, h.Heka.Info.Name, "")
	}
	if h.CAdvisor.Configured() {
		h.Docker.LoadContainers(ctx, coll, h.CAdvisor.Info.Name, "")
	}
	if h.Watcher.Configured() {
		h.Docker.LoadContainers(ctx, coll, h.Watcher.Info.Name, "")
	}
	if len(hostmap) > 0 {
		h.Docker.LoadContainers(ctx, coll, h.DNSMasq.Info.Name, "")
	}

	h.SSH.ReloadSysctl(ctx, coll)

	// The resolver has to be up before anything that relies on name
	// resolution, and before Heka's first ping.
	if len(hostmap) > 0 {
		h.DNSMasq.Start(ctx, coll, hostmap)
	}
	database := m.run.UUID + "-cadvisor"
	h.Heka.Start(ctx, coll, h.Docker, h.Ping, database, rs.Set.DockerSeries)
	h.CAdvisor.Start(ctx, coll, h.Docker, h.Ping, database)
	h.Watcher.Start(ctx, coll, h.Docker)
}

// runLoop ticks until every container set has completed. All per-set work
// within one tick is fanned out and joined before the next tick starts.
func (m *RunManager) runLoop(ctx context.Context) {
	m.log.Info("run started")

	for {
		if m.aborted() || ctx.Err() != nil {
			break
		}

		var wg sync.WaitGroup
		for _, rs := range m.run.Sets {
			if rs.CompletedAt != nil {
				continue
			}
			rs := rs
			wg.Add(1)
			go func() {
				defer wg.Done()
				m.tickSet(ctx, rs)
			}()
		}
		wg.Wait()
		m.save()

		if m.run.Done() {
			break
		}

		select {
		case <-time.After(m.sleepTime):
		case <-m.abortCh:
		case <-ctx.Done():
		}
	}

	if m.aborted() {
		m.run.Aborted = true
	}
	m.run.State = api.StateTerminating
	m.save()
}

func (m *RunManager) tickSet(ctx context.Context, rs *api.RunningSet) {
	coll := m.collections[rs.CollectionUUID]
	now := m.now()

	if len(coll.Live()) == 0 {
		m.log.Warnw("container set exhausted", "set", rs.Set.Name)
		rs.MarkCompleted(now)
		m.markAborted()
		return
	}

	if rs.StartedAt == nil {
		if rs.ShouldStart(*m.run.StartedAt, now) {
			m.log.Infow("starting container set", "set", rs.Set.Name)
			m.startSet(ctx, rs, coll)
			rs.MarkStarted(m.now())
		}
		return
	}

	if rs.ShouldStop(now) || !m.helpers.Docker.IsRunning(ctx, coll, rs.Set.ContainerName, true) {
		m.log.Infow("stopping container set", "set", rs.Set.Name)
		m.helpers.Docker.StopContainers(ctx, coll, rs.Set.ContainerName, stopTimeout)
		rs.MarkCompleted(m.now())
	}
}

func (m *RunManager) startSet(ctx context.Context, rs *api.RunningSet, coll *aws.Collection) {
	env := rs.Set.EnvironmentData.String()
	if m.runEnv != "" {
		if env != "" {
			env += "\n"
		}
		env += m.runEnv
	}

	ports, err := api.ParsePorts(rs.Set.PortMapping)
	if err != nil {
		m.log.Errorw("invalid port mapping", "set", rs.Set.Name, "err", err)
	}
	volumes, err := api.ParseVolumes(rs.Set.VolumeMapping)
	if err != nil {
		m.log.Errorw("invalid volume mapping", "set", rs.Set.Name, "err", err)
	}

	m.helpers.Docker.RunContainers(ctx, coll, rs.Set.ContainerName, env,
		rs.Set.AdditionalCommandArgs, volumes, ports, 0, "")
}

// shutdown stops side-cars and user containers best-effort, releases every
// collection back to the pool, and reaps stale instances. Tear-down runs
// under its own deadline so a cancelled run still cleans up; errors are
// swallowed after logging, and correctness is measured by the pool's
// subsequent ability to reap.
func (m *RunManager) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	m.log.Info("shutting down run")

	var wg sync.WaitGroup
	for _, rs := range m.run.Sets {
		coll, ok := m.collections[rs.CollectionUUID]
		if !ok {
			continue
		}
		rs := rs
		wg.Add(1)
		go func() {
			defer wg.Done()
			h := m.helpers
			h.Heka.Stop(ctx, coll, h.Docker)
			h.DNSMasq.Stop(ctx, coll)
			h.CAdvisor.Stop(ctx, coll, h.Docker)
			h.Watcher.Stop(ctx, coll, h.Docker)
			h.Docker.KillContainers(ctx, coll, rs.Set.ContainerName)
		}()
	}
	wg.Wait()

	now := m.now()
	for _, rs := range m.run.Sets {
		rs.MarkCompleted(now)
	}

	m.poolMu.Lock()
	for _, rs := range m.run.Sets {
		coll, ok := m.collections[rs.CollectionUUID]
		if !ok {
			continue
		}
		if err := m.pool.ReleaseInstances(ctx, coll); err != nil {
			m.log.Errorw("failed to release collection", "collection", coll.UUID, "err", err)
		}
		delete(m.collections, rs.CollectionUUID)
	}
	if err := m.pool.ReapInstances(ctx); err != nil {
		m.log.Errorw("failed to reap instances", "err", err)
	}
	m.poolMu.Unlock()

	m.run.MarkCompleted(m.now())
	m.save()
	m.log.Infow("run completed", "aborted", m.run.Aborted)
}

func (m *RunManager) save() {
	if m.store == nil {
		return
	}
	if err := m.store.SaveRun(m.run); err != nil {
		m.log.Errorw("failed to persist run", "err", err)
	}
}
