package cluster

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/clusterup/clusterup/pkg/alloc"
	"github.com/clusterup/clusterup/pkg/telemetry"
)

// Cluster is the orchestration engine for one run. It owns the full set
// of service instances, computes dependency order, sequences lifecycle
// transitions, performs collective readiness polling against one shared
// deadline, and coordinates reverse-order tear-down. There is no
// process-wide registry: every operation goes through a Cluster value.
type Cluster struct {
	opts Options
	tel  *telemetry.Telemetry
	log  *telemetry.Logger

	runID     string
	alloc     *alloc.Allocator
	recorder  RunRecorder
	ephemeral bool

	mu        sync.Mutex
	state     ClusterState
	instances []*Instance
	byName    map[string]*Instance
	order     []string
	began     time.Time

	// kindStates counts instances per "<kind>/<state>" for the
	// instances-by-state gauge.
	kindStates map[string]int
}

// New creates a cluster with the given options. An empty WorkRoot gets a
// fresh ephemeral root that is removed at tear-down.
func New(opts Options, tel *telemetry.Telemetry) (*Cluster, error) {
	opts = opts.withDefaults()

	if tel == nil {
		var err error
		tel, err = telemetry.NewTelemetry(telemetry.DefaultConfig())
		if err != nil {
			return nil, err
		}
	}

	ephemeral := false
	workRoot := opts.WorkRoot
	if workRoot == "" {
		dir, err := os.MkdirTemp("", "clusterup-"+opts.Name+"-")
		if err != nil {
			return nil, NewPermanentError("creating ephemeral working root", err).
				WithCode(ErrCodeIO)
		}
		workRoot = dir
		ephemeral = true
	} else if err := os.MkdirAll(workRoot, 0o755); err != nil {
		return nil, NewPermanentError("creating working root", err).
			WithCode(ErrCodeIO)
	}
	opts.WorkRoot = workRoot

	recorder := opts.Recorder
	if recorder == nil {
		recorder = NopRecorder{}
	}

	c := &Cluster{
		opts:       opts,
		tel:        tel,
		log:        tel.Logger.NewComponentLogger("cluster").WithCluster(opts.Name),
		runID:      uuid.New().String(),
		alloc:      alloc.New(workRoot, opts.PortBase, opts.PortMax),
		recorder:   recorder,
		ephemeral:  ephemeral,
		state:      ClusterBuilding,
		byName:     make(map[string]*Instance),
		kindStates: make(map[string]int),
	}

	c.log.WithRunID(c.runID).Debugf("cluster created, work root %s", workRoot)
	return c, nil
}

// RunID returns the unique identifier of this cluster run.
func (c *Cluster) RunID() string { return c.runID }

// Name returns the cluster name.
func (c *Cluster) Name() string { return c.opts.Name }

// WorkRoot returns the shared working root directory.
func (c *Cluster) WorkRoot() string { return c.opts.WorkRoot }

// State returns the aggregate cluster state.
func (c *Cluster) State() ClusterState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Allocator exposes the shared resource allocator for configure hooks
// that allocate additional resources.
func (c *Cluster) Allocator() *alloc.Allocator { return c.alloc }

// Register adds a service instance to the cluster. Names must be unique
// and registration is only possible before bring-up begins.
func (c *Cluster) Register(spec InstanceSpec) (*Instance, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if spec.Name == "" {
		return nil, NewPermanentError("instance name is required", nil).
			WithCode(ErrCodeValidation)
	}
	if c.state != ClusterBuilding || !c.began.IsZero() {
		return nil, NewConflictError(
			fmt.Sprintf("cannot register %s: bring-up has begun (cluster is %s)", spec.Name, c.state), nil).
			WithCode(ErrCodeBadState)
	}
	if _, exists := c.byName[spec.Name]; exists {
		return nil, NewConflictError("duplicate instance name: "+spec.Name, nil).
			WithCode(ErrCodeAlreadyExists).WithInstance(spec.Name)
	}

	inst := newInstance(spec, len(c.instances), c.alloc, c.tel.Logger)
	inst.onTransition = c.observeTransition
	c.instances = append(c.instances, inst)
	c.byName[spec.Name] = inst
	c.kindStates[spec.Kind+"/"+string(StateRegistered)]++
	c.tel.Metrics.SetInstanceCount(spec.Kind, string(StateRegistered),
		float64(c.kindStates[spec.Kind+"/"+string(StateRegistered)]))

	c.log.Debugf("registered instance %s (kind %s, deps %v)", spec.Name, spec.Kind, spec.DependsOn)
	return inst, nil
}

// Instance returns a registered instance by name.
func (c *Cluster) Instance(name string) (*Instance, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	inst, ok := c.byName[name]
	return inst, ok
}

// Instances returns all registered instances in registration order.
func (c *Cluster) Instances() []*Instance {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Instance, len(c.instances))
	copy(out, c.instances)
	return out
}

// observeTransition is installed on every instance to propagate state
// changes into logs, events, metrics, and the run journal.
func (c *Cluster) observeTransition(inst *Instance, from, to InstanceState, detail string) {
	log := c.log.WithRunID(c.runID).WithInstance(inst.Name(), inst.Kind())
	if to == StateFailed {
		log.Errorf("state %s -> %s: %s", from, to, detail)
	} else {
		log.Infof("state %s -> %s", from, to)
	}

	fromKey := inst.Kind() + "/" + string(from)
	toKey := inst.Kind() + "/" + string(to)
	c.mu.Lock()
	if c.kindStates[fromKey] > 0 {
		c.kindStates[fromKey]--
	}
	c.kindStates[toKey]++
	fromCount, toCount := c.kindStates[fromKey], c.kindStates[toKey]
	c.mu.Unlock()
	c.tel.Metrics.SetInstanceCount(inst.Kind(), string(from), float64(fromCount))
	c.tel.Metrics.SetInstanceCount(inst.Kind(), string(to), float64(toCount))

	_ = c.tel.Events.PublishInstanceStateChanged(c.runID, inst.Name(), string(from), string(to))
	c.tel.Metrics.SetInstanceReady(inst.Name(), inst.Kind(), to == StateRunning)

	if err := c.recorder.RecordTransition(context.Background(), c.runID, inst.Name(), from, to, detail); err != nil {
		log.WithError(err).Warn("recording state transition failed")
	}
}

// Projection returns the derived read-only view of resolved instance
// attributes. Only instances that have reached configured contribute;
// each entry is keyed "<instance>.<attribute>".
func (c *Cluster) Projection() Projection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.projectionLocked()
}

func (c *Cluster) projectionLocked() Projection {
	proj := make(Projection)
	for _, inst := range c.instances {
		switch inst.State() {
		case StateConfigured, StateStarting, StateRunning, StateStopping:
		default:
			continue
		}
		for k, v := range inst.conf {
			proj[Key(inst.Name(), k)] = v
		}
		proj[Key(inst.Name(), "name")] = inst.Name()
		proj[Key(inst.Name(), "kind")] = inst.Kind()
		proj[Key(inst.Name(), "state")] = string(inst.State())
	}
	return proj
}

// BringUp drives every registered instance through deploy, configure,
// and start in topological order, then polls all instances collectively
// until every one is running or the deadline elapses.
//
// Start is issued to every instance before any readiness polling begins.
// Some services must observe their peers as already-listening processes
// before they can finish their own startup handshake, so per-instance
// readiness waits between starts would deadlock them.
//
// On deploy, configure, start, or crash failure the engine tears down
// everything brought partway up and returns the first failure. On a
// readiness timeout the cluster is deliberately left live, in state
// degraded, so the caller can inspect logs.
func (c *Cluster) BringUp(ctx context.Context, deadline time.Duration) (Projection, error) {
	c.mu.Lock()
	if c.state != ClusterBuilding || !c.began.IsZero() {
		c.mu.Unlock()
		return nil, NewConflictError(
			fmt.Sprintf("bring-up requires state %s, have %s", ClusterBuilding, c.state), nil).
			WithCode(ErrCodeBadState)
	}
	instances := make([]*Instance, len(c.instances))
	copy(instances, c.instances)
	c.began = time.Now()
	c.mu.Unlock()

	log := c.log.WithRunID(c.runID)
	timer := telemetry.NewTimer()
	ctx = telemetry.WithBringupContext(c.tel.WithContext(ctx), c.opts.Name, c.runID)
	_ = c.tel.Events.PublishBringupStarted(c.runID, c.opts.Name, len(instances))

	// Validate the topology before any side effects.
	graph, err := newDepGraph(instances)
	if err != nil {
		return nil, c.finish(ctx, nil, err, timer)
	}
	order, err := graph.order()
	if err != nil {
		return nil, c.finish(ctx, nil, err, timer)
	}

	c.mu.Lock()
	c.order = order
	c.mu.Unlock()

	names := make([]string, len(order))
	copy(names, order)
	if err := c.recorder.RecordRunStarted(ctx, c.runID, c.opts.Name, names); err != nil {
		log.WithError(err).Warn("recording run start failed")
	}

	log.Infof("bring-up order: %s", strings.Join(order, ", "))

	// Deploy, in order or level-parallel for instances sharing no edge.
	if c.opts.ParallelDeploy {
		err = c.deployLevels(ctx, graph.levels())
	} else {
		err = c.deploySequential(ctx, order)
	}
	if err != nil {
		c.tearDownPartial(ctx, order)
		return nil, c.finish(ctx, order, err, timer)
	}

	// Configure in order; dependencies configured earlier contribute
	// their resolved values through the projection.
	for _, name := range order {
		inst := c.byName[name]
		err := telemetry.RecordStageOperation(ctx, name, inst.Kind(), StageConfigure, func() error {
			return inst.Configure(ctx, c.Projection())
		})
		if err != nil {
			c.tearDownPartial(ctx, order)
			return nil, c.finish(ctx, order, err, timer)
		}
	}

	// Issue start to everyone before polling anyone.
	c.setState(ClusterStarting)
	proj := c.Projection()
	for _, name := range order {
		inst := c.byName[name]
		err := telemetry.RecordStageOperation(ctx, name, inst.Kind(), StageStart, func() error {
			return inst.Start(ctx, proj)
		})
		if err != nil {
			c.tearDownPartial(ctx, order)
			return nil, c.finish(ctx, order, err, timer)
		}
	}

	// Collective readiness polling against one shared deadline.
	if err := c.waitOperational(ctx, order, deadline); err != nil {
		if IsPermanent(err) {
			// A crash during polling aborts like any stage failure.
			var ce *ClusterError
			if errors.As(err, &ce) && ce.Code == ErrCodeCrashed {
				c.tearDownPartial(ctx, order)
			}
		}
		return nil, c.finish(ctx, order, err, timer)
	}

	c.setState(ClusterOperational)
	c.runPostStartCommands(ctx, order)
	err = c.finish(ctx, order, nil, timer)
	return c.Projection(), err
}

// runPostStartCommands fires every instance's post-start commands once,
// when the whole cluster first reports operational. A degraded or failed
// bring-up never reaches this point.
func (c *Cluster) runPostStartCommands(ctx context.Context, order []string) {
	proj := c.Projection()
	for _, name := range order {
		c.byName[name].runPostStart(ctx, proj)
	}
}

// deploySequential deploys every instance in topological order.
func (c *Cluster) deploySequential(ctx context.Context, order []string) error {
	for _, name := range order {
		inst := c.byName[name]
		err := telemetry.RecordStageOperation(ctx, name, inst.Kind(), StageDeploy, func() error {
			return inst.Deploy(ctx)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// deployLevels deploys level by level; instances within one level share
// no dependency edge and run concurrently. Allocator access is already
// synchronized, so concurrent deploys are safe.
func (c *Cluster) deployLevels(ctx context.Context, levels [][]string) error {
	for _, level := range levels {
		var wg sync.WaitGroup
		errs := make([]error, len(level))
		for i, name := range level {
			wg.Add(1)
			go func(i int, inst *Instance) {
				defer wg.Done()
				errs[i] = telemetry.RecordStageOperation(ctx, inst.Name(), inst.Kind(), StageDeploy, func() error {
					return inst.Deploy(ctx)
				})
			}(i, c.byName[name])
		}
		wg.Wait()
		for _, err := range errs {
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// waitOperational polls every non-terminal instance each round until all
// report running or the shared deadline elapses. A crash observed during
// polling aborts immediately; a timeout leaves the cluster live.
func (c *Cluster) waitOperational(ctx context.Context, order []string, deadline time.Duration) error {
	log := c.log.WithRunID(c.runID).WithStage(StageWait)
	expire := time.NewTimer(deadline)
	defer expire.Stop()
	tick := time.NewTicker(c.opts.PollInterval)
	defer tick.Stop()

	for {
		pending := make([]string, 0)
		for _, name := range order {
			inst := c.byName[name]
			switch inst.State() {
			case StateRunning:
				continue
			case StateFailed:
				return inst.Err()
			}

			probeTimer := telemetry.NewTimer()
			ready := inst.PollOperational(ctx, c.Projection())
			result := "not_ready"
			if ready {
				result = "ready"
				_ = c.tel.Events.PublishInstanceOperational(c.runID, name, time.Since(c.began))
			} else if inst.State() == StateFailed {
				// Crash detected by the poll itself.
				var ce *ClusterError
				if errors.As(inst.Err(), &ce) {
					if code, ok := ce.Details["exit_code"].(int); ok {
						_ = c.tel.Events.PublishInstanceCrashed(c.runID, name, code)
					}
				}
				return inst.Err()
			}
			probeKind := "none"
			if inst.spec.Probe != nil {
				probeKind = inst.spec.Probe.Kind()
			}
			c.tel.Metrics.RecordProbeAttempt(name, probeKind, result, probeTimer.Duration())

			if !ready {
				pending = append(pending, name)
			}
		}

		if len(pending) == 0 {
			return nil
		}

		log.Debugf("waiting for %d instances: %s", len(pending), strings.Join(pending, ", "))

		select {
		case <-ctx.Done():
			return NewTransientError("bring-up canceled", ctx.Err()).
				WithStage(StageWait)
		case <-expire.C:
			c.setState(ClusterDegraded)
			_ = c.tel.Events.PublishReadinessTimeout(c.runID, c.opts.Name, pending)
			return NewPermanentError(
				fmt.Sprintf("instances not ready within %s: %s", deadline, strings.Join(pending, ", ")),
				nil).
				WithCode(ErrCodeReadinessTimeout).WithStage(StageWait).
				WithDetail("pending", pending)
		case <-tick.C:
		}
	}
}

// tearDownPartial unwinds a failed bring-up: stop whatever was started,
// in reverse order, best-effort.
func (c *Cluster) tearDownPartial(ctx context.Context, order []string) {
	for _, name := range reverse(order) {
		inst := c.byName[name]
		if err := inst.Stop(ctx, c.opts.StopGrace); err != nil {
			c.log.WithError(err).Warnf("stopping %s during unwind failed", name)
		}
	}
}

// TearDown stops instances in strictly reverse topological order
// (dependents before dependencies), cleans each up, and removes the
// working root if it was created ephemeral for this run. Individual stop
// and cleanup errors are collected, never allowed to prevent remaining
// instances from being stopped.
func (c *Cluster) TearDown(ctx context.Context) (err error) {
	ic := telemetry.StartOperation(c.tel.WithContext(ctx), "teardown",
		attribute.String("cluster.name", c.opts.Name),
		attribute.String("run.id", c.runID))
	defer func() { ic.End(err) }()
	ctx = ic.Ctx

	c.mu.Lock()
	order := c.order
	if len(order) == 0 {
		// Bring-up never computed an order; fall back to registration
		// order so partial registrations still unwind.
		for _, inst := range c.instances {
			order = append(order, inst.Name())
		}
	}
	c.mu.Unlock()

	log := c.log.WithRunID(c.runID)
	var errs []error

	for _, name := range reverse(order) {
		inst := c.byName[name]
		serr := telemetry.RecordStageOperation(ctx, name, inst.Kind(), StageStop, func() error {
			return inst.Stop(ctx, c.opts.StopGrace)
		})
		if serr != nil {
			log.WithError(serr).Warnf("stopping %s failed", name)
			errs = append(errs, serr)
		}
	}

	for _, name := range reverse(order) {
		inst := c.byName[name]
		if inst.State() == StateConfigured || inst.State() == StateDeployed {
			// Never started; mark stopped so cleanup's terminal-state
			// requirement holds.
			inst.transition(StateStopped, "")
		}
		cerr := telemetry.RecordStageOperation(ctx, name, inst.Kind(), StageCleanup, func() error {
			return inst.Cleanup(c.opts.KeepDirs)
		})
		if cerr != nil {
			log.WithError(cerr).Warnf("cleaning up %s failed", name)
			errs = append(errs, cerr)
		}
	}

	if c.ephemeral && !c.opts.KeepDirs {
		if rerr := os.RemoveAll(c.opts.WorkRoot); rerr != nil {
			errs = append(errs, NewPermanentError("removing working root", rerr).
				WithCode(ErrCodeIO))
		}
	}

	c.setState(ClusterStopped)
	c.tel.Metrics.SetRunningInstances(0)
	log.Info("tear-down complete")

	return errors.Join(errs...)
}

// Report returns a snapshot of the run for status output and journaling.
func (c *Cluster) Report() BringUpReport {
	c.mu.Lock()
	defer c.mu.Unlock()

	statuses := make([]InstanceStatus, 0, len(c.instances))
	for _, inst := range c.instances {
		statuses = append(statuses, inst.Status())
	}

	var elapsed time.Duration
	if !c.began.IsZero() {
		elapsed = time.Since(c.began)
	}

	return BringUpReport{
		RunID:     c.runID,
		Cluster:   c.opts.Name,
		State:     c.state,
		Order:     c.order,
		Instances: statuses,
		Elapsed:   elapsed,
	}
}

// setState updates the aggregate state.
func (c *Cluster) setState(s ClusterState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// finish records the bring-up outcome in metrics, traces, events, and
// the journal, and returns err unchanged. A stage failure moves the
// cluster to failed; a readiness timeout already left it degraded.
func (c *Cluster) finish(ctx context.Context, order []string, err error, timer *telemetry.Timer) error {
	state := c.State()
	if err != nil && state != ClusterDegraded {
		state = ClusterFailed
		c.setState(ClusterFailed)
	}
	status := string(state)

	telemetry.EndBringupContext(ctx, status, *timer, err)
	c.tel.Metrics.SetPortsAllocated(float64(c.alloc.ClaimedPorts()))
	c.tel.Metrics.SetDirsAllocated(float64(c.alloc.ClaimedDirs()))
	if err != nil {
		var ce *ClusterError
		if errors.As(err, &ce) {
			c.tel.Metrics.RecordError(string(ce.Class), ce.Code)
		}
		_ = c.tel.Events.PublishBringupFailed(c.runID, c.opts.Name, err.Error())
	} else {
		_ = c.tel.Events.PublishBringupCompleted(c.runID, c.opts.Name, status, timer.Duration())
		running := 0
		for _, name := range order {
			if c.byName[name].State() == StateRunning {
				running++
			}
		}
		c.tel.Metrics.SetRunningInstances(float64(running))
	}

	if rerr := c.recorder.RecordRunFinished(context.Background(), c.runID, state, timer.Duration()); rerr != nil {
		c.log.WithError(rerr).Warn("recording run finish failed")
	}

	return err
}
