package cluster

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/clusterup/clusterup/pkg/telemetry"
)

func testTelemetry(t *testing.T) *telemetry.Telemetry {
	t.Helper()
	cfg := telemetry.DefaultConfig()
	cfg.Logging.Level = "error"
	cfg.Logging.Format = "json"
	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		t.Fatalf("telemetry: %v", err)
	}
	return tel
}

func testCluster(t *testing.T, opts Options) *Cluster {
	t.Helper()
	if opts.Name == "" {
		opts.Name = "test"
	}
	if opts.WorkRoot == "" {
		opts.WorkRoot = t.TempDir()
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = 20 * time.Millisecond
	}
	if opts.StopGrace == 0 {
		opts.StopGrace = 2 * time.Second
	}
	c, err := New(opts, testTelemetry(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

// countingDeployer counts fetches and skips them when the destination is
// already populated, mimicking an idempotent installer.
type countingDeployer struct {
	mu      sync.Mutex
	fetches int
}

func (d *countingDeployer) Deploy(_ context.Context, req DeployRequest) (string, error) {
	marker := filepath.Join(req.DestPath, ".installed")
	if _, err := os.Stat(marker); err == nil {
		return req.DestPath, nil
	}
	d.mu.Lock()
	d.fetches++
	d.mu.Unlock()
	if err := os.MkdirAll(req.DestPath, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(marker, []byte(req.Version), 0o644); err != nil {
		return "", err
	}
	return req.DestPath, nil
}

func (d *countingDeployer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fetches
}

type failingDeployer struct{}

func (failingDeployer) Deploy(context.Context, DeployRequest) (string, error) {
	return "", errors.New("download refused")
}

func alwaysReady() Probe {
	return ProbeFunc(func(context.Context, Target) bool { return true })
}

func neverReady() Probe {
	return ProbeFunc(func(context.Context, Target) bool { return false })
}

// sleepSpec returns a spec whose process just sleeps until stopped.
func sleepSpec(name string, deps []string, deployer Deployer, probe Probe) InstanceSpec {
	return InstanceSpec{
		Name:      name,
		Kind:      "sleeper",
		DependsOn: deps,
		Command:   []string{"sleep", "300"},
		Deployer:  deployer,
		Probe:     probe,
	}
}

func TestBringUpRespectsDependencyOrder(t *testing.T) {
	c := testCluster(t, Options{})
	d := &countingDeployer{}

	var mu sync.Mutex
	var configured []string
	hook := func(_ context.Context, inst *Instance, proj Projection) error {
		// Every dependency must already be resolvable here.
		for _, dep := range inst.DependsOn() {
			if _, ok := proj.Value(dep, "port"); !ok {
				t.Errorf("%s configured before dependency %s resolved a port", inst.Name(), dep)
			}
		}
		if _, err := inst.AllocatePort("port", 0); err != nil {
			return err
		}
		mu.Lock()
		configured = append(configured, inst.Name())
		mu.Unlock()
		return nil
	}

	// Register in reverse dependency order on purpose.
	for _, spec := range []InstanceSpec{
		sleepSpec("c", []string{"b"}, d, alwaysReady()),
		sleepSpec("b", []string{"a"}, d, alwaysReady()),
		sleepSpec("a", nil, d, alwaysReady()),
	} {
		spec.Configure = hook
		if _, err := c.Register(spec); err != nil {
			t.Fatalf("Register %s: %v", spec.Name, err)
		}
	}

	proj, err := c.BringUp(context.Background(), 10*time.Second)
	if err != nil {
		t.Fatalf("BringUp: %v", err)
	}
	defer c.TearDown(context.Background())

	if got := c.State(); got != ClusterOperational {
		t.Errorf("cluster state = %s, want %s", got, ClusterOperational)
	}

	want := []string{"a", "b", "c"}
	for i, name := range want {
		if configured[i] != name {
			t.Fatalf("configure order = %v, want %v", configured, want)
		}
	}

	// Every instance's advertised attributes are resolved in the
	// returned projection.
	for _, name := range want {
		if _, ok := proj.Value(name, "port"); !ok {
			t.Errorf("projection missing %s.port", name)
		}
		if state, _ := proj.Value(name, "state"); state != string(StateRunning) {
			t.Errorf("%s state in projection = %s", name, state)
		}
	}
}

func TestCycleFailsBeforeSideEffects(t *testing.T) {
	c := testCluster(t, Options{})
	d := &countingDeployer{}

	specA := sleepSpec("a", []string{"b"}, d, alwaysReady())
	specB := sleepSpec("b", []string{"a"}, d, alwaysReady())
	if _, err := c.Register(specA); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := c.Register(specB); err != nil {
		t.Fatalf("Register: %v", err)
	}

	_, err := c.BringUp(context.Background(), time.Second)
	if err == nil {
		t.Fatal("expected cycle error")
	}
	var ce *ClusterError
	if !errors.As(err, &ce) || ce.Code != ErrCodeCycle {
		t.Fatalf("expected %s, got %v", ErrCodeCycle, err)
	}
	if d.count() != 0 {
		t.Errorf("deploy invoked %d times despite cycle", d.count())
	}
	for _, inst := range c.Instances() {
		if inst.State() != StateRegistered {
			t.Errorf("instance %s advanced to %s", inst.Name(), inst.State())
		}
	}
}

func TestUnknownDependency(t *testing.T) {
	c := testCluster(t, Options{})
	d := &countingDeployer{}

	if _, err := c.Register(sleepSpec("a", []string{"ghost"}, d, alwaysReady())); err != nil {
		t.Fatalf("Register: %v", err)
	}

	_, err := c.BringUp(context.Background(), time.Second)
	var ce *ClusterError
	if !errors.As(err, &ce) || ce.Code != ErrCodeUnknownDep {
		t.Fatalf("expected %s, got %v", ErrCodeUnknownDep, err)
	}
}

func TestDuplicateName(t *testing.T) {
	c := testCluster(t, Options{})
	d := &countingDeployer{}

	if _, err := c.Register(sleepSpec("a", nil, d, alwaysReady())); err != nil {
		t.Fatalf("Register: %v", err)
	}
	_, err := c.Register(sleepSpec("a", nil, d, alwaysReady()))
	var ce *ClusterError
	if !errors.As(err, &ce) || ce.Code != ErrCodeAlreadyExists {
		t.Fatalf("expected %s, got %v", ErrCodeAlreadyExists, err)
	}
}

func TestDeployFailureAborts(t *testing.T) {
	c := testCluster(t, Options{})

	if _, err := c.Register(sleepSpec("a", nil, failingDeployer{}, alwaysReady())); err != nil {
		t.Fatalf("Register: %v", err)
	}

	_, err := c.BringUp(context.Background(), time.Second)
	var ce *ClusterError
	if !errors.As(err, &ce) || ce.Code != ErrCodeDeployFailed {
		t.Fatalf("expected %s, got %v", ErrCodeDeployFailed, err)
	}
	if ce.Instance != "a" || ce.Stage != StageDeploy {
		t.Errorf("failure context = instance %q stage %q", ce.Instance, ce.Stage)
	}
}

func TestReadinessTimeoutNamesPendingAndLeavesClusterLive(t *testing.T) {
	c := testCluster(t, Options{})
	d := &countingDeployer{}

	if _, err := c.Register(sleepSpec("healthy", nil, d, alwaysReady())); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := c.Register(sleepSpec("stuck", nil, d, neverReady())); err != nil {
		t.Fatalf("Register: %v", err)
	}

	_, err := c.BringUp(context.Background(), 300*time.Millisecond)
	var ce *ClusterError
	if !errors.As(err, &ce) || ce.Code != ErrCodeReadinessTimeout {
		t.Fatalf("expected %s, got %v", ErrCodeReadinessTimeout, err)
	}

	pending, _ := ce.Details["pending"].([]string)
	if len(pending) != 1 || pending[0] != "stuck" {
		t.Errorf("pending = %v, want [stuck]", pending)
	}

	if got := c.State(); got != ClusterDegraded {
		t.Errorf("cluster state = %s, want %s", got, ClusterDegraded)
	}

	// The healthy instance must still be running, not torn down.
	healthy, _ := c.Instance("healthy")
	if healthy.State() != StateRunning {
		t.Errorf("healthy state = %s, want %s", healthy.State(), StateRunning)
	}
	stuck, _ := c.Instance("stuck")
	if stuck.State() != StateStarting {
		t.Errorf("stuck state = %s, want %s", stuck.State(), StateStarting)
	}

	if err := c.TearDown(context.Background()); err != nil {
		t.Errorf("TearDown: %v", err)
	}
}

func TestCrashDuringPollingSurfacesImmediately(t *testing.T) {
	c := testCluster(t, Options{})
	d := &countingDeployer{}

	spec := InstanceSpec{
		Name:     "crasher",
		Kind:     "sleeper",
		Command:  []string{"sh", "-c", "exit 3"},
		Deployer: d,
		Probe:    neverReady(),
	}
	if _, err := c.Register(spec); err != nil {
		t.Fatalf("Register: %v", err)
	}

	_, err := c.BringUp(context.Background(), 5*time.Second)
	var ce *ClusterError
	if !errors.As(err, &ce) || ce.Code != ErrCodeCrashed {
		t.Fatalf("expected %s, got %v", ErrCodeCrashed, err)
	}
	if code, _ := ce.Details["exit_code"].(int); code != 3 {
		t.Errorf("exit code = %d, want 3", code)
	}
}

// recordingRecorder captures transitions for order assertions.
type recordingRecorder struct {
	mu          sync.Mutex
	transitions []string
	finished    ClusterState
}

func (r *recordingRecorder) RecordRunStarted(context.Context, string, string, []string) error {
	return nil
}

func (r *recordingRecorder) RecordTransition(_ context.Context, _ string, instance string, _, to InstanceState, _ string) error {
	r.mu.Lock()
	r.transitions = append(r.transitions, instance+":"+string(to))
	r.mu.Unlock()
	return nil
}

func (r *recordingRecorder) RecordRunFinished(_ context.Context, _ string, state ClusterState, _ time.Duration) error {
	r.mu.Lock()
	r.finished = state
	r.mu.Unlock()
	return nil
}

func (r *recordingRecorder) finishedState() ClusterState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finished
}

func (r *recordingRecorder) stops() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, t := range r.transitions {
		if len(t) > 9 && t[len(t)-8:] == "stopping" {
			out = append(out, t[:len(t)-9])
		}
	}
	return out
}

func TestTearDownReverseOrder(t *testing.T) {
	rec := &recordingRecorder{}
	c := testCluster(t, Options{Recorder: rec})
	d := &countingDeployer{}

	// C depends on B depends on A.
	for _, spec := range []InstanceSpec{
		sleepSpec("a", nil, d, alwaysReady()),
		sleepSpec("b", []string{"a"}, d, alwaysReady()),
		sleepSpec("c", []string{"b"}, d, alwaysReady()),
	} {
		if _, err := c.Register(spec); err != nil {
			t.Fatalf("Register %s: %v", spec.Name, err)
		}
	}

	if _, err := c.BringUp(context.Background(), 10*time.Second); err != nil {
		t.Fatalf("BringUp: %v", err)
	}
	if err := c.TearDown(context.Background()); err != nil {
		t.Fatalf("TearDown: %v", err)
	}

	stops := rec.stops()
	want := []string{"c", "b", "a"}
	if len(stops) != 3 {
		t.Fatalf("stop transitions = %v", stops)
	}
	for i := range want {
		if stops[i] != want[i] {
			t.Fatalf("stop order = %v, want %v", stops, want)
		}
	}

	if got := c.State(); got != ClusterStopped {
		t.Errorf("cluster state = %s, want %s", got, ClusterStopped)
	}
}

func TestCleanupIdempotent(t *testing.T) {
	c := testCluster(t, Options{})
	d := &countingDeployer{}

	inst, err := c.Register(sleepSpec("a", nil, d, alwaysReady()))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	if _, err := c.BringUp(context.Background(), 10*time.Second); err != nil {
		t.Fatalf("BringUp: %v", err)
	}

	workDir := inst.WorkDir()
	scratch := filepath.Join(workDir, "scratch.tmp")
	if err := os.WriteFile(scratch, []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := inst.Stop(context.Background(), 2*time.Second); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := inst.Cleanup(false); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if err := inst.Cleanup(false); err != nil {
		t.Fatalf("second Cleanup: %v", err)
	}
	if _, err := os.Stat(scratch); !os.IsNotExist(err) {
		t.Errorf("scratch file %s still present", scratch)
	}
}

func TestCleanupKeepsPermAndLogPaths(t *testing.T) {
	c := testCluster(t, Options{})
	d := &countingDeployer{}

	spec := sleepSpec("a", nil, d, alwaysReady())
	spec.Configure = func(_ context.Context, inst *Instance, _ Projection) error {
		dataDir, err := inst.MkPath("data", PathPerm)
		if err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(dataDir, "state.db"), []byte("x"), 0o644); err != nil {
			return err
		}
		scratchDir, err := inst.MkPath("scratch", PathTemp)
		if err != nil {
			return err
		}
		return os.WriteFile(filepath.Join(scratchDir, "work.tmp"), []byte("y"), 0o644)
	}

	inst, err := c.Register(spec)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := c.BringUp(context.Background(), 10*time.Second); err != nil {
		t.Fatalf("BringUp: %v", err)
	}

	workDir := inst.WorkDir()
	if err := inst.Stop(context.Background(), 2*time.Second); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := inst.Cleanup(false); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}

	// Perm data, the install, and the process logs survive default
	// cleanup for post-mortem use.
	for _, kept := range []string{
		filepath.Join(workDir, "data", "state.db"),
		filepath.Join(workDir, "install"),
		filepath.Join(workDir, "logs", "stdout.log"),
	} {
		if _, err := os.Stat(kept); err != nil {
			t.Errorf("%s removed by default cleanup: %v", kept, err)
		}
	}
	if _, err := os.Stat(filepath.Join(workDir, "scratch")); !os.IsNotExist(err) {
		t.Error("temp-classed scratch directory survived cleanup")
	}
}

func TestPostStartRunsOnceWhenClusterOperational(t *testing.T) {
	c := testCluster(t, Options{})
	d := &countingDeployer{}

	marker := filepath.Join(t.TempDir(), "marker")
	spec := sleepSpec("a", nil, d, alwaysReady())
	spec.Config = map[string]string{"marker": marker}
	spec.PostStartCommands = [][]string{{"sh", "-c", "echo ran >> ${marker}"}}
	if _, err := c.Register(spec); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := c.Register(sleepSpec("b", []string{"a"}, d, alwaysReady())); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if _, err := c.BringUp(context.Background(), 10*time.Second); err != nil {
		t.Fatalf("BringUp: %v", err)
	}
	defer c.TearDown(context.Background())

	data, err := os.ReadFile(marker)
	if err != nil {
		t.Fatalf("post-start command left no marker: %v", err)
	}
	if got := string(data); got != "ran\n" {
		t.Errorf("marker content = %q, want one line", got)
	}

	// Further readiness polls must not rerun the commands.
	inst, _ := c.Instance("a")
	inst.PollOperational(context.Background(), c.Projection())
	c.runPostStartCommands(context.Background(), []string{"a"})
	if data, _ := os.ReadFile(marker); string(data) != "ran\n" {
		t.Errorf("post-start commands ran again: %q", string(data))
	}
}

func TestPostStartSkippedWhileDegraded(t *testing.T) {
	c := testCluster(t, Options{})
	d := &countingDeployer{}

	marker := filepath.Join(t.TempDir(), "marker")
	spec := sleepSpec("ready", nil, d, alwaysReady())
	spec.Config = map[string]string{"marker": marker}
	spec.PostStartCommands = [][]string{{"sh", "-c", "echo ran >> ${marker}"}}
	if _, err := c.Register(spec); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := c.Register(sleepSpec("stuck", nil, d, neverReady())); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if _, err := c.BringUp(context.Background(), 300*time.Millisecond); err == nil {
		t.Fatal("expected readiness timeout")
	}
	defer c.TearDown(context.Background())

	// The commands fire only when the whole cluster goes operational.
	if _, err := os.Stat(marker); !os.IsNotExist(err) {
		t.Error("post-start commands ran in a degraded cluster")
	}
}

func TestProcessLessInstanceLifecycle(t *testing.T) {
	c := testCluster(t, Options{})
	d := &countingDeployer{}

	spec := InstanceSpec{
		Name:     "fixture",
		Kind:     "fixture",
		Deployer: d,
		Probe:    alwaysReady(),
	}
	inst, err := c.Register(spec)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	if _, err := c.BringUp(context.Background(), 10*time.Second); err != nil {
		t.Fatalf("BringUp: %v", err)
	}
	if inst.State() != StateRunning {
		t.Errorf("state = %s, want %s", inst.State(), StateRunning)
	}
	if inst.Pid() != 0 {
		t.Errorf("process-less instance reported pid %d", inst.Pid())
	}
	if err := c.TearDown(context.Background()); err != nil {
		t.Fatalf("TearDown: %v", err)
	}
	if inst.State() != StateStopped {
		t.Errorf("state after tear-down = %s, want %s", inst.State(), StateStopped)
	}
}

func TestRegisterRejectedOnceBringUpBegins(t *testing.T) {
	c := testCluster(t, Options{})
	d := &countingDeployer{}

	spec := sleepSpec("a", nil, d, alwaysReady())
	spec.Configure = func(context.Context, *Instance, Projection) error {
		_, err := c.Register(sleepSpec("late", nil, d, alwaysReady()))
		var ce *ClusterError
		if !errors.As(err, &ce) || ce.Code != ErrCodeBadState {
			t.Errorf("mid-bring-up Register: expected %s, got %v", ErrCodeBadState, err)
		}
		return nil
	}
	if _, err := c.Register(spec); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if _, err := c.BringUp(context.Background(), 10*time.Second); err != nil {
		t.Fatalf("BringUp: %v", err)
	}
	defer c.TearDown(context.Background())

	if len(c.Instances()) != 1 {
		t.Errorf("instance count = %d, want 1", len(c.Instances()))
	}
}

func TestFailedBringUpRecordedAsFailed(t *testing.T) {
	rec := &recordingRecorder{}
	c := testCluster(t, Options{Recorder: rec})

	if _, err := c.Register(sleepSpec("a", nil, failingDeployer{}, alwaysReady())); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := c.BringUp(context.Background(), time.Second); err == nil {
		t.Fatal("expected deploy failure")
	}

	if got := c.State(); got != ClusterFailed {
		t.Errorf("cluster state = %s, want %s", got, ClusterFailed)
	}
	if got := rec.finishedState(); got != ClusterFailed {
		t.Errorf("journaled state = %s, want %s", got, ClusterFailed)
	}
}

func TestDeployIdempotentSkipsFetch(t *testing.T) {
	d := &countingDeployer{}
	install := filepath.Join(t.TempDir(), "install")

	run := func() {
		c := testCluster(t, Options{})
		spec := sleepSpec("a", nil, d, alwaysReady())
		spec.InstallHint = install
		if _, err := c.Register(spec); err != nil {
			t.Fatalf("Register: %v", err)
		}
		if _, err := c.BringUp(context.Background(), 10*time.Second); err != nil {
			t.Fatalf("BringUp: %v", err)
		}
		if err := c.TearDown(context.Background()); err != nil {
			t.Fatalf("TearDown: %v", err)
		}
	}

	run()
	run()

	if d.count() != 1 {
		t.Errorf("fetch invoked %d times, want 1", d.count())
	}
}

func TestConfigFrozenAfterConfigure(t *testing.T) {
	c := testCluster(t, Options{})
	d := &countingDeployer{}

	inst, err := c.Register(sleepSpec("a", nil, d, alwaysReady()))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := c.BringUp(context.Background(), 10*time.Second); err != nil {
		t.Fatalf("BringUp: %v", err)
	}
	defer c.TearDown(context.Background())

	if err := inst.SetConfig("late", "value"); err == nil {
		t.Error("expected SetConfig to fail after configure")
	}
}

func TestParallelDeploy(t *testing.T) {
	c := testCluster(t, Options{ParallelDeploy: true})
	d := &countingDeployer{}

	for _, spec := range []InstanceSpec{
		sleepSpec("a", nil, d, alwaysReady()),
		sleepSpec("b", nil, d, alwaysReady()),
		sleepSpec("c", []string{"a", "b"}, d, alwaysReady()),
	} {
		if _, err := c.Register(spec); err != nil {
			t.Fatalf("Register %s: %v", spec.Name, err)
		}
	}

	if _, err := c.BringUp(context.Background(), 10*time.Second); err != nil {
		t.Fatalf("BringUp: %v", err)
	}
	if err := c.TearDown(context.Background()); err != nil {
		t.Fatalf("TearDown: %v", err)
	}
	if d.count() != 3 {
		t.Errorf("fetches = %d, want 3", d.count())
	}
}

func TestCancellationLeavesClusterUnwindable(t *testing.T) {
	c := testCluster(t, Options{})
	d := &countingDeployer{}

	if _, err := c.Register(sleepSpec("stuck", nil, d, neverReady())); err != nil {
		t.Fatalf("Register: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	_, err := c.BringUp(ctx, time.Minute)
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if !IsTransient(err) {
		t.Errorf("cancellation should be transient, got %v", err)
	}

	// Tear-down must work from the state as found.
	if err := c.TearDown(context.Background()); err != nil {
		t.Fatalf("TearDown after cancel: %v", err)
	}
}
