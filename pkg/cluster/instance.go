package cluster

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/clusterup/clusterup/pkg/alloc"
	"github.com/clusterup/clusterup/pkg/telemetry"
)

// Instance represents one service process within a cluster run. It owns
// its configuration map, working directory, and process handle, and
// exposes the state-machine operations the engine drives. Instances are
// created only through Cluster.Register and never outlive their cluster.
type Instance struct {
	spec     InstanceSpec
	regIndex int

	log   *telemetry.Logger
	alloc *alloc.Allocator

	// onTransition is installed by the owning cluster to observe state
	// changes for logging, events, and journaling.
	onTransition func(inst *Instance, from, to InstanceState, detail string)

	state       InstanceState
	conf        map[string]string
	frozen      bool
	workDir     string
	installPath string
	proc        *process
	failure     error

	// pathClasses records subpaths registered under the working
	// directory and their cleanup class.
	pathClasses map[string]PathClass

	postStartDone bool
	cleanedUp     bool
	becameReady   time.Time
}

// newInstance is called by Cluster.Register.
func newInstance(spec InstanceSpec, regIndex int, a *alloc.Allocator, log *telemetry.Logger) *Instance {
	conf := make(map[string]string, len(spec.Config))
	for k, v := range spec.Config {
		conf[k] = v
	}
	return &Instance{
		spec:        spec,
		regIndex:    regIndex,
		alloc:       a,
		log:         log.WithInstance(spec.Name, spec.Kind),
		state:       StateRegistered,
		conf:        conf,
		pathClasses: make(map[string]PathClass),
	}
}

// Name returns the instance name.
func (in *Instance) Name() string { return in.spec.Name }

// Kind returns the service kind.
func (in *Instance) Kind() string { return in.spec.Kind }

// State returns the current lifecycle state.
func (in *Instance) State() InstanceState { return in.state }

// Err returns the recorded failure cause, if any.
func (in *Instance) Err() error { return in.failure }

// WorkDir returns the instance's working directory, empty before deploy.
func (in *Instance) WorkDir() string { return in.workDir }

// InstallPath returns the installation path recorded at deploy.
func (in *Instance) InstallPath() string { return in.installPath }

// Pid returns the process ID while a process handle is held, else 0.
func (in *Instance) Pid() int {
	if in.proc == nil {
		return 0
	}
	return in.proc.pid()
}

// DependsOn returns the declared dependency names.
func (in *Instance) DependsOn() []string { return in.spec.DependsOn }

// ConfigValue looks up a configuration value.
func (in *Instance) ConfigValue(key string) (string, bool) {
	v, ok := in.conf[key]
	return v, ok
}

// SetConfig sets a configuration value. The configuration is immutable
// once the instance reaches configured.
func (in *Instance) SetConfig(key, value string) error {
	if in.frozen {
		return NewConflictError("configuration is frozen", nil).
			WithCode(ErrCodeBadState).WithInstance(in.spec.Name)
	}
	in.conf[key] = value
	return nil
}

// AllocatePort allocates a TCP port, stores it under the given config
// key, and returns it. A non-zero hint is tried first.
func (in *Instance) AllocatePort(key string, hint int) (int, error) {
	port, err := in.alloc.Port(hint)
	if err != nil {
		return 0, NewExhaustedError("port allocation failed", err).
			WithCode(ErrCodePortExhausted).WithInstance(in.spec.Name)
	}
	if err := in.SetConfig(key, fmt.Sprintf("%d", port)); err != nil {
		return 0, err
	}
	return port, nil
}

// MkPath creates a subdirectory under the working directory and registers
// its cleanup class. Perm- and log-classed paths survive default cleanup.
func (in *Instance) MkPath(name string, class PathClass) (string, error) {
	if in.workDir == "" {
		return "", NewConflictError("instance has no working directory yet", nil).
			WithCode(ErrCodeBadState).WithInstance(in.spec.Name)
	}
	path := filepath.Join(in.workDir, name)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", NewPermanentError("creating instance path", err).
			WithCode(ErrCodeIO).WithInstance(in.spec.Name)
	}
	in.pathClasses[name] = class
	return path, nil
}

// Status returns a point-in-time snapshot.
func (in *Instance) Status() InstanceStatus {
	st := InstanceStatus{
		Name:    in.spec.Name,
		Kind:    in.spec.Kind,
		State:   in.state,
		WorkDir: in.workDir,
		Pid:     in.Pid(),
	}
	if in.failure != nil {
		st.Error = in.failure.Error()
	}
	return st
}

// transition moves the instance to a new state and notifies the cluster.
func (in *Instance) transition(to InstanceState, detail string) {
	from := in.state
	in.state = to
	if in.onTransition != nil {
		in.onTransition(in, from, to, detail)
	}
}

// fail records the failure cause and enters the terminal failed state.
func (in *Instance) fail(err error) error {
	in.failure = err
	in.transition(StateFailed, err.Error())
	return err
}

// Deploy invokes the deploy collaborator for this instance's kind,
// creating the working directory first. On success the instance holds the
// installation path and is deployed; on failure it is failed with the
// underlying cause recorded.
func (in *Instance) Deploy(ctx context.Context) error {
	if in.state != StateRegistered {
		return NewConflictError(
			fmt.Sprintf("deploy requires state %s, have %s", StateRegistered, in.state), nil).
			WithCode(ErrCodeBadState).WithInstance(in.spec.Name).WithStage(StageDeploy)
	}

	dir, err := in.alloc.Dir(in.spec.Name)
	if err != nil {
		return in.fail(NewPermanentError("allocating working directory", err).
			WithCode(ErrCodeIO).WithInstance(in.spec.Name).WithStage(StageDeploy))
	}
	in.workDir = dir
	in.conf["dir"] = dir

	dest := in.spec.InstallHint
	if dest == "" {
		dest = filepath.Join(dir, "install")
		in.pathClasses["install"] = PathPerm
	}

	if in.spec.Deployer == nil {
		return in.fail(NewPermanentError("no deployer registered for kind "+in.spec.Kind, nil).
			WithCode(ErrCodeDeployFailed).WithInstance(in.spec.Name).WithStage(StageDeploy))
	}

	in.log.WithStage(StageDeploy).Debugf("deploying %s version %s to %s", in.spec.Kind, in.spec.Version, dest)

	installed, err := in.spec.Deployer.Deploy(ctx, DeployRequest{
		Kind:        in.spec.Kind,
		Version:     in.spec.Version,
		InstallHint: in.spec.InstallHint,
		DestPath:    dest,
	})
	if err != nil {
		return in.fail(NewPermanentError("deploy failed", err).
			WithCode(ErrCodeDeployFailed).WithInstance(in.spec.Name).WithStage(StageDeploy))
	}

	in.installPath = installed
	in.conf["install_path"] = installed
	in.transition(StateDeployed, "")
	return nil
}

// Configure merges defaults and dependency-derived values via the
// kind-specific hook, resolves references in the configuration, and
// freezes it. The projection passed in carries the attributes of every
// instance configured earlier in the startup order, so dependency values
// are resolvable here and nowhere earlier.
func (in *Instance) Configure(ctx context.Context, proj Projection) error {
	if in.state != StateDeployed {
		return NewConflictError(
			fmt.Sprintf("configure requires state %s, have %s", StateDeployed, in.state), nil).
			WithCode(ErrCodeBadState).WithInstance(in.spec.Name).WithStage(StageConfigure)
	}

	// Dependencies must already contribute to the projection. A missing
	// contribution is a topology error, reported immediately.
	for _, dep := range in.spec.DependsOn {
		if len(proj.ForInstance(dep)) == 0 {
			return in.fail(NewPermanentError(
				fmt.Sprintf("dependency %s has no resolved attributes", dep), nil).
				WithCode(ErrCodeConfigFailed).WithInstance(in.spec.Name).WithStage(StageConfigure))
		}
	}

	if in.spec.Configure != nil {
		if err := in.spec.Configure(ctx, in, proj); err != nil {
			return in.fail(NewPermanentError("configure hook failed", err).
				WithCode(ErrCodeConfigFailed).WithInstance(in.spec.Name).WithStage(StageConfigure))
		}
	}

	// Resolve ${...} references between configuration values.
	for k, v := range in.conf {
		in.conf[k] = proj.Resolve(v, in.conf)
	}

	in.frozen = true
	in.transition(StateConfigured, "")
	return nil
}

// Start spawns the service process in its working directory. The
// instance moves to starting immediately; readiness is observed later
// through PollOperational. A process-less instance (no command) spawns
// nothing and relies on its probe alone.
func (in *Instance) Start(ctx context.Context, proj Projection) error {
	if in.state != StateConfigured {
		return NewConflictError(
			fmt.Sprintf("start requires state %s, have %s", StateConfigured, in.state), nil).
			WithCode(ErrCodeBadState).WithInstance(in.spec.Name).WithStage(StageStart)
	}

	argv := make([]string, 0, len(in.spec.Command))
	for _, arg := range in.spec.Command {
		argv = append(argv, proj.Resolve(arg, in.conf))
	}
	if len(argv) == 0 {
		in.transition(StateStarting, "")
		return nil
	}

	logDir, err := in.MkPath("logs", PathLog)
	if err != nil {
		return in.fail(err)
	}
	stdout, err := os.Create(filepath.Join(logDir, "stdout.log"))
	if err != nil {
		return in.fail(NewPermanentError("creating stdout log", err).
			WithCode(ErrCodeIO).WithInstance(in.spec.Name).WithStage(StageStart))
	}
	stderr, err := os.Create(filepath.Join(logDir, "stderr.log"))
	if err != nil {
		stdout.Close()
		return in.fail(NewPermanentError("creating stderr log", err).
			WithCode(ErrCodeIO).WithInstance(in.spec.Name).WithStage(StageStart))
	}
	in.conf["log_dir"] = logDir
	in.conf["stdout_log"] = stdout.Name()
	in.conf["stderr_log"] = stderr.Name()

	env := os.Environ()
	for k, v := range in.spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, proj.Resolve(v, in.conf)))
	}
	env = append(env, proj.Environ()...)

	in.log.WithStage(StageStart).Debugf("spawning %v", argv)

	proc, err := spawn(argv, in.workDir, env, stdout, stderr)
	if err != nil {
		return in.fail(NewPermanentError("spawn failed", err).
			WithCode(ErrCodeSpawnFailed).WithInstance(in.spec.Name).WithStage(StageStart))
	}

	in.proc = proc
	in.transition(StateStarting, "")
	return nil
}

// PollOperational performs one non-blocking readiness check. While
// starting, a true probe result moves the instance to running; an
// unexpected process exit moves it to failed with the exit status
// recorded.
func (in *Instance) PollOperational(ctx context.Context, proj Projection) bool {
	switch in.state {
	case StateRunning:
		return true
	case StateStarting:
	default:
		return false
	}

	if in.proc != nil {
		if code, exited := in.proc.exit(); exited {
			in.fail(NewPermanentError(
				fmt.Sprintf("process exited with code %d before becoming ready", code), nil).
				WithCode(ErrCodeCrashed).WithInstance(in.spec.Name).WithStage(StageWait).
				WithDetail("exit_code", code))
			return false
		}
	}

	if in.spec.Probe == nil || !in.spec.Probe.Ready(ctx, in) {
		return false
	}

	in.becameReady = time.Now()
	in.transition(StateRunning, "")
	return true
}

// runPostStart executes the declared post-start commands once. The
// cluster invokes it for every instance when bring-up first reaches
// operational. Failures are logged, not fatal: the service itself is
// already up.
func (in *Instance) runPostStart(ctx context.Context, proj Projection) {
	if in.postStartDone || len(in.spec.PostStartCommands) == 0 {
		return
	}
	in.postStartDone = true

	for _, raw := range in.spec.PostStartCommands {
		argv := make([]string, 0, len(raw))
		for _, arg := range raw {
			argv = append(argv, proj.Resolve(arg, in.conf))
		}
		if len(argv) == 0 {
			continue
		}
		out, err := runCommand(ctx, argv, in.workDir, proj.Environ())
		if err != nil {
			in.log.WithError(err).Warnf("post-start command %v failed: %s", argv, out)
			continue
		}
		in.log.Debugf("post-start command %v done", argv)
	}
}

// Stop gracefully terminates the process, force-killing after the grace
// period. Stopping an already-stopped, failed, or never-started instance
// is a no-op.
func (in *Instance) Stop(ctx context.Context, grace time.Duration) error {
	switch in.state {
	case StateRunning, StateStarting:
	default:
		return nil
	}

	in.transition(StateStopping, "")
	if in.proc != nil {
		code := in.proc.terminate(grace)
		in.log.WithStage(StageStop).Debugf("process exited with code %d", code)
		in.proc = nil
	}
	in.transition(StateStopped, "")
	return nil
}

// Cleanup removes scratch content from the working directory unless keep
// is set. Perm- and log-classed paths registered through MkPath survive,
// so installations and post-mortem logs outlive the run; the directory
// itself goes only when nothing in it was kept. Installations placed
// outside the working directory via an install hint are untouched.
// Requires a terminal state; calling it again is a no-op.
func (in *Instance) Cleanup(keep bool) error {
	if in.cleanedUp || in.workDir == "" {
		return nil
	}
	if !in.state.IsTerminal() && in.state != StateRegistered {
		return NewConflictError(
			fmt.Sprintf("cleanup requires a terminal state, have %s", in.state), nil).
			WithCode(ErrCodeBadState).WithInstance(in.spec.Name).WithStage(StageCleanup)
	}
	if keep {
		in.cleanedUp = true
		return nil
	}

	entries, err := os.ReadDir(in.workDir)
	if err != nil {
		if os.IsNotExist(err) {
			in.cleanedUp = true
			return nil
		}
		return NewPermanentError("reading working directory", err).
			WithCode(ErrCodeIO).WithInstance(in.spec.Name).WithStage(StageCleanup)
	}

	kept := 0
	for _, entry := range entries {
		if in.keptAtCleanup(entry.Name()) {
			kept++
			continue
		}
		if err := os.RemoveAll(filepath.Join(in.workDir, entry.Name())); err != nil {
			return NewPermanentError("removing working directory entry", err).
				WithCode(ErrCodeIO).WithInstance(in.spec.Name).WithStage(StageCleanup)
		}
	}
	if kept == 0 {
		if err := os.Remove(in.workDir); err != nil && !os.IsNotExist(err) {
			return NewPermanentError("removing working directory", err).
				WithCode(ErrCodeIO).WithInstance(in.spec.Name).WithStage(StageCleanup)
		}
	}
	in.cleanedUp = true
	return nil
}

// keptAtCleanup reports whether a top-level working directory entry is,
// or contains, a perm- or log-classed path.
func (in *Instance) keptAtCleanup(entry string) bool {
	for name, class := range in.pathClasses {
		if class != PathPerm && class != PathLog {
			continue
		}
		if name == entry || strings.HasPrefix(name, entry+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
