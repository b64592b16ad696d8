// Package cluster provides the orchestration engine that brings up, monitors,
// and tears down a set of interdependent service processes on one machine.
package cluster

import (
	"time"
)

// InstanceState represents the lifecycle state of a single service instance.
type InstanceState string

const (
	// StateRegistered is the initial state after registration with a cluster.
	StateRegistered InstanceState = "registered"

	// StateDeployed means the instance's binaries are installed and its
	// working directory exists.
	StateDeployed InstanceState = "deployed"

	// StateConfigured means configuration files are rendered and the
	// configuration map is frozen.
	StateConfigured InstanceState = "configured"

	// StateStarting means the process has been spawned but has not yet
	// reported operational.
	StateStarting InstanceState = "starting"

	// StateRunning means the readiness probe has reported true.
	StateRunning InstanceState = "running"

	// StateStopping means graceful termination is in progress.
	StateStopping InstanceState = "stopping"

	// StateStopped means the process has exited after a requested stop.
	StateStopped InstanceState = "stopped"

	// StateFailed is the terminal failure state, reachable from any
	// non-terminal state.
	StateFailed InstanceState = "failed"
)

// IsTerminal reports whether the state admits no further transitions
// other than cleanup.
func (s InstanceState) IsTerminal() bool {
	return s == StateStopped || s == StateFailed
}

// ClusterState represents the aggregate state of a cluster run.
type ClusterState string

const (
	// ClusterBuilding means instances are still being registered or deployed.
	ClusterBuilding ClusterState = "building"

	// ClusterStarting means start has been issued and readiness polling
	// is in progress.
	ClusterStarting ClusterState = "starting"

	// ClusterOperational means every instance reported ready within the
	// deadline.
	ClusterOperational ClusterState = "operational"

	// ClusterDegraded means the readiness deadline elapsed with at least
	// one instance not running. The cluster is left as-is for inspection.
	ClusterDegraded ClusterState = "degraded"

	// ClusterStopped means tear-down has completed.
	ClusterStopped ClusterState = "stopped"

	// ClusterFailed means bring-up aborted on a stage failure or crash
	// and whatever was brought partway up has been unwound.
	ClusterFailed ClusterState = "failed"
)

// Lifecycle stage names used in errors, logs, and metrics.
const (
	StageDeploy    = "deploy"
	StageConfigure = "configure"
	StageStart     = "start"
	StageWait      = "wait-operational"
	StageStop      = "stop"
	StageCleanup   = "cleanup"
)

// PathClass classifies files under an instance's working directory for
// selective cleanup.
type PathClass string

const (
	// PathTemp is scratch data removed on cleanup.
	PathTemp PathClass = "temp"

	// PathLog is log output, preserved when logs are kept for post-mortem.
	PathLog PathClass = "log"

	// PathPerm is permanent data (downloaded artifacts, certificates)
	// preserved across cleanup so re-deploys can skip fetching.
	PathPerm PathClass = "perm"
)

// InstanceSpec declares one service instance for registration.
type InstanceSpec struct {
	// Name uniquely identifies the instance within the cluster run.
	Name string `json:"name"`

	// Kind is the service kind (e.g. "zookeeper", "kafka", "schemaregistry").
	Kind string `json:"kind"`

	// Version is the requested service version, passed to the deployer.
	Version string `json:"version,omitempty"`

	// InstallHint points the deployer at a pre-existing installation or
	// download source.
	InstallHint string `json:"install_hint,omitempty"`

	// DependsOn names instances that must be deployed and configured
	// before this one configures itself.
	DependsOn []string `json:"depends_on,omitempty"`

	// Config holds caller-supplied configuration overrides. Defaults and
	// dependency-derived values are merged in during configure.
	Config map[string]string `json:"config,omitempty"`

	// Command is the argv used to spawn the process. Values may contain
	// ${key} references resolved against the instance configuration.
	// Empty declares a process-less instance: nothing is spawned and
	// readiness comes from the probe alone.
	Command []string `json:"command,omitempty"`

	// Env is extra process environment, also subject to ${key} resolution.
	Env map[string]string `json:"env,omitempty"`

	// PostStartCommands run once, in order, after the whole cluster
	// first reports operational.
	PostStartCommands [][]string `json:"post_start_commands,omitempty"`

	// Deployer installs the service binaries. Required.
	Deployer Deployer `json:"-"`

	// Renderer materializes configuration files. Optional; instances
	// without config templates may leave it nil.
	Renderer ConfigRenderer `json:"-"`

	// Probe is the kind-specific readiness predicate. Required.
	Probe Probe `json:"-"`

	// Configure is an optional kind-specific hook that computes derived
	// configuration (ports, connect strings, file renders) during the
	// configure stage. It runs after dependency values are resolved.
	Configure ConfigureFunc `json:"-"`
}

// Options configures a cluster run.
type Options struct {
	// Name is the cluster name, used in logs and directory naming.
	Name string

	// WorkRoot is the shared parent directory for instance working
	// directories. Empty means a fresh ephemeral root is created and
	// removed at tear-down.
	WorkRoot string

	// PortBase is the first port the allocator hands out.
	PortBase int

	// PortMax is the upper bound (inclusive) of the allocator's range.
	PortMax int

	// PollInterval is the sleep between readiness polling rounds.
	PollInterval time.Duration

	// StopGrace is how long a stop waits after a graceful termination
	// request before force-killing.
	StopGrace time.Duration

	// KeepDirs preserves instance working directories at cleanup for
	// post-mortem inspection.
	KeepDirs bool

	// ParallelDeploy deploys dependency-independent instances
	// concurrently. Sequential deploy is always correct; this is an
	// optimization for slow (network/build) deployers.
	ParallelDeploy bool

	// Recorder journals run progress. Nil means no journaling.
	Recorder RunRecorder
}

// withDefaults fills unset options.
func (o Options) withDefaults() Options {
	if o.Name == "" {
		o.Name = "cluster"
	}
	if o.PortBase == 0 {
		o.PortBase = 40000
	}
	if o.PortMax == 0 {
		o.PortMax = o.PortBase + 1000
	}
	if o.PollInterval == 0 {
		o.PollInterval = 500 * time.Millisecond
	}
	if o.StopGrace == 0 {
		o.StopGrace = 10 * time.Second
	}
	return o
}

// InstanceStatus is a point-in-time snapshot of one instance, suitable
// for status output and journaling.
type InstanceStatus struct {
	Name    string        `json:"name"`
	Kind    string        `json:"kind"`
	State   InstanceState `json:"state"`
	Pid     int           `json:"pid,omitempty"`
	WorkDir string        `json:"work_dir,omitempty"`
	Error   string        `json:"error,omitempty"`
}

// BringUpReport summarizes the outcome of a bring-up run.
type BringUpReport struct {
	RunID     string           `json:"run_id"`
	Cluster   string           `json:"cluster"`
	State     ClusterState     `json:"state"`
	Order     []string         `json:"order"`
	Instances []InstanceStatus `json:"instances"`
	Elapsed   time.Duration    `json:"elapsed"`
}
