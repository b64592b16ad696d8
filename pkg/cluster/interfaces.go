package cluster

import (
	"context"
	"time"
)

// DeployRequest describes one installation request handed to a Deployer.
type DeployRequest struct {
	// Kind is the service kind being installed.
	Kind string

	// Version is the requested version.
	Version string

	// InstallHint points at a pre-existing installation or download source.
	InstallHint string

	// DestPath is the directory the installation should end up in.
	DestPath string
}

// Deployer installs service binaries. Implementations may fetch over the
// network or invoke external builds, and must be idempotent: when DestPath
// already contains a valid installation the fetch is skipped.
type Deployer interface {
	Deploy(ctx context.Context, req DeployRequest) (installedPath string, err error)
}

// ConfigRenderer materializes a configuration file from a template and a
// substitution map. Substitutions include allocator-provided ports, paths,
// and values read from the environment projection.
type ConfigRenderer interface {
	Render(template string, subs map[string]string, destPath string) (string, error)
}

// Target is the view of an instance a readiness probe gets: enough to
// resolve the address, files, or directories it should check.
type Target interface {
	Name() string
	ConfigValue(key string) (string, bool)
	WorkDir() string
}

// Probe is a kind-specific readiness predicate. Ready must be non-blocking
// beyond a short diagnostic connection or log read, and side-effect-free.
type Probe interface {
	Ready(ctx context.Context, target Target) bool
	Kind() string
}

// ConfigureFunc computes derived configuration for an instance during the
// configure stage, after dependency values are resolvable through the
// projection. It typically allocates ports, renders config files, and sets
// the attributes the instance advertises to its dependents.
type ConfigureFunc func(ctx context.Context, inst *Instance, proj Projection) error

// RunRecorder journals bring-up progress. Implementations must tolerate
// being called from the engine's control goroutine only.
type RunRecorder interface {
	RecordRunStarted(ctx context.Context, runID, cluster string, instances []string) error
	RecordTransition(ctx context.Context, runID, instance string, from, to InstanceState, detail string) error
	RecordRunFinished(ctx context.Context, runID string, state ClusterState, elapsed time.Duration) error
}

// NopRecorder is a RunRecorder that discards everything.
type NopRecorder struct{}

func (NopRecorder) RecordRunStarted(context.Context, string, string, []string) error {
	return nil
}

func (NopRecorder) RecordTransition(context.Context, string, string, InstanceState, InstanceState, string) error {
	return nil
}

func (NopRecorder) RecordRunFinished(context.Context, string, ClusterState, time.Duration) error {
	return nil
}

// ProbeFunc adapts a function to the Probe interface.
type ProbeFunc func(ctx context.Context, target Target) bool

func (f ProbeFunc) Ready(ctx context.Context, target Target) bool { return f(ctx, target) }

func (f ProbeFunc) Kind() string { return "func" }

// DeployerFunc adapts a function to the Deployer interface.
type DeployerFunc func(ctx context.Context, req DeployRequest) (string, error)

func (f DeployerFunc) Deploy(ctx context.Context, req DeployRequest) (string, error) {
	return f(ctx, req)
}
