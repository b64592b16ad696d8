package services

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/clusterup/clusterup/pkg/cluster"
	"github.com/clusterup/clusterup/pkg/deploy"
	"github.com/clusterup/clusterup/pkg/probe"
	"github.com/clusterup/clusterup/pkg/render"
	"github.com/clusterup/clusterup/pkg/topology"
)

// BuildOptions carries the collaborators shared by all builders.
type BuildOptions struct {
	// Deployer installs service artifacts. Nil means deploy.Noop, which
	// expects a pre-installed artifact via the declaration's install
	// hint.
	Deployer cluster.Deployer

	// Renderer writes configuration files. Nil means a strict
	// render.FileRenderer.
	Renderer cluster.ConfigRenderer
}

func (o BuildOptions) withDefaults() BuildOptions {
	if o.Deployer == nil {
		o.Deployer = deploy.Noop{}
	}
	if o.Renderer == nil {
		o.Renderer = &render.FileRenderer{Strict: true}
	}
	return o
}

// BuilderFunc turns a topology declaration into an instance spec.
type BuilderFunc func(decl topology.InstanceDecl, opts BuildOptions) (cluster.InstanceSpec, error)

var (
	buildersMu sync.RWMutex
	builders   = map[string]BuilderFunc{
		"zookeeper":       Zookeeper,
		"kafka":           Kafka,
		"schema-registry": SchemaRegistry,
		"kdc":             KDC,
		"oidc":            OIDC,
		"ssl":             SSL,
	}
)

// RegisterBuilder installs a builder for a service kind, replacing any
// previous registration.
func RegisterBuilder(kind string, b BuilderFunc) {
	buildersMu.Lock()
	defer buildersMu.Unlock()
	builders[kind] = b
}

// Build turns a single declaration into an instance spec using the
// builder registered for its kind, or the generic builder.
func Build(decl topology.InstanceDecl, opts BuildOptions) (cluster.InstanceSpec, error) {
	opts = opts.withDefaults()

	buildersMu.RLock()
	b, ok := builders[decl.Kind]
	buildersMu.RUnlock()
	if !ok {
		b = Generic
	}
	return b(decl, opts)
}

// FromTopology builds instance specs for every declaration in the
// expanded topology, in declaration order.
func FromTopology(topo *topology.Topology, opts BuildOptions) ([]cluster.InstanceSpec, error) {
	specs := make([]cluster.InstanceSpec, 0, len(topo.Instances))
	for _, decl := range topo.Instances {
		spec, err := Build(decl, opts)
		if err != nil {
			return nil, fmt.Errorf("build instance %s: %w", decl.Name, err)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// Generic builds a spec that runs the declared command without any
// kind-specific configuration. An instance with no probe attribute is
// considered ready as soon as its process is up.
func Generic(decl topology.InstanceDecl, opts BuildOptions) (cluster.InstanceSpec, error) {
	spec := baseSpec(decl, opts)
	spec.Probe = probe.Static(true)
	if _, ok := decl.Config["port"]; ok {
		spec.Probe = &probe.TCP{}
	}
	spec.Configure = func(_ context.Context, in *cluster.Instance, _ cluster.Projection) error {
		if _, ok := decl.Config["port"]; ok {
			if _, err := in.AllocatePort("port", portHint(decl.Config["port"])); err != nil {
				return err
			}
		}
		return nil
	}
	return spec, nil
}

// baseSpec copies the declaration fields every builder shares.
func baseSpec(decl topology.InstanceDecl, opts BuildOptions) cluster.InstanceSpec {
	conf := make(map[string]string, len(decl.Config))
	for k, v := range decl.Config {
		conf[k] = v
	}
	env := make(map[string]string, len(decl.Env))
	for k, v := range decl.Env {
		env[k] = v
	}
	var post [][]string
	for _, cmd := range decl.PostStart {
		post = append(post, append([]string(nil), cmd...))
	}
	return cluster.InstanceSpec{
		Name:              decl.Name,
		Kind:              decl.Kind,
		Version:           decl.Version,
		InstallHint:       decl.InstallHint,
		DependsOn:         decl.DependsOn,
		Config:            conf,
		Command:           decl.Command,
		Env:               env,
		PostStartCommands: post,
		Deployer:          opts.Deployer,
		Renderer:          opts.Renderer,
	}
}

// confOr reads a declared attribute with a fallback default.
func confOr(conf map[string]string, key, def string) string {
	if v, ok := conf[key]; ok && v != "" {
		return v
	}
	return def
}

// portHint parses a declared fixed port, zero when absent or invalid.
func portHint(s string) int {
	if s == "" {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}

// depsOfKind filters an instance's dependencies down to those whose
// projected kind matches.
func depsOfKind(in *cluster.Instance, proj cluster.Projection, kind string) []string {
	var out []string
	for _, dep := range in.DependsOn() {
		if v, ok := proj.Value(dep, "kind"); ok && v == kind {
			out = append(out, dep)
		}
	}
	return out
}
