package topology

import (
	"fmt"
	"strconv"
	"strings"
)

// Topology is a parsed cluster definition.
type Topology struct {
	// Name is the cluster name.
	Name string `yaml:"name" json:"name" validate:"required"`

	// Version is an optional default version applied to instances that
	// do not declare their own.
	Version string `yaml:"version,omitempty" json:"version,omitempty"`

	// Instances are the service instances to bring up.
	Instances []InstanceDecl `yaml:"instances" json:"instances" validate:"required,min=1,dive"`

	// SourceFile is the file the topology was loaded from, or "inline".
	SourceFile string `yaml:"-" json:"-"`
}

// InstanceDecl declares one service instance, or a group of replicas when
// Count is greater than one.
type InstanceDecl struct {
	// Name is the instance name, unique within the topology. For a
	// replica group it is the group prefix.
	Name string `yaml:"name" json:"name" validate:"required"`

	// Kind is the service kind, e.g. "kafka" or "zookeeper".
	Kind string `yaml:"kind" json:"kind" validate:"required"`

	// Version is the service version. Empty falls back to the topology
	// default.
	Version string `yaml:"version,omitempty" json:"version,omitempty"`

	// Count expands this declaration into that many replicas named
	// <name>-0 .. <name>-N. Zero and one both mean a single instance.
	Count int `yaml:"count,omitempty" json:"count,omitempty" validate:"min=0"`

	// DependsOn names the instances this one requires. Naming a replica
	// group depends on every replica in it.
	DependsOn []string `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`

	// Config holds service configuration attributes. Values may
	// reference ${index} inside a replica group.
	Config map[string]string `yaml:"config,omitempty" json:"config,omitempty"`

	// Env holds extra environment entries for the service process.
	Env map[string]string `yaml:"env,omitempty" json:"env,omitempty"`

	// Command overrides the service's default start command.
	Command []string `yaml:"command,omitempty" json:"command,omitempty"`

	// PostStart lists commands run once, in order, after the whole
	// cluster first reports operational. Arguments may reference
	// ${attribute} values resolved against the instance configuration.
	PostStart [][]string `yaml:"post_start,omitempty" json:"post_start,omitempty"`

	// InstallHint points at a pre-installed artifact directory.
	InstallHint string `yaml:"install_hint,omitempty" json:"install_hint,omitempty"`
}

// Expand resolves replica groups into concrete instances and applies the
// topology default version. Dependencies that name a replica group are
// rewritten to depend on every replica.
func (t *Topology) Expand() (*Topology, error) {
	// First pass: map group names to their expanded member names.
	members := make(map[string][]string, len(t.Instances))
	for _, decl := range t.Instances {
		if decl.Count > 1 {
			names := make([]string, decl.Count)
			for i := range names {
				names[i] = fmt.Sprintf("%s-%d", decl.Name, i)
			}
			members[decl.Name] = names
		} else {
			members[decl.Name] = []string{decl.Name}
		}
	}

	out := &Topology{
		Name:       t.Name,
		Version:    t.Version,
		SourceFile: t.SourceFile,
	}
	for _, decl := range t.Instances {
		count := decl.Count
		if count < 2 {
			expanded := decl
			expanded.Count = 0
			expanded.Version = versionOr(decl.Version, t.Version)
			deps, err := expandDeps(decl.DependsOn, members)
			if err != nil {
				return nil, fmt.Errorf("instance %s: %w", decl.Name, err)
			}
			expanded.DependsOn = deps
			out.Instances = append(out.Instances, expanded)
			continue
		}

		deps, err := expandDeps(decl.DependsOn, members)
		if err != nil {
			return nil, fmt.Errorf("instance %s: %w", decl.Name, err)
		}
		for i := 0; i < count; i++ {
			replica := InstanceDecl{
				Name:        fmt.Sprintf("%s-%d", decl.Name, i),
				Kind:        decl.Kind,
				Version:     versionOr(decl.Version, t.Version),
				DependsOn:   deps,
				Config:      indexConfig(decl.Config, i),
				Env:         indexConfig(decl.Env, i),
				Command:     decl.Command,
				PostStart:   decl.PostStart,
				InstallHint: decl.InstallHint,
			}
			out.Instances = append(out.Instances, replica)
		}
	}
	return out, nil
}

// InstanceNames returns the declared instance names in order.
func (t *Topology) InstanceNames() []string {
	names := make([]string, len(t.Instances))
	for i, decl := range t.Instances {
		names[i] = decl.Name
	}
	return names
}

func versionOr(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}

// expandDeps rewrites group references to their member instances.
func expandDeps(deps []string, members map[string][]string) ([]string, error) {
	if len(deps) == 0 {
		return nil, nil
	}
	var out []string
	for _, dep := range deps {
		expanded, ok := members[dep]
		if !ok {
			return nil, fmt.Errorf("depends on unknown instance %q", dep)
		}
		out = append(out, expanded...)
	}
	return out, nil
}

// indexConfig copies kv with ${index} replaced by the replica index.
func indexConfig(kv map[string]string, index int) map[string]string {
	if len(kv) == 0 {
		return nil
	}
	idx := strconv.Itoa(index)
	out := make(map[string]string, len(kv))
	for k, v := range kv {
		out[k] = strings.ReplaceAll(v, "${index}", idx)
	}
	return out
}
