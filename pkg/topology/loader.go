package topology

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Loader parses topology sources and validates them against the built-in
// schemas. Loaded topologies are returned fully expanded: replica groups
// are resolved into concrete instances.
type Loader struct {
	cue      *cue.Context
	schemas  *SchemaRegistry
	starlark *StarlarkEvaluator
	validate *validator.Validate
}

// NewLoader creates a loader with the built-in schema registry and a
// 30 second Starlark timeout.
func NewLoader() *Loader {
	return &Loader{
		cue:      cuecontext.New(),
		schemas:  NewSchemaRegistry(),
		starlark: NewStarlarkEvaluator(30 * time.Second),
		validate: validator.New(),
	}
}

// Schemas returns the loader's schema registry so callers can register
// additional service kind schemas.
func (l *Loader) Schemas() *SchemaRegistry {
	return l.schemas
}

// SetStarlarkTimeout replaces the Starlark execution timeout.
func (l *Loader) SetStarlarkTimeout(d time.Duration) {
	l.starlark = NewStarlarkEvaluator(d)
}

// Load parses the topology file at path, dispatching on its extension.
func (l *Loader) Load(ctx context.Context, path string) (*Topology, error) {
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		return l.LoadYAML(path)
	case ".cue":
		return l.LoadCUE(path)
	case ".star":
		return l.LoadStarlark(ctx, path, nil)
	default:
		return nil, fmt.Errorf("unsupported topology format %q", filepath.Ext(path))
	}
}

// LoadYAML parses a YAML topology file.
func (l *Loader) LoadYAML(path string) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read topology %s: %w", path, err)
	}
	return l.ParseYAML(data, path)
}

// ParseYAML parses YAML topology content. Source names the origin for
// error messages.
func (l *Loader) ParseYAML(data []byte, source string) (*Topology, error) {
	var topo Topology
	if err := yaml.Unmarshal(data, &topo); err != nil {
		return nil, fmt.Errorf("parse topology %s: %w", source, err)
	}
	topo.SourceFile = source
	return l.finish(&topo)
}

// LoadCUE compiles a CUE topology file and decodes it.
func (l *Loader) LoadCUE(path string) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read topology %s: %w", path, err)
	}

	val := l.cue.CompileString(string(data), cue.Filename(path))
	if err := val.Err(); err != nil {
		return nil, fmt.Errorf("compile topology %s: %w", path, err)
	}

	var topo Topology
	if err := val.Decode(&topo); err != nil {
		return nil, fmt.Errorf("decode topology %s: %w", path, err)
	}
	topo.SourceFile = path
	return l.finish(&topo)
}

// LoadStarlark executes a Starlark topology script. The script's exported
// globals must include name and instances; vars are passed to the script
// as predeclared variables.
func (l *Loader) LoadStarlark(ctx context.Context, path string, vars map[string]interface{}) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read topology %s: %w", path, err)
	}
	return l.EvalStarlark(ctx, filepath.Base(path), string(data), vars, path)
}

// EvalStarlark executes inline Starlark topology source.
func (l *Loader) EvalStarlark(ctx context.Context, filename, script string, vars map[string]interface{}, source string) (*Topology, error) {
	output, err := l.starlark.Evaluate(ctx, filename, script, vars)
	if err != nil {
		return nil, fmt.Errorf("evaluate topology %s: %w", source, err)
	}

	stringifyAttrs(output)

	// Round-trip through YAML so the script's dict output decodes with
	// the same field names a YAML topology uses.
	data, err := yaml.Marshal(output)
	if err != nil {
		return nil, fmt.Errorf("convert topology %s: %w", source, err)
	}
	var topo Topology
	if err := yaml.Unmarshal(data, &topo); err != nil {
		return nil, fmt.Errorf("decode topology %s: %w", source, err)
	}
	topo.SourceFile = source
	return l.finish(&topo)
}

// finish validates a parsed topology and returns its expanded form.
func (l *Loader) finish(topo *Topology) (*Topology, error) {
	if err := l.validate.Struct(topo); err != nil {
		return nil, fmt.Errorf("topology %s: %w", topo.SourceFile, err)
	}
	if err := l.schemas.ValidateAgainstSchema("topology", topo); err != nil {
		return nil, fmt.Errorf("topology %s: %w", topo.SourceFile, err)
	}

	seen := make(map[string]bool, len(topo.Instances))
	for _, decl := range topo.Instances {
		if seen[decl.Name] {
			return nil, fmt.Errorf("topology %s: duplicate instance %q", topo.SourceFile, decl.Name)
		}
		seen[decl.Name] = true
		if err := l.schemas.ValidateInstanceConfig(decl.Kind, decl.Config); err != nil {
			return nil, fmt.Errorf("topology %s: instance %s: %w", topo.SourceFile, decl.Name, err)
		}
	}

	expanded, err := topo.Expand()
	if err != nil {
		return nil, fmt.Errorf("topology %s: %w", topo.SourceFile, err)
	}
	return expanded, nil
}

// stringifyAttrs converts numeric config and env values produced by
// Starlark scripts into strings, since instance attributes are string
// valued.
func stringifyAttrs(output map[string]interface{}) {
	instances, ok := output["instances"].([]interface{})
	if !ok {
		return
	}
	for _, raw := range instances {
		decl, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		for _, field := range []string{"config", "env"} {
			kv, ok := decl[field].(map[string]interface{})
			if !ok {
				continue
			}
			for k, v := range kv {
				if _, isString := v.(string); !isString && v != nil {
					kv[k] = fmt.Sprint(v)
				}
			}
		}
	}
}
