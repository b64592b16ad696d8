package deploy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/clusterup/clusterup/pkg/cluster"
	"github.com/clusterup/clusterup/pkg/render"
)

// markerFile is written into an install directory once a deploy completes.
// Its contents record the kind and version that were installed so a later
// deploy of the same artifact can be skipped.
const markerFile = ".clup-installed"

// markerContents builds the marker payload for a deploy request.
func markerContents(req cluster.DeployRequest) string {
	return fmt.Sprintf("%s %s\n", req.Kind, req.Version)
}

// installed reports whether dest already holds the requested artifact.
func installed(dest string, req cluster.DeployRequest) bool {
	data, err := os.ReadFile(filepath.Join(dest, markerFile))
	if err != nil {
		return false
	}
	return string(data) == markerContents(req)
}

// writeMarker records a completed deploy in dest.
func writeMarker(dest string, req cluster.DeployRequest) error {
	return os.WriteFile(filepath.Join(dest, markerFile), []byte(markerContents(req)), 0o644)
}

// substitutions returns the variables available to installer command lines
// and URL templates.
func substitutions(req cluster.DeployRequest) map[string]string {
	return map[string]string{
		"kind":    req.Kind,
		"version": req.Version,
		"dest":    req.DestPath,
	}
}

// Local installs from a directory that already exists on the machine. The
// source is taken from the request's InstallHint, or from Path when the
// hint is empty. Nothing is copied: the existing directory is used as the
// install path directly.
type Local struct {
	// Path is the fallback source directory when the request carries no
	// install hint.
	Path string
}

// Deploy validates that the source directory exists and returns it.
func (d *Local) Deploy(_ context.Context, req cluster.DeployRequest) (string, error) {
	src := req.InstallHint
	if src == "" {
		src = d.Path
	}
	if src == "" {
		return "", fmt.Errorf("local deploy of %s: no source path given", req.Kind)
	}
	info, err := os.Stat(src)
	if err != nil {
		return "", fmt.Errorf("local deploy of %s: %w", req.Kind, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("local deploy of %s: %s is not a directory", req.Kind, src)
	}
	return src, nil
}

// Script installs by running an external command. Command entries may
// reference ${kind}, ${version} and ${dest}; the command is expected to
// populate ${dest} with the artifact.
type Script struct {
	// Command is the installer argv. It must not be empty.
	Command []string

	// Dir is the working directory for the installer. Empty means the
	// destination directory.
	Dir string

	// Env holds extra environment entries in KEY=VALUE form.
	Env []string
}

// Deploy runs the installer unless the destination already holds the
// requested artifact.
func (d *Script) Deploy(ctx context.Context, req cluster.DeployRequest) (string, error) {
	if len(d.Command) == 0 {
		return "", fmt.Errorf("script deploy of %s: empty command", req.Kind)
	}
	dest := req.DestPath
	if req.InstallHint != "" {
		dest = req.InstallHint
	}
	if installed(dest, req) {
		return dest, nil
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return "", fmt.Errorf("script deploy of %s: %w", req.Kind, err)
	}

	subs := substitutions(req)
	subs["dest"] = dest
	argv := make([]string, len(d.Command))
	for i, arg := range d.Command {
		expanded, missing := render.Expand(arg, subs)
		if len(missing) > 0 {
			return "", fmt.Errorf("script deploy of %s: unknown variables %s in %q",
				req.Kind, strings.Join(missing, ", "), arg)
		}
		argv[i] = expanded
	}

	dir := d.Dir
	if dir == "" {
		dir = dest
	}
	if out, err := runInstaller(ctx, argv, dir, d.Env); err != nil {
		return "", fmt.Errorf("script deploy of %s: %w: %s", req.Kind, err, strings.TrimSpace(out))
	}
	if err := writeMarker(dest, req); err != nil {
		return "", fmt.Errorf("script deploy of %s: %w", req.Kind, err)
	}
	return dest, nil
}

// Noop performs no installation and returns the destination path as-is.
// Useful for services whose binary is already on PATH.
type Noop struct{}

// Deploy returns the destination path without touching the filesystem.
func (Noop) Deploy(_ context.Context, req cluster.DeployRequest) (string, error) {
	if req.InstallHint != "" {
		return req.InstallHint, nil
	}
	return req.DestPath, nil
}

// Registry dispatches deploys to per-kind installers with an optional
// fallback. Registries are safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	byKind   map[string]cluster.Deployer
	fallback cluster.Deployer
}

// NewRegistry creates a registry with the given fallback installer.
// A nil fallback causes deploys of unregistered kinds to fail.
func NewRegistry(fallback cluster.Deployer) *Registry {
	return &Registry{
		byKind:   make(map[string]cluster.Deployer),
		fallback: fallback,
	}
}

// Register installs a deployer for a service kind, replacing any previous
// registration.
func (r *Registry) Register(kind string, d cluster.Deployer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byKind[kind] = d
}

// Deploy routes the request to the deployer registered for its kind.
func (r *Registry) Deploy(ctx context.Context, req cluster.DeployRequest) (string, error) {
	r.mu.RLock()
	d, ok := r.byKind[req.Kind]
	if !ok {
		d = r.fallback
	}
	r.mu.RUnlock()
	if d == nil {
		return "", fmt.Errorf("no deployer registered for kind %q", req.Kind)
	}
	return d.Deploy(ctx, req)
}
