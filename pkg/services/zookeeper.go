package services

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/clusterup/clusterup/pkg/cluster"
	"github.com/clusterup/clusterup/pkg/probe"
	"github.com/clusterup/clusterup/pkg/render"
	"github.com/clusterup/clusterup/pkg/topology"
)

// Zookeeper builds a zookeeper instance spec. The instance publishes its
// client port as the "port" attribute for dependent brokers.
func Zookeeper(decl topology.InstanceDecl, opts BuildOptions) (cluster.InstanceSpec, error) {
	opts = opts.withDefaults()
	spec := baseSpec(decl, opts)
	if len(spec.Command) == 0 {
		spec.Command = []string{"${install_path}/bin/zookeeper-server-start.sh", "${conf_file}"}
	}
	spec.Probe = &probe.TCP{}

	renderer := opts.Renderer
	spec.Configure = func(_ context.Context, in *cluster.Instance, _ cluster.Projection) error {
		port, err := in.AllocatePort("port", portHint(decl.Config["client_port"]))
		if err != nil {
			return err
		}
		dataDir, err := in.MkPath("data", cluster.PathPerm)
		if err != nil {
			return err
		}

		myid := confOr(decl.Config, "myid", "0")
		if err := os.WriteFile(filepath.Join(dataDir, "myid"), []byte(myid+"\n"), 0o644); err != nil {
			return fmt.Errorf("write myid: %w", err)
		}

		props := map[string]string{
			"dataDir":            dataDir,
			"clientPort":         strconv.Itoa(port),
			"tickTime":           confOr(decl.Config, "tick_time", "2000"),
			"maxClientCnxns":     "0",
			"admin.enableServer": "false",
		}
		confPath := filepath.Join(in.WorkDir(), "zookeeper.properties")
		if _, err := renderer.Render(render.Properties(props), nil, confPath); err != nil {
			return fmt.Errorf("render zookeeper.properties: %w", err)
		}

		if err := in.SetConfig("conf_file", confPath); err != nil {
			return err
		}
		return in.SetConfig("client_port", strconv.Itoa(port))
	}
	return spec, nil
}
