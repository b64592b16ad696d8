package services

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/clusterup/clusterup/pkg/cluster"
	"github.com/clusterup/clusterup/pkg/probe"
	"github.com/clusterup/clusterup/pkg/render"
	"github.com/clusterup/clusterup/pkg/topology"
)

// SchemaRegistry builds a schema registry instance spec. It requires at
// least one broker dependency and publishes its REST endpoint as the
// "url" attribute.
func SchemaRegistry(decl topology.InstanceDecl, opts BuildOptions) (cluster.InstanceSpec, error) {
	opts = opts.withDefaults()
	spec := baseSpec(decl, opts)
	if len(spec.Command) == 0 {
		spec.Command = []string{"${install_path}/bin/schema-registry-start", "${conf_file}"}
	}
	spec.Probe = &probe.HTTP{}

	renderer := opts.Renderer
	spec.Configure = func(_ context.Context, in *cluster.Instance, proj cluster.Projection) error {
		port, err := in.AllocatePort("port", portHint(decl.Config["port"]))
		if err != nil {
			return err
		}

		brokers := depsOfKind(in, proj, "kafka")
		if len(brokers) == 0 {
			return fmt.Errorf("schema registry %s has no kafka dependency", in.Name())
		}
		bootstrap := make([]string, 0, len(brokers))
		for _, b := range brokers {
			addr, ok := proj.Value(b, "bootstrap")
			if !ok {
				return fmt.Errorf("broker %s published no bootstrap address", b)
			}
			bootstrap = append(bootstrap, "PLAINTEXT://"+addr)
		}

		props := map[string]string{
			"listeners":                    fmt.Sprintf("http://0.0.0.0:%d", port),
			"kafkastore.bootstrap.servers": strings.Join(bootstrap, ","),
			"avro.compatibility.level":     confOr(decl.Config, "avro_compatibility_level", "backward"),
			"debug":                        "false",
		}
		confPath := filepath.Join(in.WorkDir(), "schema-registry.properties")
		if _, err := renderer.Render(render.Properties(props), nil, confPath); err != nil {
			return fmt.Errorf("render schema-registry.properties: %w", err)
		}

		if err := in.SetConfig("conf_file", confPath); err != nil {
			return err
		}
		return in.SetConfig("url", "http://localhost:"+strconv.Itoa(port))
	}
	return spec, nil
}
