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

// Kafka builds a broker instance spec. Brokers require at least one
// zookeeper dependency and publish "port" and "bootstrap" attributes for
// clients and dependent services.
func Kafka(decl topology.InstanceDecl, opts BuildOptions) (cluster.InstanceSpec, error) {
	opts = opts.withDefaults()
	spec := baseSpec(decl, opts)
	if len(spec.Command) == 0 {
		spec.Command = []string{"${install_path}/bin/kafka-server-start.sh", "${conf_file}"}
	}
	spec.Probe = &probe.TCP{}

	protocol := confOr(decl.Config, "listener_security_protocol", "PLAINTEXT")
	mechanism := confOr(decl.Config, "sasl_mechanism", "PLAIN")
	if strings.Contains(protocol, "SASL") {
		spec.PostStartCommands = append(spec.PostStartCommands, scramUserSetup(decl, mechanism)...)
	}

	renderer := opts.Renderer
	spec.Configure = func(_ context.Context, in *cluster.Instance, proj cluster.Projection) error {
		port, err := in.AllocatePort("port", portHint(decl.Config["port"]))
		if err != nil {
			return err
		}
		logDirs, err := in.MkPath("kafka-logs", cluster.PathPerm)
		if err != nil {
			return err
		}

		zks := depsOfKind(in, proj, "zookeeper")
		if len(zks) == 0 {
			return fmt.Errorf("broker %s has no zookeeper dependency", in.Name())
		}
		endpoints := make([]string, 0, len(zks))
		for _, zk := range zks {
			zkPort, ok := proj.Value(zk, "port")
			if !ok {
				return fmt.Errorf("zookeeper %s published no port", zk)
			}
			endpoints = append(endpoints, "localhost:"+zkPort)
		}
		if err := in.SetConfig("zookeeper_connect", strings.Join(endpoints, ",")); err != nil {
			return err
		}

		replication := confOr(decl.Config, "replication_factor", "1")
		props := map[string]string{
			"broker.id":            confOr(decl.Config, "broker_id", "0"),
			"listeners":            fmt.Sprintf("%s://:%d", protocol, port),
			"advertised.listeners": fmt.Sprintf("%s://localhost:%d", protocol, port),
			"log.dirs":             logDirs,
			"zookeeper.connect":    strings.Join(endpoints, ","),
			"num.partitions":       confOr(decl.Config, "num_partitions", "4"),

			"offsets.topic.replication.factor":         replication,
			"transaction.state.log.replication.factor": replication,
			"transaction.state.log.min.isr":            "1",
			"group.initial.rebalance.delay.ms":         "0",
		}

		if strings.Contains(protocol, "SSL") {
			if err := brokerTLS(in, proj, props); err != nil {
				return err
			}
		}
		if strings.Contains(protocol, "SASL") {
			props["sasl.enabled.mechanisms"] = mechanism
			props["sasl.mechanism.inter.broker.protocol"] = mechanism
		}
		props["security.inter.broker.protocol"] = protocol

		confPath := filepath.Join(in.WorkDir(), "server.properties")
		if _, err := renderer.Render(render.Properties(props), nil, confPath); err != nil {
			return fmt.Errorf("render server.properties: %w", err)
		}

		if err := in.SetConfig("conf_file", confPath); err != nil {
			return err
		}
		return in.SetConfig("bootstrap", "localhost:"+strconv.Itoa(port))
	}
	return spec, nil
}

// scramUserSetup returns the post-start commands registering SCRAM
// credentials for the client user. Kafka stores SCRAM credentials in
// zookeeper, so the kafka-configs.sh call can only run once the broker
// and its zookeeper are up; references resolve against the attributes
// the configure hook published.
func scramUserSetup(decl topology.InstanceDecl, mechanism string) [][]string {
	user := confOr(decl.Config, "sasl_username", "client")
	password := confOr(decl.Config, "sasl_password", "client-secret")

	var cmds [][]string
	for _, mech := range strings.Split(mechanism, ",") {
		mech = strings.TrimSpace(mech)
		if !strings.HasPrefix(mech, "SCRAM-") {
			continue
		}
		cmds = append(cmds, []string{
			"${install_path}/bin/kafka-configs.sh",
			"--zookeeper", "${zookeeper_connect}",
			"--alter",
			"--add-config", fmt.Sprintf("%s=[password=%s]", mech, password),
			"--entity-type", "users",
			"--entity-name", user,
		})
	}
	return cmds
}

// brokerTLS mints a broker certificate and wires PEM keystore settings
// into the broker properties. A broker that depends on an ssl instance
// signs with that shared authority; a broker without one gets a private
// throwaway CA.
func brokerTLS(in *cluster.Instance, proj cluster.Projection, props map[string]string) error {
	sslDir, err := in.MkPath("ssl", cluster.PathPerm)
	if err != nil {
		return err
	}

	var ca *CertAuthority
	if cas := depsOfKind(in, proj, "ssl"); len(cas) > 0 {
		certPath, _ := proj.Value(cas[0], "ca_cert")
		keyPath, _ := proj.Value(cas[0], "ca_key")
		ca, err = LoadCertAuthority(certPath, keyPath)
		if err != nil {
			return fmt.Errorf("load certificate authority %s: %w", cas[0], err)
		}
	} else {
		ca, err = NewCertAuthority("clusterup-ca")
		if err != nil {
			return fmt.Errorf("create certificate authority: %w", err)
		}
	}
	bundle, err := ca.IssueServerCert(in.Name(), []string{"localhost", in.Name()})
	if err != nil {
		return fmt.Errorf("issue broker certificate: %w", err)
	}

	caPath := filepath.Join(sslDir, "ca.pem")
	certPath := filepath.Join(sslDir, "server.pem")
	if err := ca.WriteCertPEM(caPath); err != nil {
		return err
	}
	if err := bundle.WriteCombinedPEM(certPath); err != nil {
		return err
	}

	props["ssl.keystore.type"] = "PEM"
	props["ssl.keystore.location"] = certPath
	props["ssl.truststore.type"] = "PEM"
	props["ssl.truststore.location"] = caPath
	props["ssl.client.auth"] = "none"

	if err := in.SetConfig("ssl_ca", caPath); err != nil {
		return err
	}
	return in.SetConfig("ssl_cert", certPath)
}
