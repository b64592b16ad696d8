package services

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/clusterup/clusterup/pkg/cluster"
	"github.com/clusterup/clusterup/pkg/probe"
	"github.com/clusterup/clusterup/pkg/topology"
)

func TestBuildDispatch(t *testing.T) {
	spec, err := Build(topology.InstanceDecl{Name: "zk", Kind: "zookeeper"}, BuildOptions{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if spec.Name != "zk" || spec.Kind != "zookeeper" {
		t.Errorf("spec = %+v", spec)
	}
	if len(spec.Command) == 0 {
		t.Error("zookeeper builder set no default command")
	}
	if _, ok := spec.Probe.(*probe.TCP); !ok {
		t.Errorf("zookeeper probe = %T, want TCP", spec.Probe)
	}
	if spec.Configure == nil {
		t.Error("zookeeper builder set no configure hook")
	}
}

func TestBuildGenericFallback(t *testing.T) {
	spec, err := Build(topology.InstanceDecl{
		Name:    "svc",
		Kind:    "custom-thing",
		Command: []string{"/bin/true"},
	}, BuildOptions{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if _, ok := spec.Probe.(probe.Static); !ok {
		t.Errorf("generic probe without port = %T, want Static", spec.Probe)
	}

	withPort, err := Build(topology.InstanceDecl{
		Name:    "svc",
		Kind:    "custom-thing",
		Command: []string{"/bin/true"},
		Config:  map[string]string{"port": ""},
	}, BuildOptions{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if _, ok := withPort.Probe.(*probe.TCP); !ok {
		t.Errorf("generic probe with port = %T, want TCP", withPort.Probe)
	}
}

func TestRegisterBuilderOverrides(t *testing.T) {
	RegisterBuilder("test-kind", func(decl topology.InstanceDecl, opts BuildOptions) (cluster.InstanceSpec, error) {
		spec := baseSpec(decl, opts)
		spec.Probe = probe.Static(true)
		return spec, nil
	})

	spec, err := Build(topology.InstanceDecl{Name: "x", Kind: "test-kind"}, BuildOptions{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if _, ok := spec.Probe.(probe.Static); !ok {
		t.Errorf("custom builder not used, probe = %T", spec.Probe)
	}
}

func TestFromTopologyPreservesOrder(t *testing.T) {
	topo := &topology.Topology{
		Name: "t",
		Instances: []topology.InstanceDecl{
			{Name: "zk", Kind: "zookeeper"},
			{Name: "broker-0", Kind: "kafka", DependsOn: []string{"zk"}},
			{Name: "sr", Kind: "schema-registry", DependsOn: []string{"broker-0"}},
		},
	}
	specs, err := FromTopology(topo, BuildOptions{})
	if err != nil {
		t.Fatalf("FromTopology: %v", err)
	}
	if len(specs) != 3 {
		t.Fatalf("got %d specs", len(specs))
	}
	for i, want := range []string{"zk", "broker-0", "sr"} {
		if specs[i].Name != want {
			t.Errorf("specs[%d].Name = %q, want %q", i, specs[i].Name, want)
		}
	}
	if len(specs[1].DependsOn) != 1 || specs[1].DependsOn[0] != "zk" {
		t.Errorf("broker deps = %v", specs[1].DependsOn)
	}
}

// TestConfigureHooksThroughBringUp drives the zookeeper and kafka hooks
// through a real bring-up with the service processes stubbed out.
func TestConfigureHooksThroughBringUp(t *testing.T) {
	topo := &topology.Topology{
		Name: "kafka-dev",
		Instances: []topology.InstanceDecl{
			{Name: "zk", Kind: "zookeeper", Version: "3.8.1"},
			{Name: "broker", Kind: "kafka", Version: "3.7.0", DependsOn: []string{"zk"},
				Config: map[string]string{"broker_id": "7"}},
		},
	}
	specs, err := FromTopology(topo, BuildOptions{})
	if err != nil {
		t.Fatalf("FromTopology: %v", err)
	}

	c, err := cluster.New(cluster.Options{
		Name:         "kafka-dev",
		WorkRoot:     t.TempDir(),
		PollInterval: 20 * time.Millisecond,
		StopGrace:    2 * time.Second,
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for i := range specs {
		specs[i].Command = []string{"sleep", "300"}
		specs[i].Probe = probe.Static(true)
		if _, err := c.Register(specs[i]); err != nil {
			t.Fatalf("Register %s: %v", specs[i].Name, err)
		}
	}

	proj, err := c.BringUp(context.Background(), 5*time.Second)
	if err != nil {
		t.Fatalf("BringUp: %v", err)
	}
	defer func() {
		if err := c.TearDown(context.Background()); err != nil {
			t.Errorf("TearDown: %v", err)
		}
	}()

	zkPort, ok := proj.Value("zk", "port")
	if !ok || zkPort == "" {
		t.Fatal("zookeeper published no port")
	}
	bootstrap, ok := proj.Value("broker", "bootstrap")
	if !ok || !strings.HasPrefix(bootstrap, "localhost:") {
		t.Errorf("broker bootstrap = %q", bootstrap)
	}

	confPath, ok := proj.Value("broker", "conf_file")
	if !ok {
		t.Fatal("broker published no conf_file")
	}
	data, err := os.ReadFile(confPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	props := string(data)
	if !strings.Contains(props, "zookeeper.connect=localhost:"+zkPort) {
		t.Errorf("server.properties missing zookeeper.connect=localhost:%s:\n%s", zkPort, props)
	}
	if !strings.Contains(props, "broker.id=7") {
		t.Errorf("server.properties missing broker.id=7:\n%s", props)
	}

	zkConf, ok := proj.Value("zk", "conf_file")
	if !ok {
		t.Fatal("zookeeper published no conf_file")
	}
	zkData, err := os.ReadFile(zkConf)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(zkData), "clientPort="+zkPort) {
		t.Errorf("zookeeper.properties missing clientPort=%s", zkPort)
	}
	myid := filepath.Join(filepath.Dir(zkConf), "data", "myid")
	if _, err := os.Stat(myid); err != nil {
		t.Errorf("myid not written: %v", err)
	}
}

func TestKafkaRequiresZookeeper(t *testing.T) {
	specs, err := FromTopology(&topology.Topology{
		Name:      "t",
		Instances: []topology.InstanceDecl{{Name: "broker", Kind: "kafka"}},
	}, BuildOptions{})
	if err != nil {
		t.Fatalf("FromTopology: %v", err)
	}

	c, err := cluster.New(cluster.Options{Name: "t", WorkRoot: t.TempDir()}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	specs[0].Command = []string{"sleep", "300"}
	if _, err := c.Register(specs[0]); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if _, err := c.BringUp(context.Background(), 2*time.Second); err == nil {
		t.Error("expected configure failure without zookeeper dependency")
	}
}

// TestSSLAuthoritySharedAcrossBrokers brings up a certificate authority
// instance and two TLS brokers that depend on it, and checks both broker
// certificates chain to the one shared root.
func TestSSLAuthoritySharedAcrossBrokers(t *testing.T) {
	topo := &topology.Topology{
		Name: "tls-dev",
		Instances: []topology.InstanceDecl{
			{Name: "ca", Kind: "ssl"},
			{Name: "zk", Kind: "zookeeper"},
			{Name: "broker-0", Kind: "kafka", DependsOn: []string{"zk", "ca"},
				Config: map[string]string{"listener_security_protocol": "SSL"}},
			{Name: "broker-1", Kind: "kafka", DependsOn: []string{"zk", "ca"},
				Config: map[string]string{"listener_security_protocol": "SSL", "broker_id": "1"}},
		},
	}
	specs, err := FromTopology(topo, BuildOptions{})
	if err != nil {
		t.Fatalf("FromTopology: %v", err)
	}

	c, err := cluster.New(cluster.Options{
		Name:         "tls-dev",
		WorkRoot:     t.TempDir(),
		PollInterval: 20 * time.Millisecond,
		StopGrace:    2 * time.Second,
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for i := range specs {
		if len(specs[i].Command) > 0 {
			specs[i].Command = []string{"sleep", "300"}
			specs[i].Probe = probe.Static(true)
		}
		if _, err := c.Register(specs[i]); err != nil {
			t.Fatalf("Register %s: %v", specs[i].Name, err)
		}
	}

	proj, err := c.BringUp(context.Background(), 10*time.Second)
	if err != nil {
		t.Fatalf("BringUp: %v", err)
	}
	defer func() {
		if err := c.TearDown(context.Background()); err != nil {
			t.Errorf("TearDown: %v", err)
		}
	}()

	caCert, ok := proj.Value("ca", "ca_cert")
	if !ok {
		t.Fatal("ssl instance published no ca_cert")
	}
	if password, ok := proj.Value("ca", "key_password"); !ok || password == "" {
		t.Error("ssl instance published no key_password")
	}

	caPEM, err := os.ReadFile(caCert)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM(caPEM) {
		t.Fatal("shared CA PEM not accepted into pool")
	}

	for _, broker := range []string{"broker-0", "broker-1"} {
		certFile, ok := proj.Value(broker, "ssl_cert")
		if !ok {
			t.Fatalf("%s published no ssl_cert", broker)
		}
		data, err := os.ReadFile(certFile)
		if err != nil {
			t.Fatalf("ReadFile: %v", err)
		}
		// Combined PEM holds the key first, then the certificate.
		keyBlock, rest := pem.Decode(data)
		if keyBlock == nil {
			t.Fatalf("%s combined PEM did not decode", broker)
		}
		certBlock, _ := pem.Decode(rest)
		if certBlock == nil {
			t.Fatalf("%s combined PEM has no certificate block", broker)
		}
		cert, err := x509.ParseCertificate(certBlock.Bytes)
		if err != nil {
			t.Fatalf("ParseCertificate: %v", err)
		}
		if _, err := cert.Verify(x509.VerifyOptions{
			Roots:     roots,
			DNSName:   broker,
			KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		}); err != nil {
			t.Errorf("%s certificate does not chain to the shared authority: %v", broker, err)
		}
	}
}

func TestKafkaScramPostStartCommands(t *testing.T) {
	spec, err := Build(topology.InstanceDecl{
		Name: "broker",
		Kind: "kafka",
		Config: map[string]string{
			"listener_security_protocol": "SASL_PLAINTEXT",
			"sasl_mechanism":             "SCRAM-SHA-256",
			"sasl_username":              "alice",
			"sasl_password":              "wonder",
		},
	}, BuildOptions{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if len(spec.PostStartCommands) != 1 {
		t.Fatalf("post-start commands = %v, want 1", spec.PostStartCommands)
	}
	cmd := strings.Join(spec.PostStartCommands[0], " ")
	for _, want := range []string{
		"kafka-configs.sh",
		"${zookeeper_connect}",
		"SCRAM-SHA-256=[password=wonder]",
		"--entity-name alice",
	} {
		if !strings.Contains(cmd, want) {
			t.Errorf("command %q missing %q", cmd, want)
		}
	}

	// PLAIN does not store credentials in zookeeper, so nothing to run.
	plain, err := Build(topology.InstanceDecl{
		Name:   "broker",
		Kind:   "kafka",
		Config: map[string]string{"listener_security_protocol": "SASL_PLAINTEXT"},
	}, BuildOptions{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(plain.PostStartCommands) != 0 {
		t.Errorf("PLAIN mechanism produced post-start commands: %v", plain.PostStartCommands)
	}
}

func TestDeclaredPostStartCarriedIntoSpec(t *testing.T) {
	spec, err := Build(topology.InstanceDecl{
		Name:      "svc",
		Kind:      "custom-thing",
		Command:   []string{"/bin/true"},
		PostStart: [][]string{{"sh", "-c", "true"}},
	}, BuildOptions{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(spec.PostStartCommands) != 1 || spec.PostStartCommands[0][2] != "true" {
		t.Errorf("post-start commands = %v", spec.PostStartCommands)
	}
}
