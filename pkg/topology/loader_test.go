package topology

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

const yamlTopology = `
name: kafka-dev
version: 3.7.0
instances:
  - name: zk
    kind: zookeeper
    version: 3.8.1
  - name: broker
    kind: kafka
    count: 3
    depends_on: [zk]
    config:
      broker_id: "${index}"
  - name: sr
    kind: schema-registry
    depends_on: [broker]
`

func writeTopology(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadYAMLExpandsReplicas(t *testing.T) {
	l := NewLoader()
	topo, err := l.Load(context.Background(), writeTopology(t, "topo.yaml", yamlTopology))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	want := []string{"zk", "broker-0", "broker-1", "broker-2", "sr"}
	if got := topo.InstanceNames(); !reflect.DeepEqual(got, want) {
		t.Errorf("instances = %v, want %v", got, want)
	}

	byName := make(map[string]InstanceDecl)
	for _, decl := range topo.Instances {
		byName[decl.Name] = decl
	}

	if v := byName["zk"].Version; v != "3.8.1" {
		t.Errorf("zk version = %q, want explicit 3.8.1", v)
	}
	if v := byName["broker-0"].Version; v != "3.7.0" {
		t.Errorf("broker-0 version = %q, want topology default", v)
	}
	if id := byName["broker-2"].Config["broker_id"]; id != "2" {
		t.Errorf("broker-2 broker_id = %q, want index substituted", id)
	}
	wantDeps := []string{"broker-0", "broker-1", "broker-2"}
	if got := byName["sr"].DependsOn; !reflect.DeepEqual(got, wantDeps) {
		t.Errorf("sr deps = %v, want expanded group %v", got, wantDeps)
	}
}

func TestLoadRejectsUnknownDependency(t *testing.T) {
	l := NewLoader()
	_, err := l.ParseYAML([]byte(`
name: t
instances:
  - name: a
    kind: kafka
    depends_on: [nope]
`), "inline")
	if err == nil || !strings.Contains(err.Error(), "nope") {
		t.Errorf("expected unknown dependency error, got %v", err)
	}
}

func TestLoadRejectsDuplicateNames(t *testing.T) {
	l := NewLoader()
	_, err := l.ParseYAML([]byte(`
name: t
instances:
  - name: a
    kind: kafka
  - name: a
    kind: zookeeper
`), "inline")
	if err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Errorf("expected duplicate instance error, got %v", err)
	}
}

func TestLoadRejectsMissingKind(t *testing.T) {
	l := NewLoader()
	_, err := l.ParseYAML([]byte(`
name: t
instances:
  - name: a
`), "inline")
	if err == nil {
		t.Error("expected validation error for missing kind")
	}
}

func TestLoadRejectsBadKindConfig(t *testing.T) {
	l := NewLoader()
	_, err := l.ParseYAML([]byte(`
name: t
instances:
  - name: broker
    kind: kafka
    config:
      listener_security_protocol: TELNET
`), "inline")
	if err == nil {
		t.Error("expected schema violation for bad security protocol")
	}
}

func TestLoadCUE(t *testing.T) {
	path := writeTopology(t, "topo.cue", `
name: "secure-kafka"
instances: [
	{name: "zk", kind: "zookeeper", version: "3.8.1"},
	{
		name: "broker"
		kind: "kafka"
		version: "3.7.0"
		depends_on: ["zk"]
		config: listener_security_protocol: "SASL_SSL"
	},
]
`)

	l := NewLoader()
	topo, err := l.Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if topo.Name != "secure-kafka" {
		t.Errorf("name = %q", topo.Name)
	}
	if len(topo.Instances) != 2 {
		t.Fatalf("got %d instances, want 2", len(topo.Instances))
	}
	if proto := topo.Instances[1].Config["listener_security_protocol"]; proto != "SASL_SSL" {
		t.Errorf("listener_security_protocol = %q", proto)
	}
}

func TestLoadUnsupportedExtension(t *testing.T) {
	l := NewLoader()
	if _, err := l.Load(context.Background(), "topo.toml"); err == nil {
		t.Error("expected error for unsupported format")
	}
}
