package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/clusterup/clusterup/pkg/topology"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(zerolog.Nop())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func cleanTopology() *topology.Topology {
	return &topology.Topology{
		Name: "test",
		Instances: []topology.InstanceDecl{
			{Name: "zk", Kind: "zookeeper", Version: "3.8.1"},
			{Name: "broker-0", Kind: "kafka", Version: "3.7.0", DependsOn: []string{"zk"}},
		},
	}
}

func TestBuiltinPoliciesLoaded(t *testing.T) {
	e := newTestEngine(t)
	policies := e.ListPolicies()
	if len(policies) != 4 {
		t.Fatalf("got %d built-in policies, want 4", len(policies))
	}
	for _, p := range policies {
		if !p.Enabled {
			t.Errorf("policy %s not enabled by default", p.Name)
		}
	}
}

func TestEvaluateAllowsCleanTopology(t *testing.T) {
	e := newTestEngine(t)
	result, err := e.Evaluate(context.Background(), cleanTopology())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !result.Allowed {
		t.Errorf("clean topology not allowed: %+v", result.Violations)
	}
	if len(result.EvaluatedPolicies) != 4 {
		t.Errorf("evaluated %d policies, want 4", len(result.EvaluatedPolicies))
	}
}

func TestPrivilegedPortBlocks(t *testing.T) {
	e := newTestEngine(t)
	topo := cleanTopology()
	topo.Instances[0].Config = map[string]string{"client_port": "80"}

	result, err := e.Evaluate(context.Background(), topo)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if result.Allowed {
		t.Error("privileged port not blocked")
	}

	var found bool
	for _, v := range result.Violations {
		if v.Policy == "privileged-ports" && v.Instance == "zk" {
			found = true
		}
	}
	if !found {
		t.Errorf("no privileged-ports violation for zk in %+v", result.Violations)
	}
}

func TestMissingVersionWarnsWithoutBlocking(t *testing.T) {
	e := newTestEngine(t)
	topo := cleanTopology()
	topo.Instances[1].Version = ""

	result, err := e.Evaluate(context.Background(), topo)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !result.Allowed {
		t.Error("warning severity violation blocked the bring-up")
	}

	var found bool
	for _, v := range result.Violations {
		if v.Policy == "missing-version" && v.Severity == SeverityWarning {
			found = true
		}
	}
	if !found {
		t.Errorf("no missing-version warning in %+v", result.Violations)
	}
}

func TestSASLListenerRequiresMechanism(t *testing.T) {
	e := newTestEngine(t)
	topo := cleanTopology()
	topo.Instances[1].Config = map[string]string{
		"listener_security_protocol": "SASL_SSL",
	}

	result, err := e.Evaluate(context.Background(), topo)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if result.Allowed {
		t.Error("SASL listener without mechanism not blocked")
	}

	topo.Instances[1].Config["sasl_mechanism"] = "SCRAM-SHA-256"
	result, err = e.Evaluate(context.Background(), topo)
	if err != nil {
		t.Fatalf("Evaluate with mechanism: %v", err)
	}
	if !result.Allowed {
		t.Errorf("SASL listener with mechanism blocked: %+v", result.Violations)
	}
}

func TestDisablePolicy(t *testing.T) {
	e := newTestEngine(t)
	topo := cleanTopology()
	topo.Instances[0].Config = map[string]string{"client_port": "80"}

	if err := e.DisablePolicy("privileged-ports"); err != nil {
		t.Fatalf("DisablePolicy: %v", err)
	}

	result, err := e.Evaluate(context.Background(), topo)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !result.Allowed {
		t.Errorf("disabled policy still blocking: %+v", result.Violations)
	}

	if err := e.DisablePolicy("no-such-policy"); err == nil {
		t.Error("expected error for unknown policy")
	}
}

func TestLoadCustomPolicy(t *testing.T) {
	dir := t.TempDir()
	custom := `package custom.policies.kinds

import rego.v1

deny contains violation if {
	input.instance.kind == "forbidden"
	violation := {
		"message": "forbidden kind",
		"severity": "error",
		"instance": input.instance.name,
	}
}`
	if err := os.WriteFile(filepath.Join(dir, "no-forbidden.rego"), []byte(custom), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	e := newTestEngine(t)
	if err := e.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("LoadPolicies: %v", err)
	}

	result, err := e.EvaluateInstance(context.Background(), &topology.InstanceDecl{
		Name: "bad", Kind: "forbidden", Version: "1",
	})
	if err != nil {
		t.Fatalf("EvaluateInstance: %v", err)
	}
	if result.Allowed {
		t.Errorf("custom policy not enforced: %+v", result.Violations)
	}
}

func TestGetPolicy(t *testing.T) {
	e := newTestEngine(t)
	p, err := e.GetPolicy("privileged-ports")
	if err != nil {
		t.Fatalf("GetPolicy: %v", err)
	}
	if p.Severity != SeverityError {
		t.Errorf("severity = %s, want error", p.Severity)
	}
	if _, err := e.GetPolicy("nope"); err == nil {
		t.Error("expected error for unknown policy")
	}
}
