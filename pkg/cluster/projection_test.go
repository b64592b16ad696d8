package cluster

import (
	"testing"
)

func TestProjectionLookup(t *testing.T) {
	p := Projection{
		"zookeeper.port":    "2181",
		"zookeeper.connect": "localhost:2181",
		"broker-0.port":     "9092",
	}

	if v, ok := p.Value("zookeeper", "port"); !ok || v != "2181" {
		t.Errorf("Value = %q, %v", v, ok)
	}
	if _, ok := p.Value("broker-0", "missing"); ok {
		t.Error("unexpected hit for missing attribute")
	}

	attrs := p.ForInstance("zookeeper")
	if len(attrs) != 2 || attrs["connect"] != "localhost:2181" {
		t.Errorf("ForInstance = %v", attrs)
	}
}

func TestProjectionEnviron(t *testing.T) {
	p := Projection{"broker-0.port": "9092"}
	env := p.Environ()
	if len(env) != 1 || env[0] != "BROKER_0_PORT=9092" {
		t.Errorf("Environ = %v", env)
	}
}

func TestProjectionResolve(t *testing.T) {
	p := Projection{"zookeeper.connect": "localhost:2181"}
	local := map[string]string{"port": "9092"}

	got := p.Resolve("zookeeper=${zookeeper.connect} listen=:${port}", local)
	want := "zookeeper=localhost:2181 listen=:9092"
	if got != want {
		t.Errorf("Resolve = %q, want %q", got, want)
	}

	// Unresolved references stay intact.
	got = p.Resolve("${nope}", nil)
	if got != "${nope}" {
		t.Errorf("Resolve = %q", got)
	}

	// Local values win over projection entries.
	p2 := Projection{"port": "1"}
	if got := p2.Resolve("${port}", map[string]string{"port": "2"}); got != "2" {
		t.Errorf("local precedence: got %q", got)
	}
}

func TestErrorClassification(t *testing.T) {
	err := NewPermanentError("deploy failed", nil).
		WithCode(ErrCodeDeployFailed).
		WithInstance("broker-0").
		WithStage(StageDeploy)

	if !IsPermanent(err) {
		t.Error("expected permanent classification")
	}
	if IsRetryable(err) {
		t.Error("permanent errors are not retryable")
	}

	msg := err.Error()
	if msg == "" || err.Instance != "broker-0" || err.Stage != StageDeploy {
		t.Errorf("error context lost: %s", msg)
	}

	if !IsTransient(NewTransientError("probe refused", nil)) {
		t.Error("expected transient classification")
	}
	if !IsExhausted(NewExhaustedError("no ports", nil)) {
		t.Error("expected exhausted classification")
	}
}
