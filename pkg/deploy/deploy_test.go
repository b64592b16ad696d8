package deploy

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/clusterup/clusterup/pkg/cluster"
)

func TestLocalDeploy(t *testing.T) {
	src := t.TempDir()

	d := &Local{}
	got, err := d.Deploy(context.Background(), cluster.DeployRequest{
		Kind:        "kafka",
		Version:     "3.7.0",
		InstallHint: src,
	})
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if got != src {
		t.Errorf("install path = %q, want %q", got, src)
	}

	if _, err := d.Deploy(context.Background(), cluster.DeployRequest{Kind: "kafka"}); err == nil {
		t.Error("expected error with no source path")
	}

	missing := filepath.Join(src, "nope")
	if _, err := d.Deploy(context.Background(), cluster.DeployRequest{Kind: "kafka", InstallHint: missing}); err == nil {
		t.Error("expected error for missing source")
	}
}

func TestScriptDeployIdempotent(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "install")
	counter := filepath.Join(t.TempDir(), "count")

	d := &Script{
		Command: []string{"sh", "-c", "echo ${version} >> " + counter + " && touch ${dest}/bin"},
	}
	req := cluster.DeployRequest{Kind: "zookeeper", Version: "3.8.1", DestPath: dest}

	for i := 0; i < 3; i++ {
		got, err := d.Deploy(context.Background(), req)
		if err != nil {
			t.Fatalf("Deploy %d: %v", i, err)
		}
		if got != dest {
			t.Errorf("install path = %q, want %q", got, dest)
		}
	}

	data, err := os.ReadFile(counter)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if runs := strings.Count(string(data), "3.8.1"); runs != 1 {
		t.Errorf("installer ran %d times, want 1", runs)
	}

	// A different version must re-run the installer.
	req.Version = "3.9.0"
	if _, err := d.Deploy(context.Background(), req); err != nil {
		t.Fatalf("Deploy new version: %v", err)
	}
	data, _ = os.ReadFile(counter)
	if runs := strings.Count(string(data), "3.9.0"); runs != 1 {
		t.Errorf("installer ran %d times for new version, want 1", runs)
	}
}

func TestScriptDeployFailureReportsOutput(t *testing.T) {
	d := &Script{Command: []string{"sh", "-c", "echo boom >&2; exit 1"}}
	_, err := d.Deploy(context.Background(), cluster.DeployRequest{
		Kind:     "kafka",
		DestPath: filepath.Join(t.TempDir(), "install"),
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Errorf("error %q does not carry installer output", err)
	}
}

func TestScriptDeployRejectsUnknownVariable(t *testing.T) {
	d := &Script{Command: []string{"echo", "${no_such_var}"}}
	_, err := d.Deploy(context.Background(), cluster.DeployRequest{
		Kind:     "kafka",
		DestPath: t.TempDir(),
	})
	if err == nil || !strings.Contains(err.Error(), "no_such_var") {
		t.Errorf("expected unknown variable error, got %v", err)
	}
}

func makeTarball(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, body := range files {
		if err := tw.WriteHeader(&tar.Header{
			Name: name,
			Mode: 0o755,
			Size: int64(len(body)),
		}); err != nil {
			t.Fatalf("WriteHeader: %v", err)
		}
		if _, err := tw.Write([]byte(body)); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("tar Close: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("gzip Close: %v", err)
	}
	return buf.Bytes()
}

func TestArchiveDeploy(t *testing.T) {
	tarball := makeTarball(t, map[string]string{
		"kafka-3.7.0/bin/kafka-server-start.sh": "#!/bin/sh\n",
		"kafka-3.7.0/config/server.properties":  "broker.id=0\n",
	})

	var fetches int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches++
		if r.URL.Path != "/kafka-3.7.0.tgz" {
			http.NotFound(w, r)
			return
		}
		w.Write(tarball)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "kafka")
	d := &Archive{
		URLTemplate:     srv.URL + "/${kind}-${version}.tgz",
		StripComponents: 1,
	}
	req := cluster.DeployRequest{Kind: "kafka", Version: "3.7.0", DestPath: dest}

	got, err := d.Deploy(context.Background(), req)
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if got != dest {
		t.Errorf("install path = %q, want %q", got, dest)
	}
	if _, err := os.Stat(filepath.Join(dest, "bin", "kafka-server-start.sh")); err != nil {
		t.Errorf("extracted file missing: %v", err)
	}

	// Second deploy must not fetch again.
	if _, err := d.Deploy(context.Background(), req); err != nil {
		t.Fatalf("second Deploy: %v", err)
	}
	if fetches != 1 {
		t.Errorf("artifact fetched %d times, want 1", fetches)
	}
}

func TestArchiveDeployNotFound(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	d := &Archive{URLTemplate: srv.URL + "/${kind}-${version}.tgz"}
	_, err := d.Deploy(context.Background(), cluster.DeployRequest{
		Kind:     "kafka",
		Version:  "0.0.0",
		DestPath: filepath.Join(t.TempDir(), "kafka"),
	})
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Errorf("expected 404 error, got %v", err)
	}
}

func TestRegistryDispatch(t *testing.T) {
	kafka := cluster.DeployerFunc(func(_ context.Context, req cluster.DeployRequest) (string, error) {
		return "/opt/" + req.Kind, nil
	})
	r := NewRegistry(Noop{})
	r.Register("kafka", kafka)

	got, err := r.Deploy(context.Background(), cluster.DeployRequest{Kind: "kafka"})
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if got != "/opt/kafka" {
		t.Errorf("install path = %q", got)
	}

	got, err = r.Deploy(context.Background(), cluster.DeployRequest{Kind: "other", DestPath: "/tmp/x"})
	if err != nil {
		t.Fatalf("fallback Deploy: %v", err)
	}
	if got != "/tmp/x" {
		t.Errorf("fallback install path = %q", got)
	}

	empty := NewRegistry(nil)
	if _, err := empty.Deploy(context.Background(), cluster.DeployRequest{Kind: "kafka"}); err == nil {
		t.Error("expected error with no fallback")
	}
}
