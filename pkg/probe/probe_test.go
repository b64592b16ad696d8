package probe

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// fakeTarget implements cluster.Target for probe tests.
type fakeTarget struct {
	name string
	conf map[string]string
	dir  string
}

func (t *fakeTarget) Name() string { return t.name }

func (t *fakeTarget) ConfigValue(key string) (string, bool) {
	v, ok := t.conf[key]
	return v, ok
}

func (t *fakeTarget) WorkDir() string { return t.dir }

func TestTCPProbe(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer l.Close()
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	_, port, _ := net.SplitHostPort(l.Addr().String())
	target := &fakeTarget{name: "svc", conf: map[string]string{"port": port}}

	p := &TCP{}
	if !p.Ready(context.Background(), target) {
		t.Error("expected ready against live listener")
	}

	l.Close()
	time.Sleep(50 * time.Millisecond)
	if p.Ready(context.Background(), target) {
		t.Error("expected not ready after listener closed")
	}

	if p.Ready(context.Background(), &fakeTarget{name: "bare", conf: map[string]string{}}) {
		t.Error("expected not ready without a port attribute")
	}
}

func TestHTTPProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	target := &fakeTarget{name: "svc", conf: map[string]string{"url": srv.URL}}

	// Any response means the service is listening.
	p := &HTTP{}
	if !p.Ready(context.Background(), target) {
		t.Error("expected ready on any response")
	}

	strict := &HTTP{ExpectSuccess: true}
	if strict.Ready(context.Background(), target) {
		t.Error("expected not ready on 503 with ExpectSuccess")
	}
}

func TestFileExistsProbe(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ready.lock")
	target := &fakeTarget{name: "svc", conf: map[string]string{"lock": path}}

	p := &FileExists{PathKey: "lock"}
	if p.Ready(context.Background(), target) {
		t.Error("expected not ready before file exists")
	}

	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if !p.Ready(context.Background(), target) {
		t.Error("expected ready after file created")
	}
}

func TestLogLineProbe(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "stdout.log")
	if err := os.WriteFile(logPath, []byte("booting\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	target := &fakeTarget{name: "svc", conf: map[string]string{"stdout_log": logPath}}

	p := &LogLine{Pattern: `started \(kafka.server.KafkaServer\)`}
	defer p.Close()

	if p.Ready(context.Background(), target) {
		t.Error("expected not ready before pattern appears")
	}

	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	if _, err := f.WriteString("[KafkaServer id=0] started (kafka.server.KafkaServer)\n"); err != nil {
		t.Fatalf("WriteString: %v", err)
	}
	f.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if p.Ready(context.Background(), target) {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("pattern never observed")
}

func TestStaticAndAll(t *testing.T) {
	target := &fakeTarget{name: "svc"}

	if !Static(true).Ready(context.Background(), target) {
		t.Error("Static(true) not ready")
	}
	if Static(false).Ready(context.Background(), target) {
		t.Error("Static(false) ready")
	}

	combined := All{Static(true), Static(false)}
	if combined.Ready(context.Background(), target) {
		t.Error("All with a false member reported ready")
	}
}
