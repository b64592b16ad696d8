package render

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestExpand(t *testing.T) {
	out, missing := Expand("port=${port} host=${host}", map[string]string{
		"port": "9092",
		"host": "localhost",
	})
	if out != "port=9092 host=localhost" {
		t.Errorf("Expand = %q", out)
	}
	if len(missing) != 0 {
		t.Errorf("missing = %v", missing)
	}

	out, missing = Expand("x=${unknown}", nil)
	if out != "x=${unknown}" {
		t.Errorf("unresolved reference rewritten: %q", out)
	}
	if len(missing) != 1 || missing[0] != "unknown" {
		t.Errorf("missing = %v", missing)
	}
}

func TestRenderWritesFile(t *testing.T) {
	r := &FileRenderer{}
	dest := filepath.Join(t.TempDir(), "conf", "server.properties")

	path, err := r.Render("listeners=PLAINTEXT://:${port}\n", map[string]string{"port": "9092"}, dest)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if path != dest {
		t.Errorf("path = %s", path)
	}

	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "listeners=PLAINTEXT://:9092\n" {
		t.Errorf("content = %q", data)
	}
}

func TestRenderStrict(t *testing.T) {
	r := &FileRenderer{Strict: true}
	_, err := r.Render("x=${nope}", nil, filepath.Join(t.TempDir(), "out"))
	if err == nil || !strings.Contains(err.Error(), "nope") {
		t.Fatalf("expected unresolved-reference error, got %v", err)
	}
}

func TestProperties(t *testing.T) {
	body := Properties(map[string]string{"b": "2", "a": "1"})
	if body != "a=1\nb=2\n" {
		t.Errorf("Properties = %q", body)
	}
}
