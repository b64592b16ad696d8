package alloc

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestPortNeverRepeats(t *testing.T) {
	a := New(t.TempDir(), 41000, 41019)

	seen := make(map[int]bool)
	for i := 0; i < 20; i++ {
		port, err := a.Port(0)
		if err != nil {
			// Another process may hold a port in the range; that
			// shrinks the usable set but must not repeat a port.
			break
		}
		if seen[port] {
			t.Fatalf("port %d returned twice", port)
		}
		seen[port] = true
		if port < 41000 || port > 41019 {
			t.Fatalf("port %d outside configured range", port)
		}
	}
	if len(seen) == 0 {
		t.Fatal("no ports allocated at all")
	}
}

func TestPortExhaustion(t *testing.T) {
	a := New(t.TempDir(), 42000, 42001)

	for i := 0; i < 2; i++ {
		if _, err := a.Port(0); err != nil {
			t.Skipf("range already partly bound on host: %v", err)
		}
	}

	_, err := a.Port(0)
	if !errors.Is(err, ErrPortExhausted) {
		t.Fatalf("expected ErrPortExhausted, got %v", err)
	}
}

func TestPortHint(t *testing.T) {
	a := New(t.TempDir(), 43000, 43100)

	port, err := a.Port(43050)
	if err != nil {
		t.Fatalf("Port: %v", err)
	}
	if port != 43050 {
		// Hint may be bound by another process; the fallback must
		// still come from the range.
		if port < 43000 || port > 43100 {
			t.Fatalf("fallback port %d outside range", port)
		}
		return
	}

	// The same hint again must not be honored twice.
	second, err := a.Port(43050)
	if err != nil {
		t.Fatalf("Port: %v", err)
	}
	if second == 43050 {
		t.Fatal("claimed hint returned twice")
	}
}

func TestPortConcurrent(t *testing.T) {
	a := New(t.TempDir(), 44000, 44200)

	var mu sync.Mutex
	seen := make(map[int]int)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			port, err := a.Port(0)
			if err != nil {
				return
			}
			mu.Lock()
			seen[port]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	for port, count := range seen {
		if count > 1 {
			t.Fatalf("port %d allocated %d times", port, count)
		}
	}
}

func TestDir(t *testing.T) {
	root := t.TempDir()
	a := New(root, 45000, 45100)

	first, err := a.Dir("broker-0")
	if err != nil {
		t.Fatalf("Dir: %v", err)
	}
	if first != filepath.Join(root, "broker-0") {
		t.Errorf("unexpected path %s", first)
	}
	if _, err := os.Stat(first); err != nil {
		t.Errorf("directory not created: %v", err)
	}

	second, err := a.Dir("broker-0")
	if err != nil {
		t.Fatalf("Dir: %v", err)
	}
	if second == first {
		t.Error("repeated Dir call for same owner returned same path")
	}
}
