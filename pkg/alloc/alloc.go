// Package alloc hands out non-colliding TCP ports and scratch directories
// for service instances sharing one working root. It is pure bookkeeping:
// the only I/O is a best-effort bind check and directory creation.
package alloc

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// maxPortAttempts bounds the number of candidate ports tried per allocation.
const maxPortAttempts = 100

// ErrPortExhausted is returned when no free port is found within the
// configured range and attempt budget.
var ErrPortExhausted = errors.New("no free port in configured range")

// Allocator hands out ports from a configured range and directories under
// a shared working root. Safe for concurrent use.
type Allocator struct {
	mu sync.Mutex

	workRoot string

	base int
	max  int
	next int

	// claimed tracks ports already handed out so a port is never
	// returned twice within one allocator's lifetime.
	claimed map[int]bool

	// dirSeq disambiguates repeated directory requests for the same owner.
	dirSeq map[string]int
}

// New creates an allocator over [base, max] rooted at workRoot.
func New(workRoot string, base, max int) *Allocator {
	return &Allocator{
		workRoot: workRoot,
		base:     base,
		max:      max,
		next:     base,
		claimed:  make(map[int]bool),
		dirSeq:   make(map[string]int),
	}
}

// Port returns an unused TCP port. A non-zero hint is tried first if it
// lies within the range and is unclaimed. Each candidate is verified
// unclaimed by this allocator and, best-effort, not currently bound on
// the host. Fails with ErrPortExhausted when the attempt budget or the
// range runs out.
func (a *Allocator) Port(hint int) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	try := func(port int) bool {
		if port < a.base || port > a.max || a.claimed[port] {
			return false
		}
		if !bindable(port) {
			return false
		}
		a.claimed[port] = true
		return true
	}

	if hint != 0 && try(hint) {
		return hint, nil
	}

	for attempt := 0; attempt < maxPortAttempts; attempt++ {
		if a.next > a.max {
			break
		}
		candidate := a.next
		a.next++
		if try(candidate) {
			return candidate, nil
		}
	}

	return 0, fmt.Errorf("%w (%d-%d)", ErrPortExhausted, a.base, a.max)
}

// bindable checks whether the port can currently be bound on localhost.
// A port in use by another process is skipped; transient bind errors are
// treated as unusable too.
func bindable(port int) bool {
	l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	l.Close()
	return true
}

// Dir creates and returns a fresh subdirectory under the working root,
// named from the owner's identity. Repeated calls for the same owner get
// a numeric suffix so each call owns a distinct directory.
func (a *Allocator) Dir(owner string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	name := owner
	if seq := a.dirSeq[owner]; seq > 0 {
		name = fmt.Sprintf("%s-%d", owner, seq)
	}
	a.dirSeq[owner]++

	path := filepath.Join(a.workRoot, name)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", fmt.Errorf("creating directory for %s: %w", owner, err)
	}
	return path, nil
}

// ClaimedPorts returns the number of ports handed out so far.
func (a *Allocator) ClaimedPorts() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.claimed)
}

// ClaimedDirs returns the number of directories handed out so far.
func (a *Allocator) ClaimedDirs() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, seq := range a.dirSeq {
		n += seq
	}
	return n
}

// WorkRoot returns the shared working root directory.
func (a *Allocator) WorkRoot() string {
	return a.workRoot
}
