package cluster

import (
	"fmt"
	"sort"
	"strings"
)

// depGraph models the dependency relation between registered instances.
// Edges run from a dependency to its dependents. Startup order is a
// topological order with ties broken by registration order, so identical
// topologies always yield identical orders.
type depGraph struct {
	// names in registration order
	names []string

	// regIndex maps a name to its registration position
	regIndex map[string]int

	// dependents maps an instance to the instances that depend on it
	dependents map[string][]string

	// inDegree tracks the number of unresolved dependencies per instance
	inDegree map[string]int
}

// newDepGraph builds the dependency graph from registered instances.
// It validates that every dependency names a registered instance.
func newDepGraph(instances []*Instance) (*depGraph, error) {
	g := &depGraph{
		names:      make([]string, 0, len(instances)),
		regIndex:   make(map[string]int, len(instances)),
		dependents: make(map[string][]string, len(instances)),
		inDegree:   make(map[string]int, len(instances)),
	}

	for i, inst := range instances {
		name := inst.Name()
		g.names = append(g.names, name)
		g.regIndex[name] = i
		g.dependents[name] = make([]string, 0)
		g.inDegree[name] = 0
	}

	for _, inst := range instances {
		for _, dep := range inst.spec.DependsOn {
			if _, exists := g.regIndex[dep]; !exists {
				return nil, NewPermanentError(
					fmt.Sprintf("instance %s depends on unregistered instance %s", inst.Name(), dep),
					nil,
				).WithCode(ErrCodeUnknownDep).WithInstance(inst.Name())
			}
			g.dependents[dep] = append(g.dependents[dep], inst.Name())
			g.inDegree[inst.Name()]++
		}
	}

	if err := g.detectCycles(); err != nil {
		return nil, err
	}

	return g, nil
}

// detectCycles uses depth-first search to find circular dependencies.
func (g *depGraph) detectCycles() error {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)
	path := make([]string, 0)

	for _, name := range g.names {
		if !visited[name] {
			if cycle := g.detectCyclesUtil(name, visited, recStack, path); cycle != nil {
				return NewPermanentError(
					fmt.Sprintf("circular dependency detected: %s", formatCycle(cycle)),
					nil,
				).WithCode(ErrCodeCycle)
			}
		}
	}

	return nil
}

// detectCyclesUtil performs DFS to detect cycles, returning the cycle path
// if one is found.
func (g *depGraph) detectCyclesUtil(
	name string,
	visited map[string]bool,
	recStack map[string]bool,
	path []string,
) []string {
	visited[name] = true
	recStack[name] = true
	path = append(path, name)

	for _, dependent := range g.dependents[name] {
		if !visited[dependent] {
			if cycle := g.detectCyclesUtil(dependent, visited, recStack, path); cycle != nil {
				return cycle
			}
		} else if recStack[dependent] {
			// Found a cycle - construct the cycle path
			cycleStart := -1
			for i, id := range path {
				if id == dependent {
					cycleStart = i
					break
				}
			}
			if cycleStart >= 0 {
				return append(path[cycleStart:], dependent)
			}
		}
	}

	recStack[name] = false
	return nil
}

// order returns one valid topological order using Kahn's algorithm.
// Among instances whose dependencies are all satisfied, the one registered
// first goes first.
func (g *depGraph) order() ([]string, error) {
	inDegree := make(map[string]int, len(g.inDegree))
	for name, degree := range g.inDegree {
		inDegree[name] = degree
	}

	ready := make([]string, 0)
	for _, name := range g.names {
		if inDegree[name] == 0 {
			ready = append(ready, name)
		}
	}

	order := make([]string, 0, len(g.names))
	for len(ready) > 0 {
		g.sortByRegistration(ready)
		next := ready[0]
		ready = ready[1:]
		order = append(order, next)

		for _, dependent := range g.dependents[next] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}

	// Cycle detection already ran, so this indicates an internal bug.
	if len(order) != len(g.names) {
		return nil, NewPermanentError("failed to order all instances", nil).
			WithCode(ErrCodeInternal)
	}

	return order, nil
}

// levels groups instances into dependency levels. Instances within one
// level share no dependency edge and may be deployed in parallel.
func (g *depGraph) levels() [][]string {
	inDegree := make(map[string]int, len(g.inDegree))
	for name, degree := range g.inDegree {
		inDegree[name] = degree
	}

	current := make([]string, 0)
	for _, name := range g.names {
		if inDegree[name] == 0 {
			current = append(current, name)
		}
	}

	levels := make([][]string, 0)
	for len(current) > 0 {
		g.sortByRegistration(current)
		levels = append(levels, current)

		next := make([]string, 0)
		for _, name := range current {
			for _, dependent := range g.dependents[name] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		current = next
	}

	return levels
}

// sortByRegistration orders names by their registration position.
func (g *depGraph) sortByRegistration(names []string) {
	sort.Slice(names, func(i, j int) bool {
		return g.regIndex[names[i]] < g.regIndex[names[j]]
	})
}

// reverse returns a copy of order in reverse, used for tear-down so
// dependents stop before their dependencies.
func reverse(order []string) []string {
	out := make([]string, len(order))
	for i, name := range order {
		out[len(order)-1-i] = name
	}
	return out
}

// formatCycle formats a cycle path for error messages.
func formatCycle(cycle []string) string {
	if len(cycle) == 0 {
		return ""
	}
	return strings.Join(cycle, " -> ")
}
