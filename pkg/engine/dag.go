package engine

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Graph is the resolved dependency DAG of build units. It is built once per
// run and shared read-only between concurrently scheduled targets.
type Graph struct {
	// Units maps qualified IDs to their build units.
	Units map[string]*BuildUnit `json:"units"`

	// Dependents maps unit IDs to the IDs that depend on them.
	Dependents map[string][]string `json:"dependents"`

	// Order is the deterministic topological build order, leaf first.
	Order []string `json:"order"`
}

// DAGBuilder builds a Graph from resolved build units. It detects cycles and
// produces a topological order that is identical across runs and platforms:
// nodes with no relative ordering constraint are broken lexicographically,
// which later keeps hash manifests reproducible.
type DAGBuilder struct {
	units      map[string]*BuildUnit
	dependents map[string][]string
	inDegree   map[string]int
}

// NewDAGBuilder creates a new DAG builder.
func NewDAGBuilder() *DAGBuilder {
	return &DAGBuilder{
		units:      make(map[string]*BuildUnit),
		dependents: make(map[string][]string),
		inDegree:   make(map[string]int),
	}
}

// Build constructs the dependency graph from units whose references have
// already been resolved to qualified IDs. It fails with a cyclic dependency
// error carrying the full cycle path when the reference graph is not acyclic.
func (b *DAGBuilder) Build(units []*BuildUnit) (*Graph, error) {
	if err := b.initialize(units); err != nil {
		return nil, err
	}
	if err := b.detectCycles(); err != nil {
		return nil, err
	}
	order, err := b.computeOrder()
	if err != nil {
		return nil, err
	}
	return &Graph{
		Units:      b.units,
		Dependents: b.dependents,
		Order:      order,
	}, nil
}

// initialize indexes the units and validates edge targets.
func (b *DAGBuilder) initialize(units []*BuildUnit) error {
	for _, unit := range units {
		if unit.ID == "" {
			return NewInternalError("build unit has empty ID", nil)
		}
		if _, exists := b.units[unit.ID]; exists {
			return NewSchemaError(unit.ID, "duplicate unit name in suite closure", nil)
		}
		b.units[unit.ID] = unit
		b.inDegree[unit.ID] = 0
	}

	for _, unit := range b.units {
		for _, dep := range unit.Dependencies {
			if _, exists := b.units[dep]; !exists {
				return NewUnresolvedReferenceError(dep, unit.ID)
			}
			b.dependents[dep] = append(b.dependents[dep], unit.ID)
			b.inDegree[unit.ID]++
		}
	}

	for _, deps := range b.dependents {
		sort.Strings(deps)
	}
	return nil
}

// dfsColor is the node state of the three-color depth-first traversal.
type dfsColor uint8

const (
	colorWhite dfsColor = iota // not visited
	colorGray                  // on the current DFS path
	colorBlack                 // fully explored
)

// detectCycles runs a three-color DFS over the dependency edges. A gray node
// reached again through a back edge closes a cycle; the error reports the
// full cycle path.
func (b *DAGBuilder) detectCycles() error {
	colors := make(map[string]dfsColor, len(b.units))

	// Iterate roots in sorted order so the reported cycle is deterministic.
	ids := make([]string, 0, len(b.units))
	for id := range b.units {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var path []string
	var visit func(id string) []string
	visit = func(id string) []string {
		colors[id] = colorGray
		path = append(path, id)

		deps := append([]string(nil), b.units[id].Dependencies...)
		sort.Strings(deps)
		for _, dep := range deps {
			switch colors[dep] {
			case colorWhite:
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			case colorGray:
				// Back edge: slice the current path from the first
				// occurrence of dep and close the loop.
				start := 0
				for i, p := range path {
					if p == dep {
						start = i
						break
					}
				}
				return append(append([]string(nil), path[start:]...), dep)
			}
		}

		colors[id] = colorBlack
		path = path[:len(path)-1]
		return nil
	}

	for _, id := range ids {
		if colors[id] == colorWhite {
			path = path[:0]
			if cycle := visit(id); cycle != nil {
				return NewCyclicDependencyError(cycle)
			}
		}
	}
	return nil
}

// computeOrder produces the topological order with Kahn's algorithm. The
// ready set is kept sorted so ties always break lexicographically.
func (b *DAGBuilder) computeOrder() ([]string, error) {
	inDegree := make(map[string]int, len(b.inDegree))
	for id, d := range b.inDegree {
		inDegree[id] = d
	}

	var ready []string
	for id, d := range inDegree {
		if d == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(b.units))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		released := false
		for _, dependent := range b.dependents[id] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = append(ready, dependent)
				released = true
			}
		}
		if released {
			sort.Strings(ready)
		}
	}

	if len(order) != len(b.units) {
		return nil, NewInternalError("topological sort did not visit all units", nil)
	}
	return order, nil
}

// TransitiveClosure returns the set of unit IDs reachable from id through
// dependency edges, including id itself.
func (g *Graph) TransitiveClosure(id string) map[string]bool {
	closure := make(map[string]bool)
	var walk func(string)
	walk = func(cur string) {
		if closure[cur] {
			return
		}
		closure[cur] = true
		if unit, ok := g.Units[cur]; ok {
			for _, dep := range unit.Dependencies {
				walk(dep)
			}
		}
	}
	walk(id)
	return closure
}

// Subgraph returns a new graph restricted to the transitive closure of the
// given roots. The build order is the original order filtered, so it stays
// deterministic.
func (g *Graph) Subgraph(roots ...string) (*Graph, error) {
	keep := make(map[string]bool)
	for _, root := range roots {
		if _, ok := g.Units[root]; !ok {
			return nil, NewUnresolvedReferenceError(root, "subgraph")
		}
		for id := range g.TransitiveClosure(root) {
			keep[id] = true
		}
	}

	sub := &Graph{
		Units:      make(map[string]*BuildUnit, len(keep)),
		Dependents: make(map[string][]string),
	}
	for id := range keep {
		sub.Units[id] = g.Units[id]
		for _, dep := range g.Dependents[id] {
			if keep[dep] {
				sub.Dependents[id] = append(sub.Dependents[id], dep)
			}
		}
	}
	for _, id := range g.Order {
		if keep[id] {
			sub.Order = append(sub.Order, id)
		}
	}
	return sub, nil
}

// ToDOT renders the graph in Graphviz DOT format.
func (g *Graph) ToDOT() string {
	var sb strings.Builder
	sb.WriteString("digraph suiteforge {\n")
	sb.WriteString("  rankdir=BT;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for _, id := range g.Order {
		unit := g.Units[id]
		shape := "box"
		if unit.Kind == KindDistribution {
			shape = "component"
		}
		sb.WriteString(fmt.Sprintf("  %q [shape=%s, label=%q];\n", id, shape, id))
	}
	sb.WriteString("\n")
	for _, id := range g.Order {
		for _, dep := range g.Units[id].Dependencies {
			sb.WriteString(fmt.Sprintf("  %q -> %q;\n", id, dep))
		}
	}
	sb.WriteString("}\n")
	return sb.String()
}

// ToJSON renders the graph as indented JSON with stable ordering.
func (g *Graph) ToJSON() ([]byte, error) {
	type jsonNode struct {
		ID           string   `json:"id"`
		Kind         UnitKind `json:"kind"`
		Dependencies []string `json:"dependencies,omitempty"`
	}
	doc := struct {
		Order []string   `json:"order"`
		Nodes []jsonNode `json:"nodes"`
	}{Order: g.Order}

	for _, id := range g.Order {
		unit := g.Units[id]
		deps := append([]string(nil), unit.Dependencies...)
		sort.Strings(deps)
		doc.Nodes = append(doc.Nodes, jsonNode{ID: id, Kind: unit.Kind, Dependencies: deps})
	}
	return json.MarshalIndent(doc, "", "  ")
}
