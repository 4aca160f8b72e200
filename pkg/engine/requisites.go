package engine

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Edge is one resolved requisite: Source declared Kind on Target.
type Edge struct {
	Source string        `json:"source"`
	Kind   RequisiteKind `json:"kind"`
	Target string        `json:"target"`
}

// Graph is the requisite graph of a run, keyed by instruction id.
type Graph struct {
	// order holds node ids in sequence order
	order []string

	// nodes maps instruction ids to their adjacency
	nodes map[string]*graphNode

	// edges holds every edge in insertion order
	edges []Edge

	// byDeclared and byName index instruction ids for reference matching
	byDeclared map[string][]string
	byName     map[string][]string

	// modules maps instruction ids to their module
	modules map[string]string
}

type graphNode struct {
	// targets maps a kind to the ids this node references
	targets map[RequisiteKind][]string

	// dependents maps a kind to the ids referencing this node
	dependents map[RequisiteKind][]string
}

// NewGraph creates an empty requisite graph.
func NewGraph() *Graph {
	return &Graph{
		nodes:      make(map[string]*graphNode),
		byDeclared: make(map[string][]string),
		byName:     make(map[string][]string),
		modules:    make(map[string]string),
	}
}

// BuildGraph resolves the requisites of every instruction. Each unresolved
// reference is reported as a CompileError carrying the instruction id and
// requisite kind.
func BuildGraph(instrs []LowInstruction) (*Graph, error) {
	g := NewGraph()
	if err := g.Add(instrs...); err != nil {
		return nil, err
	}
	return g, nil
}

// Add indexes instructions and resolves their requisites against every
// instruction in the graph, including the ones being added. On error the
// graph is left unchanged.
func (g *Graph) Add(instrs ...LowInstruction) error {
	var errs []error

	// First pass: validate and index ids
	added := make([]string, 0, len(instrs))
	for _, instr := range instrs {
		if instr.ID == "" {
			errs = append(errs, &CompileError{Kind: CompileErrorMalformed, DeclaredID: instr.DeclaredID,
				Message: "instruction has empty id"})
			continue
		}
		if _, exists := g.nodes[instr.ID]; exists {
			errs = append(errs, &CompileError{Kind: CompileErrorDuplicateID, ID: instr.ID,
				Message: "instruction id already present"})
			continue
		}
		g.index(instr)
		added = append(added, instr.ID)
	}

	// Second pass: resolve references
	var edges []Edge
	for _, instr := range instrs {
		if _, ok := g.nodes[instr.ID]; !ok {
			continue
		}
		for _, kind := range RequisiteKinds {
			for _, ref := range instr.Requisites[kind] {
				targets := g.resolve(ref)
				if len(targets) == 0 {
					errs = append(errs, &CompileError{
						Kind:       CompileErrorUnresolvedRequisite,
						Source:     instr.Source,
						DeclaredID: instr.DeclaredID,
						ID:         instr.ID,
						Requisite:  kind,
						Message:    fmt.Sprintf("requisite target %s not found", ref),
					})
					continue
				}
				for _, target := range targets {
					edges = append(edges, Edge{Source: instr.ID, Kind: kind, Target: target})
				}
			}
		}
	}

	if len(errs) > 0 {
		for _, id := range added {
			g.unindex(id)
		}
		return errors.Join(errs...)
	}

	for _, e := range edges {
		g.link(e)
	}
	return nil
}

func (g *Graph) index(instr LowInstruction) {
	g.nodes[instr.ID] = &graphNode{
		targets:    make(map[RequisiteKind][]string),
		dependents: make(map[RequisiteKind][]string),
	}
	g.order = append(g.order, instr.ID)
	g.modules[instr.ID] = instr.Module
	g.byDeclared[instr.DeclaredID] = append(g.byDeclared[instr.DeclaredID], instr.ID)
	if instr.Name != instr.DeclaredID {
		g.byName[instr.Name] = append(g.byName[instr.Name], instr.ID)
	}
}

func (g *Graph) unindex(id string) {
	delete(g.nodes, id)
	delete(g.modules, id)
	g.order = removeString(g.order, id)
	for key, ids := range g.byDeclared {
		g.byDeclared[key] = removeString(ids, id)
	}
	for key, ids := range g.byName {
		g.byName[key] = removeString(ids, id)
	}
}

func (g *Graph) link(e Edge) {
	src := g.nodes[e.Source]
	if containsID(src.targets[e.Kind], e.Target) {
		return
	}
	src.targets[e.Kind] = append(src.targets[e.Kind], e.Target)
	dst := g.nodes[e.Target]
	dst.dependents[e.Kind] = append(dst.dependents[e.Kind], e.Source)
	g.edges = append(g.edges, e)
}

// resolve matches a reference by declared id or name, filtered by module.
func (g *Graph) resolve(ref Reference) []string {
	var out []string
	for _, candidates := range [][]string{g.byDeclared[ref.Target], g.byName[ref.Target]} {
		for _, id := range candidates {
			if ref.Module != "" && g.modules[id] != ref.Module {
				continue
			}
			if !containsID(out, id) {
				out = append(out, id)
			}
		}
	}
	return out
}

// Has returns true if the graph contains the instruction id.
func (g *Graph) Has(id string) bool {
	_, ok := g.nodes[id]
	return ok
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	return len(g.order)
}

// Nodes returns node ids in sequence order.
func (g *Graph) Nodes() []string {
	return append([]string(nil), g.order...)
}

// Edges returns every edge in insertion order.
func (g *Graph) Edges() []Edge {
	return append([]Edge(nil), g.edges...)
}

// Targets returns the ids that id references under kind.
func (g *Graph) Targets(id string, kind RequisiteKind) []string {
	n, ok := g.nodes[id]
	if !ok {
		return nil
	}
	return n.targets[kind]
}

// Dependents returns the ids that reference id under kind.
func (g *Graph) Dependents(id string, kind RequisiteKind) []string {
	n, ok := g.nodes[id]
	if !ok {
		return nil
	}
	return n.dependents[kind]
}

// WaitsOn returns the ids that must reach a terminal state before id may run.
// require, watch and onchanges wait on their targets; a prereq target waits
// on its prereq sources.
func (g *Graph) WaitsOn(id string) []string {
	var out []string
	for _, kind := range []RequisiteKind{RequisiteRequire, RequisiteWatch, RequisiteOnchanges} {
		for _, t := range g.Targets(id, kind) {
			if !containsID(out, t) {
				out = append(out, t)
			}
		}
	}
	for _, s := range g.Dependents(id, RequisitePrereq) {
		if !containsID(out, s) {
			out = append(out, s)
		}
	}
	return out
}

// Connected returns true if an ordering or gating edge joins a and b in either direction.
func (g *Graph) Connected(a, b string) bool {
	return containsID(g.WaitsOn(a), b) || containsID(g.WaitsOn(b), a)
}

// Cycles returns the wait cycles of the graph, each as a closed path.
func (g *Graph) Cycles() [][]string {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(g.order))
	var (
		path   []string
		cycles [][]string
	)

	var visit func(id string)
	visit = func(id string) {
		color[id] = grey
		path = append(path, id)
		for _, dep := range g.WaitsOn(id) {
			switch color[dep] {
			case white:
				visit(dep)
			case grey:
				start := indexOf(path, dep)
				cycle := append(append([]string(nil), path[start:]...), dep)
				cycles = append(cycles, cycle)
			}
		}
		path = path[:len(path)-1]
		color[id] = black
	}

	for _, id := range g.order {
		if color[id] == white {
			visit(id)
		}
	}
	return cycles
}

// Validate returns a RequisiteCycleError naming every node on a wait cycle.
func (g *Graph) Validate() error {
	cycles := g.Cycles()
	if len(cycles) == 0 {
		return nil
	}
	var ids []string
	for _, c := range cycles {
		for _, id := range c {
			if !containsID(ids, id) {
				ids = append(ids, id)
			}
		}
	}
	return &RequisiteCycleError{IDs: ids}
}

// Levels groups node ids by wait depth: level 0 waits on nothing. Nodes on or
// behind a cycle are left out.
func (g *Graph) Levels() [][]string {
	inDegree := make(map[string]int, len(g.order))
	waiters := make(map[string][]string)
	for _, id := range g.order {
		deps := g.WaitsOn(id)
		inDegree[id] = len(deps)
		for _, dep := range deps {
			waiters[dep] = append(waiters[dep], id)
		}
	}

	var levels [][]string
	var current []string
	for _, id := range g.order {
		if inDegree[id] == 0 {
			current = append(current, id)
		}
	}
	for len(current) > 0 {
		levels = append(levels, current)
		var next []string
		for _, id := range current {
			for _, w := range waiters[id] {
				inDegree[w]--
				if inDegree[w] == 0 {
					next = append(next, w)
				}
			}
		}
		sort.SliceStable(next, func(i, j int) bool {
			return indexOf(g.order, next[i]) < indexOf(g.order, next[j])
		})
		current = next
	}
	return levels
}

// ToDOT renders the graph in Graphviz DOT format. Edges point from the
// requisite target to the instruction declaring it.
func (g *Graph) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph Requisites {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	placed := make(map[string]bool, len(g.order))
	for level, ids := range g.Levels() {
		fmt.Fprintf(&sb, "  subgraph cluster_round_%d {\n", level)
		fmt.Fprintf(&sb, "    label=\"Round %d\";\n", level+1)
		sb.WriteString("    style=dashed;\n")
		for _, id := range ids {
			fmt.Fprintf(&sb, "    %q [label=%q];\n", id, dotLabel(id))
			placed[id] = true
		}
		sb.WriteString("  }\n\n")
	}
	for _, id := range g.order {
		if !placed[id] {
			fmt.Fprintf(&sb, "  %q [label=%q, fillcolor=\"lightcoral\", style=\"filled,rounded\"];\n", id, dotLabel(id))
		}
	}

	for _, e := range g.edges {
		fmt.Fprintf(&sb, "  %q -> %q [%s];\n", e.Target, e.Source, requisiteStyle(e.Kind))
	}

	sb.WriteString("}\n")
	return sb.String()
}

func dotLabel(id string) string {
	parts := strings.Split(id, idSeparator)
	if len(parts) != 4 {
		return id
	}
	return fmt.Sprintf("%s\n%s.%s", parts[1], parts[2], parts[3])
}

// requisiteStyle returns a DOT style string for a requisite kind.
func requisiteStyle(kind RequisiteKind) string {
	switch kind {
	case RequisiteWatch:
		return "label=\"watch\", style=bold, color=blue"
	case RequisiteOnchanges:
		return "label=\"onchanges\", style=dashed, color=blue"
	case RequisitePrereq:
		return "label=\"prereq\", style=dashed, color=darkgreen"
	case RequisiteListen:
		return "label=\"listen\", style=dotted, color=purple"
	case RequisiteOrder:
		return "label=\"order\", style=dotted, color=gray"
	default:
		return "label=\"require\", style=solid, color=black"
	}
}

func containsID(ids []string, id string) bool {
	return indexOf(ids, id) >= 0
}

func indexOf(ids []string, id string) int {
	for i, cur := range ids {
		if cur == id {
			return i
		}
	}
	return -1
}

func removeString(ids []string, id string) []string {
	out := ids[:0]
	for _, cur := range ids {
		if cur != id {
			out = append(out, cur)
		}
	}
	return out
}
