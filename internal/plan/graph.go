package plan

import (
	"sort"

	"grimm.is/rime/internal/fault"
	"grimm.is/rime/internal/schema"
)

// opNode is one operation during graph construction, before sequence
// numbers exist. deps holds node indexes that must complete first;
// released names the controller the operation walks away from, which
// matters when that controller is being deleted in the same plan.
type opNode struct {
	op       schema.Operation
	released []string
	deps     map[int]bool
}

// opGraph orders a plan's operations by dependency.
type opGraph struct {
	nodes  []*opNode
	byName map[string][]int
}

func newOpGraph() *opGraph {
	return &opGraph{byName: make(map[string][]int)}
}

func (g *opGraph) add(op schema.Operation, released ...string) {
	idx := len(g.nodes)
	g.nodes = append(g.nodes, &opNode{op: op, released: released, deps: make(map[int]bool)})
	g.byName[op.Iface] = append(g.byName[op.Iface], idx)
}

func (g *opGraph) dependOn(idx, on int) {
	if idx != on {
		g.nodes[idx].deps[on] = true
	}
}

// wire adds the structural edges. An operation on a stacked or enslaved
// interface waits for its parent/controller operation; around deletes the
// direction flips, children clear out first. A recreate (delete plus create
// of the same name) runs the delete first.
func (g *opGraph) wire() {
	for idx, n := range g.nodes {
		for _, ref := range []string{n.op.Desired.Parent, n.op.Desired.Controller} {
			if ref == "" {
				continue
			}
			for _, ridx := range g.byName[ref] {
				if n.op.Kind == schema.OpDelete || g.nodes[ridx].op.Kind == schema.OpDelete {
					g.dependOn(ridx, idx)
				} else {
					g.dependOn(idx, ridx)
				}
			}
		}
		// A controller being walked away from waits for the detach.
		for _, ref := range n.released {
			for _, ridx := range g.byName[ref] {
				g.dependOn(ridx, idx)
			}
		}
	}

	for _, idxs := range g.byName {
		if len(idxs) < 2 {
			continue
		}
		for _, d := range idxs {
			if g.nodes[d].op.Kind != schema.OpDelete {
				continue
			}
			for _, o := range idxs {
				if g.nodes[o].op.Kind != schema.OpDelete {
					g.dependOn(o, d)
				}
			}
		}
	}
}

// detectCycle walks the dependency edges and reports the first cycle found,
// naming every interface on it.
func (g *opGraph) detectCycle() error {
	const (
		white = iota
		grey
		black
	)
	color := make([]int, len(g.nodes))
	var stack []int

	var visit func(idx int) []string
	visit = func(idx int) []string {
		color[idx] = grey
		stack = append(stack, idx)

		for _, dep := range sortedInts(g.nodes[idx].deps) {
			switch color[dep] {
			case grey:
				// Back edge: the cycle is the stack from dep onward.
				var members []string
				seen := make(map[string]bool)
				start := 0
				for i, s := range stack {
					if s == dep {
						start = i
						break
					}
				}
				for _, s := range stack[start:] {
					name := g.nodes[s].op.Iface
					if !seen[name] {
						seen[name] = true
						members = append(members, name)
					}
				}
				return members
			case white:
				if members := visit(dep); members != nil {
					return members
				}
			}
		}

		stack = stack[:len(stack)-1]
		color[idx] = black
		return nil
	}

	for idx := range g.nodes {
		if color[idx] == white {
			if members := visit(idx); members != nil {
				return fault.DependencyCycle(members)
			}
		}
	}
	return nil
}

// order runs a deterministic topological sort: among ready operations the
// lowest interface name goes first, then the lowest kind. Sequence numbers
// and DependsOn references are rewritten to the final order. The graph must
// already be cycle-free.
func (g *opGraph) order() []schema.Operation {
	n := len(g.nodes)
	indeg := make([]int, n)
	dependents := make([][]int, n)
	for idx, node := range g.nodes {
		indeg[idx] = len(node.deps)
		for _, dep := range sortedInts(node.deps) {
			dependents[dep] = append(dependents[dep], idx)
		}
	}

	less := func(a, b int) bool {
		oa, ob := g.nodes[a].op, g.nodes[b].op
		if oa.Iface != ob.Iface {
			return oa.Iface < ob.Iface
		}
		return oa.Kind < ob.Kind
	}

	var ready []int
	for idx := range g.nodes {
		if indeg[idx] == 0 {
			ready = append(ready, idx)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return less(ready[i], ready[j]) })

	seqOf := make([]int, n)
	picked := make([]int, 0, n)
	for len(ready) > 0 {
		idx := ready[0]
		ready = ready[1:]
		seqOf[idx] = len(picked)
		picked = append(picked, idx)

		for _, dep := range dependents[idx] {
			indeg[dep]--
			if indeg[dep] == 0 {
				ready = append(ready, dep)
			}
		}
		sort.Slice(ready, func(i, j int) bool { return less(ready[i], ready[j]) })
	}

	ops := make([]schema.Operation, 0, n)
	for _, idx := range picked {
		op := g.nodes[idx].op
		op.Seq = len(ops)
		op.DependsOn = nil
		for _, dep := range sortedInts(g.nodes[idx].deps) {
			op.DependsOn = append(op.DependsOn, seqOf[dep])
		}
		sort.Ints(op.DependsOn)
		ops = append(ops, op)
	}
	return ops
}

func sortedInts(set map[int]bool) []int {
	out := make([]int, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}
