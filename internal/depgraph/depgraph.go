// Package depgraph implements the Dependency Engine of spec.md §4.2: it
// turns the asymmetric, install-directive-laden unit table the parser
// produces into a symmetric, acyclic, boot-relevant subgraph.
//
// It runs as four passes over the same in-memory table, each independently
// grounded in the systemd-rs sanity-check pipeline: apply the WantedBy=/
// RequiredBy= install directives as forward edges on their target, fill
// every paired relation's reverse edge so the table is symmetric in both
// directions (spec.md invariant P1), break any cycle in the strict Before/
// After ordering graph (P2), and finally prune every unit unreachable from
// the default target (P4).
package depgraph

import (
	"fmt"

	"github.com/hashicorp/go-hclog"

	"github.com/systemd-rs-go/manager/internal/unit"
)

// Graph is the dependency engine's working set: every discovered unit,
// keyed by id, mutated in place across passes.
type Graph struct {
	log   hclog.Logger
	Units map[unit.ID]*unit.Unit
}

func New(log hclog.Logger, units map[unit.ID]*unit.Unit) *Graph {
	return &Graph{log: log.Named("depgraph"), Units: units}
}

// Run executes all four passes in order and returns the units pruned in
// Pass 4, for diagnostics ("N units loaded but not reachable from
// default.target").
func (g *Graph) Run(defaultTarget unit.ID) ([]unit.ID, error) {
	g.ApplyInstallDirectives()
	g.FillReverseEdges()
	if err := g.BreakCycles(); err != nil {
		return nil, err
	}
	return g.Prune(defaultTarget), nil
}

// ApplyInstallDirectives folds each unit's WantedBy=/RequiredBy= lines
// (spec.md §4.1's [Install] section) into a forward Wants/Requires edge on
// the named target, the same direction systemctl enable's symlink creation
// encodes. A directive naming a unit absent from the table is dropped with
// a warning rather than failing the whole pass.
func (g *Graph) ApplyInstallDirectives() {
	for id, u := range g.Units {
		for _, target := range u.Dependencies.WantedBy {
			t, ok := g.Units[target]
			if !ok {
				g.log.Warn("WantedBy target not found", "unit", id, "target", target)
				continue
			}
			t.Dependencies.AddForward(unit.EdgeWants, id)
		}
		for _, target := range u.Dependencies.RequiredBy {
			t, ok := g.Units[target]
			if !ok {
				g.log.Warn("RequiredBy target not found", "unit", id, "target", target)
				continue
			}
			t.Dependencies.AddForward(unit.EdgeRequires, id)
		}
	}
}

// FillReverseEdges establishes invariant P1: every forward edge has a
// matching reverse edge on the neighbor. Directives that point at a
// missing unit are dropped with a warning (spec.md §4.2's "dangling
// dependency" handling).
func (g *Graph) FillReverseEdges() {
	for id, u := range g.Units {
		for _, kind := range unit.AllEdgeKinds {
			for _, nb := range u.Dependencies.Forward(kind) {
				n, ok := g.Units[nb]
				if !ok {
					g.log.Warn("dependency target not found", "unit", id, "kind", kind, "target", nb)
					u.Dependencies.RemoveForward(kind, nb)
					continue
				}
				n.Dependencies.AddReverse(kind, id)
			}
		}
	}
}

// BreakCycles enforces invariant P2 on the strict ordering graph (Before/
// After only — Wants/Requires cycles are permitted and common, e.g. a
// target wanting a service that is PartOf that target). It repeatedly
// finds one cycle via DFS and removes its closing edge, capped at
// len(Units)^2+1 iterations — the same bound systemd-rs's sanity_check
// uses to guarantee termination even against an adversarial unit set.
func (g *Graph) BreakCycles() error {
	n := len(g.Units)
	maxIter := n*n + 1
	for i := 0; i < maxIter; i++ {
		cycle := g.findOrderingCycle()
		if cycle == nil {
			return nil
		}
		from, to := cycle[len(cycle)-2], cycle[len(cycle)-1]
		g.log.Warn("breaking ordering cycle", "from", from, "to", to, "cycle", cycle)
		g.removeBeforeAfterEdge(from, to)
	}
	return fmt.Errorf("depgraph: could not break all ordering cycles within %d iterations", maxIter)
}

// findOrderingCycle returns the path of a single Before-edge cycle
// (ending with the repeated node), or nil if the ordering graph is
// currently acyclic.
func (g *Graph) findOrderingCycle() []unit.ID {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := map[unit.ID]int{}
	var path []unit.ID
	var cycle []unit.ID

	var visit func(id unit.ID) bool
	visit = func(id unit.ID) bool {
		color[id] = gray
		path = append(path, id)
		u := g.Units[id]
		if u != nil {
			for _, nb := range u.Dependencies.Before {
				if _, ok := g.Units[nb]; !ok {
					continue
				}
				switch color[nb] {
				case white:
					if visit(nb) {
						return true
					}
				case gray:
					cycle = append(append([]unit.ID{}, path...), nb)
					return true
				}
			}
		}
		path = path[:len(path)-1]
		color[id] = black
		return false
	}

	for id := range g.Units {
		if color[id] == white {
			if visit(id) {
				return cycle
			}
		}
	}
	return nil
}

func (g *Graph) removeBeforeAfterEdge(from, to unit.ID) {
	if u, ok := g.Units[from]; ok {
		u.Dependencies.RemoveForward(unit.EdgeBefore, to)
	}
	if u, ok := g.Units[to]; ok {
		u.Dependencies.RemoveReverse(unit.EdgeBefore, from)
	}
}

// Prune removes every unit unreachable from root via Wants/Requires/Before/
// After (spec.md §4.2 P4: "only units reachable from default.target are
// kept loaded"), then drops any remaining socket unit that has no
// associated service and isn't explicitly Wants=/Requires=/BindsTo=d by a
// non-socket unit. It returns every removed id.
func (g *Graph) Prune(root unit.ID) []unit.ID {
	if _, ok := g.Units[root]; !ok {
		g.log.Warn("default target not found, skipping prune", "target", root)
		return nil
	}
	reachable := map[unit.ID]bool{root: true}
	queue := []unit.ID{root}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		u := g.Units[id]
		if u == nil {
			continue
		}
		for _, nb := range u.Dependencies.ReachabilityNeighbors() {
			if !reachable[nb] {
				reachable[nb] = true
				queue = append(queue, nb)
			}
		}
	}

	var removed []unit.ID
	for id := range g.Units {
		if !reachable[id] {
			removed = append(removed, id)
			delete(g.Units, id)
		}
	}
	return append(removed, g.pruneOrphanSockets()...)
}

// pruneOrphanSockets drops socket units with no associated service and no
// explicit reference from a non-socket unit (spec.md §4.2 P4's second
// sub-rule, ported from prune_unused_sockets in systemd-rs's unit loader).
// After= is ordering-only and, unlike Wants=/Requires=/BindsTo=, doesn't
// keep a standalone socket alive by itself.
func (g *Graph) pruneOrphanSockets() []unit.ID {
	referenced := map[unit.ID]bool{}
	for _, u := range g.Units {
		if u.ID.Kind == unit.KindSocket {
			continue
		}
		deps := &u.Dependencies
		for _, id := range deps.Wants {
			referenced[id] = true
		}
		for _, id := range deps.Requires {
			referenced[id] = true
		}
		for _, id := range deps.BindsTo {
			referenced[id] = true
		}
	}

	var removed []unit.ID
	for id, u := range g.Units {
		if id.Kind != unit.KindSocket {
			continue
		}
		sock := u.Socket()
		if sock == nil || sock.Service != (unit.ID{}) || referenced[id] {
			continue
		}
		if _, ok := g.Units[unit.ID{Kind: unit.KindService, Name: id.Name}]; ok {
			continue // implicit same-name service
		}
		g.log.Trace("pruning socket with no associated service and no explicit reference", "unit", id)
		removed = append(removed, id)
	}
	for _, id := range removed {
		delete(g.Units, id)
	}
	return removed
}
