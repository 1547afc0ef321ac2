package depgraph

import (
	"testing"

	"github.com/hashicorp/go-hclog"

	"github.com/systemd-rs-go/manager/internal/unit"
)

func testLogger() hclog.Logger {
	return hclog.NewNullLogger()
}

func svc(name string) *unit.Unit {
	return unit.New(unit.ID{Kind: unit.KindService, Name: name})
}

func target(name string) *unit.Unit {
	return unit.New(unit.ID{Kind: unit.KindTarget, Name: name})
}

func sockUnit(name string) *unit.Unit {
	return unit.New(unit.ID{Kind: unit.KindSocket, Name: name})
}

func TestApplyInstallDirectivesAndSymmetry(t *testing.T) {
	a := svc("a")
	mu := target("multi-user")
	a.Dependencies.WantedBy = append(a.Dependencies.WantedBy, mu.ID)

	units := map[unit.ID]*unit.Unit{a.ID: a, mu.ID: mu}
	g := New(testLogger(), units)
	g.ApplyInstallDirectives()
	g.FillReverseEdges()

	if !contains(mu.Dependencies.Wants, a.ID) {
		t.Fatalf("multi-user.target should Want a.service, got %v", mu.Dependencies.Wants)
	}
	if !contains(a.Dependencies.WantedBy, mu.ID) {
		t.Fatalf("a.service.WantedBy should retain multi-user.target")
	}

	// P1: every forward edge has a matching reverse edge.
	for id, u := range units {
		for _, kind := range unit.AllEdgeKinds {
			for _, nb := range u.Dependencies.Forward(kind) {
				if !contains(units[nb].Dependencies.Reverse(kind), id) {
					t.Errorf("P1 violated: %s -[%v]-> %s has no reverse edge", id, kind, nb)
				}
			}
		}
	}
}

func TestBreakCyclesRemovesOrderingCycle(t *testing.T) {
	a, b, c := svc("a"), svc("b"), svc("c")
	a.Dependencies.Before = []unit.ID{b.ID}
	b.Dependencies.After = []unit.ID{a.ID}
	b.Dependencies.Before = []unit.ID{c.ID}
	c.Dependencies.After = []unit.ID{b.ID}
	c.Dependencies.Before = []unit.ID{a.ID} // closes the cycle a -> b -> c -> a
	a.Dependencies.After = []unit.ID{c.ID}

	units := map[unit.ID]*unit.Unit{a.ID: a, b.ID: b, c.ID: c}
	g := New(testLogger(), units)
	if err := g.BreakCycles(); err != nil {
		t.Fatalf("BreakCycles: %v", err)
	}
	if g.findOrderingCycle() != nil {
		t.Fatal("cycle should have been broken")
	}
}

func TestPruneKeepsOnlyReachable(t *testing.T) {
	root := target("default")
	kept := svc("kept")
	orphan := svc("orphan")
	root.Dependencies.Wants = []unit.ID{kept.ID}
	kept.Dependencies.WantedBy = []unit.ID{root.ID}

	units := map[unit.ID]*unit.Unit{root.ID: root, kept.ID: kept, orphan.ID: orphan}
	g := New(testLogger(), units)
	removed := g.Prune(root.ID)

	if len(removed) != 1 || removed[0] != orphan.ID {
		t.Fatalf("Prune removed = %v, want [orphan.service]", removed)
	}
	if _, ok := g.Units[kept.ID]; !ok {
		t.Error("kept.service should remain")
	}
	if _, ok := g.Units[orphan.ID]; ok {
		t.Error("orphan.service should be pruned")
	}
}

func TestPruneDropsOrphanSocket(t *testing.T) {
	root := target("default")
	boundSvc := svc("bound")
	pairedSock := sockUnit("bound")
	pairedSock.Socket().Service = boundSvc.ID
	orphanSock := sockUnit("orphan")
	referencedSock := sockUnit("dbus")

	// Before= keeps these reachable for the BFS pass without counting as an
	// explicit Wants=/Requires=/BindsTo= reference, so the orphan sub-pass
	// alone decides their fate.
	root.Dependencies.Before = []unit.ID{pairedSock.ID, orphanSock.ID, referencedSock.ID}
	root.Dependencies.Wants = []unit.ID{boundSvc.ID, referencedSock.ID}

	units := map[unit.ID]*unit.Unit{
		root.ID: root, boundSvc.ID: boundSvc,
		pairedSock.ID: pairedSock, orphanSock.ID: orphanSock, referencedSock.ID: referencedSock,
	}
	g := New(testLogger(), units)
	removed := g.Prune(root.ID)

	if !contains(removed, orphanSock.ID) {
		t.Fatalf("Prune should drop orphan.socket, removed = %v", removed)
	}
	if _, ok := g.Units[orphanSock.ID]; ok {
		t.Error("orphan.socket should be pruned: no associated service, no explicit reference")
	}
	if _, ok := g.Units[pairedSock.ID]; !ok {
		t.Error("bound.socket should be kept: has an associated service")
	}
	if _, ok := g.Units[referencedSock.ID]; !ok {
		t.Error("dbus.socket should be kept: explicitly Wants=d by default.target")
	}
}

func TestRunFullPipeline(t *testing.T) {
	root := target("default")
	svcA := svc("a")
	svcA.Dependencies.WantedBy = []unit.ID{root.ID}
	orphan := svc("orphan")

	units := map[unit.ID]*unit.Unit{root.ID: root, svcA.ID: svcA, orphan.ID: orphan}
	g := New(testLogger(), units)
	removed, err := g.Run(root.ID)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(removed) != 1 || removed[0] != orphan.ID {
		t.Fatalf("Run removed = %v", removed)
	}
	if !contains(root.Dependencies.Wants, svcA.ID) {
		t.Error("Run should have applied the install directive before pruning")
	}
}

func contains(list []unit.ID, id unit.ID) bool {
	for _, x := range list {
		if x == id {
			return true
		}
	}
	return false
}
