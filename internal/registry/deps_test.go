package registry

import "testing"

func TestDepGraphSortOrdersDependenciesFirst(t *testing.T) {
	g := newDepGraph()
	g.addNode("db")
	g.addNode("cache")
	g.addNode("api")
	g.setDependencies("api", []string{"db", "cache"})

	order, err := g.sort()
	if err != nil {
		t.Fatalf("sort() error = %v", err)
	}
	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	if pos["api"] < pos["db"] || pos["api"] < pos["cache"] {
		t.Errorf("order = %v, api must come after its dependencies", order)
	}
}

func TestDepGraphDetectsCycle(t *testing.T) {
	g := newDepGraph()
	g.addNode("a")
	g.addNode("b")
	g.setDependencies("a", []string{"b"})
	g.setDependencies("b", []string{"a"})

	if _, err := g.sort(); err == nil {
		t.Error("expected cycle error from sort()")
	}
	if cycles := g.detectCycles(); len(cycles) == 0 {
		t.Error("expected detectCycles() to report the a<->b cycle")
	}
}

func TestDepGraphSetDependenciesIgnoresUnknownNodes(t *testing.T) {
	g := newDepGraph()
	g.addNode("api")
	g.setDependencies("api", []string{"ghost"})
	if deps := g.dependencies("api"); len(deps) != 0 {
		t.Errorf("dependencies() = %v, want empty (ghost never registered)", deps)
	}
}

func TestDepGraphRemoveNodeDropsIncomingEdges(t *testing.T) {
	g := newDepGraph()
	g.addNode("db")
	g.addNode("api")
	g.setDependencies("api", []string{"db"})

	g.removeNode("db")
	if deps := g.dependencies("api"); len(deps) != 0 {
		t.Errorf("dependencies() after removing db = %v, want empty", deps)
	}
}

func TestDepGraphDependentsReturnsReverseEdges(t *testing.T) {
	g := newDepGraph()
	g.addNode("db")
	g.addNode("api")
	g.addNode("worker")
	g.setDependencies("api", []string{"db"})
	g.setDependencies("worker", []string{"db"})

	dependents := g.dependents("db")
	if len(dependents) != 2 || dependents[0] != "api" || dependents[1] != "worker" {
		t.Errorf("dependents(db) = %v, want [api worker]", dependents)
	}
}
