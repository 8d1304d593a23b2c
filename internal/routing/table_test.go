package routing

import (
	"testing"

	"github.com/agentfabric/agent-fabric/internal/ilpaddr"
)

func addr(s string) ilpaddr.Address { return ilpaddr.MustParse(s) }

func newTableWith(routes map[string]string) *Table {
	t := NewTable()
	for prefix, hop := range routes {
		t.Insert(addr(prefix), hop, 0)
	}
	return t
}

// ── longest-prefix selection ──────────────────────────────────────────────────

func TestLookup_LongestPrefixWins(t *testing.T) {
	tbl := newTableWith(map[string]string{
		"g":     "peer1",
		"g.x":   "peer2",
		"g.x.y": "peer3",
		"g.a":   "peer4",
	})
	hop, ok := tbl.Lookup(addr("g.x.y.z"))
	if !ok || hop != "peer3" {
		t.Fatalf("lookup g.x.y.z: got (%q,%v), want peer3", hop, ok)
	}
}

func TestLookup_FallsBackToShorterPrefix(t *testing.T) {
	tbl := newTableWith(map[string]string{
		"g":   "peer1",
		"g.a": "peer2",
	})
	hop, ok := tbl.Lookup(addr("g.x.y.z"))
	if !ok || hop != "peer1" {
		t.Fatalf("lookup g.x.y.z: got (%q,%v), want peer1", hop, ok)
	}
}

func TestLookup_NoMatch(t *testing.T) {
	tbl := newTableWith(map[string]string{"g.b": "peer1"})
	if hop, ok := tbl.Lookup(addr("g.x.y.z")); ok {
		t.Fatalf("lookup g.x.y.z: got %q, want no match", hop)
	}
}

func TestLookup_NoPartialLabelMatch(t *testing.T) {
	tbl := newTableWith(map[string]string{"g.x": "peer1"})
	if hop, ok := tbl.Lookup(addr("g.xy.z")); ok {
		t.Fatalf("g.x must not match g.xy.z, got %q", hop)
	}
}

func TestLookup_ExactMatch(t *testing.T) {
	tbl := newTableWith(map[string]string{"g.dest": "peer1"})
	hop, ok := tbl.Lookup(addr("g.dest"))
	if !ok || hop != "peer1" {
		t.Fatalf("exact lookup: got (%q,%v)", hop, ok)
	}
}

// ── tie-breaking ──────────────────────────────────────────────────────────────

func TestLookup_PriorityBreaksTies(t *testing.T) {
	tbl := NewTable()
	tbl.Insert(addr("g.dest"), "low", 1)
	tbl.Insert(addr("g.dest"), "high", 5)
	hop, _ := tbl.Lookup(addr("g.dest.sub"))
	if hop != "high" {
		t.Fatalf("priority tie-break: got %q, want high", hop)
	}
}

func TestLookup_InsertionOrderBreaksPriorityTies(t *testing.T) {
	tbl := NewTable()
	tbl.Insert(addr("g.dest"), "first", 3)
	tbl.Insert(addr("g.dest"), "second", 3)
	hop, _ := tbl.Lookup(addr("g.dest"))
	if hop != "first" {
		t.Fatalf("insertion-order tie-break: got %q, want first", hop)
	}
}

func TestLookup_DefaultRoute(t *testing.T) {
	tbl := NewTable()
	tbl.InsertDefault("upstream", 0)
	tbl.Insert(addr("g.local"), "peer1", 0)

	if hop, _ := tbl.Lookup(addr("x.y.z")); hop != "upstream" {
		t.Errorf("unmatched address should hit the default route, got %q", hop)
	}
	if hop, _ := tbl.Lookup(addr("g.local.a")); hop != "peer1" {
		t.Errorf("specific prefix should beat the default route, got %q", hop)
	}
}

// ── removal ───────────────────────────────────────────────────────────────────

func TestRemove(t *testing.T) {
	tbl := NewTable()
	tbl.Insert(addr("g.dest"), "peer1", 0)
	tbl.Remove(addr("g.dest"), "peer1")
	if _, ok := tbl.Lookup(addr("g.dest")); ok {
		t.Fatal("route still present after Remove")
	}
}

func TestRemove_AbsentIsNoop(t *testing.T) {
	tbl := NewTable()
	tbl.Remove(addr("g.never"), "peer1")
}

func TestRemoveAllForPeer(t *testing.T) {
	tbl := NewTable()
	tbl.Insert(addr("g.a"), "dead", 0)
	tbl.Insert(addr("g.b"), "dead", 0)
	tbl.Insert(addr("g.c"), "alive", 0)
	tbl.RemoveAllForPeer("dead")

	if _, ok := tbl.Lookup(addr("g.a")); ok {
		t.Error("g.a should be gone")
	}
	if _, ok := tbl.Lookup(addr("g.b")); ok {
		t.Error("g.b should be gone")
	}
	if hop, ok := tbl.Lookup(addr("g.c")); !ok || hop != "alive" {
		t.Error("g.c should survive")
	}
}

func TestRemove_FallsBackToRemaining(t *testing.T) {
	tbl := NewTable()
	tbl.Insert(addr("g.dest"), "primary", 5)
	tbl.Insert(addr("g.dest"), "backup", 1)
	tbl.Remove(addr("g.dest"), "primary")
	hop, ok := tbl.Lookup(addr("g.dest"))
	if !ok || hop != "backup" {
		t.Fatalf("after removing primary: got (%q,%v), want backup", hop, ok)
	}
}

// ── snapshot ──────────────────────────────────────────────────────────────────

func TestRoutes_Snapshot(t *testing.T) {
	tbl := NewTable()
	tbl.Insert(addr("g.a"), "p1", 2)
	tbl.Insert(addr("g.b"), "p2", 0)
	rs := tbl.Routes()
	if len(rs) != 2 {
		t.Fatalf("Routes: got %d entries, want 2", len(rs))
	}
	if rs[0].Prefix != "g.a" || rs[0].NextHop != "p1" || rs[0].Priority != 2 {
		t.Errorf("Routes[0]: %+v", rs[0])
	}
}
