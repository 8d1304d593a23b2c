// Package routing implements the longest-prefix routing table that maps
// destination addresses to next-hop peers.
package routing

import (
	"sort"
	"sync"

	"github.com/agentfabric/agent-fabric/internal/ilpaddr"
)

// Route is one table entry.
type Route struct {
	Prefix   ilpaddr.Address
	NextHop  string
	Priority int
}

type entry struct {
	nextHop  string
	priority int
	seq      uint64 // insertion order, lower wins on priority tie
}

type trieNode struct {
	children map[string]*trieNode
	entries  []entry
}

// Table answers lookup(addr) with the entry whose prefix is the longest
// label-aligned prefix of addr; ties break by highest priority, then by
// earliest insertion. Reads run in parallel; writes take exclusive access.
type Table struct {
	mu      sync.RWMutex
	root    *trieNode
	nextSeq uint64
}

func NewTable() *Table {
	return &Table{root: &trieNode{}}
}

// Insert adds a route. The next hop need not have a live session yet.
func (t *Table) Insert(prefix ilpaddr.Address, nextHop string, priority int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := t.root
	for _, label := range prefix.Labels() {
		if n.children == nil {
			n.children = make(map[string]*trieNode)
		}
		child, ok := n.children[label]
		if !ok {
			child = &trieNode{}
			n.children[label] = child
		}
		n = child
	}
	n.entries = append(n.entries, entry{nextHop: nextHop, priority: priority, seq: t.nextSeq})
	t.nextSeq++
	sortEntries(n.entries)
}

// InsertDefault adds an explicitly configured catch-all route that matches
// any address no other prefix covers.
func (t *Table) InsertDefault(nextHop string, priority int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.root.entries = append(t.root.entries, entry{nextHop: nextHop, priority: priority, seq: t.nextSeq})
	t.nextSeq++
	sortEntries(t.root.entries)
}

// Remove deletes the (prefix, nextHop) pair if present.
func (t *Table) Remove(prefix ilpaddr.Address, nextHop string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := t.root
	for _, label := range prefix.Labels() {
		child, ok := n.children[label]
		if !ok {
			return
		}
		n = child
	}
	n.entries = filterEntries(n.entries, nextHop)
}

// RemoveAllForPeer drops every route whose next hop is peerID.
func (t *Table) RemoveAllForPeer(peerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	removeForPeer(t.root, peerID)
}

func removeForPeer(n *trieNode, peerID string) {
	n.entries = filterEntries(n.entries, peerID)
	for _, child := range n.children {
		removeForPeer(child, peerID)
	}
}

// Lookup returns the next hop for addr, or ok=false when no prefix matches.
func (t *Table) Lookup(addr ilpaddr.Address) (nextHop string, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := t.root
	var best *entry
	if len(n.entries) > 0 {
		best = &n.entries[0] // explicitly configured catch-all
	}
	for _, label := range addr.Labels() {
		child, found := n.children[label]
		if !found {
			break
		}
		n = child
		if len(n.entries) > 0 {
			best = &n.entries[0]
		}
	}
	if best == nil {
		return "", false
	}
	return best.nextHop, true
}

// Routes returns a snapshot of all entries for the admin surface.
func (t *Table) Routes() []Route {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []Route
	var walk func(n *trieNode, labels []string)
	walk = func(n *trieNode, labels []string) {
		for _, e := range n.entries {
			out = append(out, Route{
				Prefix:   ilpaddr.Address(joinLabels(labels)),
				NextHop:  e.nextHop,
				Priority: e.priority,
			})
		}
		for label, child := range n.children {
			walk(child, append(labels, label))
		}
	}
	walk(t.root, nil)
	sort.Slice(out, func(i, j int) bool { return out[i].Prefix < out[j].Prefix })
	return out
}

func joinLabels(labels []string) string {
	s := ""
	for i, l := range labels {
		if i > 0 {
			s += "."
		}
		s += l
	}
	return s
}

func sortEntries(es []entry) {
	sort.SliceStable(es, func(i, j int) bool {
		if es[i].priority != es[j].priority {
			return es[i].priority > es[j].priority
		}
		return es[i].seq < es[j].seq
	})
}

func filterEntries(es []entry, nextHop string) []entry {
	out := es[:0]
	for _, e := range es {
		if e.nextHop != nextHop {
			out = append(out, e)
		}
	}
	return out
}
