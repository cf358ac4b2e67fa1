package txn

import (
	"sync"

	"github.com/latchtree/btreeengine/ids"
)

// waitForGraph tracks "txn A is waiting on txn B" edges so a lock
// request that would complete a cycle can be refused instead of
// deadlocking. Grounded on huhu99-BumbleBase's concurrency.Graph,
// generalized from *Transaction node pointers to ids.TxnId values
// since this package has no Transaction type of its own to key on.
type waitForGraph struct {
	mu    sync.RWMutex
	edges []waitEdge
}

type waitEdge struct {
	from ids.TxnId
	to   ids.TxnId
}

func newWaitForGraph() *waitForGraph {
	return &waitForGraph{}
}

// addEdge records that from waits on to.
func (g *waitForGraph) addEdge(from, to ids.TxnId) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.edges = append(g.edges, waitEdge{from, to})
}

// removeEdge drops one from->to edge, if present.
func (g *waitForGraph) removeEdge(from, to ids.TxnId) {
	g.mu.Lock()
	defer g.mu.Unlock()
	target := waitEdge{from, to}
	for i, e := range g.edges {
		if e == target {
			g.edges[i] = g.edges[len(g.edges)-1]
			g.edges = g.edges[:len(g.edges)-1]
			return
		}
	}
}

// hasCycle reports whether the wait-for graph currently contains a
// cycle reachable from any edge, meaning some set of transactions is
// deadlocked against each other.
func (g *waitForGraph) hasCycle() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if len(g.edges) == 0 {
		return false
	}
	visited := make(map[ids.TxnId]bool)
	for _, e := range g.edges {
		if visited[e.from] {
			continue
		}
		if g.dfs(e.from, nil, visited) {
			return true
		}
	}
	return false
}

func (g *waitForGraph) dfs(from ids.TxnId, seen []ids.TxnId, visited map[ids.TxnId]bool) bool {
	visited[from] = true
	for _, s := range seen {
		if s == from {
			return true
		}
	}
	seen = append(seen, from)
	for _, e := range g.edges {
		if e.from == from {
			if g.dfs(e.to, seen, visited) {
				return true
			}
		}
	}
	return false
}
