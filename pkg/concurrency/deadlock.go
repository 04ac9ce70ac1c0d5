package concurrency

import (
	"slices"

	"github.com/bits-and-blooms/bitset"

	"doclock/pkg/list"
)

// WaitsForGraph is a precedence graph over lockers. There is an edge from A to
// B if A is waiting for a resource held, or queued ahead of it, by B.
type WaitsForGraph struct {
	edges map[LockerID][]LockerID
	count int
}

// An Edge between lockers in a waits-for graph: From waits for To.
type Edge struct {
	From LockerID
	To   LockerID
}

func NewGraph() *WaitsForGraph {
	return &WaitsForGraph{edges: make(map[LockerID][]LockerID)}
}

// AddEdge adds an edge from `from` to `to`. Duplicate edges are ignored.
func (g *WaitsForGraph) AddEdge(from, to LockerID) {
	if slices.Contains(g.edges[from], to) {
		return
	}
	g.edges[from] = append(g.edges[from], to)
	g.count++
}

// Successors returns the lockers `from` waits for.
func (g *WaitsForGraph) Successors(from LockerID) []LockerID {
	return g.edges[from]
}

func (g *WaitsForGraph) Len() int {
	return g.count
}

// Edges returns all edges ordered by (From, To).
func (g *WaitsForGraph) Edges() []Edge {
	edges := make([]Edge, 0, g.count)
	for from, tos := range g.edges {
		for _, to := range tos {
			edges = append(edges, Edge{From: from, To: to})
		}
	}
	slices.SortFunc(edges, func(a, b Edge) int {
		if a.From != b.From {
			if a.From < b.From {
				return -1
			}
			return 1
		}
		if a.To < b.To {
			return -1
		} else if a.To > b.To {
			return 1
		}
		return 0
	})
	return edges
}

// DetectCycle returns true if a cycle exists anywhere in the graph.
func (g *WaitsForGraph) DetectCycle() bool {
	const (
		white = iota
		grey
		black
	)
	color := make(map[LockerID]int, len(g.edges))
	var dfs func(LockerID) bool
	dfs = func(from LockerID) bool {
		color[from] = grey
		for _, to := range g.edges[from] {
			switch color[to] {
			case grey:
				return true
			case white:
				if dfs(to) {
					return true
				}
			}
		}
		color[from] = black
		return false
	}
	for from := range g.edges {
		if color[from] == white && dfs(from) {
			return true
		}
	}
	return false
}

// FindCycle returns a path of lockers starting at origin that leads back to
// it, or nil if origin is not on a cycle.
func (g *WaitsForGraph) FindCycle(origin LockerID) []LockerID {
	seen := make(map[LockerID]bool)
	var path []LockerID
	var dfs func(LockerID) bool
	dfs = func(from LockerID) bool {
		path = append(path, from)
		for _, to := range g.edges[from] {
			if to == origin {
				return true
			}
			if seen[to] {
				continue
			}
			seen[to] = true
			if dfs(to) {
				return true
			}
		}
		path = path[:len(path)-1]
		return false
	}
	if dfs(origin) {
		return path
	}
	return nil
}

// deadlockDetector expands the waits-for graph outwards from a locker that is
// about to wait, visiting each waiting locker's queue once, and stops as soon
// as a path leads back to the origin.
type deadlockDetector struct {
	lm      *LockManager
	held    *lockBucket
	origin  LockerID
	graph   *WaitsForGraph
	index   map[LockerID]uint // dense index of each locker seen by this run
	visited *bitset.BitSet
}

// findCycle runs the detector. Caller must hold detectMtx and the bucket lock
// `held`; other buckets are locked one at a time while their queues are read.
func (lm *LockManager) findCycle(held *lockBucket, origin LockerID, blockers []LockerID) []LockerID {
	d := &deadlockDetector{
		lm:      lm,
		held:    held,
		origin:  origin,
		graph:   NewGraph(),
		index:   make(map[LockerID]uint),
		visited: bitset.New(0),
	}
	return d.run(blockers)
}

func (d *deadlockDetector) run(blockers []LockerID) []LockerID {
	stack := make([]LockerID, 0, len(blockers))
	for _, b := range blockers {
		d.graph.AddEdge(d.origin, b)
		stack = append(stack, b)
	}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if id == d.origin {
			return d.graph.FindCycle(d.origin)
		}
		if !d.visit(id) {
			continue
		}
		for _, next := range d.blockersOf(id) {
			d.graph.AddEdge(id, next)
			stack = append(stack, next)
		}
	}
	return nil
}

// visit marks id as visited and reports whether it was not before. Lockers
// are numbered in the order the run meets them, so the bitset stays as small
// as the explored graph.
func (d *deadlockDetector) visit(id LockerID) bool {
	i, ok := d.index[id]
	if !ok {
		i = uint(len(d.index))
		d.index[id] = i
	}
	if d.visited.Test(i) {
		return false
	}
	d.visited.Set(i)
	return true
}

// blockersOf returns who the locker id is waiting for, or nil if it is not
// waiting.
func (d *deadlockDetector) blockersOf(id LockerID) []LockerID {
	entry, ok := d.lm.waitingEntry(id)
	if !ok {
		return nil
	}
	bucket := d.lm.getBucket(entry.resId)
	if bucket != d.held {
		bucket.mtx.Lock()
		defer bucket.mtx.Unlock()
	}
	lock := bucket.find(entry.resId)
	if lock == nil {
		return nil
	}
	// The entry may be stale: the request could have been granted since.
	req, ok := lock.arena.Get(entry.handle)
	if !ok || req != entry.req {
		return nil
	}
	switch req.status {
	case StatusWaiting:
		return lock.blockers(id, req.mode, entry.handle, true)
	case StatusConverting:
		return lock.blockers(id, req.convertMode, list.Nil, false)
	}
	return nil
}

// WaitsForGraph builds the graph of every waiting and converting request,
// reading one bucket at a time. The result is a diagnostic view and need not
// be a consistent cut.
func (lm *LockManager) WaitsForGraph() *WaitsForGraph {
	g := NewGraph()
	for _, bucket := range lm.buckets {
		bucket.mtx.Lock()
		for _, lock := range bucket.data {
			for h := lock.grantedList.PeekHead(); !h.IsNil(); h = lock.arena.Next(h) {
				req, _ := lock.arena.Get(h)
				if req.status != StatusConverting {
					continue
				}
				for _, to := range lock.blockers(req.owner, req.convertMode, list.Nil, false) {
					g.AddEdge(req.owner, to)
				}
			}
			for h := lock.conflictList.PeekHead(); !h.IsNil(); h = lock.arena.Next(h) {
				req, _ := lock.arena.Get(h)
				for _, to := range lock.blockers(req.owner, req.mode, h, true) {
					g.AddEdge(req.owner, to)
				}
			}
		}
		bucket.mtx.Unlock()
	}
	return g
}
