package search

import (
	"cmp"

	"github.com/emirpasic/gods/trees/redblacktree"

	"github.com/petal-labs/bestfirst/core"
)

// OpenItem is the view of an OPEN entry that comparators see.
type OpenItem[V cmp.Ordered] struct {
	ID    NodeID
	Score V
	Depth int

	// Seq is the insertion counter of the entry; later insertions have larger values.
	Seq uint64
}

// OpenComparator orders OPEN entries. The entry comparing smallest is
// expanded next. Ties left by the comparator are broken by NodeID.
type OpenComparator[V cmp.Ordered] func(a, b OpenItem[V]) int

// ByScore orders by score, then first-in first-out.
func ByScore[V cmp.Ordered]() OpenComparator[V] {
	return func(a, b OpenItem[V]) int {
		if c := cmp.Compare(a.Score, b.Score); c != 0 {
			return c
		}
		return cmp.Compare(a.Seq, b.Seq)
	}
}

// ByScoreLIFO orders by score, then most recently inserted first.
func ByScoreLIFO[V cmp.Ordered]() OpenComparator[V] {
	return func(a, b OpenItem[V]) int {
		if c := cmp.Compare(a.Score, b.Score); c != 0 {
			return c
		}
		return cmp.Compare(b.Seq, a.Seq)
	}
}

// ByScoreDeepestFirst orders by score, then deeper nodes first, then FIFO.
func ByScoreDeepestFirst[V cmp.Ordered]() OpenComparator[V] {
	return func(a, b OpenItem[V]) int {
		if c := cmp.Compare(a.Score, b.Score); c != 0 {
			return c
		}
		if c := cmp.Compare(b.Depth, a.Depth); c != 0 {
			return c
		}
		return cmp.Compare(a.Seq, b.Seq)
	}
}

// openSet is the ordered set of labeled nodes awaiting expansion.
// It is not safe for concurrent use; the engine guards it with openMu.
type openSet[V cmp.Ordered] struct {
	tree  *redblacktree.Tree
	items map[NodeID]OpenItem[V]
	seq   uint64
}

func newOpenSet[V cmp.Ordered](order OpenComparator[V]) *openSet[V] {
	return &openSet[V]{
		tree: redblacktree.NewWith(func(a, b interface{}) int {
			x, y := a.(OpenItem[V]), b.(OpenItem[V])
			if c := order(x, y); c != 0 {
				return c
			}
			return cmp.Compare(x.ID, y.ID)
		}),
		items: make(map[NodeID]OpenItem[V]),
	}
}

// add inserts a node. A node may be on OPEN at most once.
func (s *openSet[V]) add(id NodeID, score V, depth int) error {
	if _, dup := s.items[id]; dup {
		return core.Violation("node %d inserted into OPEN twice", id)
	}
	s.seq++
	item := OpenItem[V]{ID: id, Score: score, Depth: depth, Seq: s.seq}
	s.items[id] = item
	s.tree.Put(item, id)
	return nil
}

// peek returns the best entry without removing it.
func (s *openSet[V]) peek() (OpenItem[V], bool) {
	n := s.tree.Left()
	if n == nil {
		return OpenItem[V]{}, false
	}
	return n.Key.(OpenItem[V]), true
}

// popMin removes and returns the best entry.
func (s *openSet[V]) popMin() (OpenItem[V], bool) {
	item, ok := s.peek()
	if !ok {
		return item, false
	}
	s.tree.Remove(item)
	delete(s.items, item.ID)
	return item, true
}

// remove deletes a node from OPEN and reports whether it was present.
func (s *openSet[V]) remove(id NodeID) bool {
	item, ok := s.items[id]
	if !ok {
		return false
	}
	s.tree.Remove(item)
	delete(s.items, id)
	return true
}

func (s *openSet[V]) contains(id NodeID) bool {
	_, ok := s.items[id]
	return ok
}

func (s *openSet[V]) get(id NodeID) (OpenItem[V], bool) {
	item, ok := s.items[id]
	return item, ok
}

func (s *openSet[V]) len() int {
	return len(s.items)
}

// ordered returns all entries from best to worst.
func (s *openSet[V]) ordered() []OpenItem[V] {
	out := make([]OpenItem[V], 0, len(s.items))
	it := s.tree.Iterator()
	for it.Next() {
		out = append(out, it.Key().(OpenItem[V]))
	}
	return out
}

func (s *openSet[V]) clear() {
	s.tree.Clear()
	clear(s.items)
}
