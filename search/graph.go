package search

import (
	"cmp"
	"fmt"

	"github.com/petal-labs/bestfirst/core"
)

// record is a node of the explicit search graph. Records live in an arena
// and refer to their parent by index.
type record[N comparable, A any, V cmp.Ordered] struct {
	id     NodeID
	head   N
	label  string
	parent NodeID
	arc    A
	path   core.Path[N, A]
	depth  int
	ann    *core.Annotations

	score  V
	scored bool
	goal   bool
	status NodeStatus

	// generation counts expansions; reopened nodes are expanded again.
	generation int

	// better is the best strictly better path found while the node was
	// being expanded under DiscardAll.
	better *betterParent[A, V]
}

// betterParent is a replacement parent for a record together with the score
// the record has below it.
type betterParent[A any, V cmp.Ordered] struct {
	parent NodeID
	arc    A
	score  V
}

// nodeRef identifies a record in events.
type nodeRef struct {
	id     NodeID
	parent NodeID
	label  string
}

// ref must be called with graphMu held.
func (r *record[N, A, V]) ref() nodeRef {
	return nodeRef{id: r.id, parent: r.parent, label: r.label}
}

// arena owns all node records of one engine. It is guarded by graphMu.
type arena[N comparable, A any, V cmp.Ordered] struct {
	records []*record[N, A, V]

	// ext2int maps an external node to its canonical record. Under DiscardNone
	// the first record wins and later paths to the same node are counted as
	// duplicates.
	ext2int    map[N]NodeID
	duplicates int
}

func newArena[N comparable, A any, V cmp.Ordered]() *arena[N, A, V] {
	return &arena[N, A, V]{ext2int: make(map[N]NodeID)}
}

// newRoot creates a record without parent.
func (g *arena[N, A, V]) newRoot(head N) *record[N, A, V] {
	var arc A
	return g.insert(head, NoNode, arc, core.RootPath[N, A](head))
}

// newChild creates a record for head reached from parent via arc. A head that
// already occurs on the parent's path is a structural violation.
func (g *arena[N, A, V]) newChild(parent NodeID, head N, arc A) (*record[N, A, V], error) {
	p, ok := g.get(parent)
	if !ok {
		return nil, core.Violation("parent %d of new node is unknown", parent)
	}
	if p.path.Contains(head) {
		return nil, core.Violation("node %v already occurs on the path to its parent %d", head, parent)
	}
	return g.insert(head, parent, arc, p.path.Extend(head, arc)), nil
}

func (g *arena[N, A, V]) insert(head N, parent NodeID, arc A, path core.Path[N, A]) *record[N, A, V] {
	ann := core.NewAnnotations()
	rec := &record[N, A, V]{
		id:     NodeID(len(g.records)),
		head:   head,
		label:  fmt.Sprint(head),
		parent: parent,
		arc:    arc,
		path:   path.WithAnnotations(ann),
		depth:  path.Depth(),
		ann:    ann,
		status: StatusCreated,
	}
	g.records = append(g.records, rec)
	if _, known := g.ext2int[head]; known {
		g.duplicates++
	} else {
		g.ext2int[head] = rec.id
	}
	return rec
}

func (g *arena[N, A, V]) get(id NodeID) (*record[N, A, V], bool) {
	if id < 0 || int(id) >= len(g.records) {
		return nil, false
	}
	return g.records[id], true
}

// canonical returns the canonical record of head.
func (g *arena[N, A, V]) canonical(head N) (*record[N, A, V], bool) {
	id, ok := g.ext2int[head]
	if !ok {
		return nil, false
	}
	return g.records[id], true
}

// promote makes rec the canonical record of its head.
func (g *arena[N, A, V]) promote(rec *record[N, A, V]) {
	g.ext2int[rec.head] = rec.id
}

// reparent moves rec below a new parent with a new score, rebuilding its
// path snapshot. Previously published paths are not affected.
func (g *arena[N, A, V]) reparent(rec *record[N, A, V], parent NodeID, arc A, score V) error {
	p, ok := g.get(parent)
	if !ok {
		return core.Violation("new parent %d of node %d is unknown", parent, rec.id)
	}
	if p.path.Contains(rec.head) {
		return core.Violation("reparenting node %d below %d would create a cycle", rec.id, parent)
	}
	path := p.path.Extend(rec.head, arc)
	rec.parent = parent
	rec.arc = arc
	rec.path = path.WithAnnotations(rec.ann)
	rec.depth = path.Depth()
	rec.score = score
	return nil
}

func (g *arena[N, A, V]) size() int {
	return len(g.records)
}
