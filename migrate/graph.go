package migrate

import (
	"fmt"
	"slices"

	"github.com/syssam/strata"
)

// Graph is the revision DAG. Revisions live in a flat arena in insertion
// order with a map index over their identifiers; traversal works over
// primitive keys, so persistence and cycle checking stay simple graph
// walks rather than pointer chasing.
type Graph struct {
	revs     []*Revision
	index    map[string]int
	children map[string][]string // parent id -> child ids, insertion order
}

// NewGraph returns an empty revision graph.
func NewGraph() *Graph {
	return &Graph{
		index:    make(map[string]int),
		children: make(map[string][]string),
	}
}

// Len returns the number of revisions in the graph.
func (g *Graph) Len() int { return len(g.revs) }

// Revision returns the revision with the given id, if it exists.
func (g *Graph) Revision(id string) (*Revision, bool) {
	i, ok := g.index[id]
	if !ok {
		return nil, false
	}
	return g.revs[i], true
}

// Add inserts a revision. Every declared parent must already be in the
// graph, which keeps the structure acyclic by construction; an unknown or
// self-referential parent, or a reused identifier, fails with a CycleError.
func (g *Graph) Add(rev *Revision) error {
	if rev.ID == "" {
		return fmt.Errorf("migrate: revision without id")
	}
	if _, ok := g.index[rev.ID]; ok {
		return &strata.CycleError{Revision: rev.ID, Parent: rev.ID}
	}
	for _, p := range rev.Parents {
		if p == rev.ID {
			return &strata.CycleError{Revision: rev.ID}
		}
		if _, ok := g.index[p]; !ok {
			return &strata.CycleError{Revision: rev.ID, Parent: p}
		}
	}
	g.index[rev.ID] = len(g.revs)
	g.revs = append(g.revs, rev)
	for _, p := range rev.Parents {
		g.children[p] = append(g.children[p], rev.ID)
	}
	return nil
}

// hasParents reports whether every declared parent is already in the
// graph.
func (g *Graph) hasParents(rev *Revision) bool {
	for _, p := range rev.Parents {
		if _, ok := g.index[p]; !ok {
			return false
		}
	}
	return true
}

// Heads returns the identifiers of all revisions without children, in
// insertion order.
func (g *Graph) Heads() []string {
	var heads []string
	for _, rev := range g.revs {
		if len(g.children[rev.ID]) == 0 {
			heads = append(heads, rev.ID)
		}
	}
	return heads
}

// Head returns the unique current head. An empty graph yields the empty
// id; a diverged graph fails with a MultipleHeadsError until a merge
// revision unifies the branches.
func (g *Graph) Head() (string, error) {
	heads := g.Heads()
	switch len(heads) {
	case 0:
		return "", nil
	case 1:
		return heads[0], nil
	default:
		return "", &strata.MultipleHeadsError{Heads: heads}
	}
}

// ancestry returns the set of a revision's ancestors including itself.
// The empty id yields the empty set.
func (g *Graph) ancestry(id string) (map[string]struct{}, error) {
	set := make(map[string]struct{})
	if id == "" {
		return set, nil
	}
	if _, ok := g.index[id]; !ok {
		return nil, fmt.Errorf("migrate: unknown revision %s", id)
	}
	stack := []string{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := set[cur]; ok {
			continue
		}
		set[cur] = struct{}{}
		stack = append(stack, g.revs[g.index[cur]].Parents...)
	}
	return set, nil
}

// topo returns all revisions in topological order, breaking ties by
// insertion order. The result is deterministic across runs, so apply
// sequences are reproducible.
func (g *Graph) topo() []*Revision {
	pending := make(map[string]int, len(g.revs))
	for _, rev := range g.revs {
		pending[rev.ID] = len(rev.Parents)
	}
	out := make([]*Revision, 0, len(g.revs))
	emitted := make(map[string]struct{}, len(g.revs))
	for len(out) < len(g.revs) {
		progress := false
		for _, rev := range g.revs {
			if _, done := emitted[rev.ID]; done || pending[rev.ID] != 0 {
				continue
			}
			out = append(out, rev)
			emitted[rev.ID] = struct{}{}
			for _, c := range g.children[rev.ID] {
				pending[c]--
			}
			progress = true
			// Restart the arena scan so the earliest-inserted ready
			// revision is always picked next.
			break
		}
		if !progress {
			// Unreachable while Add enforces parent-before-child.
			break
		}
	}
	return out
}

// UpgradePath resolves the ordered revisions to apply walking from the
// currently applied revision to the target. An empty from means the empty
// store; an empty to resolves to the unique head. The path visits every
// unapplied ancestor of the target in deterministic topological order, so
// both branches of a merge are visited before the merge revision.
func (g *Graph) UpgradePath(from, to string) ([]*Revision, error) {
	if to == "" {
		head, err := g.Head()
		if err != nil {
			return nil, err
		}
		to = head
	}
	want, err := g.ancestry(to)
	if err != nil {
		return nil, err
	}
	have, err := g.ancestry(from)
	if err != nil {
		return nil, err
	}
	if from != "" {
		if _, ok := want[from]; !ok && from != to {
			return nil, fmt.Errorf("migrate: current revision %s is not an ancestor of %s", from, to)
		}
	}
	var path []*Revision
	for _, rev := range g.topo() {
		if _, ok := want[rev.ID]; !ok {
			continue
		}
		if _, ok := have[rev.ID]; ok {
			continue
		}
		path = append(path, rev)
	}
	return path, nil
}

// DowngradePath resolves the ordered revisions to revert walking from the
// currently applied revision back to the target. An empty to reverts to
// the empty store. The result is the reverse of the deterministic apply
// order of the reverted range.
func (g *Graph) DowngradePath(from, to string) ([]*Revision, error) {
	if from == "" {
		return nil, nil
	}
	have, err := g.ancestry(from)
	if err != nil {
		return nil, err
	}
	keep, err := g.ancestry(to)
	if err != nil {
		return nil, err
	}
	if to != "" {
		if _, ok := have[to]; !ok {
			return nil, fmt.Errorf("migrate: target revision %s is not an ancestor of %s", to, from)
		}
	}
	var path []*Revision
	for _, rev := range g.topo() {
		if _, ok := have[rev.ID]; !ok {
			continue
		}
		if _, ok := keep[rev.ID]; ok {
			continue
		}
		path = append(path, rev)
	}
	slices.Reverse(path)
	return path, nil
}
