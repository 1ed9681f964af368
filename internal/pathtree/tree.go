package pathtree

import (
	"errors"
	"fmt"
	"sort"
)

var (
	ErrUnknownNode = errors.New("unknown node")
	ErrCycle       = errors.New("move would create a cycle")
	ErrTooDeep     = errors.New("hierarchy too deep")
)

// Node is one row of the explicit tree: identity, parent and own code.
type Node struct {
	ID       int64
	ParentID *int64
	Code     string
}

// Tree is the parent/child form of the hierarchy. Paths are derived from it
// rather than trusted, so it can verify stored paths.
type Tree struct {
	nodes    map[int64]Node
	children map[int64][]int64
	maxDepth int
}

// NewTree builds a tree and rejects dangling parents and cycles.
func NewTree(nodes []Node, maxDepth int) (*Tree, error) {
	t := &Tree{
		nodes:    make(map[int64]Node, len(nodes)),
		children: make(map[int64][]int64),
		maxDepth: maxDepth,
	}
	for _, n := range nodes {
		t.nodes[n.ID] = n
	}
	for _, n := range nodes {
		if n.ParentID == nil {
			continue
		}
		if _, ok := t.nodes[*n.ParentID]; !ok {
			return nil, fmt.Errorf("node %d: parent %d: %w", n.ID, *n.ParentID, ErrUnknownNode)
		}
		t.children[*n.ParentID] = append(t.children[*n.ParentID], n.ID)
	}
	for id := range t.nodes {
		if _, err := t.chain(id); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// chain returns the ids from the root down to id.
func (t *Tree) chain(id int64) ([]int64, error) {
	var rev []int64
	seen := make(map[int64]bool)
	cur := id
	for {
		n, ok := t.nodes[cur]
		if !ok {
			return nil, fmt.Errorf("node %d: %w", cur, ErrUnknownNode)
		}
		if seen[cur] {
			return nil, fmt.Errorf("node %d: %w", id, ErrCycle)
		}
		seen[cur] = true
		rev = append(rev, cur)
		if n.ParentID == nil {
			break
		}
		cur = *n.ParentID
	}
	out := make([]int64, len(rev))
	for i, v := range rev {
		out[len(rev)-1-i] = v
	}
	return out, nil
}

// Path derives the materialized path of id.
func (t *Tree) Path(id int64) (string, error) {
	ids, err := t.chain(id)
	if err != nil {
		return "", err
	}
	path := ""
	for _, cid := range ids {
		path = Join(path, t.nodes[cid].Code)
	}
	return path, nil
}

// IsAncestor reports whether a is a proper ancestor of b.
func (t *Tree) IsAncestor(a, b int64) bool {
	ids, err := t.chain(b)
	if err != nil {
		return false
	}
	for _, id := range ids[:len(ids)-1] {
		if id == a {
			return true
		}
	}
	return false
}

// Subtree returns id and all its descendants, parents before children.
func (t *Tree) Subtree(id int64) []int64 {
	out := []int64{id}
	for i := 0; i < len(out); i++ {
		kids := append([]int64(nil), t.children[out[i]]...)
		sort.Slice(kids, func(a, b int) bool { return kids[a] < kids[b] })
		out = append(out, kids...)
	}
	return out
}

// height is the number of levels below id.
func (t *Tree) height(id int64) int {
	h := 0
	for _, c := range t.children[id] {
		if ch := t.height(c) + 1; ch > h {
			h = ch
		}
	}
	return h
}

// CheckMove validates re-parenting id under newParent (nil for root) without
// applying it.
func (t *Tree) CheckMove(id int64, newParent *int64) error {
	if _, ok := t.nodes[id]; !ok {
		return fmt.Errorf("node %d: %w", id, ErrUnknownNode)
	}
	depth := 0
	if newParent != nil {
		if *newParent == id || t.IsAncestor(id, *newParent) {
			return ErrCycle
		}
		ids, err := t.chain(*newParent)
		if err != nil {
			return err
		}
		depth = len(ids)
	}
	if depth+t.height(id) > t.maxDepth {
		return ErrTooDeep
	}
	return nil
}

// Mismatch is a stored path or depth that disagrees with the tree.
type Mismatch struct {
	ID          int64  `json:"id"`
	StoredPath  string `json:"stored_path"`
	DerivedPath string `json:"derived_path"`
	StoredDepth int    `json:"stored_depth"`
}

// Verify compares stored paths and depths against the derived ones.
func (t *Tree) Verify(stored map[int64]string, depths map[int64]int) []Mismatch {
	var out []Mismatch
	ids := make([]int64, 0, len(t.nodes))
	for id := range t.nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })
	for _, id := range ids {
		derived, _ := t.Path(id)
		if stored[id] != derived || depths[id] != Depth(derived) {
			out = append(out, Mismatch{ID: id, StoredPath: stored[id], DerivedPath: derived, StoredDepth: depths[id]})
		}
	}
	return out
}
