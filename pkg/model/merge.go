package model

// The merger collapses sibling scopes that share a (name, tag) pair into
// one aggregate node, recursively. It operates on an immutable frame
// snapshot, so its output is fully determined by the input: merging the
// same frame twice yields identical trees.

// MergedNode is an aggregate of sibling scopes with the same name and
// tag. Children are kept in first-seen order, which makes the output
// deterministic for a given recorded stream.
type MergedNode struct {
	NameID          uint32
	TagID           uint32
	TotalDurationNs uint64
	// MaxDurationNs is the duration of the slowest merged piece.
	MaxDurationNs uint64
	CallCount     int
	Children      []*MergedNode
}

type mergeKey struct {
	name uint32
	tag  uint32
}

// MergeFrame merges every thread stream of a frame, returning one forest
// per thread id.
func MergeFrame(f *Frame) (map[uint64][]*MergedNode, error) {
	streams, err := f.Threads()
	if err != nil {
		return nil, err
	}
	forests := make(map[uint64][]*MergedNode, len(streams))
	for id, ts := range streams {
		forests[id] = MergeScopes(ts.Scopes)
	}
	return forests, nil
}

// MergeScopes merges one thread's scope stream. Scopes must be in begin
// order with correct depths, which is how threads record them.
func MergeScopes(scopes []Scope) []*MergedNode {
	roots, children := buildTree(scopes)
	return mergeSiblings(scopes, roots, children)
}

// buildTree rebuilds parent/child relations from nesting depths. A scope
// at depth d is a child of the most recent scope at depth d-1. Malformed
// depths (a gap in nesting) degrade by clamping to the current stack,
// never by dropping scopes.
func buildTree(scopes []Scope) (roots []int32, children [][]int32) {
	children = make([][]int32, len(scopes))
	stack := make([]int32, 0, 16)
	for i := range scopes {
		depth := int(scopes[i].Depth)
		if depth > len(stack) {
			depth = len(stack)
		}
		stack = stack[:depth]
		if len(stack) == 0 {
			roots = append(roots, int32(i))
		} else {
			parent := stack[len(stack)-1]
			children[parent] = append(children[parent], int32(i))
		}
		stack = append(stack, int32(i))
	}
	return roots, children
}

func mergeSiblings(scopes []Scope, group []int32, children [][]int32) []*MergedNode {
	if len(group) == 0 {
		return nil
	}
	var (
		order []*MergedNode
		byKey = make(map[mergeKey]*MergedNode, len(group))
		kids  = make(map[mergeKey][]int32, len(group))
	)
	for _, idx := range group {
		s := scopes[idx]
		key := mergeKey{name: s.NameID, tag: s.TagID}
		node, ok := byKey[key]
		if !ok {
			node = &MergedNode{NameID: s.NameID, TagID: s.TagID}
			byKey[key] = node
			order = append(order, node)
		}
		node.CallCount++
		node.TotalDurationNs += s.DurationNs
		if s.DurationNs > node.MaxDurationNs {
			node.MaxDurationNs = s.DurationNs
		}
		kids[key] = append(kids[key], children[idx]...)
	}
	for _, node := range order {
		key := mergeKey{name: node.NameID, tag: node.TagID}
		node.Children = mergeSiblings(scopes, kids[key], children)
	}
	return order
}

// Child returns the merged child with the given name, or nil.
func (n *MergedNode) Child(nameID uint32) *MergedNode {
	for _, c := range n.Children {
		if c.NameID == nameID {
			return c
		}
	}
	return nil
}
