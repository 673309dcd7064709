// Package leaveset tracks nodes believed to belong to the current epoch
// but currently absent from the group view.
package leaveset

import "github.com/clusterd/noded/cluster/node"

// Set is an unordered collection of nodes that left but are expected to
// return. Not safe for concurrent use; mutated only from the cluster-state
// owning actor.
type Set struct {
	members []node.Node
}

// New returns an empty LeaveSet.
func New() *Set {
	return &Set{}
}

// Add inserts n if it isn't already present.
func (s *Set) Add(n node.Node) {
	if node.Contains(s.members, n) {
		return
	}
	s.members = append(s.members, n)
}

// Remove deletes n if present.
func (s *Set) Remove(n node.Node) {
	for i, m := range s.members {
		if m.Equal(n) {
			s.members = append(s.members[:i], s.members[i+1:]...)
			return
		}
	}
}

// Contains reports whether n is in the set.
func (s *Set) Contains(n node.Node) bool {
	return node.Contains(s.members, n)
}

// Len returns the number of nodes currently in the leave-set.
func (s *Set) Len() int { return len(s.members) }

// Members returns a copy of the current leave-set contents.
func (s *Set) Members() []node.Node {
	return append([]node.Node(nil), s.members...)
}

// Clear empties the set, e.g. when recovery completes for a new epoch or
// status transitions back to Ok.
func (s *Set) Clear() {
	s.members = nil
}
