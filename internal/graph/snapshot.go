package graph

// Snapshot is a point-in-time copy of a model's topology. It is what the
// compiler reads, so a compile never observes a half-applied edit.
type Snapshot struct {
	Nodes []Node // ordered by id
	Links []Link // ordered by source id
}

// Next returns the target of the outgoing link of id, if any.
func (s Snapshot) Next(id NodeID) (NodeID, bool) {
	for _, l := range s.Links {
		if l.Source == id {
			return l.Target, true
		}
	}
	return 0, false
}

// HasIncoming reports whether some link targets id.
func (s Snapshot) HasIncoming(id NodeID) bool {
	for _, l := range s.Links {
		if l.Target == id {
			return true
		}
	}
	return false
}

// Node returns the node with the given id.
func (s Snapshot) Node(id NodeID) (Node, bool) {
	for _, n := range s.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}
