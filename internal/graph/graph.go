package graph

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/tracecat/simlab/internal/catalog"
)

// MaxNodes caps the number of nodes in a model.
const MaxNodes = 10

var (
	// ErrCapacityExceeded is returned by AddNode once MaxNodes nodes exist.
	ErrCapacityExceeded = errors.New("capacity exceeded")
	// ErrInvalidTopology is returned by AddLink when the link would break the
	// simple-path invariant or references an unknown node.
	ErrInvalidTopology = errors.New("invalid topology")
)

// NodeID identifies a node within one Model.
type NodeID uint64

func (id NodeID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// Node is a placed instance of a primitive.
type Node struct {
	ID        NodeID
	Primitive catalog.Primitive
	// Active marks the node as part of the running session. Presentation only.
	Active bool
}

// Link is a directed edge from Source to Target.
type Link struct {
	Source NodeID
	Target NodeID
}

// Model is the attack chain graph. The zero value is not usable; call New.
type Model struct {
	mu     sync.RWMutex
	nextID NodeID
	nodes  map[NodeID]*Node
	// next and prev hold the single outgoing and incoming link of each node.
	next map[NodeID]NodeID
	prev map[NodeID]NodeID
}

// New creates an empty model.
func New() *Model {
	return &Model{
		nodes: make(map[NodeID]*Node),
		next:  make(map[NodeID]NodeID),
		prev:  make(map[NodeID]NodeID),
	}
}

// AddNode places a primitive on the graph and returns its new id.
func (m *Model) AddNode(p catalog.Primitive) (NodeID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.nodes) >= MaxNodes {
		return 0, fmt.Errorf("%w: graph already holds %d nodes", ErrCapacityExceeded, MaxNodes)
	}
	m.nextID++
	id := m.nextID
	m.nodes[id] = &Node{ID: id, Primitive: p}
	return id, nil
}

// AddLink joins source to target.
func (m *Model) AddLink(source, target NodeID) error {
	if source == target {
		return fmt.Errorf("%w: self-link on node %s", ErrInvalidTopology, source)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.nodes[source]; !ok {
		return fmt.Errorf("%w: source node %s not found", ErrInvalidTopology, source)
	}
	if _, ok := m.nodes[target]; !ok {
		return fmt.Errorf("%w: target node %s not found", ErrInvalidTopology, target)
	}
	if existing, ok := m.next[source]; ok {
		return fmt.Errorf("%w: node %s already links to %s", ErrInvalidTopology, source, existing)
	}
	if existing, ok := m.prev[target]; ok {
		return fmt.Errorf("%w: node %s is already linked from %s", ErrInvalidTopology, target, existing)
	}

	m.next[source] = target
	m.prev[target] = source
	return nil
}

// RemoveNode deletes a node and every link touching it. It reports whether
// the node existed.
func (m *Model) RemoveNode(id NodeID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.nodes[id]; !ok {
		return false
	}
	if target, ok := m.next[id]; ok {
		delete(m.prev, target)
		delete(m.next, id)
	}
	if source, ok := m.prev[id]; ok {
		delete(m.next, source)
		delete(m.prev, id)
	}
	delete(m.nodes, id)
	return true
}

// RemoveLink deletes the link source->target if present. It reports whether a
// link was removed.
func (m *Model) RemoveLink(source, target NodeID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.next[source]; !ok || t != target {
		return false
	}
	delete(m.next, source)
	delete(m.prev, target)
	return true
}

// Node returns a copy of the node with the given id.
func (m *Model) Node(id NodeID) (Node, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n, ok := m.nodes[id]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// Len returns the number of nodes.
func (m *Model) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.nodes)
}

// Nodes returns copies of all nodes ordered by id.
func (m *Model) Nodes() []Node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sortedNodes()
}

// Links returns all links ordered by source id.
func (m *Model) Links() []Link {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sortedLinks()
}

// MarkActive flags the given nodes as part of a running session. Unknown ids
// are ignored.
func (m *Model) MarkActive(ids ...NodeID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range ids {
		if n, ok := m.nodes[id]; ok {
			n.Active = true
		}
	}
}

// ClearActive removes the running-session flag from every node.
func (m *Model) ClearActive() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, n := range m.nodes {
		n.Active = false
	}
}

// Snapshot returns an immutable copy of the current topology.
func (m *Model) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return Snapshot{
		Nodes: m.sortedNodes(),
		Links: m.sortedLinks(),
	}
}

func (m *Model) sortedNodes() []Node {
	out := make([]Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		out = append(out, *n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Model) sortedLinks() []Link {
	out := make([]Link, 0, len(m.next))
	for source, target := range m.next {
		out = append(out, Link{Source: source, Target: target})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out
}
