// Package compiler flattens a graph snapshot into the ordered list of
// technique ids that the simulation engine executes.
//
// The compiler is a pure function over a graph.Snapshot: it performs no I/O,
// keeps no state and never retries.
package compiler

import (
	"errors"
	"fmt"

	"github.com/tracecat/simlab/internal/graph"
)

var (
	// ErrEmptyGraph is returned when the graph has no nodes.
	ErrEmptyGraph = errors.New("empty graph")
	// ErrMultipleStartNodes is returned when more than one node has no
	// incoming link.
	ErrMultipleStartNodes = errors.New("multiple start nodes")
	// ErrNoStartNode is returned when every node has an incoming link, which
	// under the graph invariants means the nodes form cycles.
	ErrNoStartNode = errors.New("no start node")
	// ErrMissingPrimitive is returned when a visited node cannot be resolved
	// to a primitive.
	ErrMissingPrimitive = errors.New("missing primitive")
	// ErrDisconnectedComponents is returned in strict mode when some nodes
	// are not reachable from the start node.
	ErrDisconnectedComponents = errors.New("disconnected components")
)

// Plan is an ordered sequence of technique ids.
type Plan []string

// Result is the outcome of a successful compile.
type Result struct {
	Plan Plan
	// Path holds the visited node ids in plan order.
	Path []graph.NodeID
	// Dropped holds the node ids that were not reachable from the start node
	// and are therefore absent from the plan.
	Dropped []graph.NodeID
}

type options struct {
	strict bool
}

// Option configures Compile.
type Option func(*options)

// WithStrict rejects graphs containing nodes unreachable from the start node
// instead of silently dropping them.
func WithStrict() Option {
	return func(o *options) { o.strict = true }
}

// Compile turns a snapshot into a plan.
//
// The single node without an incoming link is the start; the plan follows the
// unique outgoing link of each node until one has none. Nodes on a separate
// chain or cycle are not reachable from the start and end up in
// Result.Dropped, unless WithStrict is given.
func Compile(snap graph.Snapshot, opts ...Option) (*Result, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	if len(snap.Nodes) == 0 {
		return nil, ErrEmptyGraph
	}

	var starts []graph.NodeID
	for _, n := range snap.Nodes {
		if !snap.HasIncoming(n.ID) {
			starts = append(starts, n.ID)
		}
	}
	switch {
	case len(starts) > 1:
		return nil, fmt.Errorf("%w: nodes %v have no incoming link", ErrMultipleStartNodes, starts)
	case len(starts) == 0:
		return nil, fmt.Errorf("%w: every node has an incoming link", ErrNoStartNode)
	}

	visited := make(map[graph.NodeID]bool, len(snap.Nodes))
	res := &Result{}
	for id, ok := starts[0], true; ok; id, ok = snap.Next(id) {
		// A start node has no incoming link and every other node at most one,
		// so the walk cannot revisit a node; the guard only protects against
		// hand-built snapshots.
		if visited[id] {
			break
		}
		visited[id] = true

		n, found := snap.Node(id)
		if !found || n.Primitive.ID == "" {
			return nil, fmt.Errorf("%w: node %s", ErrMissingPrimitive, id)
		}
		res.Path = append(res.Path, id)
		res.Plan = append(res.Plan, n.Primitive.ID)
	}

	for _, n := range snap.Nodes {
		if !visited[n.ID] {
			res.Dropped = append(res.Dropped, n.ID)
		}
	}
	if o.strict && len(res.Dropped) > 0 {
		return nil, fmt.Errorf("%w: nodes %v are not reachable from node %s", ErrDisconnectedComponents, res.Dropped, starts[0])
	}
	return res, nil
}
