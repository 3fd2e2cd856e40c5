// Package graph is the in-memory model of an attack chain: primitive nodes
// placed by the operator and the directed links between them.
//
// # Invariants
//
// The model enforces its topology at edit time, not at compile time:
//   - **Simple paths only:** a node has at most one outgoing and at most one
//     incoming link, so the graph is always a disjoint union of paths (and,
//     possibly, cycles).
//   - **Bounded size:** at most MaxNodes nodes exist at once, which bounds the
//     length of any plan compiled from the model.
//   - **No self or parallel links:** a link never joins a node to itself and a
//     pair of nodes is joined at most once.
//   - **No dangling links:** removing a node removes every link touching it.
//
// Node ids are assigned from a per-model counter and are never reused, even
// after the node that held them is removed.
//
// # Lifecycle
//
//  1. **Created** by the app for one lab (New).
//  2. **Edited** by the operator (AddNode, AddLink, RemoveNode, RemoveLink).
//  3. **Compiled** from a Snapshot by the compiler package.
//  4. **Marked** while a session runs (MarkActive, ClearActive), purely for
//     presentation.
//
// The model has no side effects beyond its own state.
package graph
