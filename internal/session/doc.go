// Package session owns one logical simulation run against the remote engine.
//
// A Manager moves through Idle, Running and Stopped. Start dials a streaming
// channel and sends a single initiation message carrying the compiled plan.
// While Running every inbound message is validated by the event package and
// appended to the Feed in arrival order; invalid messages are dropped without
// ending the run. Stop closes the channel, asks the engine to tear the lab
// down and clears presentation markers. The channel is never reopened behind
// the operator's back.
//
// All mutation goes through a single mutex, so operator calls and the receive
// goroutine never interleave. A generation counter keeps a late message from
// an old channel out of a newer session's Feed.
package session
