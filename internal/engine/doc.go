// Package engine talks to the simulation engine's HTTP API. The only call a
// session makes outside its streaming channel is the teardown of a lab.
package engine
