// Package app contains the core application logic. It wires the catalog, the
// lab file, the plan compiler and the session manager together and drives one
// simulation run, decoupled from any specific entrypoint like a CLI.
package app
