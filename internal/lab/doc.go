// Package lab loads lab files: HCL documents that place catalog techniques on
// an attack graph, link them into a chain and say which engine to run the
// chain against.
//
// Attribute expressions are evaluated with an `env` object holding the
// process environment, so a lab can write url = "ws://${env.SIM_HOST}/labs/ws".
package lab
