// Package graph snapshots the import graph of an environment. It includes
// the Snapshot representation, queries over dependencies and dependents,
// DOT rendering, and an executor that visits modules dependencies first.
package graph
