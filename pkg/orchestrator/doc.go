// Package orchestrator composes the foreman control plane: it verifies the
// backing stores at startup, establishes minimum capacity per role, runs the
// health, scaling, and reclamation loops, and owns graceful shutdown.
package orchestrator
