// Package metrics exposes Prometheus collectors for the control plane: agent
// pool sizes, restart and scaling activity, queue backlog, reclamations, and
// control loop timings.
package metrics
