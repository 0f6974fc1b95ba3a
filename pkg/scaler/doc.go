// Package scaler drives demand-based autoscaling of the per-role worker
// pools: fast proportional scale-up from queue backlog, debounced scale-down
// of idle instances.
package scaler
