// Package admin serves the operator HTTP surface: /status with the aggregate
// control-plane state, health and readiness probes, and Prometheus metrics.
package admin
