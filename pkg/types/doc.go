// Package types defines the shared data model for the foreman control plane:
// pipeline roles, scaling policies, tracked worker processes, and the
// snapshots read from the queue and heartbeat ports.
package types
