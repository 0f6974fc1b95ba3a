// Package heartbeat implements the worker liveness port over Redis keys.
// Workers write timestamped records about themselves; the health monitor
// scans for records gone stale, which catches processes that are wedged but
// still alive at the OS level.
package heartbeat
