// Package monitor implements heartbeat-based health supervision of worker
// processes with bounded, decay-windowed restarts. Hung processes are caught
// by heartbeat staleness, dead ones by an OS-level liveness probe; both feed
// the same restart procedure.
package monitor
