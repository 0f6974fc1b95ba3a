// Package queue implements the role-partitioned work queue port over Redis
// streams. Each pipeline role owns one stream consumed through a shared
// consumer group, giving per-entry claim/acknowledge semantics, backlog
// introspection, and reclamation of entries claimed by dead consumers.
package queue
