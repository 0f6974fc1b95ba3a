// Package events provides the typed event stream the control loops publish
// to: spawns, exits, restarts, scaling decisions, and queue reclamations.
// Delivery is best-effort over buffered channels; the loops never block on a
// slow subscriber.
package events
