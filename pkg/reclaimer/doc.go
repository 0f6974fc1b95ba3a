// Package reclaimer detects queue entries orphaned by dead consumers and
// redelivers them onto the same role's queue.
package reclaimer
