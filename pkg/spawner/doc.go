// Package spawner owns the table of live worker processes. It launches
// workers with their assigned instance identity, tags their output, watches
// for exits, and escalates graceful stops to forced kills. The process table
// is the only in-process shared state the control loops coordinate through.
package spawner
