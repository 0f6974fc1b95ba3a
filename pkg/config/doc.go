// Package config loads the foreman YAML configuration: the Redis backing
// store, the worker launch command, per-role scaling policies, and the
// control loop intervals.
package config
