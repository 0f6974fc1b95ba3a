// Package log provides structured logging for foreman built on zerolog.
//
// The package wraps zerolog with a global logger instance and helpers for
// creating component-scoped child loggers. Output defaults to a console
// writer for interactive use and can be switched to JSON or teed into a log
// file for detached operation.
package log
