// Package sinks holds the progress.Sink implementations wired by the server:
// a zap audit log, Prometheus audit counters, the Postgres transition table,
// and the terminal-event topic.
package sinks
