// Package progress carries the job transition audit stream. The transition
// gate emits one Event per committed state change; a non-blocking Hub batches
// them on a background goroutine and fans them out to pluggable sinks such as
// Prometheus counters, structured logs, a Postgres audit table, or a Pub/Sub
// topic for downstream consumers.
package progress
