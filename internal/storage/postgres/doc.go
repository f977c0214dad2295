// Package postgres provides Postgres-backed persistence: the job repository,
// the transition audit table, connection pooling, and schema migration.
package postgres
