// Package store holds the persistence primitives shared by the Postgres and
// SQLite backends: the DBTX abstraction, transaction helpers and the sentinel
// errors that callers match with errors.Is.
package store
