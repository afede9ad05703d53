// Package sqlite provides a single-node activity ledger on modernc.org/sqlite,
// a pure Go driver, so local and embedded deployments need neither cgo nor
// a Postgres server.
package sqlite
