// Package testdb provides helpers for Postgres integration tests: connecting
// to the database named by DATABASE_URL, applying the goose migrations and
// isolating tests from one another.
package testdb
