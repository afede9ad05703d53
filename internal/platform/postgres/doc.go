// Package postgres provides PostgreSQL implementations of the activity ledger
// and the job broker. Queries run through store.DBTX so a store can be bound
// to a pool or to a caller-owned transaction with WithTx.
package postgres
